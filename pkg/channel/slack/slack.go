package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"chatbridge/pkg/channel"
	"chatbridge/pkg/config"

	slackapi "github.com/slack-go/slack"
)

const channelName = "slack"

// mentionFormat is how Slack renders a user mention at the start of a message.
const mentionFormat = "<@%s>"

// Adapter bridges the Slack RTM event stream and Web API onto the bus.
type Adapter struct {
	*channel.Base
}

// Option customizes adapter construction.
type Option func(*options)

type options struct {
	events <-chan slackapi.RTMEvent
	bridge channel.BridgeOptions
}

// WithEventStream reads events from events instead of opening an RTM connection.
func WithEventStream(events <-chan slackapi.RTMEvent) Option {
	return func(o *options) {
		o.events = events
	}
}

// WithBridgeOptions tunes the adapter's outgoing queue and retry policy.
func WithBridgeOptions(opts channel.BridgeOptions) Option {
	return func(o *options) {
		o.bridge = opts
	}
}

// NewAdapter validates Slack configuration and prepares, but does not open, the RTM connection.
func NewAdapter(cfg config.SlackConfig, log *slog.Logger, opts ...Option) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.slack.token is required")
	}

	addresser, err := channel.NewAddresser(mentionFormat, cfg.BotName)
	if err != nil {
		return nil, fmt.Errorf("channels.slack.bot_name: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "channel.slack")

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bridge.Logger == nil {
		o.bridge.Logger = log
	}

	botID := strings.TrimSpace(cfg.BotName)

	var conn channel.Connection
	if o.events != nil {
		conn = &eventConnection{events: o.events, botID: botID, log: log}
	} else {
		rtm := newClient(token, cfg.APIURL).NewRTM()
		conn = &rtmConnection{rtm: rtm, botID: botID, log: log}
	}

	newPoster := func() (channel.Poster, error) {
		return &webPoster{client: newClient(token, cfg.APIURL)}, nil
	}

	return &Adapter{
		Base: channel.NewBase(channelName, addresser, conn, newPoster, o.bridge),
	}, nil
}

func newClient(token, apiURL string) *slackapi.Client {
	var clientOpts []slackapi.Option
	if url := strings.TrimSpace(apiURL); url != "" {
		if !strings.HasSuffix(url, "/") {
			url += "/"
		}
		clientOpts = append(clientOpts, slackapi.OptionAPIURL(url))
	}

	return slackapi.New(token, clientOpts...)
}

// rtmConnection owns a live RTM websocket.
type rtmConnection struct {
	rtm   *slackapi.RTM
	botID string
	log   *slog.Logger
}

func (c *rtmConnection) Receive(ctx context.Context, deliver func(channel.Inbound) bool) error {
	go c.rtm.ManageConnection()
	defer func() {
		go func() { _ = c.rtm.Disconnect() }()
	}()

	return receiveEvents(ctx, c.rtm.IncomingEvents, c.botID, deliver, c.log)
}

type eventConnection struct {
	events <-chan slackapi.RTMEvent
	botID  string
	log    *slog.Logger
}

func (c *eventConnection) Receive(ctx context.Context, deliver func(channel.Inbound) bool) error {
	return receiveEvents(ctx, c.events, c.botID, deliver, c.log)
}

func receiveEvents(ctx context.Context, events <-chan slackapi.RTMEvent, botID string, deliver func(channel.Inbound) bool, log *slog.Logger) error {
	count := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return errors.New("slack event stream closed")
			}

			log.Debug("Received event", "count", count, "type", event.Type)
			count++

			inbound, ok, err := decodeEvent(event, botID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}

			if !deliver(inbound) {
				return nil
			}
		}
	}
}

// decodeEvent maps a standard text message to an Inbound. Housekeeping events, bot
// messages (including our own) and messages missing a field are skipped; only auth and
// connection failures are errors.
func decodeEvent(event slackapi.RTMEvent, botID string) (channel.Inbound, bool, error) {
	switch data := event.Data.(type) {
	case *slackapi.MessageEvent:
		if data.SubType != "" || data.Text == "" || data.Channel == "" || data.User == "" {
			return channel.Inbound{}, false, nil
		}
		if data.BotID != "" || data.User == botID {
			return channel.Inbound{}, false, nil
		}
		return channel.Inbound{
			ThreadID: data.ThreadTimestamp,
			Channel:  data.Channel,
			Author:   data.User,
			Text:     data.Text,
		}, true, nil
	case *slackapi.InvalidAuthEvent:
		return channel.Inbound{}, false, errors.New("slack rejected the bot token")
	case *slackapi.ConnectionErrorEvent:
		return channel.Inbound{}, false, fmt.Errorf("slack connection failed: %w", data.ErrorObj)
	case *slackapi.DisconnectedEvent:
		if data.Intentional {
			return channel.Inbound{}, false, nil
		}
		if data.Cause == nil {
			return channel.Inbound{}, false, errors.New("slack connection dropped")
		}
		return channel.Inbound{}, false, fmt.Errorf("slack connection dropped: %w", data.Cause)
	default:
		return channel.Inbound{}, false, nil
	}
}

// webPoster sends replies with chat.postMessage.
type webPoster struct {
	client *slackapi.Client
}

func (p *webPoster) Post(ctx context.Context, target channel.Target, text string) error {
	msgOpts := []slackapi.MsgOption{slackapi.MsgOptionText(text, false)}
	if target.ThreadID != "" {
		msgOpts = append(msgOpts, slackapi.MsgOptionTS(target.ThreadID))
	}

	if _, _, err := p.client.PostMessageContext(ctx, target.Channel, msgOpts...); err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}

	return nil
}
