package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"chatbridge/pkg/channel"
	"chatbridge/pkg/config"

	"github.com/bwmarrin/discordgo"
)

const channelName = "discord"

// mentionFormat matches "<@id>" and the legacy nickname form "<@!id>".
const mentionFormat = "<@!?%s>"

const eventBuffer = 64

// Adapter bridges a Discord gateway session and the REST API onto the bus.
type Adapter struct {
	*channel.Base
}

// Option customizes adapter construction.
type Option func(*options)

type options struct {
	messages  <-chan *discordgo.MessageCreate
	newPoster channel.PosterFactory
	bridge    channel.BridgeOptions
}

// WithMessages reads message events from messages instead of opening a gateway session.
func WithMessages(messages <-chan *discordgo.MessageCreate) Option {
	return func(o *options) {
		o.messages = messages
	}
}

// WithPosterFactory replaces the REST client the sender builds.
func WithPosterFactory(factory channel.PosterFactory) Option {
	return func(o *options) {
		o.newPoster = factory
	}
}

// WithBridgeOptions tunes the adapter's outgoing queue and retry policy.
func WithBridgeOptions(opts channel.BridgeOptions) Option {
	return func(o *options) {
		o.bridge = opts
	}
}

// NewAdapter validates Discord configuration and prepares, but does not open, a session.
// cfg.BotName must be the bot's user id.
func NewAdapter(cfg config.DiscordConfig, log *slog.Logger, opts ...Option) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.discord.token is required")
	}

	addresser, err := channel.NewAddresser(mentionFormat, cfg.BotName)
	if err != nil {
		return nil, fmt.Errorf("channels.discord.bot_name: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "channel.discord")

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bridge.Logger == nil {
		o.bridge.Logger = log
	}

	botID := strings.TrimSpace(cfg.BotName)

	var conn channel.Connection
	if o.messages != nil {
		conn = &messageConnection{messages: o.messages, botID: botID}
	} else {
		session, err := discordgo.New("Bot " + token)
		if err != nil {
			return nil, fmt.Errorf("create discord session: %w", err)
		}
		// A dropped gateway connection ends the receiver instead of reconnecting.
		session.ShouldReconnectOnError = false
		conn = &sessionConnection{session: session, botID: botID, log: log}
	}

	newPoster := o.newPoster
	if newPoster == nil {
		newPoster = func() (channel.Poster, error) {
			session, err := discordgo.New("Bot " + token)
			if err != nil {
				return nil, fmt.Errorf("create discord session: %w", err)
			}
			return &restPoster{session: session}, nil
		}
	}

	return &Adapter{
		Base: channel.NewBase(channelName, addresser, conn, newPoster, o.bridge),
	}, nil
}

// sessionConnection owns a gateway websocket session.
type sessionConnection struct {
	session *discordgo.Session
	botID   string
	log     *slog.Logger
}

func (c *sessionConnection) Receive(ctx context.Context, deliver func(channel.Inbound) bool) error {
	messages := make(chan *discordgo.MessageCreate, eventBuffer)
	disconnected := make(chan struct{}, 1)

	removeMessages := c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		select {
		case messages <- m:
		case <-ctx.Done():
		}
	})
	defer removeMessages()

	removeDisconnect := c.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		select {
		case disconnected <- struct{}{}:
		default:
		}
	})
	defer removeDisconnect()

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	defer func() {
		if err := c.session.Close(); err != nil {
			c.log.Debug("Failed to close discord session", "error", err)
		}
	}()

	botID := c.botID
	if c.session.State != nil && c.session.State.User != nil {
		botID = c.session.State.User.ID
	}
	c.log.Info("Discord session opened", "bot_id", botID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-disconnected:
			return errors.New("discord gateway disconnected")
		case m := <-messages:
			inbound, ok := decodeMessage(m, botID)
			if !ok {
				continue
			}
			if !deliver(inbound) {
				return nil
			}
		}
	}
}

type messageConnection struct {
	messages <-chan *discordgo.MessageCreate
	botID    string
}

func (c *messageConnection) Receive(ctx context.Context, deliver func(channel.Inbound) bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-c.messages:
			if !ok {
				return errors.New("discord message stream closed")
			}
			inbound, ok := decodeMessage(m, c.botID)
			if !ok {
				continue
			}
			if !deliver(inbound) {
				return nil
			}
		}
	}
}

// decodeMessage maps a MessageCreate to an Inbound, skipping the bot's own messages
// and messages without author or content.
func decodeMessage(m *discordgo.MessageCreate, botID string) (channel.Inbound, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return channel.Inbound{}, false
	}
	if m.Author.ID == botID || m.Content == "" || m.ChannelID == "" {
		return channel.Inbound{}, false
	}

	return channel.Inbound{
		Channel: m.ChannelID,
		Author:  m.Author.ID,
		Text:    m.Content,
	}, true
}

// restPoster sends replies through the channel messages endpoint.
type restPoster struct {
	session *discordgo.Session
}

func (p *restPoster) Post(ctx context.Context, target channel.Target, text string) error {
	if _, err := p.session.ChannelMessageSend(target.Channel, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}

	return nil
}
