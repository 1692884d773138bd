package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"chatbridge/pkg/channel"
	"chatbridge/pkg/config"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"
const messagePreviewLimit = 240

// mentionFormat matches "@bot_name" at the start of a message.
const mentionFormat = `@%s\b`

// Adapter bridges Telegram long polling and the Bot API onto the bus.
type Adapter struct {
	*channel.Base
}

// Option customizes adapter construction.
type Option func(*options)

type options struct {
	updates <-chan telego.Update
	bridge  channel.BridgeOptions
}

// WithUpdates reads updates from updates instead of long polling.
func WithUpdates(updates <-chan telego.Update) Option {
	return func(o *options) {
		o.updates = updates
	}
}

// WithBridgeOptions tunes the adapter's outgoing queue and retry policy.
func WithBridgeOptions(opts channel.BridgeOptions) Option {
	return func(o *options) {
		o.bridge = opts
	}
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger, opts ...Option) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	addresser, err := channel.NewAddresser(mentionFormat, cfg.BotName)
	if err != nil {
		return nil, fmt.Errorf("channels.telegram.bot_name: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "channel.telegram")

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bridge.Logger == nil {
		o.bridge.Logger = log
	}

	allowed := allowFromSet(cfg.AllowFrom)

	var conn channel.Connection
	if o.updates != nil {
		conn = &updateConnection{updates: o.updates, allowFrom: allowed, log: log}
	} else {
		bot, err := newBot(token, cfg.APIServer)
		if err != nil {
			return nil, err
		}
		conn = &pollingConnection{bot: bot, allowFrom: allowed, log: log}
	}

	newPoster := func() (channel.Poster, error) {
		bot, err := newBot(token, cfg.APIServer)
		if err != nil {
			return nil, err
		}
		return &botPoster{bot: bot}, nil
	}

	return &Adapter{
		Base: channel.NewBase(channelName, addresser, conn, newPoster, o.bridge),
	}, nil
}

func newBot(token, apiServer string) (*telego.Bot, error) {
	var botOpts []telego.BotOption
	if server := strings.TrimSpace(apiServer); server != "" {
		botOpts = append(botOpts, telego.WithAPIServer(server))
	}

	bot, err := telego.NewBot(token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return bot, nil
}

// pollingConnection owns the bot used for long polling.
type pollingConnection struct {
	bot       *telego.Bot
	allowFrom map[string]struct{}
	log       *slog.Logger
}

func (c *pollingConnection) Receive(ctx context.Context, deliver func(channel.Inbound) bool) error {
	updates, err := c.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	c.log.Info("Telegram long polling started")
	return receiveUpdates(ctx, updates, c.allowFrom, deliver, c.log)
}

type updateConnection struct {
	updates   <-chan telego.Update
	allowFrom map[string]struct{}
	log       *slog.Logger
}

func (c *updateConnection) Receive(ctx context.Context, deliver func(channel.Inbound) bool) error {
	return receiveUpdates(ctx, c.updates, c.allowFrom, deliver, c.log)
}

func receiveUpdates(ctx context.Context, updates <-chan telego.Update, allowFrom map[string]struct{}, deliver func(channel.Inbound) bool, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return errors.New("telegram updates channel closed")
			}

			inbound, ok := decodeUpdate(update)
			if !ok {
				continue
			}
			if !senderAllowed(allowFrom, inbound.Author) {
				log.Debug("Ignoring message from unauthorized sender", "sender_id", inbound.Author)
				continue
			}

			log.Debug("Received message", "update_id", update.UpdateID, "chat_id", inbound.Channel, "content", previewText(inbound.Text))
			if !deliver(inbound) {
				return nil
			}
		}
	}
}

// decodeUpdate maps a text message update to an Inbound. Updates without a message,
// text or sender are skipped.
func decodeUpdate(update telego.Update) (channel.Inbound, bool) {
	message := update.Message
	if message == nil || message.Text == "" || message.From == nil {
		return channel.Inbound{}, false
	}

	inbound := channel.Inbound{
		Channel: strconv.FormatInt(message.Chat.ID, 10),
		Author:  strconv.FormatInt(message.From.ID, 10),
		Text:    message.Text,
	}
	if message.MessageThreadID != 0 {
		inbound.ThreadID = strconv.Itoa(message.MessageThreadID)
	}

	return inbound, true
}

// botPoster sends replies with sendMessage.
type botPoster struct {
	bot *telego.Bot
}

func (p *botPoster) Post(ctx context.Context, target channel.Target, text string) error {
	chatID, err := strconv.ParseInt(target.Channel, 10, 64)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", target.Channel, err)
	}

	params := tu.Message(tu.ID(chatID), text)
	if target.ThreadID != "" {
		threadID, err := strconv.Atoi(target.ThreadID)
		if err != nil {
			return fmt.Errorf("parse thread id %q: %w", target.ThreadID, err)
		}
		params.MessageThreadID = threadID
	}

	if _, err := p.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	return nil
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func senderAllowed(allowFrom map[string]struct{}, senderID string) bool {
	if len(allowFrom) == 0 {
		return true
	}

	_, ok := allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
