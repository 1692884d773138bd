// Package command answers bot commands addressed to the bot on any adapter.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"chatbridge/pkg/bus"
	"chatbridge/pkg/channel"
)

// Func answers one command. args is the text after the command word.
type Func func(ctx context.Context, msg bus.IncomingMessage, args string) (string, error)

// Router strips the bot mention from inbound text and runs the named command.
// Messages that do not open with a mention are ignored.
type Router struct {
	log        *slog.Logger
	addressers map[string]*regexp.Regexp
	commands   map[string]Func
}

// NewRouter builds a router for adapters with the built-in ping, echo and help commands.
func NewRouter(adapters []channel.Adapter, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}

	addressers := make(map[string]*regexp.Regexp, len(adapters))
	for _, adapter := range adapters {
		addressers[adapter.Name()] = adapter.Addresser()
	}

	r := &Router{
		log:        log.With("component", "command.router"),
		addressers: addressers,
		commands:   make(map[string]Func),
	}

	r.Register("ping", func(context.Context, bus.IncomingMessage, string) (string, error) {
		return "pong", nil
	})
	r.Register("echo", func(_ context.Context, _ bus.IncomingMessage, args string) (string, error) {
		if args == "" {
			return "", errors.New("usage: echo <text>")
		}
		return args, nil
	})
	r.Register("help", func(context.Context, bus.IncomingMessage, string) (string, error) {
		return "commands: " + strings.Join(r.Names(), ", "), nil
	})

	return r
}

// Register adds or replaces a command. Names are case-insensitive.
func (r *Router) Register(name string, fn Func) {
	r.commands[strings.ToLower(name)] = fn
}

// Names lists the registered commands in sorted order.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle is a bus.MessageHandler. Command errors are answered in the conversation;
// only a failed reply is returned.
func (r *Router) Handle(ctx context.Context, msg bus.IncomingMessage) error {
	body, ok := r.addressed(msg)
	if !ok {
		return nil
	}

	name, args := split(body)
	if name == "" {
		return nil
	}

	fn, ok := r.commands[name]
	var text string
	if !ok {
		text = fmt.Sprintf("unknown command %q, try help", name)
	} else {
		out, err := fn(ctx, msg, args)
		if err != nil {
			r.log.Debug("Command failed", "command", name, "message_id", msg.ID, "error", err)
			text = err.Error()
		} else {
			text = out
		}
	}

	if err := msg.Reply(ctx, text); err != nil {
		return fmt.Errorf("reply to %s: %w", name, err)
	}

	r.log.Debug("Answered command", "command", name, "adapter", msg.SourceAdapter, "message_id", msg.ID)
	return nil
}

// addressed returns the text after the bot mention.
func (r *Router) addressed(msg bus.IncomingMessage) (string, bool) {
	addresser, ok := r.addressers[msg.SourceAdapter]
	if !ok || addresser == nil {
		return "", false
	}

	loc := addresser.FindStringIndex(msg.Text)
	if loc == nil {
		return "", false
	}

	rest := strings.TrimLeft(msg.Text[loc[1]:], ":, \t")
	return strings.TrimSpace(rest), true
}

func split(body string) (string, string) {
	name, args, _ := strings.Cut(body, " ")
	return strings.ToLower(name), strings.TrimSpace(args)
}
