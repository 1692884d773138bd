package channel

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"chatbridge/pkg/bus"
)

var (
	// ErrAlreadyStarted is returned by a second Start on the same adapter.
	ErrAlreadyStarted = errors.New("adapter already started")
	// ErrNotStarted is returned by Shutdown on an adapter that was never started.
	ErrNotStarted = errors.New("adapter not started")
)

// Bus is the side of the message bus an adapter publishes to.
type Bus interface {
	PublishInbound(context.Context, bus.IncomingMessage) bool
	PublishEvent(context.Context, bus.Event) bool
}

// Adapter bridges one external chat service (for example Slack) onto the bus.
type Adapter interface {
	// Name tags every message the adapter publishes.
	Name() string
	// Addresser matches text that opens with a mention of the bot.
	Addresser() *regexp.Regexp
	// Start spawns the receiver and sender and returns immediately.
	// It may be called once; later calls return ErrAlreadyStarted.
	Start(ctx context.Context, b Bus) error
	// Shutdown asks the sender to stop after the replies already queued.
	Shutdown(ctx context.Context) error
	// Done is closed once both the receiver and the sender have exited.
	Done() <-chan struct{}
}

// NewAddresser compiles an anchored mention matcher.
//
// format is a regular expression with one %s verb that receives the quoted bot name,
// for example "<@%s>" for Slack.
func NewAddresser(format, botName string) (*regexp.Regexp, error) {
	name := strings.TrimSpace(botName)
	if name == "" {
		return nil, errors.New("bot name is required")
	}

	pattern := "^" + fmt.Sprintf(format, regexp.QuoteMeta(name))
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile addresser %q: %w", pattern, err)
	}

	return re, nil
}
