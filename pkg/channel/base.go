package channel

import (
	"context"
	"regexp"
	"sync"
)

// Base implements Adapter on top of a Bridge. Backend bindings embed it and supply
// their connection and poster factory.
type Base struct {
	name      string
	addresser *regexp.Regexp
	bridge    *Bridge

	mu        sync.Mutex
	conn      Connection
	newPoster PosterFactory
}

// NewBase takes ownership of conn; it is handed to the receiver on Start.
func NewBase(name string, addresser *regexp.Regexp, conn Connection, newPoster PosterFactory, opts BridgeOptions) *Base {
	return &Base{
		name:      name,
		addresser: addresser,
		bridge:    NewBridge(name, opts),
		conn:      conn,
		newPoster: newPoster,
	}
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) Addresser() *regexp.Regexp {
	return b.addresser
}

// Start hands the connection to the bridge. The adapter keeps no reference to it.
func (b *Base) Start(ctx context.Context, sink Bus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return ErrAlreadyStarted
	}

	if err := b.bridge.Start(ctx, sink, b.conn, b.newPoster); err != nil {
		return err
	}

	b.conn = nil
	return nil
}

func (b *Base) Shutdown(ctx context.Context) error {
	return b.bridge.Shutdown(ctx)
}

func (b *Base) Done() <-chan struct{} {
	return b.bridge.Done()
}
