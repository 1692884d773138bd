package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chatbridge/pkg/bus"
	"chatbridge/pkg/metrics"

	"github.com/google/uuid"
)

const (
	defaultQueueSize    = 100
	defaultSendAttempts = 1
	defaultRetryBackoff = time.Second
)

// Inbound is a decoded text message handed from a backend connection to the bridge.
type Inbound struct {
	ThreadID string
	Channel  string
	Author   string
	Text     string
}

// Target addresses one outbound post.
type Target struct {
	Channel  string
	ThreadID string
}

// Connection is a backend's live event stream. It is owned by the receiver alone.
type Connection interface {
	// Receive blocks, passing every text message to deliver, until the connection
	// fails or ctx ends. deliver reports false once the bus stopped accepting
	// messages; Receive should then return nil.
	Receive(ctx context.Context, deliver func(Inbound) bool) error
}

// Poster issues outbound API calls for the sender.
type Poster interface {
	Post(ctx context.Context, target Target, text string) error
}

// PosterFactory builds the sender's own outbound client.
type PosterFactory func() (Poster, error)

// BridgeOptions tunes one bridge. Zero values select the defaults.
type BridgeOptions struct {
	QueueSize int
	// SendAttempts is the number of tries per reply before the sender gives up.
	SendAttempts int
	RetryBackoff time.Duration
	// SendTimeout bounds one outbound call. Zero leaves calls unbounded.
	SendTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Bridge runs the receiver and the sender of one adapter and owns its outgoing queue.
type Bridge struct {
	name string
	opts BridgeOptions
	log  *slog.Logger

	queue         chan bus.AdapterMsg
	senderStopped chan struct{}
	done          chan struct{}
	handle        bus.ReplyHandle

	started atomic.Bool
}

func NewBridge(name string, opts BridgeOptions) *Bridge {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.SendAttempts <= 0 {
		opts.SendAttempts = defaultSendAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	queue := make(chan bus.AdapterMsg, opts.QueueSize)
	senderStopped := make(chan struct{})

	return &Bridge{
		name:          name,
		opts:          opts,
		log:           log.With("component", "channel.bridge", "adapter", name),
		queue:         queue,
		senderStopped: senderStopped,
		done:          make(chan struct{}),
		handle:        bus.NewReplyHandle(queue, senderStopped),
	}
}

// ReplyHandle returns a producer handle on the outgoing queue.
func (b *Bridge) ReplyHandle() bus.ReplyHandle {
	return b.handle
}

// Done is closed once both units have exited.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Start moves conn into a new receiver goroutine and spawns the sender, which
// builds its poster with newPoster. It returns without waiting on either.
//
// ctx bounds the receiver and its bus publishes. The sender ignores ctx
// cancellation and stops only on Shutdown or a fatal send error.
func (b *Bridge) Start(ctx context.Context, sink Bus, conn Connection, newPoster PosterFactory) error {
	if b.started.Load() {
		return ErrAlreadyStarted
	}
	if sink == nil {
		return errors.New("bus is required")
	}
	if conn == nil {
		return errors.New("connection is required")
	}
	if newPoster == nil {
		return errors.New("poster factory is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	sink.PublishEvent(ctx, bus.Event{Type: bus.EventAdapterStarted, Adapter: b.name})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.runReceiver(ctx, sink, conn)
	}()
	go func() {
		defer wg.Done()
		b.runSender(context.WithoutCancel(ctx), sink, newPoster)
	}()
	go func() {
		wg.Wait()
		close(b.done)
	}()

	return nil
}

// Shutdown enqueues the Shutdown sentinel behind any queued replies.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if !b.started.Load() {
		return ErrNotStarted
	}

	err := b.handle.Send(ctx, bus.Shutdown{})
	if errors.Is(err, bus.ErrAdapterStopped) {
		return nil
	}

	return err
}

func (b *Bridge) runReceiver(ctx context.Context, sink Bus, conn Connection) {
	b.opts.Metrics.SetRunning(b.name, metrics.UnitReceiver, true)
	defer b.opts.Metrics.SetRunning(b.name, metrics.UnitReceiver, false)

	b.log.Info("Receiver started")

	deliver := func(in Inbound) bool {
		if in.Text == "" {
			b.opts.Metrics.MessageDropped(b.name, "empty_text")
			return true
		}

		msg := bus.IncomingMessage{
			ID:            uuid.NewString(),
			SourceAdapter: b.name,
			ThreadID:      in.ThreadID,
			Channel:       in.Channel,
			Author:        in.Author,
			Text:          in.Text,
			ReceivedAt:    time.Now().UTC(),
			ReplyTo:       b.handle,
		}

		if !sink.PublishInbound(ctx, msg) {
			b.opts.Metrics.MessageDropped(b.name, "bus_closed")
			return false
		}

		b.opts.Metrics.MessageReceived(b.name)
		b.log.Debug("Published message", "message_id", msg.ID, "channel", msg.Channel, "author", msg.Author)
		return true
	}

	err := conn.Receive(ctx, deliver)
	if err != nil && !errors.Is(err, context.Canceled) {
		b.log.Error("Receiver stopped", "error", err)
		sink.PublishEvent(context.WithoutCancel(ctx), bus.Event{Type: bus.EventReceiverStopped, Adapter: b.name, Error: err.Error()})
		return
	}

	b.log.Info("Receiver stopped")
	sink.PublishEvent(context.WithoutCancel(ctx), bus.Event{Type: bus.EventReceiverStopped, Adapter: b.name})
}

func (b *Bridge) runSender(ctx context.Context, sink Bus, newPoster PosterFactory) {
	defer close(b.senderStopped)

	b.opts.Metrics.SetRunning(b.name, metrics.UnitSender, true)
	defer b.opts.Metrics.SetRunning(b.name, metrics.UnitSender, false)

	poster, err := newPoster()
	if err != nil {
		b.senderFailed(ctx, sink, fmt.Errorf("create poster: %w", err))
		return
	}

	b.log.Info("Sender started")

	for msg := range b.queue {
		switch m := msg.(type) {
		case bus.Outgoing:
			target := Target{Channel: m.Incoming.Channel, ThreadID: m.Incoming.ThreadID}
			if target.Channel == "" {
				b.log.Warn("Dropping reply without target channel", "message_id", m.Incoming.ID)
				sink.PublishEvent(ctx, bus.Event{Type: bus.EventDeliveryFailed, Adapter: b.name, MessageID: m.Incoming.ID, Error: "missing target channel"})
				continue
			}

			if err := b.post(ctx, poster, target, m.Text); err != nil {
				sink.PublishEvent(ctx, bus.Event{Type: bus.EventDeliveryFailed, Adapter: b.name, Channel: target.Channel, MessageID: m.Incoming.ID, Error: err.Error()})
				b.senderFailed(ctx, sink, fmt.Errorf("post to %s: %w", target.Channel, err))
				return
			}

			b.opts.Metrics.ReplySent(b.name)
			b.log.Debug("Sent reply", "channel", target.Channel, "thread_id", target.ThreadID, "message_id", m.Incoming.ID)
		case bus.Private:
			b.opts.Metrics.PrivateIgnored(b.name)
			b.log.Warn("Private messages are not implemented", "author", m.Author)
		case bus.Shutdown:
			b.log.Info("Sender stopped")
			sink.PublishEvent(ctx, bus.Event{Type: bus.EventSenderStopped, Adapter: b.name})
			return
		default:
			b.log.Warn("Ignoring unknown outgoing message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

// post tries one reply up to SendAttempts times, backing off linearly between tries.
func (b *Bridge) post(ctx context.Context, poster Poster, target Target, text string) error {
	var err error
	for attempt := 1; attempt <= b.opts.SendAttempts; attempt++ {
		if err = b.postOnce(ctx, poster, target, text); err == nil {
			return nil
		}

		b.opts.Metrics.ReplyFailed(b.name)
		b.log.Warn("Outbound call failed", "channel", target.Channel, "attempt", attempt, "error", err)

		if attempt < b.opts.SendAttempts {
			time.Sleep(time.Duration(attempt) * b.opts.RetryBackoff)
		}
	}

	return err
}

func (b *Bridge) postOnce(ctx context.Context, poster Poster, target Target, text string) error {
	if b.opts.SendTimeout <= 0 {
		return poster.Post(ctx, target, text)
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.opts.SendTimeout)
	defer cancel()
	return poster.Post(sendCtx, target, text)
}

func (b *Bridge) senderFailed(ctx context.Context, sink Bus, err error) {
	b.log.Error("Sender stopped", "error", err)
	sink.PublishEvent(ctx, bus.Event{Type: bus.EventSenderStopped, Adapter: b.name, Error: err.Error()})
}
