package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAdapterStopped is returned when a reply is sent after the adapter's sender stopped.
	ErrAdapterStopped = errors.New("adapter sender stopped")
	// ErrNoReplyHandle is returned by the zero ReplyHandle.
	ErrNoReplyHandle = errors.New("message has no reply handle")
)

// IncomingMessage is the backend-agnostic representation of one received chat message.
type IncomingMessage struct {
	ID            string    `json:"id"`
	SourceAdapter string    `json:"source_adapter"`
	ThreadID      string    `json:"thread_id,omitempty"`
	Channel       string    `json:"channel"`
	Author        string    `json:"author"`
	Text          string    `json:"text"`
	ReceivedAt    time.Time `json:"received_at"`

	ReplyTo ReplyHandle `json:"-"`
}

// Reply routes text back to the conversation the message came from.
func (m IncomingMessage) Reply(ctx context.Context, text string) error {
	return m.ReplyTo.Send(ctx, Outgoing{Text: text, Incoming: m})
}

// AdapterMsg is one value on an adapter's outgoing queue: Outgoing, Private or Shutdown.
type AdapterMsg interface {
	adapterMsg()
}

// Outgoing is a reply bound to the message that triggered it.
type Outgoing struct {
	Text     string
	Incoming IncomingMessage
}

// Private is a direct message to a user. Adapters accept it but do not deliver it yet.
type Private struct {
	Author string
	Text   string
}

// Shutdown stops the sender that consumes it.
type Shutdown struct{}

func (Outgoing) adapterMsg() {}
func (Private) adapterMsg()  {}
func (Shutdown) adapterMsg() {}

// ReplyHandle is the producer end of an adapter's outgoing queue.
//
// Copies share the same queue. The handle never closes the queue, so it is safe to
// keep after the adapter stopped; Send then fails with ErrAdapterStopped.
type ReplyHandle struct {
	queue   chan<- AdapterMsg
	stopped <-chan struct{}
}

// NewReplyHandle binds a handle to an outgoing queue and the signal closed when its
// consumer exits.
func NewReplyHandle(queue chan<- AdapterMsg, stopped <-chan struct{}) ReplyHandle {
	return ReplyHandle{queue: queue, stopped: stopped}
}

// Send enqueues msg, blocking while the queue is full.
func (h ReplyHandle) Send(ctx context.Context, msg AdapterMsg) error {
	if h.queue == nil {
		return ErrNoReplyHandle
	}
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-h.stopped:
		return ErrAdapterStopped
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case <-h.stopped:
		return ErrAdapterStopped
	case <-ctx.Done():
		return ctx.Err()
	case h.queue <- msg:
		return nil
	}
}

// MessageHandler consumes one inbound message taken off the bus.
type MessageHandler func(context.Context, IncomingMessage) error
