package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatbridge/pkg/bus"
)

const (
	conversationBuffer      = 32
	defaultConversationIdle = 5 * time.Minute
)

// conversationManager hands inbound messages to the handler, one worker per
// conversation, so messages of one conversation are handled in arrival order while
// different conversations proceed independently.
type conversationManager struct {
	ctx     context.Context
	handler bus.MessageHandler
	log     *slog.Logger
	idle    time.Duration

	closing   chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	conversations map[string]*conversation
	wg            sync.WaitGroup
}

// conversation is the queue of one conversation key.
type conversation struct {
	queue chan bus.IncomingMessage
}

// newConversationManager runs handlers with ctx. Dispatch callers stop feeding the
// manager before Close; ctx should outlive that so replies still go out while draining.
func newConversationManager(ctx context.Context, handler bus.MessageHandler, log *slog.Logger) *conversationManager {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = slog.Default()
	}

	return &conversationManager{
		ctx:           ctx,
		handler:       handler,
		log:           log.With("component", "gateway.conversations"),
		idle:          defaultConversationIdle,
		closing:       make(chan struct{}),
		conversations: make(map[string]*conversation),
	}
}

// conversationKey groups messages by adapter, channel and thread.
func conversationKey(msg bus.IncomingMessage) string {
	key := msg.SourceAdapter + ":" + msg.Channel
	if msg.ThreadID != "" {
		key += ":" + msg.ThreadID
	}

	return key
}

// Dispatch queues msg on its conversation, starting a worker when none is running.
// It blocks while that conversation's queue is full and reports false once ctx ends.
// It must not be called after Close.
func (m *conversationManager) Dispatch(ctx context.Context, msg bus.IncomingMessage) bool {
	key := conversationKey(msg)

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[key]
	if !ok {
		conv = &conversation{queue: make(chan bus.IncomingMessage, conversationBuffer)}
		m.conversations[key] = conv
		m.wg.Add(1)
		go m.run(key, conv)
	}

	// Workers retire only under mu, so conv stays live for this send.
	select {
	case conv.queue <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *conversationManager) run(key string, conv *conversation) {
	defer m.wg.Done()

	timer := time.NewTimer(m.idle)
	defer timer.Stop()

	for {
		select {
		case msg := <-conv.queue:
			m.handle(msg)
			timer.Reset(m.idle)
		case <-timer.C:
			if m.retire(key, conv) {
				return
			}
			timer.Reset(m.idle)
		case <-m.closing:
			m.drain(conv)
			return
		}
	}
}

// drain handles whatever is still queued on conv.
func (m *conversationManager) drain(conv *conversation) {
	for {
		select {
		case msg := <-conv.queue:
			m.handle(msg)
		default:
			return
		}
	}
}

// retire removes an idle conversation unless a message arrived meanwhile.
func (m *conversationManager) retire(key string, conv *conversation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(conv.queue) > 0 {
		return false
	}

	delete(m.conversations, key)
	return true
}

func (m *conversationManager) handle(msg bus.IncomingMessage) {
	if err := m.handler(m.ctx, msg); err != nil {
		m.log.Warn("Handler failed", "message_id", msg.ID, "adapter", msg.SourceAdapter, "channel", msg.Channel, "error", err)
	}
}

// active returns the number of conversations with a live worker.
func (m *conversationManager) active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conversations)
}

// Close lets every worker finish its current and queued messages, then waits for
// them until ctx ends. It reports whether all workers returned.
func (m *conversationManager) Close(ctx context.Context) bool {
	m.closeOnce.Do(func() { close(m.closing) })

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return true
	case <-ctx.Done():
		return false
	}
}
