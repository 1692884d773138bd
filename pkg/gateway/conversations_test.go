package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatbridge/pkg/bus"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu    sync.Mutex
	texts map[string][]string
	block map[string]chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{texts: make(map[string][]string), block: make(map[string]chan struct{})}
}

func (h *recordingHandler) handle(ctx context.Context, msg bus.IncomingMessage) error {
	h.mu.Lock()
	gate := h.block[msg.Text]
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	key := conversationKey(msg)
	h.texts[key] = append(h.texts[key], msg.Text)
	return nil
}

func (h *recordingHandler) handled(key string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.texts[key]...)
}

func TestConversationKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "slack:C1", conversationKey(bus.IncomingMessage{SourceAdapter: "slack", Channel: "C1"}))
	require.Equal(t, "slack:C1:171.5", conversationKey(bus.IncomingMessage{SourceAdapter: "slack", Channel: "C1", ThreadID: "171.5"}))
}

func TestConversationManagerKeepsOrderPerConversation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := newRecordingHandler()
	manager := newConversationManager(ctx, handler.handle, nil)

	for _, text := range []string{"one", "two", "three"} {
		require.True(t, manager.Dispatch(ctx, bus.IncomingMessage{SourceAdapter: "slack", Channel: "C1", Text: text}))
	}

	require.Eventually(t, func() bool {
		return len(handler.handled("slack:C1")) == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"one", "two", "three"}, handler.handled("slack:C1"))

	require.True(t, manager.Close(context.Background()))
}

func TestConversationManagerIsolatesConversations(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := newRecordingHandler()
	gate := make(chan struct{})
	handler.block["slow"] = gate
	manager := newConversationManager(ctx, handler.handle, nil)

	require.True(t, manager.Dispatch(ctx, bus.IncomingMessage{SourceAdapter: "slack", Channel: "C1", Text: "slow"}))
	require.True(t, manager.Dispatch(ctx, bus.IncomingMessage{SourceAdapter: "slack", Channel: "C1", Text: "after slow"}))
	require.True(t, manager.Dispatch(ctx, bus.IncomingMessage{SourceAdapter: "slack", Channel: "C2", Text: "fast"}))

	require.Eventually(t, func() bool {
		return len(handler.handled("slack:C2")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, handler.handled("slack:C1"))
	require.Equal(t, 2, manager.active())

	close(gate)
	require.Eventually(t, func() bool {
		return len(handler.handled("slack:C1")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"slow", "after slow"}, handler.handled("slack:C1"))

	require.True(t, manager.Close(context.Background()))
}

func TestConversationManagerRetiresIdleConversations(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := newRecordingHandler()
	manager := newConversationManager(ctx, handler.handle, nil)
	manager.idle = 20 * time.Millisecond

	require.True(t, manager.Dispatch(ctx, bus.IncomingMessage{SourceAdapter: "slack", Channel: "C1", Text: "one"}))
	require.Eventually(t, func() bool {
		return manager.active() == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, manager.Dispatch(ctx, bus.IncomingMessage{SourceAdapter: "slack", Channel: "C1", Text: "two"}))
	require.Eventually(t, func() bool {
		return len(handler.handled("slack:C1")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, manager.Close(context.Background()))
}

func TestConversationManagerCloseDrainsQueuedMessages(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := newRecordingHandler()
	gate := make(chan struct{})
	handler.block["first"] = gate
	manager := newConversationManager(ctx, handler.handle, nil)

	require.True(t, manager.Dispatch(ctx, bus.IncomingMessage{SourceAdapter: "slack", Channel: "C1", Text: "first"}))
	require.True(t, manager.Dispatch(ctx, bus.IncomingMessage{SourceAdapter: "slack", Channel: "C1", Text: "second"}))

	closed := make(chan bool, 1)
	go func() {
		closed <- manager.Close(context.Background())
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)

	select {
	case ok := <-closed:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after handlers finished")
	}
	require.Equal(t, []string{"first", "second"}, handler.handled("slack:C1"))
}

func TestConversationManagerCloseGivesUpAtDeadline(t *testing.T) {
	t.Parallel()

	handlerCtx, cancelHandlers := context.WithCancel(context.Background())
	handler := newRecordingHandler()
	handler.block["stuck"] = make(chan struct{})
	manager := newConversationManager(handlerCtx, handler.handle, nil)

	require.True(t, manager.Dispatch(context.Background(), bus.IncomingMessage{SourceAdapter: "slack", Channel: "C1", Text: "stuck"}))

	deadline, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.False(t, manager.Close(deadline))

	cancelHandlers()
	require.True(t, manager.Close(context.Background()))
}
