package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReplyEnqueuesOutgoingBoundToMessage(t *testing.T) {
	queue := make(chan AdapterMsg, 1)
	stopped := make(chan struct{})

	msg := IncomingMessage{Channel: "C1", Text: "ping", ReplyTo: NewReplyHandle(queue, stopped)}
	require.NoError(t, msg.Reply(context.Background(), "pong"))

	got := <-queue
	out, ok := got.(Outgoing)
	require.True(t, ok, "expected Outgoing, got %T", got)
	require.Equal(t, "pong", out.Text)
	require.Equal(t, "C1", out.Incoming.Channel)
	require.Equal(t, "ping", out.Incoming.Text)
}

func TestReplyHandleCopiesShareQueue(t *testing.T) {
	queue := make(chan AdapterMsg, 2)
	handle := NewReplyHandle(queue, make(chan struct{}))
	clone := handle

	require.NoError(t, handle.Send(context.Background(), Private{Text: "a"}))
	require.NoError(t, clone.Send(context.Background(), Shutdown{}))
	require.Len(t, queue, 2)
}

func TestReplyHandleFailsAfterConsumerStopped(t *testing.T) {
	queue := make(chan AdapterMsg)
	stopped := make(chan struct{})
	close(stopped)

	err := NewReplyHandle(queue, stopped).Send(context.Background(), Outgoing{Text: "late"})
	require.True(t, errors.Is(err, ErrAdapterStopped), "err = %v", err)
}

func TestReplyHandleUnblocksWhenConsumerStops(t *testing.T) {
	queue := make(chan AdapterMsg)
	stopped := make(chan struct{})
	handle := NewReplyHandle(queue, stopped)

	errCh := make(chan error, 1)
	go func() {
		errCh <- handle.Send(context.Background(), Outgoing{Text: "blocked"})
	}()

	close(stopped)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrAdapterStopped)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("send did not unblock after consumer stopped")
	}
}

func TestZeroReplyHandle(t *testing.T) {
	var msg IncomingMessage
	require.ErrorIs(t, msg.Reply(context.Background(), "hello"), ErrNoReplyHandle)
}
