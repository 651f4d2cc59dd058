package foreman

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventStream_BasicFlow(t *testing.T) {
	assert := require.New(t)
	stream, pub := NewEventStream(0)
	defer stream.Close()

	testEvent := NewEvent(EventTypeWorkflowCreated, "wf-1", "42")
	testEvent.Payload = map[string]any{"branch": "task/42-100"}

	go func() {
		err := pub.Send(context.Background(), testEvent)
		assert.NoError(err)
		pub.Close()
	}()

	assert.True(stream.Next(context.Background()))

	received := stream.Event()
	assert.Equal(EventTypeWorkflowCreated, received.Type)
	assert.Equal("wf-1", received.WorkflowID)
	assert.Equal("42", received.TaskID)
	assert.Equal("task/42-100", received.Payload["branch"])
	assert.False(received.Timestamp.IsZero())

	// Stream ends after the publisher closes
	assert.False(stream.Next(context.Background()))
	assert.NoError(stream.Err())
}

func TestEventStream_ContextCancellation(t *testing.T) {
	assert := require.New(t)
	stream, _ := NewEventStream(0)
	defer stream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(stream.Next(ctx))
	assert.ErrorIs(stream.Err(), context.Canceled)
}

func TestEventStream_SendAfterClose(t *testing.T) {
	assert := require.New(t)
	stream, pub := NewEventStream(0)
	defer stream.Close()

	pub.Close()

	err := pub.Send(context.Background(), NewEvent(EventTypeProcessOutput, "wf-1", "42"))
	assert.ErrorIs(err, ErrStreamClosed)
	assert.False(pub.TrySend(NewEvent(EventTypeProcessOutput, "wf-1", "42")))
}

func TestEventStream_TrySendDropsWhenFull(t *testing.T) {
	assert := require.New(t)
	stream, pub := NewEventStream(2)
	defer stream.Close()

	assert.True(pub.TrySend(NewEvent(EventTypeProcessOutput, "wf-1", "42")))
	assert.True(pub.TrySend(NewEvent(EventTypeProcessOutput, "wf-1", "42")))
	assert.False(pub.TrySend(NewEvent(EventTypeProcessOutput, "wf-1", "42")))

	// Draining one slot makes room again
	assert.True(stream.Next(context.Background()))
	assert.True(pub.TrySend(NewEvent(EventTypeProcessOutput, "wf-1", "42")))
}

func TestEventStream_MultipleClose(t *testing.T) {
	assert := require.New(t)
	stream, pub := NewEventStream(0)

	assert.NotPanics(func() {
		stream.Close()
		stream.Close()
		pub.Close()
	})
}

func TestEventStream_SendUnblocksOnClose(t *testing.T) {
	assert := require.New(t)
	stream, pub := NewEventStream(1)
	defer stream.Close()

	assert.True(pub.TrySend(NewEvent(EventTypeProcessOutput, "wf-1", "42")))

	errCh := make(chan error, 1)
	go func() {
		// Buffer is full, so this send blocks until the stream closes.
		errCh <- pub.Send(context.Background(), NewEvent(EventTypeProcessOutput, "wf-1", "42"))
	}()

	time.Sleep(20 * time.Millisecond)
	pub.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(err, ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked send was not released by close")
	}
}

func TestEventStream_ErrorEvent(t *testing.T) {
	assert := require.New(t)
	stream, pub := NewEventStream(0)
	defer stream.Close()

	testErr := errors.New("agent exploded")
	go func() {
		ev := NewEvent(EventTypeProcessError, "wf-1", "42")
		ev.Error = testErr
		pub.Send(context.Background(), ev)
		pub.Close()
	}()

	assert.True(stream.Next(context.Background()))
	assert.ErrorIs(stream.Event().Error, testErr)
}
