package foreman

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStreamClosed = errors.New("stream is closed")

// EventType is the type of event emitted by the engine. The set is closed:
// consumers may rely on no other values appearing on a stream.
type EventType string

const (
	EventTypeWorkflowCreated   EventType = "workflow.created"
	EventTypeWorkflowStarted   EventType = "workflow.started"
	EventTypeWorkflowCompleted EventType = "workflow.completed"
	EventTypeWorkflowFailed    EventType = "workflow.failed"
	EventTypeWorkflowCancelled EventType = "workflow.cancelled"
	EventTypeWorktreeCreated   EventType = "worktree.created"
	EventTypeWorktreeDeleted   EventType = "worktree.deleted"
	EventTypeProcessStarted    EventType = "process.started"
	EventTypeProcessStopped    EventType = "process.stopped"
	EventTypeProcessOutput     EventType = "process.output"
	EventTypeProcessError      EventType = "process.error"
)

func (t EventType) String() string {
	return string(t)
}

// ExecutionEvent carries a single lifecycle notification. Events are
// ephemeral: they update a workflow's last-activity time but are never
// persisted.
type ExecutionEvent struct {
	// Type of the event
	Type EventType `json:"type"`

	// WorkflowID tags the workflow the event belongs to
	WorkflowID string `json:"workflowId"`

	// TaskID of the workflow's owning task
	TaskID string `json:"taskId"`

	// Timestamp records when the event was emitted
	Timestamp time.Time `json:"timestamp"`

	// Payload carries optional event-specific details
	Payload map[string]any `json:"payload,omitempty"`

	// Error is set if this event corresponds to an error
	Error error `json:"error,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(t EventType, workflowID, taskID string) *ExecutionEvent {
	return &ExecutionEvent{
		Type:       t,
		WorkflowID: workflowID,
		TaskID:     taskID,
		Timestamp:  time.Now(),
	}
}

// EventStream is an iterator over engine events.
type EventStream interface {
	// Next advances the stream. It returns false when the stream is closed
	// or the context is canceled.
	Next(ctx context.Context) bool

	// Event returns the current event.
	Event() *ExecutionEvent

	// Err returns the error that ended iteration, if any.
	Err() error

	// Close closes the stream.
	Close() error
}

// EventPublisher is the sending side of an EventStream. Its methods are safe
// to call concurrently.
type EventPublisher interface {
	// Send delivers an event to the stream, blocking until there is room,
	// the context is canceled, or the stream is closed.
	Send(ctx context.Context, event *ExecutionEvent) error

	// TrySend delivers an event without blocking. It reports false if the
	// event was dropped because the stream is full or closed.
	TrySend(event *ExecutionEvent) bool

	// Close closes the publisher and the referenced stream. This signals to
	// the consumer that no more events will be sent.
	Close()
}

type executionEventStream struct {
	ch        chan *ExecutionEvent
	curr      *ExecutionEvent
	err       error
	pub       EventPublisher
	closeOnce sync.Once
}

// NewEventStream returns a bounded event stream and a publisher for it.
// A bufferSize of zero or less selects a reasonable default.
func NewEventStream(bufferSize int) (EventStream, EventPublisher) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	s := &executionEventStream{ch: make(chan *ExecutionEvent, bufferSize)}
	p := &eventPublisher{stream: s, done: make(chan struct{})}
	s.pub = p
	return s, p
}

func (s *executionEventStream) Next(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		s.err = ctx.Err()
		return false
	case event, ok := <-s.ch:
		if !ok {
			return false
		}
		s.curr = event
		return true
	}
}

func (s *executionEventStream) Event() *ExecutionEvent {
	return s.curr
}

func (s *executionEventStream) Err() error {
	return s.err
}

func (s *executionEventStream) Close() error {
	s.closeOnce.Do(func() {
		s.pub.Close()
	})
	return nil
}

type eventPublisher struct {
	stream    *executionEventStream
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func (p *eventPublisher) Send(ctx context.Context, event *ExecutionEvent) error {
	// The read lock excludes Close, so the channel cannot be closed while a
	// send is in flight.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStreamClosed
	}
	select {
	case <-p.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.stream.ch <- event:
		return nil
	}
}

func (p *eventPublisher) TrySend(event *ExecutionEvent) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.stream.ch <- event:
		return true
	default:
		return false
	}
}

func (p *eventPublisher) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		p.closed = true
		close(p.stream.ch)
		p.mu.Unlock()
	})
}
