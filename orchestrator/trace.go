package orchestrator

import (
	"fmt"
	"io"
	"sync"

	"github.com/deepnoodle-ai/foreman"
	"github.com/fatih/color"
)

// eventTracer mirrors every engine event as a colorized single line for
// interactive debugging. Enabled by the Debug configuration flag.
type eventTracer struct {
	mu  sync.Mutex
	out io.Writer

	workflow *color.Color
	worktree *color.Color
	process  *color.Color
	output   *color.Color
	failure  *color.Color
}

func newEventTracer(out io.Writer) *eventTracer {
	return &eventTracer{
		out:      out,
		workflow: color.New(color.FgGreen),
		worktree: color.New(color.FgBlue),
		process:  color.New(color.FgYellow),
		output:   color.New(color.Faint),
		failure:  color.New(color.FgRed),
	}
}

func (t *eventTracer) trace(ev *foreman.ExecutionEvent) {
	line := fmt.Sprintf("%s %-19s %s",
		ev.Timestamp.Format("15:04:05.000"), ev.Type.String(), ev.WorkflowID)
	if chunk, ok := ev.Payload["chunk"].(string); ok {
		line += " | " + chunk
	} else if ev.Error != nil {
		line += " | " + ev.Error.Error()
	}
	c := t.colorFor(ev)
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, c.Sprint(line))
}

func (t *eventTracer) colorFor(ev *foreman.ExecutionEvent) *color.Color {
	switch ev.Type {
	case foreman.EventTypeWorkflowFailed, foreman.EventTypeProcessError:
		return t.failure
	case foreman.EventTypeProcessOutput:
		return t.output
	case foreman.EventTypeWorktreeCreated, foreman.EventTypeWorktreeDeleted:
		return t.worktree
	case foreman.EventTypeProcessStarted, foreman.EventTypeProcessStopped:
		return t.process
	default:
		return t.workflow
	}
}
