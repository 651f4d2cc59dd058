package foreman

import (
	"fmt"
	"strings"
)

// WorkspaceConflictError indicates the target worktree path already exists.
type WorkspaceConflictError struct {
	TaskID string
	Path   string
}

func (e *WorkspaceConflictError) Error() string {
	return fmt.Sprintf("workspace for task %q already exists at %s", e.TaskID, e.Path)
}

// WorkspaceNotFoundError indicates no tracked workspace exists for the task.
type WorkspaceNotFoundError struct {
	TaskID string
}

func (e *WorkspaceNotFoundError) Error() string {
	return fmt.Sprintf("no workspace found for task %q", e.TaskID)
}

// VCSError wraps a failed git invocation, preserving the captured stderr and
// exit code so callers can surface the underlying cause.
type VCSError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *VCSError) Error() string {
	msg := fmt.Sprintf("git %s failed (exit %d)", strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *VCSError) Unwrap() error {
	return e.Err
}

// AlreadyRunningError indicates a process is already tracked for the
// workflow. Typically caused by stale state; retry after a refresh.
type AlreadyRunningError struct {
	WorkflowID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("a process is already running for workflow %q", e.WorkflowID)
}

// NotRunningError indicates no process is tracked for the workflow.
// Typically caused by stale state; retry after a refresh.
type NotRunningError struct {
	WorkflowID string
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("no process is running for workflow %q", e.WorkflowID)
}

// SpawnError indicates the agent executable could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn agent process %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// WorkflowNotFoundError indicates the registry has no entry for the workflow.
type WorkflowNotFoundError struct {
	WorkflowID string
}

func (e *WorkflowNotFoundError) Error() string {
	return fmt.Sprintf("workflow %q not found", e.WorkflowID)
}

// AlreadyExecutingError indicates a non-terminal workflow already exists for
// the task, enforcing the one-active-workflow-per-task invariant.
type AlreadyExecutingError struct {
	TaskID     string
	WorkflowID string
}

func (e *AlreadyExecutingError) Error() string {
	return fmt.Sprintf("task %q is already executing in workflow %q", e.TaskID, e.WorkflowID)
}

// StateCorruptError describes an unreadable registry file. It is only ever
// logged: loading a corrupt registry degrades to an empty one rather than
// failing.
type StateCorruptError struct {
	Path string
	Err  error
}

func (e *StateCorruptError) Error() string {
	return fmt.Sprintf("workflow registry at %s is corrupt: %v", e.Path, e.Err)
}

func (e *StateCorruptError) Unwrap() error {
	return e.Err
}
