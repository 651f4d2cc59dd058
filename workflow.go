package foreman

import "time"

// WorkflowStatus indicates where a workflow is in its lifecycle.
type WorkflowStatus string

const (
	WorkflowStatusInitializing WorkflowStatus = "initializing"
	WorkflowStatusRunning      WorkflowStatus = "running"
	WorkflowStatusCompleted    WorkflowStatus = "completed"
	WorkflowStatusFailed       WorkflowStatus = "failed"
	WorkflowStatusCancelled    WorkflowStatus = "cancelled"
	WorkflowStatusTimeout      WorkflowStatus = "timeout"
)

func (s WorkflowStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition can occur from the status.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled, WorkflowStatusTimeout:
		return true
	}
	return false
}

// WorkflowExecutionContext is the tracked state of one execution attempt,
// binding a task id to a worktree and a supervised agent process. It is
// created by the orchestrator on workflow creation, mutated in response to
// process and workspace events, and removed on unregister or retention
// cleanup.
//
// The JSON field names define the persisted registry layout and must not
// change. Timestamps serialize as RFC 3339 strings.
type WorkflowExecutionContext struct {
	WorkflowID      string         `json:"workflowId"`
	TaskID          string         `json:"taskId"`
	TaskTitle       string         `json:"taskTitle,omitempty"`
	TaskDescription string         `json:"taskDescription,omitempty"`
	ProjectRoot     string         `json:"projectRoot,omitempty"`
	Status          WorkflowStatus `json:"status"`
	WorktreePath    string         `json:"worktreePath"`
	BranchName      string         `json:"branchName"`
	ProcessID       int            `json:"processId,omitempty"`
	StartedAt       time.Time      `json:"startedAt"`
	LastActivity    time.Time      `json:"lastActivity"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Copy returns a deep copy so callers can hold a context without racing
// against engine mutations.
func (c *WorkflowExecutionContext) Copy() *WorkflowExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	if c.Metadata != nil {
		dup.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}
