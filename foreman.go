package foreman

import (
	"fmt"
	"strings"
)

// TaskDescriptor is the unit of work handed to the engine by a caller. The
// engine does not create, store, or mutate tasks; it only consumes a
// validated descriptor and reports status back through events and queries.
type TaskDescriptor struct {
	// ID uniquely identifies the task within the caller's task system.
	ID string `json:"id"`

	// Title is a short human-readable summary of the task.
	Title string `json:"title"`

	// Description is the full task statement.
	Description string `json:"description,omitempty"`

	// ImplementationDetails carries optional guidance for the agent.
	ImplementationDetails string `json:"implementationDetails,omitempty"`
}

// Validate confirms the descriptor can be executed.
func (t TaskDescriptor) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task descriptor has no id")
	}
	return nil
}

// Prompt renders the non-interactive prompt text handed to the agent
// executable as its primary input.
func (t TaskDescriptor) Prompt() string {
	var sb strings.Builder
	if t.Title != "" {
		fmt.Fprintf(&sb, "Task %s: %s\n", t.ID, t.Title)
	} else {
		fmt.Fprintf(&sb, "Task %s\n", t.ID)
	}
	if t.Description != "" {
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(t.Description))
		sb.WriteString("\n")
	}
	if t.ImplementationDetails != "" {
		sb.WriteString("\nImplementation details:\n")
		sb.WriteString(strings.TrimSpace(t.ImplementationDetails))
		sb.WriteString("\n")
	}
	return sb.String()
}
