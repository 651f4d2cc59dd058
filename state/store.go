// Package state persists workflow execution contexts in a JSON registry so
// that workflows survive orchestrator restarts. Every mutation rewrites the
// registry file atomically, and a damaged file degrades to an empty registry
// instead of blocking startup.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/foreman"
	"github.com/deepnoodle-ai/foreman/slogger"
	"github.com/google/uuid"
)

// Store is the execution state registry. The in-memory map is authoritative;
// the file on disk is a durable mirror of it.
type Store struct {
	mu        sync.RWMutex
	path      string
	workflows map[string]*foreman.WorkflowExecutionContext
	lastSaved []byte
	logger    slogger.Logger
}

// New opens the registry at path and loads any existing entries. A missing
// file yields an empty registry. A malformed file is logged and also yields
// an empty registry; the damaged content is replaced on the next save.
func New(path string, logger slogger.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("registry path is required")
	}
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	s := &Store{
		path:      path,
		workflows: map[string]*foreman.WorkflowExecutionContext{},
		logger:    logger,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read workflow registry: %w", err)
	}
	if err := json.Unmarshal(data, &s.workflows); err != nil {
		corrupt := &foreman.StateCorruptError{Path: path, Err: err}
		logger.Warn("starting with an empty workflow registry", "error", corrupt.Error())
		s.workflows = map[string]*foreman.WorkflowExecutionContext{}
		return s, nil
	}
	for id, workflow := range s.workflows {
		if workflow == nil || workflow.WorkflowID == "" {
			logger.Warn("dropping malformed registry entry", "workflow_id", id)
			delete(s.workflows, id)
		}
	}
	s.lastSaved = data
	return s, nil
}

// Path returns the registry file location.
func (s *Store) Path() string {
	return s.path
}

// NewWorkflowID mints a unique workflow identifier that embeds the UTC start
// time, a random suffix, and the task id.
func NewWorkflowID(taskID string) string {
	safe := sanitizeIDPart(taskID)
	if safe == "" {
		safe = "task"
	}
	stamp := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("wf-%s-%s-%s", stamp, uuid.New().String()[:8], safe)
}

// sanitizeIDPart keeps identifier-safe characters and folds the rest to
// hyphens.
func sanitizeIDPart(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, s)
	return strings.Trim(mapped, "-")
}

// Register adds a new workflow entry and persists the registry. A context
// without a workflow id is assigned a freshly minted one. The stored entry's
// id is returned.
func (s *Store) Register(workflow *foreman.WorkflowExecutionContext) (string, error) {
	if workflow == nil {
		return "", fmt.Errorf("workflow is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := workflow.WorkflowID
	if id == "" {
		id = NewWorkflowID(workflow.TaskID)
	}
	if _, exists := s.workflows[id]; exists {
		return "", fmt.Errorf("workflow %q is already registered", id)
	}
	stored := workflow.Copy()
	stored.WorkflowID = id
	s.workflows[id] = stored
	if err := s.save(); err != nil {
		delete(s.workflows, id)
		return "", err
	}
	return id, nil
}

// UpdateFields selects which parts of a workflow entry to change. Nil
// pointers leave the current value in place. Metadata entries are merged
// key by key.
type UpdateFields struct {
	Status       *foreman.WorkflowStatus
	ProcessID    *int
	LastActivity *time.Time
	Metadata     map[string]any
}

// Update applies fields to a workflow entry and persists the registry.
// LastActivity is bumped to the current time unless an explicit value is
// given.
func (s *Store) Update(workflowID string, fields UpdateFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	workflow, ok := s.workflows[workflowID]
	if !ok {
		return &foreman.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	if fields.Status != nil {
		workflow.Status = *fields.Status
	}
	if fields.ProcessID != nil {
		workflow.ProcessID = *fields.ProcessID
	}
	if fields.LastActivity != nil {
		workflow.LastActivity = *fields.LastActivity
	} else {
		workflow.LastActivity = time.Now().UTC()
	}
	if len(fields.Metadata) > 0 {
		if workflow.Metadata == nil {
			workflow.Metadata = map[string]any{}
		}
		for k, v := range fields.Metadata {
			workflow.Metadata[k] = v
		}
	}
	return s.save()
}

// Touch bumps a workflow's last activity timestamp and persists it.
func (s *Store) Touch(workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	workflow, ok := s.workflows[workflowID]
	if !ok {
		return &foreman.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	workflow.LastActivity = time.Now().UTC()
	return s.save()
}

// Unregister removes a workflow entry and persists the registry.
func (s *Store) Unregister(workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[workflowID]; !ok {
		return &foreman.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	delete(s.workflows, workflowID)
	return s.save()
}

// Get returns a copy of one workflow entry.
func (s *Store) Get(workflowID string) (*foreman.WorkflowExecutionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	workflow, ok := s.workflows[workflowID]
	if !ok {
		return nil, &foreman.WorkflowNotFoundError{WorkflowID: workflowID}
	}
	return workflow.Copy(), nil
}

// List returns copies of all entries ordered by start time, oldest first.
func (s *Store) List() []*foreman.WorkflowExecutionContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	workflows := make([]*foreman.WorkflowExecutionContext, 0, len(s.workflows))
	for _, workflow := range s.workflows {
		workflows = append(workflows, workflow.Copy())
	}
	sort.Slice(workflows, func(i, j int) bool {
		if workflows[i].StartedAt.Equal(workflows[j].StartedAt) {
			return workflows[i].WorkflowID < workflows[j].WorkflowID
		}
		return workflows[i].StartedAt.Before(workflows[j].StartedAt)
	})
	return workflows
}

// ListActive returns copies of all entries whose status is not terminal.
func (s *Store) ListActive() []*foreman.WorkflowExecutionContext {
	var active []*foreman.WorkflowExecutionContext
	for _, workflow := range s.List() {
		if !workflow.Status.IsTerminal() {
			active = append(active, workflow)
		}
	}
	return active
}

// ListByStatus returns copies of all entries with the given status.
func (s *Store) ListByStatus(status foreman.WorkflowStatus) []*foreman.WorkflowExecutionContext {
	var matched []*foreman.WorkflowExecutionContext
	for _, workflow := range s.List() {
		if workflow.Status == status {
			matched = append(matched, workflow)
		}
	}
	return matched
}

// FindByTask returns the oldest entry for a task regardless of status.
func (s *Store) FindByTask(taskID string) (*foreman.WorkflowExecutionContext, bool) {
	for _, workflow := range s.List() {
		if workflow.TaskID == taskID {
			return workflow, true
		}
	}
	return nil, false
}

// FindActiveByTask returns the non-terminal workflow for a task, if any.
func (s *Store) FindActiveByTask(taskID string) (*foreman.WorkflowExecutionContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, workflow := range s.workflows {
		if workflow.TaskID == taskID && !workflow.Status.IsTerminal() {
			return workflow.Copy(), true
		}
	}
	return nil, false
}

// HasActiveWorkflow reports whether a non-terminal workflow exists for the
// task.
func (s *Store) HasActiveWorkflow(taskID string) bool {
	_, ok := s.FindActiveByTask(taskID)
	return ok
}

// ActiveCount returns the number of non-terminal workflows.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, workflow := range s.workflows {
		if !workflow.Status.IsTerminal() {
			count++
		}
	}
	return count
}

// CleanupOlderThan removes terminal entries whose last activity is older
// than the given age and returns how many were removed. A zero age removes
// every terminal entry. Active workflows are never removed.
func (s *Store) CleanupOlderThan(age time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-age)
	var removed []string
	for id, workflow := range s.workflows {
		if !workflow.Status.IsTerminal() {
			continue
		}
		if workflow.LastActivity.After(cutoff) {
			continue
		}
		delete(s.workflows, id)
		removed = append(removed, id)
	}
	if len(removed) == 0 {
		return 0, nil
	}
	sort.Strings(removed)
	if err := s.save(); err != nil {
		return len(removed), err
	}
	s.logger.Info("removed old workflow entries", "count", len(removed))
	s.logger.Debug("removed workflow ids", "workflow_ids", strings.Join(removed, ","))
	return len(removed), nil
}

// save rewrites the registry file atomically: marshal, write a temp file in
// the same directory, rename it over the old file. Callers hold s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.workflows, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write workflow registry: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace workflow registry: %w", err)
	}
	s.lastSaved = data
	return nil
}

// savedData returns the bytes of the last successful save.
func (s *Store) savedData() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSaved
}
