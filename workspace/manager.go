// Package workspace manages isolated git worktrees for task execution. Each
// task gets its own branch-checked-out working directory under a configured
// base directory, so concurrent tasks never share file state.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/deepnoodle-ai/foreman"
	"github.com/deepnoodle-ai/foreman/slogger"
	"github.com/gobwas/glob"
)

// Handle describes one task workspace.
type Handle struct {
	// Path of the worktree directory, always under the base directory.
	Path string

	// Branch checked out in the worktree.
	Branch string

	// TaskID of the owning task.
	TaskID string

	// CommitHash the worktree was created at, when known.
	CommitHash string

	// CreatedAt is when this manager created the worktree. Zero for
	// handles recovered by scanning.
	CreatedAt time.Time

	// Locked workspaces are excluded from bulk cleanup.
	Locked bool

	// LockReason is the optional reason recorded with the lock.
	LockReason string
}

func (h *Handle) copy() *Handle {
	dup := *h
	return &dup
}

// RemoveResult reports the two steps of a workspace removal separately, so
// callers can observe a deleted worktree whose branch survived.
type RemoveResult struct {
	WorkspaceRemoved bool
	BranchDeleted    bool
	BranchDeleteErr  error
}

// CleanupResult summarizes a bulk cleanup pass.
type CleanupResult struct {
	Removed []string
	Skipped []string
	Failed  map[string]error
}

// Options configures a Manager.
type Options struct {
	// ProjectRoot is the main repository worktrees are linked to.
	ProjectRoot string

	// BaseDir is the directory workspaces are created under.
	BaseDir string

	// BranchPrefix names the task-branch convention. Defaults to "task/".
	BranchPrefix string

	// BranchPattern optionally overrides the glob used to recognize task
	// branches when scanning. Defaults to BranchPrefix + "*".
	BranchPattern string

	// KeepPatterns shields matching workspaces (paths relative to BaseDir,
	// doublestar syntax) from bulk cleanup.
	KeepPatterns []string

	Logger slogger.Logger
}

// Manager owns the worktrees for one project. All operations shell out to
// git; methods are safe for concurrent use.
type Manager struct {
	mu           sync.RWMutex
	handles      map[string]*Handle
	projectRoot  string
	baseDir      string
	branchPrefix string
	branchGlob   glob.Glob
	keepPatterns []string
	logger       slogger.Logger
}

// New creates a workspace manager. The base directory is created lazily on
// the first workspace creation.
func New(opts Options) (*Manager, error) {
	if opts.ProjectRoot == "" {
		return nil, fmt.Errorf("project root is required")
	}
	if opts.BaseDir == "" {
		return nil, fmt.Errorf("worktree base directory is required")
	}
	prefix := opts.BranchPrefix
	if prefix == "" {
		prefix = "task/"
	}
	pattern := opts.BranchPattern
	if pattern == "" {
		pattern = prefix + "*"
	}
	branchGlob, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid branch pattern %q: %w", pattern, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Manager{
		handles:      map[string]*Handle{},
		projectRoot:  opts.ProjectRoot,
		baseDir:      opts.BaseDir,
		branchPrefix: prefix,
		branchGlob:   branchGlob,
		keepPatterns: opts.KeepPatterns,
		logger:       logger,
	}, nil
}

// Create provisions a worktree for the task on a new branch. The branch name
// is generated from the task id and current time unless one is supplied.
func (m *Manager) Create(ctx context.Context, taskID, branchName string) (*Handle, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("task id is required")
	}
	safeID := sanitizeTaskID(taskID)
	path := filepath.Join(m.baseDir, "task-"+safeID)

	m.mu.RLock()
	existing, tracked := m.handles[taskID]
	m.mu.RUnlock()
	if tracked {
		return nil, &foreman.WorkspaceConflictError{TaskID: taskID, Path: existing.Path}
	}
	if _, err := os.Stat(path); err == nil {
		return nil, &foreman.WorkspaceConflictError{TaskID: taskID, Path: path}
	}

	if branchName == "" {
		branchName = fmt.Sprintf("%s%s-%d", m.branchPrefix, safeID, time.Now().Unix())
	}
	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	cmd := gitCommand{dir: m.projectRoot, args: []string{"worktree", "add", "-b", branchName, path}}
	if _, err := cmd.runRetrying(ctx); err != nil {
		return nil, err
	}

	handle := &Handle{
		Path:      path,
		Branch:    branchName,
		TaskID:    taskID,
		CreatedAt: time.Now(),
	}
	if commit, err := (gitCommand{dir: path, args: []string{"rev-parse", "HEAD"}}).run(ctx); err != nil {
		m.logger.Warn("failed to capture worktree commit hash", "task_id", taskID, "error", err)
	} else {
		handle.CommitHash = commit
	}

	m.mu.Lock()
	m.handles[taskID] = handle
	m.mu.Unlock()

	m.logger.Info("workspace created",
		"task_id", taskID, "path", path, "branch", branchName, "commit", handle.CommitHash)
	return handle.copy(), nil
}

// Remove deletes the task's worktree and then best-effort deletes its
// task-prefixed branch. Branch deletion failure is reported in the result
// and logged, never returned as the operation's error.
func (m *Manager) Remove(ctx context.Context, taskID string, force bool) (*RemoveResult, error) {
	m.mu.RLock()
	handle, ok := m.handles[taskID]
	m.mu.RUnlock()
	if !ok {
		return nil, &foreman.WorkspaceNotFoundError{TaskID: taskID}
	}

	args := []string{"worktree", "remove"}
	if force {
		// Twice: once for dirty trees, once more to override a lock.
		args = append(args, "--force", "--force")
	}
	args = append(args, handle.Path)
	if _, err := (gitCommand{dir: m.projectRoot, args: args}).runRetrying(ctx); err != nil {
		return nil, err
	}

	result := &RemoveResult{WorkspaceRemoved: true}
	if strings.HasPrefix(handle.Branch, m.branchPrefix) {
		cmd := gitCommand{dir: m.projectRoot, args: []string{"branch", "-D", handle.Branch}}
		if _, err := cmd.runRetrying(ctx); err != nil {
			result.BranchDeleteErr = err
			m.logger.Warn("failed to delete task branch",
				"task_id", taskID, "branch", handle.Branch, "error", err)
		} else {
			result.BranchDeleted = true
		}
	}

	m.mu.Lock()
	delete(m.handles, taskID)
	m.mu.Unlock()

	m.logger.Info("workspace removed",
		"task_id", taskID, "path", handle.Path, "branch_deleted", result.BranchDeleted)
	return result, nil
}

// Get returns the tracked handle for a task.
func (m *Manager) Get(taskID string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handle, ok := m.handles[taskID]
	if !ok {
		return nil, false
	}
	return handle.copy(), true
}

// List scans git's worktree registry and reconstructs the handles that live
// under the base directory on a branch matching the task convention. Handles
// recovered this way (for example after a restart) are re-tracked so they
// can be removed by task id. Unparseable entries are logged and skipped.
func (m *Manager) List(ctx context.Context) ([]*Handle, error) {
	out, err := (gitCommand{dir: m.projectRoot, args: []string{"worktree", "list", "--porcelain"}}).run(ctx)
	if err != nil {
		return nil, err
	}

	resolvedBase := m.baseDir
	if resolved, err := filepath.EvalSymlinks(m.baseDir); err == nil {
		resolvedBase = resolved
	}

	var handles []*Handle
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range parseWorktreeList(out) {
		if entry.branch == "" || !m.branchGlob.Match(entry.branch) {
			continue
		}
		if !pathWithin(m.baseDir, entry.path) && !pathWithin(resolvedBase, entry.path) {
			continue
		}
		taskID, ok := taskIDFromBranch(entry.branch, m.branchPrefix)
		if !ok {
			m.logger.Debug("skipping worktree with unrecognized branch", "branch", entry.branch)
			continue
		}
		handle := &Handle{
			Path:       entry.path,
			Branch:     entry.branch,
			TaskID:     taskID,
			CommitHash: entry.head,
			Locked:     entry.locked,
			LockReason: entry.lockReason,
		}
		if tracked, known := m.handles[taskID]; known {
			handle.TaskID = tracked.TaskID
			handle.CreatedAt = tracked.CreatedAt
			tracked.Locked = entry.locked
			tracked.LockReason = entry.lockReason
		} else {
			m.handles[taskID] = handle.copy()
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

// Lock excludes the task's workspace from bulk cleanup, recording the native
// worktree lock as well.
func (m *Manager) Lock(ctx context.Context, taskID, reason string) error {
	m.mu.RLock()
	handle, ok := m.handles[taskID]
	m.mu.RUnlock()
	if !ok {
		return &foreman.WorkspaceNotFoundError{TaskID: taskID}
	}
	args := []string{"worktree", "lock"}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	args = append(args, handle.Path)
	if _, err := (gitCommand{dir: m.projectRoot, args: args}).runRetrying(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	handle.Locked = true
	handle.LockReason = reason
	m.mu.Unlock()
	return nil
}

// Unlock reverses Lock.
func (m *Manager) Unlock(ctx context.Context, taskID string) error {
	m.mu.RLock()
	handle, ok := m.handles[taskID]
	m.mu.RUnlock()
	if !ok {
		return &foreman.WorkspaceNotFoundError{TaskID: taskID}
	}
	if _, err := (gitCommand{dir: m.projectRoot, args: []string{"worktree", "unlock", handle.Path}}).runRetrying(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	handle.Locked = false
	handle.LockReason = ""
	m.mu.Unlock()
	return nil
}

// CleanupAll scans for task workspaces and removes each one, collecting
// per-item failures so one bad entry never blocks the rest. Locked
// workspaces and those matching a keep pattern are skipped unless forced.
func (m *Manager) CleanupAll(ctx context.Context, force bool) (*CleanupResult, error) {
	handles, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	result := &CleanupResult{Failed: map[string]error{}}
	for _, handle := range handles {
		if m.keepMatch(handle.Path) {
			result.Skipped = append(result.Skipped, handle.TaskID)
			m.logger.Debug("workspace kept by pattern", "task_id", handle.TaskID, "path", handle.Path)
			continue
		}
		if handle.Locked && !force {
			result.Skipped = append(result.Skipped, handle.TaskID)
			m.logger.Debug("skipping locked workspace",
				"task_id", handle.TaskID, "reason", handle.LockReason)
			continue
		}
		if _, err := m.Remove(ctx, handle.TaskID, force); err != nil {
			result.Failed[handle.TaskID] = err
			m.logger.Warn("failed to remove workspace during cleanup",
				"task_id", handle.TaskID, "path", handle.Path, "error", err)
			continue
		}
		result.Removed = append(result.Removed, handle.TaskID)
	}
	// Drop any stale administrative entries left behind
	if _, err := (gitCommand{dir: m.projectRoot, args: []string{"worktree", "prune"}}).run(ctx); err != nil {
		m.logger.Debug("worktree prune failed", "error", err)
	}
	return result, nil
}

func (m *Manager) keepMatch(path string) bool {
	if len(m.keepPatterns) == 0 {
		return false
	}
	rel, err := filepath.Rel(m.baseDir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	for _, pattern := range m.keepPatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}

// sanitizeTaskID maps a task id onto a segment safe for branch and directory
// names.
func sanitizeTaskID(taskID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-':
			return r
		default:
			return '-'
		}
	}, strings.TrimSpace(taskID))
}

// taskIDFromBranch recovers the task id from a conventional branch name.
// Generated branches look like <prefix><id>-<unix-timestamp>; a trailing
// all-digit segment is treated as the timestamp and stripped.
func taskIDFromBranch(branch, prefix string) (string, bool) {
	rest := strings.TrimPrefix(branch, prefix)
	if rest == "" {
		return "", false
	}
	if i := strings.LastIndex(rest, "-"); i > 0 && isAllDigits(rest[i+1:]) {
		return rest[:i], true
	}
	return rest, true
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func pathWithin(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
