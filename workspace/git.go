package workspace

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/deepnoodle-ai/foreman"
	"github.com/deepnoodle-ai/wonton/retry"
)

// gitCommand is a single git invocation rooted at a working directory.
type gitCommand struct {
	dir  string
	args []string
}

// run executes the command and returns trimmed stdout. Failures come back as
// a VCSError carrying the exit code and captured stderr.
func (c gitCommand) run(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", c.args...)
	cmd.Dir = c.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &foreman.VCSError{
			Args:     c.args,
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// runRetrying runs the command, retrying transient lock contention with
// bounded backoff. Anything that is not lock contention fails immediately.
func (c gitCommand) runRetrying(ctx context.Context) (string, error) {
	var out string
	err := retry.DoSimple(ctx, func() error {
		var runErr error
		out, runErr = c.run(ctx)
		if runErr != nil && !isTransientGitError(runErr) {
			return retry.MarkPermanent(runErr)
		}
		return runErr
	}, retry.WithMaxAttempts(3), retry.WithBackoff(100*time.Millisecond, 2*time.Second))
	return out, err
}

// isTransientGitError reports whether the failure looks like lock contention
// from a concurrent git process.
func isTransientGitError(err error) bool {
	var vcsErr *foreman.VCSError
	if !errors.As(err, &vcsErr) {
		return false
	}
	return strings.Contains(vcsErr.Stderr, "index.lock") ||
		strings.Contains(vcsErr.Stderr, "cannot lock ref")
}

// worktreeEntry is one block of `git worktree list --porcelain` output.
type worktreeEntry struct {
	path       string
	head       string
	branch     string
	locked     bool
	lockReason string
	detached   bool
}

// parseWorktreeList parses porcelain output into entries. Attribute lines
// describe the most recent `worktree` line; blocks are separated by blank
// lines.
func parseWorktreeList(out string) []worktreeEntry {
	var entries []worktreeEntry
	var current *worktreeEntry
	flush := func() {
		if current != nil {
			entries = append(entries, *current)
			current = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			continue
		}
		if rest, ok := strings.CutPrefix(line, "worktree "); ok {
			flush()
			current = &worktreeEntry{path: rest}
			continue
		}
		if current == nil {
			continue
		}
		switch {
		case strings.HasPrefix(line, "HEAD "):
			current.head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.branch = strings.TrimPrefix(ref, "refs/heads/")
		case line == "detached":
			current.detached = true
		case strings.HasPrefix(line, "locked"):
			current.locked = true
			current.lockReason = strings.TrimSpace(strings.TrimPrefix(line, "locked"))
		}
	}
	flush()
	return entries
}
