// Package supervisor spawns, monitors, times out, and terminates the
// external agent processes that execute workflows. Each process runs in its
// own process group so that termination reaches everything the agent spawned.
//
// Per workflow the status machine is
//
//	starting → running → {stopped | crashed | killed}
//
// and every transition is emitted on a bounded event channel consumed by the
// orchestrator's control loop.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/foreman"
	"github.com/deepnoodle-ai/foreman/slogger"
)

// ProcessStatus describes where a supervised process is in its lifecycle.
type ProcessStatus string

const (
	StatusStarting ProcessStatus = "starting"
	StatusRunning  ProcessStatus = "running"
	StatusStopped  ProcessStatus = "stopped"
	StatusCrashed  ProcessStatus = "crashed"
	StatusKilled   ProcessStatus = "killed"
)

// IsTerminal reports whether the process has finished.
func (s ProcessStatus) IsTerminal() bool {
	switch s {
	case StatusStopped, StatusCrashed, StatusKilled:
		return true
	}
	return false
}

// ProcessInfo is a point-in-time snapshot of a supervised process.
type ProcessInfo struct {
	WorkflowID string
	TaskID     string
	PID        int
	Command    string
	Args       []string
	Dir        string
	Env        []string
	StartedAt  time.Time
	Status     ProcessStatus
}

// maxOutputLine caps how much of a single output line is retained. The
// overflow is discarded while the pipe keeps draining, so an agent that
// emits an enormous line is truncated rather than deadlocked.
const maxOutputLine = 256 * 1024

// Options configures a Supervisor.
type Options struct {
	// AgentPath is the agent executable to spawn.
	AgentPath string

	// AgentArgs are base arguments selecting non-interactive mode. The
	// per-workflow prompt is appended after them and any extra arguments.
	AgentArgs []string

	// GracePeriod is the window between SIGTERM and the SIGKILL
	// escalation during a graceful stop. Defaults to 10 seconds.
	GracePeriod time.Duration

	// EventBufferSize bounds the event channel. Defaults to 256.
	EventBufferSize int

	Logger slogger.Logger
}

// supervised is the tracked state of one agent process.
type supervised struct {
	info          ProcessInfo
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	done          chan struct{}
	timeout       *time.Timer
	timedOut      bool
	stopRequested bool
	killRequested bool
	logMu         sync.Mutex
	logFile       *os.File
}

// Supervisor tracks agent processes by workflow id. All methods are safe for
// concurrent use.
type Supervisor struct {
	mu        sync.RWMutex
	procs     map[string]*supervised
	closed    bool
	events    chan *foreman.ExecutionEvent
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	agentPath string
	agentArgs []string
	grace     time.Duration
	logger    slogger.Logger
}

// New creates a supervisor for the given agent executable.
func New(opts Options) (*Supervisor, error) {
	if opts.AgentPath == "" {
		return nil, fmt.Errorf("agent path is required")
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	bufferSize := opts.EventBufferSize
	if bufferSize <= 0 {
		bufferSize = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Supervisor{
		procs:     map[string]*supervised{},
		events:    make(chan *foreman.ExecutionEvent, bufferSize),
		done:      make(chan struct{}),
		agentPath: opts.AgentPath,
		agentArgs: opts.AgentArgs,
		grace:     grace,
		logger:    logger,
	}, nil
}

// Events returns the channel lifecycle and output events are delivered on.
// The channel is closed by Close after all monitors have finished.
func (s *Supervisor) Events() <-chan *foreman.ExecutionEvent {
	return s.events
}

// StartOptions configures one agent process.
type StartOptions struct {
	WorkflowID string
	TaskID     string

	// Prompt is the rendered task prompt, passed as the final argument.
	Prompt string

	// Dir is the working directory, normally the workflow's worktree.
	Dir string

	// Env entries override the inherited environment.
	Env map[string]string

	// Timeout force-stops the process when it fires. Zero disables it.
	Timeout time.Duration

	// ExtraArgs are appended after the base agent arguments.
	ExtraArgs []string

	// OutputLogPath, when set, receives a copy of all captured output.
	OutputLogPath string
}

// Start spawns the agent process for a workflow and begins supervising it.
// It fails with AlreadyRunningError when a process is already tracked for
// the workflow id and SpawnError when the executable cannot be started.
func (s *Supervisor) Start(ctx context.Context, opts StartOptions) (*ProcessInfo, error) {
	if opts.WorkflowID == "" {
		return nil, fmt.Errorf("workflow id is required")
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("working directory is required")
	}

	args := make([]string, 0, len(s.agentArgs)+len(opts.ExtraArgs)+1)
	args = append(args, s.agentArgs...)
	args = append(args, opts.ExtraArgs...)
	if opts.Prompt != "" {
		args = append(args, opts.Prompt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("supervisor is closed")
	}
	if _, exists := s.procs[opts.WorkflowID]; exists {
		return nil, &foreman.AlreadyRunningError{WorkflowID: opts.WorkflowID}
	}

	cmd := exec.Command(s.agentPath, args...)
	cmd.Dir = opts.Dir
	cmd.Env = buildEnv(opts)
	configureProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &foreman.SpawnError{Command: s.agentPath, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &foreman.SpawnError{Command: s.agentPath, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &foreman.SpawnError{Command: s.agentPath, Err: err}
	}

	var logFile *os.File
	if opts.OutputLogPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.OutputLogPath), 0755); err != nil {
			s.logger.Warn("failed to create agent log directory",
				"workflow_id", opts.WorkflowID, "error", err)
		} else if logFile, err = os.OpenFile(opts.OutputLogPath,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err != nil {
			s.logger.Warn("failed to open agent log file",
				"workflow_id", opts.WorkflowID, "path", opts.OutputLogPath, "error", err)
			logFile = nil
		}
	}

	proc := &supervised{
		info: ProcessInfo{
			WorkflowID: opts.WorkflowID,
			TaskID:     opts.TaskID,
			Command:    s.agentPath,
			Args:       args,
			Dir:        opts.Dir,
			Env:        cmd.Env,
			StartedAt:  time.Now(),
			Status:     StatusStarting,
		},
		cmd:     cmd,
		stdin:   stdin,
		done:    make(chan struct{}),
		logFile: logFile,
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, &foreman.SpawnError{Command: s.agentPath, Err: err}
	}
	proc.info.PID = cmd.Process.Pid
	proc.info.Status = StatusRunning
	s.procs[opts.WorkflowID] = proc

	if opts.Timeout > 0 {
		proc.timeout = time.AfterFunc(opts.Timeout, func() {
			s.handleTimeout(opts.WorkflowID)
		})
	}

	s.wg.Add(1)
	go s.monitor(opts.WorkflowID, proc, stdout, stderr)

	s.logger.Info("agent process started",
		"workflow_id", opts.WorkflowID, "task_id", opts.TaskID,
		"pid", proc.info.PID, "dir", opts.Dir)

	ev := foreman.NewEvent(foreman.EventTypeProcessStarted, opts.WorkflowID, opts.TaskID)
	ev.Payload = map[string]any{"pid": proc.info.PID, "command": s.agentPath}
	s.emit(ev)

	snapshot := proc.info
	return &snapshot, nil
}

// buildEnv merges the inherited environment, caller overrides, and the two
// injected workflow identifiers. Later entries win for duplicate keys.
func buildEnv(opts StartOptions) []string {
	env := os.Environ()
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+opts.Env[k])
	}
	env = append(env,
		"FOREMAN_WORKFLOW_ID="+opts.WorkflowID,
		"FOREMAN_TASK_ID="+opts.TaskID,
	)
	return env
}

// monitor owns the process from spawn to exit: it drains both output pipes,
// waits for the exit status, records the terminal transition, emits exactly
// one process.stopped event, and releases tracking.
func (s *Supervisor) monitor(workflowID string, proc *supervised, stdout, stderr io.ReadCloser) {
	defer s.wg.Done()

	var readers sync.WaitGroup
	readers.Add(2)
	go s.scanOutput(workflowID, proc, "stdout", stdout, &readers)
	go s.scanOutput(workflowID, proc, "stderr", stderr, &readers)
	readers.Wait()

	err := proc.cmd.Wait()
	exitCode := -1
	if proc.cmd.ProcessState != nil {
		exitCode = proc.cmd.ProcessState.ExitCode()
	}

	s.mu.Lock()
	if proc.timeout != nil {
		proc.timeout.Stop()
	}
	var status ProcessStatus
	var reason string
	switch {
	case proc.timedOut:
		status, reason = StatusKilled, "timeout"
	case proc.killRequested:
		status, reason = StatusKilled, "stopped"
	case proc.stopRequested:
		status, reason = StatusStopped, "stopped"
	case err == nil:
		status, reason = StatusStopped, "completed"
	default:
		status, reason = StatusCrashed, "crashed"
	}
	proc.info.Status = status
	delete(s.procs, workflowID)
	if proc.logFile != nil {
		proc.logFile.Close()
	}
	taskID := proc.info.TaskID
	s.mu.Unlock()

	s.logger.Info("agent process exited",
		"workflow_id", workflowID, "pid", proc.info.PID,
		"status", string(status), "exit_code", exitCode, "reason", reason)

	ev := foreman.NewEvent(foreman.EventTypeProcessStopped, workflowID, taskID)
	ev.Payload = map[string]any{
		"exitCode":      exitCode,
		"processStatus": string(status),
		"reason":        reason,
	}
	if status == StatusCrashed && err != nil {
		ev.Error = err
	}
	// Queue the terminal event before releasing waiters, so once Stop
	// returns the event is already on its way to the consumer.
	s.emit(ev)
	close(proc.done)
}

// scanOutput re-emits output lines as droppable process.output events and
// mirrors them to the log file when one is configured. A line longer than
// maxOutputLine is emitted truncated to the cap with the rest discarded; the
// reader never stops consuming, so the child cannot block on a full pipe.
func (s *Supervisor) scanOutput(workflowID string, proc *supervised, stream string, r io.ReadCloser, readers *sync.WaitGroup) {
	defer readers.Done()
	br := bufio.NewReaderSize(r, maxOutputLine)
	for {
		line, err := br.ReadSlice('\n')
		truncated := errors.Is(err, bufio.ErrBufferFull)
		if len(line) > 0 {
			chunk := strings.TrimSuffix(string(line), "\n")
			chunk = strings.TrimSuffix(chunk, "\r")
			if proc.logFile != nil {
				proc.logMu.Lock()
				fmt.Fprintf(proc.logFile, "[%s] %s\n", stream, chunk)
				proc.logMu.Unlock()
			}
			ev := foreman.NewEvent(foreman.EventTypeProcessOutput, workflowID, proc.info.TaskID)
			ev.Payload = map[string]any{"stream": stream, "chunk": chunk}
			if truncated {
				ev.Payload["truncated"] = true
			}
			s.emitDroppable(ev)
		}
		if truncated {
			var discarded int
			for errors.Is(err, bufio.ErrBufferFull) {
				var rest []byte
				rest, err = br.ReadSlice('\n')
				discarded += len(rest)
			}
			s.logger.Debug("truncated oversized output line", "workflow_id", workflowID,
				"stream", stream, "kept", maxOutputLine, "discarded", discarded)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("output reader ended with error",
					"workflow_id", workflowID, "stream", stream, "error", err)
			}
			return
		}
	}
}

// handleTimeout fires when a workflow's timer expires: the process group is
// force-stopped and a timeout-flavored event is emitted. The monitor then
// records the killed status.
func (s *Supervisor) handleTimeout(workflowID string) {
	s.mu.Lock()
	proc, ok := s.procs[workflowID]
	if !ok {
		s.mu.Unlock()
		return
	}
	proc.timedOut = true
	pid := proc.info.PID
	taskID := proc.info.TaskID
	s.mu.Unlock()

	s.logger.Warn("agent process timed out, force stopping",
		"workflow_id", workflowID, "pid", pid)
	if err := killProcessGroup(pid); err != nil {
		s.logger.Debug("kill after timeout failed", "workflow_id", workflowID, "error", err)
	}

	ev := foreman.NewEvent(foreman.EventTypeProcessError, workflowID, taskID)
	ev.Error = fmt.Errorf("process exceeded its timeout")
	ev.Payload = map[string]any{"reason": "timeout"}
	s.emit(ev)
}

// Stop terminates a workflow's process. A graceful stop sends SIGTERM to the
// process group and escalates to SIGKILL after the grace window; a forced
// stop kills immediately. Stop blocks until the process has exited. It fails
// with NotRunningError when no process is tracked for the workflow id.
func (s *Supervisor) Stop(workflowID string, force bool) error {
	s.mu.Lock()
	proc, ok := s.procs[workflowID]
	if !ok {
		s.mu.Unlock()
		return &foreman.NotRunningError{WorkflowID: workflowID}
	}
	if proc.timeout != nil {
		proc.timeout.Stop()
	}
	if force {
		proc.killRequested = true
	} else {
		proc.stopRequested = true
	}
	pid := proc.info.PID
	s.mu.Unlock()

	if force {
		if err := killProcessGroup(pid); err != nil {
			s.logger.Debug("force kill failed", "workflow_id", workflowID, "error", err)
		}
		<-proc.done
		return nil
	}

	s.logger.Info("stopping agent process", "workflow_id", workflowID, "pid", pid)
	if err := terminateProcessGroup(pid); err != nil {
		s.logger.Debug("graceful terminate failed, killing",
			"workflow_id", workflowID, "error", err)
		killProcessGroup(pid)
	}

	select {
	case <-proc.done:
		return nil
	case <-time.After(s.grace):
		s.mu.Lock()
		proc.killRequested = true
		s.mu.Unlock()
		s.logger.Warn("grace period expired, killing process group",
			"workflow_id", workflowID, "pid", pid)
		killProcessGroup(pid)
		<-proc.done
		return nil
	}
}

// SendInput writes text plus a newline to the process's stdin.
func (s *Supervisor) SendInput(workflowID, input string) error {
	s.mu.RLock()
	proc, ok := s.procs[workflowID]
	s.mu.RUnlock()
	if !ok {
		return &foreman.NotRunningError{WorkflowID: workflowID}
	}
	if _, err := io.WriteString(proc.stdin, input+"\n"); err != nil {
		return fmt.Errorf("failed to write to process stdin: %w", err)
	}
	return nil
}

// Get returns a snapshot of the tracked process for a workflow.
func (s *Supervisor) Get(workflowID string) (*ProcessInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, ok := s.procs[workflowID]
	if !ok {
		return nil, false
	}
	snapshot := proc.info
	return &snapshot, true
}

// Running returns snapshots of all tracked processes.
func (s *Supervisor) Running() []*ProcessInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]*ProcessInfo, 0, len(s.procs))
	for _, proc := range s.procs {
		snapshot := proc.info
		infos = append(infos, &snapshot)
	}
	return infos
}

// Count returns the number of tracked processes.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.procs)
}

// CleanupAll stops every tracked process concurrently, collecting per-item
// failures so one stubborn process never blocks the rest. Processes that
// exit on their own while cleanup runs are not errors.
func (s *Supervisor) CleanupAll(force bool) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	if len(ids) == 0 {
		return nil
	}

	s.logger.Info("stopping all agent processes", "count", len(ids), "force", force)
	var wg sync.WaitGroup
	errCh := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Stop(id, force); err != nil {
				var notRunning *foreman.NotRunningError
				if errors.As(err, &notRunning) {
					return
				}
				s.logger.Warn("failed to stop process during cleanup",
					"workflow_id", id, "error", err)
				errCh <- fmt.Errorf("failed to stop workflow %s: %w", id, err)
			}
		}(id)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close waits for all monitors to finish and then closes the event channel
// so the consumer can drain deterministically. Close does not stop tracked
// processes; call CleanupAll first.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.wg.Wait()
		close(s.events)
	})
}

// emit delivers a lifecycle event, blocking until the consumer accepts it or
// the supervisor shuts down. Lifecycle events are never dropped while the
// supervisor is open.
func (s *Supervisor) emit(ev *foreman.ExecutionEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// emitDroppable delivers an output event if there is room, dropping it
// otherwise so a slow consumer cannot stall process exits.
func (s *Supervisor) emitDroppable(ev *foreman.ExecutionEvent) {
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("dropping output event, channel full", "workflow_id", ev.WorkflowID)
	}
}
