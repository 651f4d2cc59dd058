// Package orchestrator composes the workspace manager, process supervisor,
// and state store behind a single create/stop/list/query API. It enforces
// the one-active-workflow-per-task rule and runs the control loop that turns
// process events into workflow state transitions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/foreman"
	"github.com/deepnoodle-ai/foreman/config"
	"github.com/deepnoodle-ai/foreman/slogger"
	"github.com/deepnoodle-ai/foreman/state"
	"github.com/deepnoodle-ai/foreman/supervisor"
	"github.com/deepnoodle-ai/foreman/workspace"
)

// Options wires an Orchestrator from its collaborators. All four core
// components are required; the watcher is optional.
type Options struct {
	Config     *config.Config
	Workspaces *workspace.Manager
	Supervisor *supervisor.Supervisor
	Store      *state.Store
	Watcher    *state.Watcher
	Logger     slogger.Logger
}

// Orchestrator owns one workspace manager, one supervisor, and one state
// store. A single control loop goroutine consumes the supervisor's event
// channel; there is no other background machinery.
type Orchestrator struct {
	cfg        *config.Config
	workspaces *workspace.Manager
	supervisor *supervisor.Supervisor
	store      *state.Store
	watcher    *state.Watcher
	logger     slogger.Logger

	stream    foreman.EventStream
	publisher foreman.EventPublisher
	tracer    *eventTracer

	// createMu serializes create admission so two concurrent creates for
	// the same task cannot both pass the active-workflow check.
	createMu sync.Mutex

	// stateMu guards workflow status transitions so a terminal status is
	// recorded, and its event emitted, exactly once.
	stateMu sync.Mutex

	touchMu sync.Mutex
	touched map[string]time.Time

	bg           sync.WaitGroup
	loopDone     chan struct{}
	closed       atomic.Bool
	hookOnce     atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an orchestrator over the given components and starts its
// control loop. Any workflow left non-terminal by a previous run is marked
// failed, since its process cannot have survived.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Workspaces == nil {
		return nil, fmt.Errorf("workspace manager is required")
	}
	if opts.Supervisor == nil {
		return nil, fmt.Errorf("supervisor is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	stream, publisher := foreman.NewEventStream(opts.Config.EventBufferSize)
	o := &Orchestrator{
		cfg:        opts.Config,
		workspaces: opts.Workspaces,
		supervisor: opts.Supervisor,
		store:      opts.Store,
		watcher:    opts.Watcher,
		logger:     logger,
		stream:     stream,
		publisher:  publisher,
		touched:    map[string]time.Time{},
		loopDone:   make(chan struct{}),
	}
	if opts.Config.Debug {
		o.tracer = newEventTracer(os.Stderr)
	}
	o.reconcileOrphans()
	go o.loop()
	return o, nil
}

// NewFromConfig builds the full engine from configuration: workspace
// manager, supervisor, state store, the optional registry watcher, and the
// orchestrator over them.
func NewFromConfig(cfg *config.Config, logger slogger.Logger) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AgentPath == "" {
		return nil, fmt.Errorf("agent path is required")
	}
	if logger == nil {
		logger = slogger.DefaultLogger
	}

	workspaces, err := workspace.New(workspace.Options{
		ProjectRoot:   cfg.ProjectRoot,
		BaseDir:       cfg.WorktreeBaseDir,
		BranchPrefix:  cfg.BranchPrefix,
		BranchPattern: cfg.BranchPattern(),
		KeepPatterns:  cfg.KeepPatterns,
		Logger:        logger.With("component", "workspace"),
	})
	if err != nil {
		return nil, err
	}

	sup, err := supervisor.New(supervisor.Options{
		AgentPath:       cfg.AgentPath,
		AgentArgs:       cfg.AgentArgs,
		GracePeriod:     cfg.StopGrace(),
		EventBufferSize: cfg.EventBufferSize,
		Logger:          logger.With("component", "supervisor"),
	})
	if err != nil {
		return nil, err
	}

	store, err := state.New(cfg.RegistryPath(), logger.With("component", "state"))
	if err != nil {
		return nil, err
	}

	var watcher *state.Watcher
	if cfg.WatchRegistry {
		watcher, err = state.Watch(store, logger.With("component", "state"))
		if err != nil {
			logger.Warn("failed to start registry watcher", "error", err)
		}
	}

	return New(Options{
		Config:     cfg,
		Workspaces: workspaces,
		Supervisor: sup,
		Store:      store,
		Watcher:    watcher,
		Logger:     logger.With("component", "orchestrator"),
	})
}

// reconcileOrphans fails any workflow the registry still shows as active.
// The supervisor starts empty, so an active entry at construction time can
// only be left over from a previous process.
func (o *Orchestrator) reconcileOrphans() {
	for _, wctx := range o.store.ListActive() {
		status := foreman.WorkflowStatusFailed
		err := o.store.Update(wctx.WorkflowID, state.UpdateFields{
			Status:   &status,
			Metadata: map[string]any{"reason": "orphaned"},
		})
		if err != nil {
			o.logger.Error("failed to mark orphaned workflow",
				"workflow_id", wctx.WorkflowID, "error", err)
			continue
		}
		o.logger.Warn("marked orphaned workflow as failed",
			"workflow_id", wctx.WorkflowID, "task_id", wctx.TaskID)
		ev := foreman.NewEvent(foreman.EventTypeWorkflowFailed, wctx.WorkflowID, wctx.TaskID)
		ev.Payload = map[string]any{"reason": "orphaned"}
		o.publish(ev)
	}
}

// CreateOptions adjusts one workflow creation.
type CreateOptions struct {
	// BranchName overrides the generated task branch.
	BranchName string

	// Timeout bounds the agent process. Zero selects the configured
	// default; a negative value disables the timeout entirely.
	Timeout time.Duration

	// Env entries are added to the agent process environment.
	Env map[string]string

	// ExtraArgs are appended to the agent's base arguments.
	ExtraArgs []string

	// Metadata is stored on the workflow's registry entry.
	Metadata map[string]any
}

// CreateWorkflow provisions a workspace for the task, registers a workflow,
// and starts a supervised agent process in it. It fails with
// AlreadyExecutingError while the task has a non-terminal workflow. On spawn
// failure the workflow is marked failed and the workspace is left in place
// for inspection.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, task foreman.TaskDescriptor, opts CreateOptions) (string, error) {
	if o.closed.Load() {
		return "", fmt.Errorf("orchestrator is shut down")
	}
	if err := task.Validate(); err != nil {
		return "", err
	}

	o.createMu.Lock()
	defer o.createMu.Unlock()

	if active, ok := o.store.FindActiveByTask(task.ID); ok {
		return "", &foreman.AlreadyExecutingError{TaskID: task.ID, WorkflowID: active.WorkflowID}
	}

	handle, err := o.workspaces.Create(ctx, task.ID, opts.BranchName)
	if err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}

	now := time.Now().UTC()
	workflowID, err := o.store.Register(&foreman.WorkflowExecutionContext{
		TaskID:          task.ID,
		TaskTitle:       task.Title,
		TaskDescription: task.Description,
		ProjectRoot:     o.cfg.ProjectRoot,
		Status:          foreman.WorkflowStatusInitializing,
		WorktreePath:    handle.Path,
		BranchName:      handle.Branch,
		StartedAt:       now,
		LastActivity:    now,
		Metadata:        opts.Metadata,
	})
	if err != nil {
		if _, rmErr := o.workspaces.Remove(ctx, task.ID, true); rmErr != nil {
			o.logger.Warn("failed to roll back workspace after registration failure",
				"task_id", task.ID, "error", rmErr)
		}
		return "", fmt.Errorf("failed to register workflow: %w", err)
	}

	created := foreman.NewEvent(foreman.EventTypeWorkflowCreated, workflowID, task.ID)
	created.Payload = map[string]any{"branch": handle.Branch, "worktreePath": handle.Path}
	o.publish(created)
	wt := foreman.NewEvent(foreman.EventTypeWorktreeCreated, workflowID, task.ID)
	wt.Payload = map[string]any{"path": handle.Path, "branch": handle.Branch, "commit": handle.CommitHash}
	o.publish(wt)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = o.cfg.DefaultTimeout()
	}
	if timeout < 0 {
		timeout = 0
	}
	var logPath string
	if o.cfg.AgentLogs {
		logPath = filepath.Join(o.cfg.LogsDir(), workflowID+".log")
	}

	info, err := o.supervisor.Start(ctx, supervisor.StartOptions{
		WorkflowID:    workflowID,
		TaskID:        task.ID,
		Prompt:        task.Prompt(),
		Dir:           handle.Path,
		Env:           opts.Env,
		Timeout:       timeout,
		ExtraArgs:     opts.ExtraArgs,
		OutputLogPath: logPath,
	})
	if err != nil {
		o.finalize(workflowID, task.ID, foreman.WorkflowStatusFailed,
			map[string]any{"reason": "spawn"}, err)
		return "", fmt.Errorf("failed to start agent process: %w", err)
	}

	o.markRunning(workflowID, info.PID)
	started := foreman.NewEvent(foreman.EventTypeWorkflowStarted, workflowID, task.ID)
	started.Payload = map[string]any{"pid": info.PID}
	o.publish(started)

	o.logger.Info("workflow created",
		"workflow_id", workflowID, "task_id", task.ID,
		"branch", handle.Branch, "pid", info.PID)
	return workflowID, nil
}

// markRunning records the running transition and the pid. When the process
// exited before this ran, the terminal status recorded by the control loop
// is preserved and only the pid is backfilled.
func (o *Orchestrator) markRunning(workflowID string, pid int) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	current, err := o.store.Get(workflowID)
	if err != nil {
		return
	}
	fields := state.UpdateFields{ProcessID: &pid}
	status := foreman.WorkflowStatusRunning
	if !current.Status.IsTerminal() {
		fields.Status = &status
	}
	if err := o.store.Update(workflowID, fields); err != nil {
		o.logger.Error("failed to record running status",
			"workflow_id", workflowID, "error", err)
	}
}

// StopWorkflow terminates a workflow's process and marks it cancelled. A
// graceful stop escalates to a kill after the grace window; a forced stop
// kills immediately. Stopping an unknown workflow fails with
// WorkflowNotFoundError; stopping one that is already terminal fails with
// NotRunningError.
func (o *Orchestrator) StopWorkflow(ctx context.Context, workflowID string, force bool) error {
	wctx, err := o.store.Get(workflowID)
	if err != nil {
		return err
	}
	if wctx.Status.IsTerminal() {
		return &foreman.NotRunningError{WorkflowID: workflowID}
	}
	if err := o.supervisor.Stop(workflowID, force); err != nil {
		return err
	}
	o.finalize(workflowID, wctx.TaskID, foreman.WorkflowStatusCancelled,
		map[string]any{"reason": "stopped", "forced": force}, nil)
	return nil
}

// SendInput writes a line of text to a workflow's agent process.
func (o *Orchestrator) SendInput(workflowID, input string) error {
	return o.supervisor.SendInput(workflowID, input)
}

// ListActive returns the non-terminal workflows.
func (o *Orchestrator) ListActive() []*foreman.WorkflowExecutionContext {
	return o.store.ListActive()
}

// ListAll returns every registered workflow, oldest first.
func (o *Orchestrator) ListAll() []*foreman.WorkflowExecutionContext {
	return o.store.List()
}

// GetStatus returns the registry entry for one workflow.
func (o *Orchestrator) GetStatus(workflowID string) (*foreman.WorkflowExecutionContext, error) {
	return o.store.Get(workflowID)
}

// CleanupOlderThan removes terminal registry entries older than the given
// age and returns how many were removed.
func (o *Orchestrator) CleanupOlderThan(age time.Duration) (int, error) {
	return o.store.CleanupOlderThan(age)
}

// Events returns the outward event stream. Events are dropped rather than
// blocking the engine when the consumer lags.
func (o *Orchestrator) Events() foreman.EventStream {
	return o.stream
}

// loop is the control loop: it drains the supervisor's event channel until
// Close, forwarding events outward and turning process exits into workflow
// transitions.
func (o *Orchestrator) loop() {
	defer close(o.loopDone)
	for ev := range o.supervisor.Events() {
		o.publish(ev)
		switch ev.Type {
		case foreman.EventTypeProcessOutput:
			o.touch(ev.WorkflowID)
		case foreman.EventTypeProcessStopped:
			o.handleProcessExit(ev)
		}
	}
}

// handleProcessExit maps the supervisor's exit reason onto the terminal
// workflow status.
func (o *Orchestrator) handleProcessExit(ev *foreman.ExecutionEvent) {
	reason, _ := ev.Payload["reason"].(string)
	var status foreman.WorkflowStatus
	switch reason {
	case "completed":
		status = foreman.WorkflowStatusCompleted
	case "stopped":
		status = foreman.WorkflowStatusCancelled
	case "timeout":
		status = foreman.WorkflowStatusTimeout
	default:
		status = foreman.WorkflowStatusFailed
	}
	payload := map[string]any{"reason": reason}
	if code, ok := ev.Payload["exitCode"]; ok {
		payload["exitCode"] = code
	}
	o.finalize(ev.WorkflowID, ev.TaskID, status, payload, ev.Error)
}

// finalize records a workflow's terminal status and emits its workflow event
// exactly once; later calls for the same workflow are no-ops. The status
// timeout surfaces as a workflow.failed event since timeouts are failures
// from the caller's point of view.
func (o *Orchestrator) finalize(workflowID, taskID string, status foreman.WorkflowStatus, payload map[string]any, cause error) {
	// Drop the activity throttle entry on every path, including the
	// duplicate-finalize no-op, so the map stays bounded over time.
	o.touchMu.Lock()
	delete(o.touched, workflowID)
	o.touchMu.Unlock()

	o.stateMu.Lock()
	current, err := o.store.Get(workflowID)
	if err != nil {
		o.stateMu.Unlock()
		o.logger.Debug("ignoring exit for unknown workflow", "workflow_id", workflowID)
		return
	}
	if current.Status.IsTerminal() {
		o.stateMu.Unlock()
		return
	}
	if err := o.store.Update(workflowID, state.UpdateFields{Status: &status}); err != nil {
		o.logger.Error("failed to record terminal workflow status",
			"workflow_id", workflowID, "status", status.String(), "error", err)
	}
	o.stateMu.Unlock()

	var eventType foreman.EventType
	switch status {
	case foreman.WorkflowStatusCompleted:
		eventType = foreman.EventTypeWorkflowCompleted
	case foreman.WorkflowStatusCancelled:
		eventType = foreman.EventTypeWorkflowCancelled
	default:
		eventType = foreman.EventTypeWorkflowFailed
	}
	ev := foreman.NewEvent(eventType, workflowID, taskID)
	ev.Payload = payload
	ev.Error = cause
	o.publish(ev)
	o.logger.Info("workflow finished",
		"workflow_id", workflowID, "task_id", taskID, "status", status.String())

	if o.cfg.CleanupOnExit && status != foreman.WorkflowStatusFailed {
		o.bg.Add(1)
		go func() {
			defer o.bg.Done()
			o.removeWorkspace(context.Background(), workflowID, taskID)
		}()
	}
}

// removeWorkspace force-removes a workflow's worktree and emits
// worktree.deleted. Exit cleanup is forced because the agent almost always
// leaves the tree dirty.
func (o *Orchestrator) removeWorkspace(ctx context.Context, workflowID, taskID string) {
	result, err := o.workspaces.Remove(ctx, taskID, true)
	if err != nil {
		var notFound *foreman.WorkspaceNotFoundError
		if !errors.As(err, &notFound) {
			o.logger.Warn("failed to remove workspace after exit",
				"workflow_id", workflowID, "task_id", taskID, "error", err)
		}
		return
	}
	ev := foreman.NewEvent(foreman.EventTypeWorktreeDeleted, workflowID, taskID)
	ev.Payload = map[string]any{"branchDeleted": result.BranchDeleted}
	o.publish(ev)
}

// touch refreshes a workflow's last-activity time, persisting at most once
// per second per workflow so chatty agents do not thrash the registry.
func (o *Orchestrator) touch(workflowID string) {
	o.touchMu.Lock()
	now := time.Now()
	if last, ok := o.touched[workflowID]; ok && now.Sub(last) < time.Second {
		o.touchMu.Unlock()
		return
	}
	o.touched[workflowID] = now
	o.touchMu.Unlock()
	if err := o.store.Touch(workflowID); err != nil {
		o.logger.Debug("failed to touch workflow", "workflow_id", workflowID, "error", err)
	}
}

// publish forwards an event to the outward stream without ever blocking the
// engine; a full stream drops the event with a debug log.
func (o *Orchestrator) publish(ev *foreman.ExecutionEvent) {
	if o.tracer != nil {
		o.tracer.trace(ev)
	}
	if !o.publisher.TrySend(ev) {
		o.logger.Debug("dropping event, stream full",
			"type", ev.Type.String(), "workflow_id", ev.WorkflowID)
	}
}

// Shutdown stops every process, drains the control loop so final status
// transitions are recorded, and only then cleans up workspaces. It is
// idempotent; later calls return the first result. Dirty or locked
// worktrees survive the non-forced cleanup pass.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.closed.Store(true)
		o.logger.Info("orchestrator shutting down")
		var errs []error

		if err := o.supervisor.CleanupAll(false); err != nil {
			errs = append(errs, fmt.Errorf("process cleanup: %w", err))
		}
		o.supervisor.Close()
		select {
		case <-o.loopDone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		o.bg.Wait()

		if _, err := o.workspaces.CleanupAll(ctx, false); err != nil {
			errs = append(errs, fmt.Errorf("workspace cleanup: %w", err))
		}
		if o.watcher != nil {
			o.watcher.Close()
		}
		o.publisher.Close()
		o.shutdownErr = errors.Join(errs...)
		o.logger.Info("orchestrator shut down")
	})
	return o.shutdownErr
}

// InstallShutdownHook registers a SIGINT/SIGTERM handler that runs Shutdown.
// Only one hook may be installed per orchestrator; later calls warn and do
// nothing. The returned function uninstalls the handler.
func (o *Orchestrator) InstallShutdownHook() func() {
	if !o.hookOnce.CompareAndSwap(false, true) {
		o.logger.Warn("shutdown hook already installed")
		return func() {}
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			o.logger.Info("received signal, shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := o.Shutdown(ctx); err != nil {
				o.logger.Error("shutdown failed", "error", err)
			}
		case <-done:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
		})
	}
}
