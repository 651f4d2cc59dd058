// Package foreman provides a task-execution workflow engine: given a task
// descriptor, it provisions an isolated git worktree, launches and supervises
// an external coding-agent process inside it, and durably tracks execution
// state across restarts.
//
// The core types are:
//
//   - [TaskDescriptor] is the unit of work handed to the engine by a caller.
//   - [WorkflowExecutionContext] is the tracked state of one execution attempt.
//   - [ExecutionEvent] and [EventStream] carry lifecycle notifications.
//
// The engine is assembled from four components, each in its own subpackage:
// [github.com/deepnoodle-ai/foreman/workspace] manages worktrees,
// [github.com/deepnoodle-ai/foreman/supervisor] manages agent processes,
// [github.com/deepnoodle-ai/foreman/state] persists the workflow registry,
// and [github.com/deepnoodle-ai/foreman/orchestrator] composes the three
// behind a single create/stop/list/query API.
//
// # Quick Start
//
//	cfg, _ := config.Load("/path/to/project")
//	eng, _ := orchestrator.NewFromConfig(cfg, logger)
//	defer eng.Shutdown(context.Background())
//
//	id, _ := eng.CreateWorkflow(ctx, foreman.TaskDescriptor{
//	    ID:    "42",
//	    Title: "Add retry logic to the fetcher",
//	}, orchestrator.CreateOptions{})
//
//	stream := eng.Events()
//	for stream.Next(ctx) {
//	    fmt.Println(stream.Event().Type)
//	}
package foreman
