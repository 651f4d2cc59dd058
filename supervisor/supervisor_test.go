package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deepnoodle-ai/foreman"
	"github.com/deepnoodle-ai/foreman/slogger"
	"github.com/stretchr/testify/require"
)

// newTestSupervisor returns a supervisor that runs workflows through sh so
// tests exercise real processes. Tests are skipped where sh is unavailable.
func newTestSupervisor(t *testing.T, opts Options) *Supervisor {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available in PATH")
	}
	if opts.AgentPath == "" {
		opts.AgentPath = "sh"
		opts.AgentArgs = []string{"-c"}
	}
	if opts.Logger == nil {
		opts.Logger = slogger.NewDevNullLogger()
	}
	sup, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		sup.CleanupAll(true)
		sup.Close()
	})
	return sup
}

// drainUntilStopped consumes events for one workflow until its
// process.stopped event arrives, returning the collected output chunks and
// the stop event itself.
func drainUntilStopped(t *testing.T, events <-chan *foreman.ExecutionEvent, timeout time.Duration) ([]string, *foreman.ExecutionEvent) {
	t.Helper()
	var chunks []string
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event channel closed before process stopped")
			switch ev.Type {
			case foreman.EventTypeProcessOutput:
				chunks = append(chunks, ev.Payload["chunk"].(string))
			case foreman.EventTypeProcessStopped:
				return chunks, ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for process.stopped event")
		}
	}
}

func waitForEvent(t *testing.T, events <-chan *foreman.ExecutionEvent, eventType foreman.EventType, timeout time.Duration) *foreman.ExecutionEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event channel closed while waiting for %s", eventType)
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestStartCapturesOutputAndExit(t *testing.T) {
	sup := newTestSupervisor(t, Options{})

	info, err := sup.Start(context.Background(), StartOptions{
		WorkflowID: "wf-echo",
		TaskID:     "42",
		Prompt:     "echo hello; echo oops >&2; exit 0",
		Dir:        t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, StatusRunning, info.Status)
	require.NotZero(t, info.PID)

	started := waitForEvent(t, sup.Events(), foreman.EventTypeProcessStarted, 5*time.Second)
	require.Equal(t, "wf-echo", started.WorkflowID)
	require.Equal(t, "42", started.TaskID)

	chunks, stopped := drainUntilStopped(t, sup.Events(), 5*time.Second)
	require.Contains(t, chunks, "hello")
	require.Contains(t, chunks, "oops")
	require.Equal(t, "stopped", stopped.Payload["processStatus"])
	require.Equal(t, "completed", stopped.Payload["reason"])
	require.Equal(t, 0, stopped.Payload["exitCode"])
	require.Equal(t, 0, sup.Count())
}

func TestOversizedOutputLineStillCompletes(t *testing.T) {
	sup := newTestSupervisor(t, Options{})

	// The shell doubles a string until it is past the retention cap and
	// prints it as one line. The reader must keep draining beyond the cap;
	// a stalled reader would leave the child blocked writing to a full
	// pipe, so the process would never exit.
	script := `s=x; while [ ${#s} -lt 300000 ]; do s=$s$s; done; echo "$s"; echo after; exit 0`
	_, err := sup.Start(context.Background(), StartOptions{
		WorkflowID: "wf-big-line",
		TaskID:     "12",
		Prompt:     script,
		Dir:        t.TempDir(),
	})
	require.NoError(t, err)

	var chunks []string
	var truncated bool
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sup.Events():
			require.True(t, ok, "event channel closed before process stopped")
			switch ev.Type {
			case foreman.EventTypeProcessOutput:
				chunk := ev.Payload["chunk"].(string)
				chunks = append(chunks, chunk)
				if flag, _ := ev.Payload["truncated"].(bool); flag {
					truncated = true
					require.Len(t, chunk, maxOutputLine)
				}
			case foreman.EventTypeProcessStopped:
				require.Equal(t, "completed", ev.Payload["reason"])
				require.Equal(t, 0, ev.Payload["exitCode"])
				require.True(t, truncated, "expected a truncated output chunk")
				require.Contains(t, chunks, "after")
				return
			}
		case <-deadline:
			t.Fatal("process never exited, output reader stalled")
		}
	}
}

func TestNonZeroExitIsCrashed(t *testing.T) {
	sup := newTestSupervisor(t, Options{})

	_, err := sup.Start(context.Background(), StartOptions{
		WorkflowID: "wf-crash",
		TaskID:     "7",
		Prompt:     "exit 3",
		Dir:        t.TempDir(),
	})
	require.NoError(t, err)

	_, stopped := drainUntilStopped(t, sup.Events(), 5*time.Second)
	require.Equal(t, "crashed", stopped.Payload["processStatus"])
	require.Equal(t, "crashed", stopped.Payload["reason"])
	require.Equal(t, 3, stopped.Payload["exitCode"])
	require.Error(t, stopped.Error)
}

func TestStartRejectsDuplicateWorkflow(t *testing.T) {
	sup := newTestSupervisor(t, Options{})

	_, err := sup.Start(context.Background(), StartOptions{
		WorkflowID: "wf-dup",
		TaskID:     "1",
		Prompt:     "sleep 5",
		Dir:        t.TempDir(),
	})
	require.NoError(t, err)

	_, err = sup.Start(context.Background(), StartOptions{
		WorkflowID: "wf-dup",
		TaskID:     "1",
		Prompt:     "sleep 5",
		Dir:        t.TempDir(),
	})
	var already *foreman.AlreadyRunningError
	require.True(t, errors.As(err, &already))
	require.Equal(t, "wf-dup", already.WorkflowID)

	require.NoError(t, sup.Stop("wf-dup", true))
}

func TestStopGraceful(t *testing.T) {
	sup := newTestSupervisor(t, Options{})

	_, err := sup.Start(context.Background(), StartOptions{
		WorkflowID: "wf-stop",
		TaskID:     "2",
		Prompt:     "sleep 30",
		Dir:        t.TempDir(),
	})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, sup.Stop("wf-stop", false))
	require.Less(t, time.Since(start), 5*time.Second)

	_, stopped := drainUntilStopped(t, sup.Events(), 5*time.Second)
	require.Equal(t, "stopped", stopped.Payload["processStatus"])
	require.Equal(t, "stopped", stopped.Payload["reason"])
	require.Equal(t, 0, sup.Count())
}

func TestStopEscalatesToKill(t *testing.T) {
	sup := newTestSupervisor(t, Options{GracePeriod: 200 * time.Millisecond})

	// The shell ignores SIGTERM and the sleep child inherits the ignore,
	// so only the SIGKILL escalation can end the process group.
	_, err := sup.Start(context.Background(), StartOptions{
		WorkflowID: "wf-stubborn",
		TaskID:     "3",
		Prompt:     `trap "" TERM; sleep 30`,
		Dir:        t.TempDir(),
	})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, sup.Stop("wf-stubborn", false))
	require.Less(t, time.Since(start), 5*time.Second)

	_, stopped := drainUntilStopped(t, sup.Events(), 5*time.Second)
	require.Equal(t, "killed", stopped.Payload["processStatus"])
}

func TestStopForce(t *testing.T) {
	sup := newTestSupervisor(t, Options{})

	_, err := sup.Start(context.Background(), StartOptions{
		WorkflowID: "wf-force",
		TaskID:     "4",
		Prompt:     "sleep 30",
		Dir:        t.TempDir(),
	})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, sup.Stop("wf-force", true))
	_, stopped := drainUntilStopped(t, sup.Events(), 5*time.Second)
	require.Equal(t, "killed", stopped.Payload["processStatus"])
}

func TestStopUnknownWorkflow(t *testing.T) {
	sup := newTestSupervisor(t, Options{})

	err := sup.Stop("wf-ghost", false)
	var notRunning *foreman.NotRunningError
	require.True(t, errors.As(err, &notRunning))
	require.Equal(t, "wf-ghost", notRunning.WorkflowID)
}

func TestTimeoutKillsProcess(t *testing.T) {
	sup := newTestSupervisor(t, Options{})

	_, err := sup.Start(context.Background(), StartOptions{
		WorkflowID: "wf-slow",
		TaskID:     "5",
		Prompt:     "sleep 30",
		Dir:        t.TempDir(),
		Timeout:    150 * time.Millisecond,
	})
	require.NoError(t, err)

	errEvent := waitForEvent(t, sup.Events(), foreman.EventTypeProcessError, 5*time.Second)
	require.Equal(t, "timeout", errEvent.Payload["reason"])
	require.Error(t, errEvent.Error)

	_, stopped := drainUntilStopped(t, sup.Events(), 5*time.Second)
	require.Equal(t, "killed", stopped.Payload["processStatus"])
	require.Equal(t, "timeout", stopped.Payload["reason"])
}

func TestSendInput(t *testing.T) {
	sup := newTestSupervisor(t, Options{})

	_, err := sup.Start(context.Background(), StartOptions{
		WorkflowID: "wf-input",
		TaskID:     "6",
		Prompt:     "read line; echo got:$line",
		Dir:        t.TempDir(),
	})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, sup.SendInput("wf-input", "ping"))
	chunks, stopped := drainUntilStopped(t, sup.Events(), 5*time.Second)
	require.Contains(t, chunks, "got:ping")
	require.Equal(t, "completed", stopped.Payload["reason"])
}

func TestEnvironmentInjection(t *testing.T) {
	sup := newTestSupervisor(t, Options{})

	_, err := sup.Start(context.Background(), StartOptions{
		WorkflowID: "wf-env",
		TaskID:     "9",
		Prompt:     `echo "wf=$FOREMAN_WORKFLOW_ID task=$FOREMAN_TASK_ID extra=$FOREMAN_TEST_EXTRA"`,
		Dir:        t.TempDir(),
		Env:        map[string]string{"FOREMAN_TEST_EXTRA": "yes"},
	})
	require.NoError(t, err)

	chunks, _ := drainUntilStopped(t, sup.Events(), 5*time.Second)
	require.Contains(t, chunks, "wf=wf-env task=9 extra=yes")
}

func TestOutputLogFile(t *testing.T) {
	sup := newTestSupervisor(t, Options{})
	logPath := filepath.Join(t.TempDir(), "logs", "wf-log.log")

	_, err := sup.Start(context.Background(), StartOptions{
		WorkflowID:    "wf-log",
		TaskID:        "10",
		Prompt:        "echo from-agent",
		Dir:           t.TempDir(),
		OutputLogPath: logPath,
	})
	require.NoError(t, err)
	drainUntilStopped(t, sup.Events(), 5*time.Second)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "[stdout] from-agent"))
}

func TestCleanupAllStopsEverything(t *testing.T) {
	sup := newTestSupervisor(t, Options{})

	for _, id := range []string{"wf-a", "wf-b", "wf-c"} {
		_, err := sup.Start(context.Background(), StartOptions{
			WorkflowID: id,
			TaskID:     id,
			Prompt:     "sleep 30",
			Dir:        t.TempDir(),
		})
		require.NoError(t, err)
	}
	require.Equal(t, 3, sup.Count())
	require.Len(t, sup.Running(), 3)

	require.NoError(t, sup.CleanupAll(true))
	require.Equal(t, 0, sup.Count())
}

func TestGetReturnsSnapshot(t *testing.T) {
	sup := newTestSupervisor(t, Options{})

	_, err := sup.Start(context.Background(), StartOptions{
		WorkflowID: "wf-snap",
		TaskID:     "11",
		Prompt:     "sleep 30",
		Dir:        t.TempDir(),
	})
	require.NoError(t, err)

	info, ok := sup.Get("wf-snap")
	require.True(t, ok)
	require.Equal(t, "wf-snap", info.WorkflowID)
	require.Equal(t, StatusRunning, info.Status)
	require.NotZero(t, info.PID)

	_, ok = sup.Get("wf-absent")
	require.False(t, ok)

	require.NoError(t, sup.Stop("wf-snap", true))
}
