//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

// configureProcAttr is a no-op on Windows, where process groups are not
// managed through SysProcAttr the way they are on Unix.
func configureProcAttr(cmd *exec.Cmd) {}

// terminateProcessGroup has no graceful signal on Windows, so it kills the
// process directly. Child processes spawned by the agent are not reached.
func terminateProcessGroup(pid int) error {
	return killProcessGroup(pid)
}

// killProcessGroup forcibly ends the process.
func killProcessGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
