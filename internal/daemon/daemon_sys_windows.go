//go:build windows

package daemon

import (
	"os"
	"os/exec"
)

func setDaemonSysProcAttr(*exec.Cmd) {}

// processExists cannot probe without OpenProcess; a positive pid is trusted and a dead daemon
// surfaces as a refused connection.
func processExists(pid int) bool {
	return pid > 0
}

// signalTerm kills outright since windows has no SIGTERM.
func signalTerm(proc *os.Process) error {
	return proc.Kill()
}
