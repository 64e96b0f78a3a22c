//go:build linux || darwin

package daemon

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setDaemonSysProcAttr starts the child in its own session so it outlives the terminal.
func setDaemonSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// processExists probes pid with signal 0. EPERM means the process exists under another user.
func processExists(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func signalTerm(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}
