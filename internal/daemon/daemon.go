// Package daemon runs a jobplane node in the foreground or as a detached background process
// and reports on it through pid and address files under the home directory.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/ankittk/jobplane/internal/config"
)

var errNotRunning = errors.New("jobplane is not running")

// StartForeground runs the node until ctx is cancelled, holding the home lock and
// publishing the pid and address files for status and stop.
func StartForeground(ctx context.Context, opts StartOptions) error {
	if opts.Home == "" {
		return errors.New("home is required")
	}
	files := filesFor(opts.Home)
	if err := files.ensure(); err != nil {
		return err
	}
	lock, err := acquireLock(files.lock)
	if err != nil {
		return err
	}
	defer lock.release()

	if opts.Config.Listen.Pprof {
		startPprof(pprofAddr)
	}

	node, err := Build(ctx, opts.Home, opts.Config)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := node.Close(closeCtx); err != nil {
			slog.Warn("close node", "err", err)
		}
	}()

	if err := files.publish(os.Getpid(), opts.Config.Listen.Addr); err != nil {
		return err
	}
	defer files.clear()

	slog.Info("daemon starting", "addr", opts.Config.Listen.Addr, "home", opts.Home, "cluster", opts.Config.Cluster)
	if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// StartBackground re-executes the current binary as "daemon" detached from the terminal and
// returns its pid. The child's stderr is appended to protected/daemon.log.
func StartBackground(ctx context.Context, opts StartOptions) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	files := filesFor(opts.Home)
	if err := files.ensure(); err != nil {
		return 0, err
	}
	if st, _ := Status(ctx, opts.Home); st.Running {
		return 0, fmt.Errorf("jobplane already running (pid %d, addr %s)", st.PID, st.Addr)
	}

	logOut, err := os.OpenFile(files.log, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	// The child inherits the descriptor; ours can go once it has started.
	defer func() { _ = logOut.Close() }()

	args := []string{"daemon", "--home", opts.Home}
	if opts.ConfigFile != "" {
		args = append(args, "--config", opts.ConfigFile)
	}
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), overrideEnv(opts.Config)...)
	cmd.Stdout = io.Discard
	cmd.Stderr = logOut
	setDaemonSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return 0, err
	}

	pid, ok := waitFor(ctx, 2*time.Second, 50*time.Millisecond, func() (int, bool) {
		st, _ := Status(ctx, opts.Home)
		return st.PID, st.Running
	})
	if !ok {
		pid = cmd.Process.Pid
	}
	return pid, nil
}

// overrideEnv carries settings that may have come from start flags to the child, which
// reloads its configuration from file and environment.
func overrideEnv(cfg config.Config) []string {
	return []string{
		"JOBPLANE_LISTEN_ADDR=" + cfg.Listen.Addr,
		"JOBPLANE_LISTEN_PPROF=" + strconv.FormatBool(cfg.Listen.Pprof),
		"JOBPLANE_DB_DRIVER=" + cfg.DB.Driver,
		"JOBPLANE_DB_URL=" + cfg.DB.URL,
		"JOBPLANE_AGENT_PROVIDER=" + cfg.Agent.Provider,
	}
}

// Stop sends a termination signal and waits up to 15 seconds for the daemon to exit, killing
// it afterwards. It reports whether a daemon was running.
func Stop(ctx context.Context, home string) (bool, error) {
	st, err := Status(ctx, home)
	if err != nil || !st.Running {
		return false, err
	}
	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return false, errNotRunning
	}
	if err := signalTerm(proc); err != nil {
		return false, fmt.Errorf("signal pid %d: %w", st.PID, err)
	}
	_, exited := waitFor(ctx, 15*time.Second, 100*time.Millisecond, func() (int, bool) {
		s, _ := Status(ctx, home)
		return 0, !s.Running
	})
	if !exited {
		slog.Warn("daemon did not exit in time, killing", "pid", st.PID)
		_ = proc.Kill()
	}
	return true, nil
}

// Status checks the published pid against a live process. A stale pid file is removed.
func Status(_ context.Context, home string) (StatusInfo, error) {
	files := filesFor(home)
	pid, addr := files.recorded()
	if pid == 0 {
		return StatusInfo{}, nil
	}
	if !processExists(pid) {
		files.clear()
		return StatusInfo{}, nil
	}
	if addr == "" {
		addr = "unknown"
	}
	return StatusInfo{Running: true, PID: pid, Addr: addr}, nil
}

// waitFor polls cond every interval until it holds, the timeout passes, or ctx ends.
func waitFor(ctx context.Context, timeout, interval time.Duration, cond func() (int, bool)) (int, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if v, ok := cond(); ok {
			return v, true
		}
		if time.Now().After(deadline) {
			return 0, false
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(interval):
		}
	}
}
