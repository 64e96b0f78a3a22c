//go:build windows

package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// daemonLock is an exclusively created lock file, removed on release.
type daemonLock struct {
	f    *os.File
	path string
}

func acquireLock(lockFile string) (*daemonLock, error) {
	if err := os.MkdirAll(filepath.Dir(lockFile), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	switch {
	case os.IsExist(err):
		return nil, fmt.Errorf("jobplane is already running for this home (lock file %s exists)", lockFile)
	case err != nil:
		return nil, fmt.Errorf("lock %s: %w", lockFile, err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return &daemonLock{f: f, path: lockFile}, nil
}

func (l *daemonLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = l.f.Close()
	_ = os.Remove(l.path)
	l.f = nil
}
