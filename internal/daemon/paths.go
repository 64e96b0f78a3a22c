package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// runFiles are the daemon's bookkeeping files under <home>/protected.
type runFiles struct {
	dir  string
	pid  string
	lock string
	addr string
	log  string
}

func filesFor(home string) runFiles {
	dir := filepath.Join(home, "protected")
	return runFiles{
		dir:  dir,
		pid:  filepath.Join(dir, "daemon.pid"),
		lock: filepath.Join(dir, "daemon.lock"),
		addr: filepath.Join(dir, "daemon.addr"),
		log:  filepath.Join(dir, "daemon.log"),
	}
}

func (f runFiles) ensure() error {
	return os.MkdirAll(f.dir, 0o755)
}

// publish records the pid and listen address of the running daemon.
func (f runFiles) publish(pid int, addr string) error {
	if err := os.WriteFile(f.pid, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	_ = os.WriteFile(f.addr, []byte(addr+"\n"), 0o644)
	return nil
}

func (f runFiles) clear() {
	_ = os.Remove(f.pid)
	_ = os.Remove(f.addr)
}

// recorded returns the published pid (0 when absent or unreadable) and address.
func (f runFiles) recorded() (int, string) {
	pb, err := os.ReadFile(f.pid)
	if err != nil {
		return 0, ""
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pb)))
	if err != nil || pid <= 0 {
		return 0, ""
	}
	addr := ""
	if ab, err := os.ReadFile(f.addr); err == nil {
		addr = strings.TrimSpace(string(ab))
	}
	return pid, addr
}
