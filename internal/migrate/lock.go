// Package migrate brings the store schema up to the current version:
// version detection, ordered migrators, cross-process advisory
// locking, online backups with retention pruning, and restore on
// failure.
package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"agentmcp/internal/apierr"
	"agentmcp/internal/logging"
)

const (
	// LockFileName is created next to the database file.
	LockFileName = ".migration.lock"

	// DefaultLockTimeout bounds lock acquisition.
	DefaultLockTimeout = 120 * time.Second

	// lockStaleAfter is how old a lock may be before it is reclaimed
	// even when its recorded pid cannot be probed.
	lockStaleAfter = 300 * time.Second

	lockPollInterval = 1 * time.Second
)

// Lock is an advisory cross-process migration lock. The lock file is
// created with exclusive-create semantics and records "pid\nts\n" so
// that crashed holders can be detected and reclaimed.
type Lock struct {
	path string
	held bool
}

// AcquireLock takes the migration lock in dir, polling until timeout.
// Stale locks (dead pid, or older than 300 s) are removed and retried.
func AcquireLock(dir string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	l := &Lock{path: filepath.Join(dir, LockFileName)}
	deadline := time.Now().Add(timeout)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	for {
		if err := l.tryCreate(); err == nil {
			logging.Migration("acquired migration lock (pid %d)", os.Getpid())
			return l, nil
		} else if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create migration lock: %w", err)
		}

		if l.isStale() {
			logging.MigrationWarn("removing stale migration lock at %s", l.path)
			os.Remove(l.path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, apierr.New(apierr.LockTimeout,
				"failed to acquire migration lock within %s", timeout)
		}
		logging.MigrationDebug("waiting for migration lock...")
		time.Sleep(lockPollInterval)
	}
}

func (l *Lock) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	fmt.Fprintf(f, "%d\n%d\n", os.Getpid(), time.Now().Unix())
	if err := f.Close(); err != nil {
		os.Remove(l.path)
		return err
	}
	l.held = true
	return nil
}

// isStale reports whether the current lock file belongs to a dead
// process or has outlived the staleness threshold.
func (l *Lock) isStale() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return true // malformed lock
	}

	ts, err := strconv.ParseFloat(strings.TrimSpace(lines[1]), 64)
	if err == nil && time.Since(time.Unix(int64(ts), 0)) > lockStaleAfter {
		return true
	}

	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return true
	}
	return !pidAlive(pid)
}

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() {
	if !l.held {
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		logging.MigrationWarn("failed to remove migration lock: %v", err)
	} else {
		logging.Migration("released migration lock")
	}
	l.held = false
}
