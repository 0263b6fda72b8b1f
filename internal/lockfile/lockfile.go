// Package lockfile keeps two laterbot processes from sharing one state directory.
//
// Two processes over the same schedule would both fire every record, so the
// second one must refuse to start. The lock is an advisory flock held on a
// file in the state directory; the kernel drops it when the process dies, so
// a crash never leaves a lock that blocks the next start.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	logx "laterbot/pkg/logx"
)

const FileName = "laterbot.lock"

type Lock struct {
	file *os.File
	path string
	log  logx.Logger
}

// Acquire takes the exclusive lock in stateDir, creating the directory if needed.
// A lock held by another process yields a *LockError.
func Acquire(stateDir string, log logx.Logger) (*Lock, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(stateDir) == "" {
		stateDir = "."
	}
	path := filepath.Join(stateDir, FileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", stateDir, err)
	}

	// No O_TRUNC: the current holder's pid must survive a failed attempt.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, &LockError{Path: path, Holder: describeHolder(path), Cause: err}
	}

	if err := f.Truncate(0); err == nil {
		_, err = f.WriteAt([]byte("pid="+strconv.Itoa(os.Getpid())+"\n"), 0)
		if err != nil {
			log.Warn("write lock info failed", logx.String("path", path), logx.Err(err))
		}
	}
	_ = f.Sync()

	log.Info("state directory locked", logx.String("path", path), logx.Int("pid", os.Getpid()))
	return &Lock{file: f, path: path, log: log}, nil
}

func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlock so a waiting process never sees our stale pid.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.log.Warn("remove lock file failed", logx.String("path", l.path), logx.Err(err))
	}
	if err := unlockFile(l.file); err != nil {
		l.log.Warn("unlock failed", logx.String("path", l.path), logx.Err(err))
	}
	err := l.file.Close()
	l.file = nil
	l.log.Info("state directory unlocked", logx.String("path", l.path))
	return err
}

// LockError reports a lock held by another process.
type LockError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *LockError) Error() string {
	msg := "another laterbot instance is using this state directory (lock " + e.Path
	if e.Holder != "" {
		msg += ", held by " + e.Holder
	}
	return msg + ")"
}

func (e *LockError) Unwrap() error { return e.Cause }

func describeHolder(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	pid := parsePID(string(b))
	if pid <= 0 {
		return ""
	}
	if processAlive(pid) {
		return fmt.Sprintf("pid %d", pid)
	}
	return fmt.Sprintf("pid %d, not running", pid)
}

// parsePID extracts N from "pid=N".
func parsePID(content string) int {
	const prefix = "pid="
	i := strings.Index(content, prefix)
	if i < 0 {
		return 0
	}
	rest := content[i+len(prefix):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	pid, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return pid
}
