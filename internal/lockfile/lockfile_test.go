//go:build unix

package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	logx "laterbot/pkg/logx"
)

func TestAcquireWritesPID(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, logx.Nop())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	b, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	if want := "pid=" + strconv.Itoa(os.Getpid()); !strings.Contains(string(b), want) {
		t.Fatalf("lock content %q missing %q", b, want)
	}
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, logx.Nop())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	// flock is per open file description, so a second open in the same process conflicts.
	_, err = Acquire(dir, logx.Nop())
	var le *LockError
	if !errors.As(err, &le) {
		t.Fatalf("expected LockError, got %v", err)
	}
	if !strings.Contains(le.Holder, strconv.Itoa(os.Getpid())) {
		t.Fatalf("holder %q should name our pid", le.Holder)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, logx.Nop())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !os.IsNotExist(err) {
		t.Fatalf("lock file should be removed, stat err=%v", err)
	}
	l2, err := Acquire(dir, logx.Nop())
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	_ = l2.Release()
}

func TestParsePID(t *testing.T) {
	cases := map[string]int{"pid=123\n": 123, "": 0, "pid=": 0, "junk pid=9x": 9}
	for in, want := range cases {
		if got := parsePID(in); got != want {
			t.Fatalf("parsePID(%q)=%d want %d", in, got, want)
		}
	}
}
