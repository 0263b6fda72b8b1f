package uploads

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestCleanName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
		ok       bool
	}{
		{"report.pdf", "report.pdf", true},
		{"../../etc/passwd", "passwd", true},
		{`C:\Users\me\notes.txt`, "notes.txt", true},
		{"  a b.txt ", "a b.txt", true},
		{"", "", false},
		{"..", "", false},
		{"/", "", false},
	}
	for _, tt := range tests {
		got, err := CleanName(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Fatalf("CleanName(%q) = %q, %v", tt.in, got, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidName) {
			t.Fatalf("CleanName(%q) error = %v, want ErrInvalidName", tt.in, err)
		}
	}
}

func TestSaveOverwritesSameName(t *testing.T) {
	fs := afero.NewMemMapFs()
	a := New(fs, "up")

	p1, err := a.Save("../x/report.txt", strings.NewReader("first"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if p1 != filepath.Join("up", "report.txt") {
		t.Fatalf("unexpected path %q", p1)
	}
	p2, err := a.Save("report.txt", strings.NewReader("second"))
	if err != nil || p2 != p1 {
		t.Fatalf("second save = %q, %v", p2, err)
	}
	b, _ := afero.ReadFile(fs, p1)
	if string(b) != "second" {
		t.Fatalf("expected overwrite, got %q", b)
	}
	entries, _ := afero.ReadDir(fs, "up")
	if len(entries) != 1 {
		t.Fatalf("expected a single file, got %d", len(entries))
	}
}

func TestPruneKeepsReferencedAndFresh(t *testing.T) {
	fs := afero.NewMemMapFs()
	a := New(fs, "up")
	for _, n := range []string{"old-orphan.bin", "old-kept.bin", "fresh.bin"} {
		if _, err := a.Save(n, strings.NewReader(n)); err != nil {
			t.Fatalf("save %s: %v", n, err)
		}
	}
	old := time.Now().Add(-48 * time.Hour)
	for _, n := range []string{"old-orphan.bin", "old-kept.bin"} {
		if err := fs.Chtimes(filepath.Join("up", n), old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	removed, err := a.Prune([]string{"up/old-kept.bin"}, 24*time.Hour, time.Now())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 1 || removed[0] != filepath.Join("up", "old-orphan.bin") {
		t.Fatalf("unexpected removed: %v", removed)
	}
	for _, n := range []string{"old-kept.bin", "fresh.bin"} {
		if ok, _ := afero.Exists(fs, filepath.Join("up", n)); !ok {
			t.Fatalf("%s should survive", n)
		}
	}
}

func TestPruneMissingDir(t *testing.T) {
	a := New(afero.NewMemMapFs(), "nope")
	removed, err := a.Prune(nil, time.Hour, time.Now())
	if err != nil || len(removed) != 0 {
		t.Fatalf("prune missing dir = %v, %v", removed, err)
	}
}

func TestRemoveMissingIsNil(t *testing.T) {
	a := New(afero.NewMemMapFs(), "up")
	if err := a.Remove("up/none"); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
}
