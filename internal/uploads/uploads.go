// Package uploads stores files attached to scheduled deliveries.
//
// Files live flat under one directory, keyed by their base name. A later
// upload with the same name replaces the earlier file.
package uploads

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

var ErrInvalidName = errors.New("invalid upload filename")

const DefaultDir = "uploads"

type Area struct {
	fs  afero.Fs
	dir string
}

// New returns an upload area rooted at dir on fs. A nil fs means the OS filesystem.
func New(fs afero.Fs, dir string) *Area {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = DefaultDir
	}
	return &Area{fs: fs, dir: filepath.Clean(dir)}
}

func (a *Area) Dir() string { return a.dir }

// CleanName strips any directory components from a client supplied name.
func CleanName(name string) (string, error) {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	base := filepath.Base(name)
	switch base {
	case "", ".", "..", "/":
		return "", ErrInvalidName
	}
	return base, nil
}

// Save writes r to the area and returns the stored path (dir joined with the base name).
func (a *Area) Save(name string, r io.Reader) (string, error) {
	base, err := CleanName(name)
	if err != nil {
		return "", err
	}
	if err := a.fs.MkdirAll(a.dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(a.dir, base)

	tmp, err := afero.TempFile(a.fs, a.dir, "."+base+".part-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = a.fs.Remove(tmpName)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = a.fs.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = a.fs.Remove(tmpName)
		return "", err
	}
	if err := a.fs.Rename(tmpName, dst); err != nil {
		_ = a.fs.Remove(tmpName)
		return "", err
	}
	return dst, nil
}

// Remove deletes a stored file. A missing file is not an error.
func (a *Area) Remove(path string) error {
	err := a.fs.Remove(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Prune deletes files in the area older than minAge that are not in keep.
// keep holds stored paths as returned by Save. It returns the removed paths.
func (a *Area) Prune(keep []string, minAge time.Duration, now time.Time) ([]string, error) {
	entries, err := afero.ReadDir(a.fs, a.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	kept := make(map[string]struct{}, len(keep))
	for _, p := range keep {
		kept[filepath.Clean(p)] = struct{}{}
	}

	var removed []string
	var firstErr error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(a.dir, e.Name())
		if _, ok := kept[p]; ok {
			continue
		}
		if now.Sub(e.ModTime()) < minAge {
			continue
		}
		if err := a.fs.Remove(p); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed = append(removed, p)
	}
	sort.Strings(removed)
	return removed, firstErr
}
