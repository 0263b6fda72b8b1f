package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	logx "laterbot/pkg/logx"
)

// fileStore keeps the whole schedule as one JSON array.
//
// Every mutation rewrites the file through a temp file + fsync + rename, so a
// crash leaves either the previous or the new sequence on disk, never a mix.
type fileStore struct {
	fs   afero.Fs
	path string
	log  logx.Logger

	readOnly bool

	mu     sync.Mutex
	recs   []Record
	closed bool
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	if cfg.ReadOnly {
		return openFileReadOnly(afero.NewOsFs(), cfg.Path, log)
	}
	return openFileFs(afero.NewOsFs(), cfg.Path, log)
}

// openFileReadOnly loads the schedule without touching disk. A missing file
// reads as an empty schedule and legacy records keep their ids in memory only.
func openFileReadOnly(fs afero.Fs, path string, log logx.Logger) (*fileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &fileStore{fs: fs, path: path, readOnly: true, log: log.With(logx.String("store", "file"))}
	recs, _, err := s.readDisk()
	if err != nil {
		return nil, err
	}
	s.recs = recs
	return s, nil
}

func openFileFs(fs afero.Fs, path string, log logx.Logger) (*fileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	s := &fileStore{fs: fs, path: path, log: log.With(logx.String("store", "file"))}

	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		// Bootstrap an empty schedule so the file is always present after open.
		if err := s.writeLocked([]Record{}); err != nil {
			return nil, err
		}
		s.recs = []Record{}
		return s, nil
	}

	recs, migrated, err := s.readDisk()
	if err != nil {
		return nil, err
	}
	if migrated {
		if err := s.writeLocked(recs); err != nil {
			return nil, err
		}
		s.log.Info("assigned ids to legacy records", logx.Int("count", len(recs)))
	}
	s.recs = recs
	return s, nil
}

func (s *fileStore) readDisk() ([]Record, bool, error) {
	b, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Record{}, false, nil
		}
		return nil, false, err
	}
	return decodeRecords(b)
}

// writeLocked atomically replaces the schedule file with recs.
func (s *fileStore) writeLocked(recs []Record) error {
	if s.readOnly {
		return ErrReadOnly
	}
	b, err := encodeRecords(recs)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := afero.TempFile(s.fs, dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(tmpName) }

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func (s *fileStore) Load(ctx context.Context) ([]Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	recs, migrated, err := s.readDisk()
	if err != nil {
		return nil, err
	}
	if migrated && !s.readOnly {
		if err := s.writeLocked(recs); err != nil {
			return nil, err
		}
	}
	s.recs = recs
	return cloneRecords(recs), nil
}

func (s *fileStore) Append(ctx context.Context, rec Record) error {
	_ = ctx
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("record id is required")
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.DueAt = NormalizeDue(rec.DueAt)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if indexOf(s.recs, rec.ID) >= 0 {
		return fmt.Errorf("duplicate record id %q", rec.ID)
	}
	next := make([]Record, 0, len(s.recs)+1)
	next = append(next, s.recs...)
	next = append(next, rec)
	if err := s.writeLocked(next); err != nil {
		return err
	}
	s.recs = next
	return nil
}

func (s *fileStore) Remove(ctx context.Context, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	i := indexOf(s.recs, id)
	if i < 0 {
		return false, nil
	}
	if _, err := s.removeIndexLocked(i); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) RemoveAt(ctx context.Context, pos int) (Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}
	if pos < 1 || pos > len(s.recs) {
		return Record{}, ErrIndexOutOfRange
	}
	return s.removeIndexLocked(pos - 1)
}

func (s *fileStore) removeIndexLocked(i int) (Record, error) {
	removed := s.recs[i]
	next := make([]Record, 0, len(s.recs)-1)
	next = append(next, s.recs[:i]...)
	next = append(next, s.recs[i+1:]...)
	if err := s.writeLocked(next); err != nil {
		return Record{}, err
	}
	s.recs = next
	return removed, nil
}

func (s *fileStore) List(ctx context.Context) ([]Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return cloneRecords(s.recs), nil
}

func (s *fileStore) Get(ctx context.Context, id string) (Record, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}
	i := indexOf(s.recs, id)
	if i < 0 {
		return Record{}, false, nil
	}
	return s.recs[i], true, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func indexOf(recs []Record, id string) int {
	for i := range recs {
		if recs[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneRecords(in []Record) []Record {
	out := make([]Record, len(in))
	copy(out, in)
	return out
}
