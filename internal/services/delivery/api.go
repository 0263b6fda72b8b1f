package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"laterbot/internal/eventbus"
	"laterbot/internal/storage"
	logx "laterbot/pkg/logx"
)

// MinIDPrefix is the shortest id prefix CancelByID accepts.
const MinIDPrefix = 4

// ParseDueAt parses a caller supplied due time as naive local time.
func ParseDueAt(raw string) (time.Time, error) {
	t, err := storage.ParseDue(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return t, nil
}

// CreateText persists a text delivery and registers its wake-up.
// A due time in the past fires immediately.
func (s *Service) CreateText(ctx context.Context, recipientID int64, dueAt time.Time, text string) (storage.Record, error) {
	if strings.TrimSpace(text) == "" {
		return storage.Record{}, fmt.Errorf("%w: empty message", ErrInvalidRequest)
	}
	return s.create(ctx, storage.Record{RecipientID: recipientID, DueAt: dueAt, Text: text})
}

// CreateFile stores the upload, then persists a file delivery for it.
// An earlier upload with the same base name is overwritten.
func (s *Service) CreateFile(ctx context.Context, recipientID int64, dueAt time.Time, filename string, r io.Reader) (storage.Record, error) {
	if strings.TrimSpace(filename) == "" || r == nil {
		return storage.Record{}, fmt.Errorf("%w: missing file", ErrInvalidRequest)
	}
	if err := validate(recipientID, dueAt); err != nil {
		return storage.Record{}, err
	}
	if sup, _, _ := s.running(); sup == nil {
		return storage.Record{}, ErrNotRunning
	}
	if s.uploads == nil {
		return storage.Record{}, errors.New("uploads not configured")
	}
	path, err := s.uploads.Save(filename, r)
	if err != nil {
		return storage.Record{}, fmt.Errorf("save upload: %w", err)
	}
	return s.create(ctx, storage.Record{RecipientID: recipientID, DueAt: dueAt, FilePath: path})
}

func validate(recipientID int64, dueAt time.Time) error {
	if recipientID == 0 {
		return fmt.Errorf("%w: invalid recipient id", ErrInvalidRequest)
	}
	if dueAt.IsZero() {
		return fmt.Errorf("%w: missing due time", ErrInvalidRequest)
	}
	return nil
}

func (s *Service) create(ctx context.Context, rec storage.Record) (storage.Record, error) {
	if err := validate(rec.RecipientID, rec.DueAt); err != nil {
		return storage.Record{}, err
	}
	if sup, _, _ := s.running(); sup == nil {
		return storage.Record{}, ErrNotRunning
	}
	rec.ID = storage.NewID()
	rec.DueAt = storage.NormalizeDue(rec.DueAt)
	rec.CreatedAt = time.Now()
	if err := s.store.Append(ctx, rec); err != nil {
		return storage.Record{}, fmt.Errorf("persist delivery: %w", err)
	}
	s.schedule(ctx, wakeup{id: rec.ID, dueAt: rec.DueAt})
	s.log.Info("delivery scheduled", recordFields(rec)...)
	s.publish(eventbus.TypeScheduled, rec, nil)
	return rec, nil
}

// List returns pending deliveries in creation order with 1-based positions.
// The positions stay the reference for Cancel until the next List.
func (s *Service) List(ctx context.Context) ([]Entry, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(recs))
	ids := make([]string, 0, len(recs))
	for i, r := range recs {
		e := Entry{
			Position:    i + 1,
			ID:          r.ID,
			RecipientID: r.RecipientID,
			DueAt:       r.DueAt,
			CreatedAt:   r.CreatedAt,
			Kind:        r.Kind(),
			Preview:     r.Text,
		}
		if e.Kind == storage.KindFile {
			e.Preview = filepath.Base(r.FilePath)
		}
		out = append(out, e)
		ids = append(ids, r.ID)
	}
	s.mu.Lock()
	s.listed = ids
	s.mu.Unlock()
	return out, nil
}

// Cancel removes the record shown at a 1-based position by the latest List.
// A record delivered or cancelled since then fails with ErrNoLongerPending
// rather than hitting whatever shifted into its place. Without a prior List
// the position refers to the current order.
func (s *Service) Cancel(ctx context.Context, position int) (storage.Record, error) {
	s.mu.Lock()
	listed := s.listed
	s.mu.Unlock()
	if listed == nil {
		rec, err := s.store.RemoveAt(ctx, position)
		if err != nil {
			return storage.Record{}, err
		}
		s.cancelled(ctx, rec)
		return rec, nil
	}
	if position < 1 || position > len(listed) {
		return storage.Record{}, storage.ErrIndexOutOfRange
	}
	return s.CancelListed(ctx, position, listed[position-1])
}

// CancelListed removes the record a caller saw at position with the given id.
// Callers keeping their own listing use it instead of Cancel.
func (s *Service) CancelListed(ctx context.Context, position int, id string) (storage.Record, error) {
	rec, err := s.cancelExact(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Record{}, fmt.Errorf("%w: #%d (%s)", ErrNoLongerPending, position, id)
	}
	return rec, err
}

// CancelByID removes the record with the given id or unique id prefix.
func (s *Service) CancelByID(ctx context.Context, id string) (storage.Record, error) {
	full, err := s.resolveID(ctx, strings.TrimSpace(id))
	if err != nil {
		return storage.Record{}, err
	}
	return s.cancelExact(ctx, full)
}

func (s *Service) cancelExact(ctx context.Context, id string) (storage.Record, error) {
	rec, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return storage.Record{}, err
	}
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	removed, err := s.store.Remove(ctx, id)
	if err != nil {
		return storage.Record{}, err
	}
	if !removed {
		// Claimed by a delivery in the meantime.
		return storage.Record{}, storage.ErrNotFound
	}
	s.cancelled(ctx, rec)
	return rec, nil
}

func (s *Service) resolveID(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", storage.ErrNotFound
	}
	if _, ok, err := s.store.Get(ctx, id); err != nil || ok {
		return id, err
	}
	if len(id) < MinIDPrefix {
		return "", storage.ErrNotFound
	}
	recs, err := s.store.List(ctx)
	if err != nil {
		return "", err
	}
	match := ""
	for _, r := range recs {
		if strings.HasPrefix(r.ID, id) {
			if match != "" {
				return "", fmt.Errorf("%w: ambiguous id prefix %q", ErrInvalidRequest, id)
			}
			match = r.ID
		}
	}
	if match == "" {
		return "", storage.ErrNotFound
	}
	return match, nil
}

func (s *Service) cancelled(ctx context.Context, rec storage.Record) {
	s.unschedule(ctx, rec.ID)
	s.log.Info("delivery cancelled", recordFields(rec)...)
	s.publish(eventbus.TypeCancelled, rec, nil)
}

func recordFields(rec storage.Record) []logx.Field {
	return []logx.Field{
		logx.String("id", rec.ID),
		logx.Int64("user_id", rec.RecipientID),
		logx.String("kind", string(rec.Kind())),
		logx.Time("due_at", rec.DueAt),
	}
}
