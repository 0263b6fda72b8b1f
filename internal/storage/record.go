package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

// DueLayout is the canonical on-disk format of Record.DueAt (naive local time).
const DueLayout = "2006-01-02T15:04:05"

// Record is one pending delivery.
// Exactly one of Text and FilePath is set.
type Record struct {
	ID          string
	DueAt       time.Time
	RecipientID int64
	Text        string
	FilePath    string
	CreatedAt   time.Time
}

func (r Record) Kind() Kind {
	if r.FilePath != "" {
		return KindFile
	}
	return KindText
}

// Validate checks the payload and recipient shape.
func (r Record) Validate() error {
	hasText := r.Text != ""
	hasFile := strings.TrimSpace(r.FilePath) != ""
	switch {
	case hasText && hasFile:
		return errors.New("record has both content and file")
	case !hasText && !hasFile:
		return errors.New("record has neither content nor file")
	}
	if r.RecipientID == 0 {
		return errors.New("record has no user_id")
	}
	if r.DueAt.IsZero() {
		return errors.New("record has no time")
	}
	return nil
}

// NewID returns a fresh stable record identifier.
func NewID() string { return uuid.NewString() }

var dueLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15",
	"2006-01-02",
}

// ParseDue parses an ISO-8601 timestamp as naive local time.
// Inputs carrying an explicit offset (RFC3339) are converted to local wall time.
func ParseDue(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return NormalizeDue(t.In(time.Local)), nil
	}
	for _, layout := range dueLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return NormalizeDue(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want YYYY-MM-DDTHH:MM[:SS])", raw)
}

// NormalizeDue rounds t up to the whole second DueLayout can hold, so a
// persisted due time never reloads earlier than the one requested.
func NormalizeDue(t time.Time) time.Time {
	if w := t.Truncate(time.Second); !w.Equal(t) {
		return w.Add(time.Second)
	}
	return t
}

// FormatDue renders t in the canonical on-disk layout.
func FormatDue(t time.Time) string { return t.In(time.Local).Format(DueLayout) }

// wireRecord is the persisted shape. Pointers distinguish "absent" from "empty".
type wireRecord struct {
	ID        string  `json:"id,omitempty"`
	Time      string  `json:"time"`
	UserID    *int64  `json:"user_id"`
	Content   *string `json:"content,omitempty"`
	File      *string `json:"file,omitempty"`
	CreatedAt string  `json:"created_at,omitempty"`
}

func toWire(r Record) wireRecord {
	uid := r.RecipientID
	w := wireRecord{ID: r.ID, Time: FormatDue(r.DueAt), UserID: &uid}
	if r.FilePath != "" {
		p := r.FilePath
		w.File = &p
	} else {
		txt := r.Text
		w.Content = &txt
	}
	if !r.CreatedAt.IsZero() {
		w.CreatedAt = FormatDue(r.CreatedAt)
	}
	return w
}

func fromWire(w wireRecord) (Record, error) {
	if (w.Content == nil) == (w.File == nil) {
		return Record{}, errors.New("exactly one of content/file must be present")
	}
	if w.UserID == nil {
		return Record{}, errors.New("missing user_id")
	}
	due, err := ParseDue(w.Time)
	if err != nil {
		return Record{}, err
	}
	r := Record{ID: strings.TrimSpace(w.ID), DueAt: due, RecipientID: *w.UserID}
	if w.Content != nil {
		r.Text = *w.Content
	} else {
		r.FilePath = *w.File
	}
	if w.CreatedAt != "" {
		if ca, err := ParseDue(w.CreatedAt); err == nil {
			r.CreatedAt = ca
		}
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// decodeRecords parses a persisted JSON array. Records without an id get one,
// and migrated reports whether any were assigned.
func decodeRecords(b []byte) (recs []Record, migrated bool, err error) {
	if len(strings.TrimSpace(string(b))) == 0 {
		return []Record{}, false, nil
	}
	var ws []wireRecord
	if err := json.Unmarshal(b, &ws); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	recs = make([]Record, 0, len(ws))
	seen := make(map[string]struct{}, len(ws))
	for i, w := range ws {
		r, err := fromWire(w)
		if err != nil {
			return nil, false, fmt.Errorf("%w: entry %d: %v", ErrCorruptState, i+1, err)
		}
		if _, dup := seen[r.ID]; r.ID == "" || dup {
			r.ID = NewID()
			migrated = true
		}
		seen[r.ID] = struct{}{}
		recs = append(recs, r)
	}
	return recs, migrated, nil
}

func encodeRecords(recs []Record) ([]byte, error) {
	ws := make([]wireRecord, 0, len(recs))
	for _, r := range recs {
		ws = append(ws, toWire(r))
	}
	return json.MarshalIndent(ws, "", "    ")
}
