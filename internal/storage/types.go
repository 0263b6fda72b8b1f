package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCorruptState means the persisted schedule cannot be parsed into records.
	// Startup must not continue past it.
	ErrCorruptState = errors.New("corrupt schedule state")
	// ErrIndexOutOfRange is returned by RemoveAt for positions outside [1, len].
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrNotFound        = errors.New("record not found")
	ErrClosed          = errors.New("store closed")
	ErrReadOnly        = errors.New("store opened read-only")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON array rewritten atomically on every mutation
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// ReadOnly opens without creating, migrating or rewriting anything.
	// Mutations fail with ErrReadOnly.
	ReadOnly bool
}

// Store is the durable, ordered collection of pending deliveries.
//
// Every mutating call has reached disk before it returns. All calls are
// serialized, so a concurrent delivery claim and cancel never lose an update.
type Store interface {
	// Load re-reads the persisted sequence. It fails with ErrCorruptState
	// when the data does not parse into valid records.
	Load(ctx context.Context) ([]Record, error)
	Append(ctx context.Context, rec Record) error
	// Remove deletes the record with the given id. Removing an absent
	// record is a no-op and reports false.
	Remove(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]Record, error)
	// RemoveAt removes and returns the record at a 1-based position.
	RemoveAt(ctx context.Context, pos int) (Record, error)
	Get(ctx context.Context, id string) (Record, bool, error)
	Close() error
}
