package delivery

import (
	"context"
	"errors"
	"io"
	"time"

	"laterbot/internal/storage"
	kit "laterbot/internal/transport"
)

var (
	// ErrTransport wraps recipient resolution and send failures.
	ErrTransport = errors.New("transport failure")
	// ErrInvalidRequest is returned before anything is persisted.
	ErrInvalidRequest = errors.New("invalid delivery request")
	ErrNotRunning     = errors.New("delivery service not running")
	// ErrNoLongerPending means the record listed at a position was delivered
	// or cancelled since the listing.
	ErrNoLongerPending = errors.New("no longer pending")
)

type Config struct {
	// RatePerSec limits outgoing sends. <=0 means unlimited.
	RatePerSec float64
	Burst      int
	// SendTimeout bounds one delivery attempt. 0 means no timeout.
	SendTimeout     time.Duration
	ClaimBeforeSend bool
}

func DefaultConfig() Config {
	return Config{RatePerSec: 10, Burst: 5, ClaimBeforeSend: true}
}

// Sender is the part of the transport adapter a delivery needs.
type Sender interface {
	ResolveRecipient(ctx context.Context, id int64) (kit.Recipient, error)
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	SendFile(ctx context.Context, to kit.ChatTarget, path string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// UploadSaver persists file payloads and returns the stored path.
type UploadSaver interface {
	Save(name string, r io.Reader) (string, error)
}

// Entry is one row of List output.
type Entry struct {
	Position    int
	ID          string
	RecipientID int64
	DueAt       time.Time
	CreatedAt   time.Time
	Kind        storage.Kind
	// Preview is the text payload or the base name of the file.
	Preview string
}
