package transport

import (
	"context"
	"io"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	// Text is the message text, or the caption when Document is set.
	Text     string
	IsGroup  bool
	Document *Attachment
}

// Attachment references a file uploaded to the messaging platform.
// The content is fetched lazily through Adapter.OpenAttachment.
type Attachment struct {
	FileID   string
	FileName string
	Size     int64
	MIME     string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Recipient is a resolved delivery target.
type Recipient struct {
	ID          int64
	Username    string
	DisplayName string
}

// Name returns the friendliest available label for the recipient.
func (r Recipient) Name() string {
	switch {
	case r.Username != "":
		return "@" + r.Username
	case r.DisplayName != "":
		return r.DisplayName
	default:
		return ""
	}
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendFile(ctx context.Context, to ChatTarget, path string, opt *SendOptions) (MessageRef, error)

	// ResolveRecipient checks that the platform knows the recipient and returns its profile.
	ResolveRecipient(ctx context.Context, id int64) (Recipient, error)
	OpenAttachment(ctx context.Context, a *Attachment) (io.ReadCloser, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
