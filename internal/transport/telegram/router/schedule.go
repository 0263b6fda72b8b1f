package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"laterbot/internal/services/delivery"
	"laterbot/internal/storage"
	kit "laterbot/internal/transport"
	logx "laterbot/pkg/logx"
)

// DeliveryPort is the delivery service surface the commands use.
type DeliveryPort interface {
	CreateText(ctx context.Context, recipientID int64, dueAt time.Time, text string) (storage.Record, error)
	CreateFile(ctx context.Context, recipientID int64, dueAt time.Time, filename string, r io.Reader) (storage.Record, error)
	List(ctx context.Context) ([]delivery.Entry, error)
	Cancel(ctx context.Context, position int) (storage.Record, error)
	CancelListed(ctx context.Context, position int, id string) (storage.Record, error)
	CancelByID(ctx context.Context, id string) (storage.Record, error)
}

const (
	usageText   = "/schedule_text <user_id> <time> <message...>"
	usageFile   = "/schedule_file <user_id> <time> (as the caption of a document)"
	usageCancel = "/cancel_schedule <position|id>"

	// shortIDLen is how much of a record id the list shows; CancelByID accepts the prefix.
	shortIDLen = 8
)

// ScheduleCommands returns the owner-only delivery commands.
func ScheduleCommands(svc DeliveryPort) []Command {
	h := newScheduleHandlers(svc)
	return []Command{
		{
			Name:        "schedule_text",
			Aliases:     []string{"st"},
			Description: "schedule a text DM to a user",
			Usage:       usageText,
			Access:      AccessOwnerOnly,
			Handle:      h.scheduleText,
		},
		{
			Name:        "schedule_file",
			Aliases:     []string{"sf"},
			Description: "schedule a file DM to a user",
			Usage:       usageFile,
			Access:      AccessOwnerOnly,
			Timeout:     5 * time.Minute,
			Handle:      h.scheduleFile,
		},
		{
			Name:        "list_schedules",
			Aliases:     []string{"ls"},
			Description: "list all scheduled messages",
			Usage:       "/list_schedules",
			Access:      AccessOwnerOnly,
			Handle:      h.list,
		},
		{
			Name:        "cancel_schedule",
			Aliases:     []string{"cs"},
			Description: "cancel a scheduled message by index or id",
			Usage:       usageCancel,
			Access:      AccessOwnerOnly,
			Handle:      h.cancel,
		},
	}
}

type scheduleHandlers struct {
	svc DeliveryPort
	now func() time.Time

	// listings holds the ids each chat was last shown, by position, so
	// "/cs <n>" means the n-th row of that chat's own list.
	mu       sync.Mutex
	listings map[int64][]string
}

func newScheduleHandlers(svc DeliveryPort) *scheduleHandlers {
	return &scheduleHandlers{svc: svc, now: time.Now, listings: map[int64][]string{}}
}

func (h *scheduleHandlers) remember(chatID int64, entries []delivery.Entry) {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	h.mu.Lock()
	h.listings[chatID] = ids
	h.mu.Unlock()
}

func (h *scheduleHandlers) listing(chatID int64) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listings[chatID]
}

// parseTarget reads the recipient id and due time shared by both schedule commands.
func parseTarget(args []string) (int64, time.Time, error) {
	if len(args) < 2 {
		return 0, time.Time{}, errors.New("missing user id or time")
	}
	uid, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
	if err != nil || uid == 0 {
		return 0, time.Time{}, fmt.Errorf("invalid user id %q", args[0])
	}
	due, err := delivery.ParseDueAt(args[1])
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("invalid time %q (use YYYY-MM-DDTHH:MM)", args[1])
	}
	return uid, due, nil
}

func (h *scheduleHandlers) scheduleText(ctx context.Context, req *Request) error {
	args, msg := cutArgs(req.Rest, 2)
	uid, due, err := parseTarget(args)
	if err == nil && msg == "" {
		err = errors.New("missing message")
	}
	if err != nil {
		return req.Reply(ctx, "❌ "+err.Error()+"\nUsage: "+usageText)
	}
	rec, err := h.svc.CreateText(ctx, uid, due, msg)
	if err != nil {
		return h.replyCreateErr(ctx, req, err)
	}
	return req.Reply(ctx, fmt.Sprintf("✅ Scheduled text DM to %s at %s", recipientLabel(ctx, req.Adapter, uid), storage.FormatDue(rec.DueAt)))
}

func (h *scheduleHandlers) scheduleFile(ctx context.Context, req *Request) error {
	uid, due, err := parseTarget(req.Args)
	if err != nil {
		return req.Reply(ctx, "❌ "+err.Error()+"\nUsage: "+usageFile)
	}
	doc := req.Message.Document
	if doc == nil {
		return req.Reply(ctx, "❌ Attach a document and put the command in its caption.\nUsage: "+usageFile)
	}
	name := doc.FileName
	if strings.TrimSpace(name) == "" {
		name = doc.FileID
	}

	rc, err := req.Adapter.OpenAttachment(ctx, doc)
	if err != nil {
		_ = req.Reply(ctx, "❌ Could not download the file: "+err.Error())
		return err
	}
	defer rc.Close()

	rec, err := h.svc.CreateFile(ctx, uid, due, name, rc)
	if err != nil {
		return h.replyCreateErr(ctx, req, err)
	}
	req.Logger.Info("file stored", logx.String("path", rec.FilePath), logx.String("size", humanize.Bytes(uint64(max(doc.Size, 0)))))
	return req.Reply(ctx, fmt.Sprintf("✅ Scheduled file DM to %s at %s", recipientLabel(ctx, req.Adapter, uid), storage.FormatDue(rec.DueAt)))
}

func (h *scheduleHandlers) replyCreateErr(ctx context.Context, req *Request, err error) error {
	if errors.Is(err, delivery.ErrInvalidRequest) {
		return req.Reply(ctx, "❌ "+err.Error())
	}
	_ = req.Reply(ctx, "❌ Could not schedule: "+err.Error())
	return err
}

func (h *scheduleHandlers) list(ctx context.Context, req *Request) error {
	entries, err := h.svc.List(ctx)
	if err != nil {
		_ = req.Reply(ctx, "❌ Could not read schedules.")
		return err
	}
	h.remember(req.Chat.ChatID, entries)
	if len(entries) == 0 {
		return req.Reply(ctx, "No scheduled messages.")
	}
	return req.Reply(ctx, FormatEntries(entries, h.now(), func(id int64) string {
		return recipientLabel(ctx, req.Adapter, id)
	}))
}

// FormatEntries renders the pending list; name resolves recipient labels.
func FormatEntries(entries []delivery.Entry, now time.Time, name func(int64) string) string {
	var b strings.Builder
	b.WriteString("📋 Scheduled messages:\n")
	labels := map[int64]string{}
	for _, e := range entries {
		label, ok := labels[e.RecipientID]
		if !ok {
			label = name(e.RecipientID)
			labels[e.RecipientID] = label
		}
		typ := "Text"
		if e.Kind == storage.KindFile {
			typ = "File"
		}
		fmt.Fprintf(&b, "%d. To: %s, Time: %s (%s), Type: %s, ID: %s\n",
			e.Position, label, storage.FormatDue(e.DueAt), humanize.RelTime(e.DueAt, now, "ago", "from now"), typ, shortID(e.ID))
	}
	return strings.TrimRight(b.String(), "\n")
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

func (h *scheduleHandlers) cancel(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "Usage: "+usageCancel)
	}
	arg := strings.TrimSpace(req.Args[0])

	pos, convErr := strconv.Atoi(arg)
	isPos := convErr == nil

	var (
		rec storage.Record
		err error
	)
	switch {
	case len(arg) >= delivery.MinIDPrefix:
		// Listed ids can be all digits, so an id match wins over a position.
		rec, err = h.svc.CancelByID(ctx, arg)
		if isPos && errors.Is(err, storage.ErrNotFound) {
			rec, err = h.cancelPosition(ctx, req.Chat.ChatID, pos)
		}
	case isPos:
		rec, err = h.cancelPosition(ctx, req.Chat.ChatID, pos)
	default:
		rec, err = h.svc.CancelByID(ctx, arg)
	}
	switch {
	case err == nil:
		return req.Reply(ctx, fmt.Sprintf("✅ Cancelled schedule for user ID %d", rec.RecipientID))
	case errors.Is(err, storage.ErrIndexOutOfRange):
		return req.Reply(ctx, "❌ Invalid index!")
	case errors.Is(err, delivery.ErrNoLongerPending):
		return req.Reply(ctx, fmt.Sprintf("❌ Schedule #%d is no longer pending. Send /list_schedules to refresh.", pos))
	case errors.Is(err, storage.ErrNotFound):
		return req.Reply(ctx, "❌ No schedule with id "+arg)
	case errors.Is(err, delivery.ErrInvalidRequest):
		return req.Reply(ctx, "❌ "+err.Error())
	default:
		_ = req.Reply(ctx, "❌ Could not cancel: "+err.Error())
		return err
	}
}

// cancelPosition resolves pos against the chat's last listing. A chat that
// never listed falls back to the service's own position reference.
func (h *scheduleHandlers) cancelPosition(ctx context.Context, chatID int64, pos int) (storage.Record, error) {
	ids := h.listing(chatID)
	if ids == nil {
		return h.svc.Cancel(ctx, pos)
	}
	if pos < 1 || pos > len(ids) {
		return storage.Record{}, storage.ErrIndexOutOfRange
	}
	return h.svc.CancelListed(ctx, pos, ids[pos-1])
}

// recipientLabel resolves a display name, falling back to the numeric id.
func recipientLabel(ctx context.Context, a kit.Adapter, id int64) string {
	fallback := strconv.FormatInt(id, 10)
	if a == nil {
		return fallback
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	r, err := a.ResolveRecipient(cctx, id)
	if err != nil {
		return fallback
	}
	if n := r.Name(); n != "" {
		return n
	}
	return fallback
}
