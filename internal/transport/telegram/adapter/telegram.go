// Package adapter connects the transport interfaces to the Telegram Bot API via telebot.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	rtsup "laterbot/internal/runtime/supervisor"
	kit "laterbot/internal/transport"
	logx "laterbot/pkg/logx"
)

// maxDownloadSize is the Bot API limit for getFile downloads.
const maxDownloadSize = 20 << 20

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram.adapter")), bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	forward := func(c tele.Context) error {
		if up, ok := toUpdate(c.Message()); ok {
			a.sendUpdate(up)
		}
		return nil
	}
	a.bot.Handle(tele.OnText, forward)
	a.bot.Handle(tele.OnDocument, forward)
}

// toUpdate converts a telebot message. Documents carry their caption as Text.
func toUpdate(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Chat == nil || m.Sender == nil {
		return kit.Update{}, false
	}
	msg := &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
		IsGroup:      !m.Private(),
	}
	if d := m.Document; d != nil {
		msg.Text = m.Caption
		msg.Document = &kit.Attachment{
			FileID:   d.FileID,
			FileName: d.FileName,
			Size:     int64(d.FileSize),
			MIME:     d.MIME,
		}
	}
	return kit.Update{Kind: kit.UpdateMessage, Message: msg}, true
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	// bot.Start blocks until bot.Stop; an early return while still running is restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()

	// A pending getUpdates long-poll must not hold shutdown hostage.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

const telegramTextLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt != nil {
		so.ParseMode = opt.ParseMode
		so.DisableWebPagePreview = opt.DisablePreview
	}
	return so
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, sendOptions(to, opt))
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendFile uploads the file at path as a document, keeping its base name.
func (a *Adapter) SendFile(ctx context.Context, to kit.ChatTarget, path string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	if _, err := os.Stat(path); err != nil {
		return kit.MessageRef{}, fmt.Errorf("attachment: %w", err)
	}
	doc := &tele.Document{File: tele.FromDisk(path), FileName: filepath.Base(path)}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, doc, sendOptions(to, opt))
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// ResolveRecipient fails when the bot cannot see the chat (unknown user, or never started the bot).
func (a *Adapter) ResolveRecipient(ctx context.Context, id int64) (kit.Recipient, error) {
	if err := ctx.Err(); err != nil {
		return kit.Recipient{}, err
	}
	chat, err := a.bot.ChatByID(id)
	if err != nil {
		return kit.Recipient{}, err
	}
	name := strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	if name == "" {
		name = chat.Title
	}
	return kit.Recipient{ID: chat.ID, Username: chat.Username, DisplayName: name}, nil
}

func (a *Adapter) OpenAttachment(ctx context.Context, att *kit.Attachment) (io.ReadCloser, error) {
	if att == nil || att.FileID == "" {
		return nil, errors.New("no attachment")
	}
	if att.Size > maxDownloadSize {
		return nil, fmt.Errorf("attachment too large (%d bytes, limit %d)", att.Size, maxDownloadSize)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.bot.File(&tele.File{FileID: att.FileID})
}

// UpdateMenuCommands calls setMyCommands only when the list changed.
// maxMenuDescription is Telegram's limit for a bot command description, in characters.
const maxMenuDescription = 256

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	rs := []rune(s)
	return string(rs[:n])
}

func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		d = truncateRunes(d, maxMenuDescription)
		_, _ = h.Write([]byte(c.Command + "\x00" + d + "\x00"))
		list = append(list, tele.Command{Text: c.Command, Description: d})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
