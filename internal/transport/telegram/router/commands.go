package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "laterbot/internal/runtime/supervisor"
	kit "laterbot/internal/transport"
	logx "laterbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

// notOwnerText is the reply to an owner-only command from anyone else.
const notOwnerText = "❌ You are not the owner."

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	// Args are the quote-aware tokens after the command word.
	Args []string
	// Rest is the raw text after the command word, spacing preserved.
	Rest  string
	ReqID string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type CommandManager struct {
	mu    sync.RWMutex
	cmds  map[string]*Command
	alias map[string]*Command
	list  []Command

	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	timeout time.Duration

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

type Option func(*CommandManager)

// WithDefaultTimeout bounds every handler that has no Timeout of its own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *CommandManager) { m.timeout = d }
}

// WithQueueSize sets the capacity of the pending job queue.
func WithQueueSize(n int) Option {
	return func(m *CommandManager) {
		if n > 0 {
			m.jobs = make(chan func(), n)
		}
	}
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64, opts ...Option) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &CommandManager{
		cmds:    map[string]*Command{},
		alias:   map[string]*Command{},
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		owners:  append([]int64(nil), owners...),
		timeout: 2 * time.Minute,
		jobs:    make(chan func(), 256),
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m
}

// tryEnqueue tolerates the jobs channel being closed during shutdown.
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetOwners updates the owner list. Safe to call during hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

// SetRegistry replaces the command table. /help is always added.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Adapter.SendText(ctx, req.Chat, m.helpText(req.Args), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			return err
		},
	})

	byName := map[string]*Command{}
	alias := map[string]*Command{}
	list := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		byName[name] = &cc
		list = append(list, cc)
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" && a != name {
				alias[a] = &cc
			}
		}
	}

	m.mu.Lock()
	m.cmds, m.alias, m.list = byName, alias, list
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildMenuCommands(list)
		go func() {
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(cctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

func (m *CommandManager) lookup(word string) (*Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cmds[word]; ok {
		return c, true
	}
	c, ok := m.alias[word]
	return c, ok
}

// DispatchLoop routes updates to a bounded worker pool until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)

	sup := rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	m.runMu.Lock()
	m.sup, m.running = sup, true
	m.runMu.Unlock()

	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		m.runMu.Lock()
		m.running = false
		m.sup = nil
		close(m.jobs)
		m.runMu.Unlock()

		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) routeUpdate(root context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	head, rest := cutWord(text)
	word := strings.TrimPrefix(head, "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, ok := m.lookup(strings.ToLower(word))
	if !ok {
		// Groups see many commands meant for other bots.
		if !msg.IsGroup {
			_, _ = m.adapter.SendText(root, chat, "Unknown command. Try /help", nil)
		}
		return
	}
	m.enqueueCommand(root, up, *cmd, rest)
}

func (m *CommandManager) enqueueCommand(root context.Context, up kit.Update, cmd Command, rest string) {
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, m.ownersSnapshot()) {
		m.log.Warn("owner-only command refused", logx.Int64("from_id", msg.FromID), logx.String("cmd", cmd.Name))
		_, _ = m.adapter.SendText(root, chat, notOwnerText, nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		Message: msg,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    tokenizeCommandLine(rest),
		Rest:    rest,
		ReqID:   rid,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)

	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = m.adapter.SendText(root, chat, "Busy, try again.", nil)
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
