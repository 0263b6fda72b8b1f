package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "laterbot/internal/transport"
)

const (
	telegramMaxText  = 3500
	telegramMaxValue = 600
	telegramQueueCap = 256
)

type telegramItem struct {
	to  kit.ChatTarget
	msg string
}

// telegramSink is a zerolog.LevelWriter that never blocks the caller.
// Lines over the rate or queue capacity are counted and reported on the next sent line.
type telegramSink struct {
	mu       sync.Mutex
	sender   TextSender
	target   kit.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue      chan telegramItem
	suppressed atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTelegramSink(sender TextSender) *telegramSink {
	lim, burst := telegramLimit(0)
	return &telegramSink{
		sender:   sender,
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(lim, burst),
		queue:    make(chan telegramItem, telegramQueueCap),
	}
}

func (t *telegramSink) setSender(sender TextSender) {
	t.mu.Lock()
	t.sender = sender
	t.mu.Unlock()
}

// configure keeps the limiter state across reloads; only its rate changes.
func (t *telegramSink) configure(cfg TelegramConfig) {
	lim, burst := telegramLimit(cfg.RatePerSec)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.target = kit.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter.SetLimit(lim)
	t.limiter.SetBurst(burst)
}

func (t *telegramSink) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(ctx)
	}()
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

func (t *telegramSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-t.queue:
			t.mu.Lock()
			sender := t.sender
			t.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = sender.SendText(sctx, it.to, it.msg, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to, minLevel, lim := t.target, t.minLevel, t.limiter
	t.mu.Unlock()

	if to.ChatID == 0 || level < minLevel {
		return len(p), nil
	}
	if !lim.Allow() {
		t.suppressed.Add(1)
		return len(p), nil
	}
	msg := formatTelegramJSON(p)
	if msg == "" {
		return len(p), nil
	}
	if n := t.suppressed.Swap(0); n > 0 {
		msg += fmt.Sprintf("\n(+%d suppressed)", n)
	}
	select {
	case t.queue <- telegramItem{to: to, msg: msg}:
	default:
		t.suppressed.Add(1)
	}
	return len(p), nil
}

// formatTelegramJSON renders one JSON log line as
//
//	[LEVEL] (comp) message
//	- key=value   (sorted, caller omitted)
func formatTelegramJSON(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, telegramMaxText)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	if comp, _ := m["comp"].(string); comp != "" {
		b.WriteString("(" + comp + ") ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "comp", zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=" + truncate(fmt.Sprint(m[k]), telegramMaxValue))
	}
	return truncate(b.String(), telegramMaxText)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
