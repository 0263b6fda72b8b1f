package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "laterbot/internal/transport"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	to   []kit.ChatTarget
}

func (c *captureSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, text)
	c.to = append(c.to, to)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatTelegramJSONSortsFields(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","time":"x","message":"delivery failed","user_id":42,"err":"boom"}`
	got := formatTelegramJSON([]byte(line))
	want := "[WARN] delivery failed\n- err=boom\n- user_id=42"
	if got != want {
		t.Fatalf("formatTelegramJSON = %q, want %q", got, want)
	}
}

func TestFormatTelegramJSONRawFallback(t *testing.T) {
	t.Parallel()
	if got := formatTelegramJSON([]byte("  not json \n")); got != "not json" {
		t.Fatalf("unexpected fallback: %q", got)
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int64("user_id", 7))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if m["comp"] != "test" || m["message"] != "hello" || m["user_id"] != float64(7) {
		t.Fatalf("unexpected log line: %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q, want logging_test.go:<line>", c)
	}
}

func TestNopIsSilentAndZeroValueSafe(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	zero.Error("dropped")
	Nop().Error("dropped")
}

func TestTelegramSinkRespectsMinLevel(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: false},
		Telegram: TelegramConfig{
			Enabled:    true,
			ChatID:     -100,
			MinLevel:   "warn",
			RatePerSec: 50,
		},
	}, sender)
	defer svc.Close()

	log.Info("not mirrored")
	log.Warn("mirrored", String("k", "v"))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs) != 1 {
		t.Fatalf("expected exactly 1 mirrored message, got %d: %v", len(sender.msgs), sender.msgs)
	}
	if !strings.HasPrefix(sender.msgs[0], "[WARN] mirrored") {
		t.Fatalf("unexpected mirrored message: %q", sender.msgs[0])
	}
	if sender.to[0].ChatID != -100 {
		t.Fatalf("unexpected target: %+v", sender.to[0])
	}
}

func TestTelegramSinkCountsSuppressedLines(t *testing.T) {
	t.Parallel()
	s := newTelegramSink(nil)
	s.configure(TelegramConfig{Enabled: true, ChatID: 5, MinLevel: "warn", RatePerSec: 1})

	line := []byte(`{"level":"warn","message":"first"}`)
	_, _ = s.WriteLevel(zerolog.WarnLevel, line)
	_, _ = s.WriteLevel(zerolog.WarnLevel, line)
	if got := s.suppressed.Load(); got != 1 {
		t.Fatalf("suppressed = %d, want 1", got)
	}

	s.suppressed.Store(2)
	s.limiter.SetLimit(rate.Inf)
	_, _ = s.WriteLevel(zerolog.ErrorLevel, []byte(`{"level":"error","message":"third"}`))

	if len(s.queue) != 2 {
		t.Fatalf("queued = %d, want 2", len(s.queue))
	}
	<-s.queue
	it := <-s.queue
	if it.msg != "[ERROR] third\n(+2 suppressed)" {
		t.Fatalf("unexpected message: %q", it.msg)
	}
	if s.suppressed.Load() != 0 {
		t.Fatal("counter should reset after being reported")
	}
}
