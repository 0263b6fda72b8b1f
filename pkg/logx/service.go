package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "laterbot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig mirrors warnings into a Telegram chat, usually the owner's log group.
type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// TextSender is the part of the transport adapter the Telegram sink needs.
type TextSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Service owns the sinks and swaps them on Apply.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	root atomic.Pointer[zerolog.Logger]
	file *os.File

	sink *telegramSink
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config, sender TextSender) (*Service, Logger) {
	s := &Service{sink: newTelegramSink(sender)}
	zl := zerolog.New(newConsoleWriter(stdout)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(&zl)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender wires the Telegram sink to a transport created after the service.
func (s *Service) SetSender(sender TextSender) { s.sink.setSender(sender) }

// Close stops the Telegram worker and closes the log file.
func (s *Service) Close() error {
	s.sink.stop()
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps outputs and levels. Safe to call concurrently with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, newConsoleWriter(stdout))
	}

	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./laterbot.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	tg := cfg.Telegram
	s.sink.configure(tg)
	if tg.Enabled {
		if tg.ChatID == 0 {
			fmt.Fprintln(stderr, "logx: telegram logging enabled without a target chat")
		} else {
			s.sink.start()
			writers = append(writers, s.sink)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(&zl)

	// Close the old file only after the new logger is visible.
	if prev != nil {
		_ = prev.Close()
	}
}

// telegramLimit returns the sink's rate; <1 means one message per second.
func telegramLimit(rps int) (rate.Limit, int) {
	if rps < 1 {
		rps = 1
	}
	return rate.Limit(rps), rps
}
