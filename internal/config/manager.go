package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sync"

	logx "laterbot/pkg/logx"
)

// Manager owns the current config and fans reloads out to subscribers.
type Manager struct {
	path   string
	getenv func(string) string
	log    logx.Logger
	check  func(ctx context.Context, cfg *Config) error

	mu      sync.RWMutex
	current *Config
	digest  uint64

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{
		path:   path,
		getenv: os.Getenv,
		log:    logx.Nop(),
		subs:   make(map[chan *Config]struct{}),
	}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetEnv swaps the environment lookup used for overrides. Tests pass a fixed map.
func (m *Manager) SetEnv(getenv func(string) string) { m.getenv = getenv }

// SetValidator adds an extra check applied to reloads before they are committed.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) { m.check = fn }

// Parse reads and strictly decodes the file with defaults and env overrides applied.
// The result is not validated.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decode(m.path, raw, m.getenv)
}

func decode(path string, raw []byte, getenv func(string) string) (*Config, error) {
	doc, format, err := toJSON(path, raw)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()

	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	switch err := dec.Decode(&json.RawMessage{}); {
	case errors.Is(err, io.EOF):
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	default:
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	cfg.ApplyDefaults()
	cfg.ApplyEnv(getenv)
	return cfg, nil
}

// Load parses, validates and commits the file. Used once at startup.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	d := digest(cfg)
	m.mu.Lock()
	m.current, m.digest = cfg, d
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// sameAsCurrent reports whether cfg encodes identically to the committed one.
func (m *Manager) sameAsCurrent(cfg *Config) bool {
	d := digest(cfg)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return d != 0 && d == m.digest
}

func digest(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe returns a channel that receives every committed reload.
// A slow subscriber only ever misses intermediate versions, never the newest.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) broadcast(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		if offer(ch, cfg) {
			continue
		}
		// Full: drop the oldest pending version and retry once.
		select {
		case <-ch:
		default:
		}
		if !offer(ch, cfg) {
			m.log.Debug("config update dropped for slow subscriber", logx.Int("queue_cap", cap(ch)))
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// reload is one watch-triggered cycle: parse, skip unchanged, validate, commit, broadcast.
func (m *Manager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}
	if m.sameAsCurrent(cfg) {
		log.Debug("config unchanged")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Warn("config rejected", logx.Err(err))
		return
	}
	if m.check != nil {
		if err := m.check(ctx, cfg); err != nil {
			log.Warn("config rejected", logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	m.broadcast(cfg)
	log.Info("config reloaded")
}
