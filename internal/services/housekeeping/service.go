// Package housekeeping prunes upload files no pending delivery references.
package housekeeping

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"laterbot/internal/storage"
	logx "laterbot/pkg/logx"
)

const historySize = 20

type Config struct {
	Enabled bool
	Spec    string // standard cron spec or descriptor, e.g. "@every 1h"
	MinAge  time.Duration
}

// Lister reports the pending records.
type Lister interface {
	List(ctx context.Context) ([]storage.Record, error)
}

// Pruner deletes files under the uploads area not listed in keep.
type Pruner interface {
	Prune(keep []string, minAge time.Duration, now time.Time) ([]string, error)
}

// InFlight reports upload paths a delivery is sending right now. Such files
// are no longer in the store but must survive the prune.
type InFlight interface {
	InFlightFiles() []string
}

type HistoryItem struct {
	Started  time.Time
	Duration time.Duration
	Removed  int
	Error    string
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	log     logx.Logger
	store    Lister
	uploads  Pruner
	inflight InFlight
	now      func() time.Time

	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, store Lister, uploads Pruner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "housekeeping")),
		store:   store,
		uploads: uploads,
		now:     time.Now,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// TrackInFlight makes the prune keep files the source is still sending.
func (s *Service) TrackInFlight(src InFlight) {
	s.mu.Lock()
	s.inflight = src
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start registers the prune job. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.c != nil || !s.cfg.Enabled || s.ctx == nil {
		return nil
	}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(time.Local),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	spec := strings.TrimSpace(s.cfg.Spec)
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("housekeeping started", logx.String("spec", spec), logx.Duration("min_age", s.cfg.MinAge))
	return nil
}

func (s *Service) stopLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
}

// Stop halts the cron and waits for a running prune to finish or ctx to expire.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.ctx = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("housekeeping stop timed out")
	}
}

// Apply swaps the config. A changed spec or enabled flag restarts the cron.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if old.Enabled == cfg.Enabled && strings.TrimSpace(old.Spec) == strings.TrimSpace(cfg.Spec) {
		return nil
	}
	s.stopLocked()
	return s.startLocked()
}

func (s *Service) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	_, _ = s.RunOnce(cctx)
}

// RunOnce prunes once and returns the removed paths.
func (s *Service) RunOnce(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	minAge, inflight := s.cfg.MinAge, s.inflight
	s.mu.Unlock()

	start := s.now()
	removed, err := s.prune(ctx, minAge, inflight, start)
	item := HistoryItem{Started: start, Duration: time.Since(start), Removed: len(removed)}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("housekeeping failed", logx.Err(err))
	} else if len(removed) > 0 {
		s.log.Info("pruned uploads", logx.Int("count", len(removed)), logx.Any("files", removed))
	} else {
		s.log.Debug("nothing to prune")
	}
	s.record(item)
	return removed, err
}

func (s *Service) prune(ctx context.Context, minAge time.Duration, inflight InFlight, now time.Time) ([]string, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	keep := make([]string, 0, len(recs))
	for _, r := range recs {
		if r.FilePath != "" {
			keep = append(keep, r.FilePath)
		}
	}
	// After List: a record claimed in between is already held.
	if inflight != nil {
		keep = append(keep, inflight.InFlightFiles()...)
	}
	return s.uploads.Prune(keep, minAge, now)
}

func (s *Service) record(it HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, it)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
}

// History returns recent runs, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}
