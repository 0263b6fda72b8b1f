package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"laterbot/internal/eventbus"
	"laterbot/internal/storage"
	kit "laterbot/internal/transport"
	logx "laterbot/pkg/logx"
)

// errCancelledInFlight reports a finalize-mode record that vanished between resolve and send.
var errCancelledInFlight = errors.New("cancelled before send")

func (s *Service) deliver(ctx context.Context, w wakeup) {
	cfg := s.config()
	log := s.log.With(logx.String("id", w.id))

	rec, ok, err := s.store.Get(ctx, w.id)
	if err != nil {
		log.Error("load record failed", logx.Err(err))
		return
	}
	if !ok {
		log.Debug("wake-up for absent record")
		s.publish(eventbus.TypeSkipped, storage.Record{ID: w.id, DueAt: w.dueAt}, nil)
		return
	}

	// Held before the claim so a concurrent prune that no longer lists the
	// record still sees the file.
	if rec.FilePath != "" {
		s.holdFile(rec.FilePath)
		defer s.releaseFile(rec.FilePath)
	}

	if cfg.ClaimBeforeSend {
		claimed, err := s.store.Remove(ctx, rec.ID)
		if err != nil {
			// Not claimed; the record stays persisted and is retried on the next start.
			log.Error("claim failed", logx.Err(err))
			return
		}
		if !claimed {
			log.Debug("record cancelled before claim")
			s.publish(eventbus.TypeSkipped, rec, nil)
			return
		}
	}

	start := time.Now()
	err = s.attempt(ctx, cfg, rec)

	if !cfg.ClaimBeforeSend {
		// One best-effort attempt either way; removal of a cancelled record is a no-op.
		if _, rmErr := s.store.Remove(ctx, rec.ID); rmErr != nil {
			log.Error("finalize remove failed", logx.Err(rmErr))
		}
	}

	fields := []logx.Field{
		logx.Int64("user_id", rec.RecipientID),
		logx.String("kind", string(rec.Kind())),
		logx.Time("due_at", rec.DueAt),
		logx.Duration("took", time.Since(start)),
	}
	switch {
	case errors.Is(err, errCancelledInFlight):
		log.Info("delivery cancelled in flight", fields...)
		s.publish(eventbus.TypeSkipped, rec, nil)
	case err != nil:
		log.Warn("delivery failed", append(fields, logx.Err(err))...)
		s.publish(eventbus.TypeFailed, rec, err)
	default:
		log.Info("delivered", append(fields, logx.Duration("late", start.Sub(rec.DueAt)))...)
		s.publish(eventbus.TypeDelivered, rec, nil)
	}
}

// attempt resolves the recipient and sends the payload once.
func (s *Service) attempt(ctx context.Context, cfg Config, rec storage.Record) error {
	if cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
	}
	if s.sender == nil {
		return fmt.Errorf("%w: no sender configured", ErrTransport)
	}

	if _, err := s.sender.ResolveRecipient(ctx, rec.RecipientID); err != nil {
		return fmt.Errorf("%w: resolve recipient %d: %v", ErrTransport, rec.RecipientID, err)
	}

	if !cfg.ClaimBeforeSend {
		_, still, err := s.store.Get(ctx, rec.ID)
		if err == nil && !still {
			return errCancelledInFlight
		}
	}

	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limit: %v", ErrTransport, err)
		}
	}

	to := kit.ChatTarget{ChatID: rec.RecipientID}
	var err error
	if rec.Kind() == storage.KindFile {
		_, err = s.sender.SendFile(ctx, to, rec.FilePath, nil)
	} else {
		_, err = s.sender.SendText(ctx, to, rec.Text, nil)
	}
	if err != nil {
		return fmt.Errorf("%w: send to %d: %v", ErrTransport, rec.RecipientID, err)
	}
	return nil
}

func (s *Service) holdFile(path string) {
	s.mu.Lock()
	s.inflight[path]++
	s.mu.Unlock()
}

func (s *Service) releaseFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[path] <= 1 {
		delete(s.inflight, path)
		return
	}
	s.inflight[path]--
}

// InFlightFiles returns upload paths of file deliveries between claim and send.
// Callers pruning uploads must read the store before calling it.
func (s *Service) InFlightFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.inflight))
	for p := range s.inflight {
		out = append(out, p)
	}
	return out
}

func (s *Service) publish(typ string, rec storage.Record, err error) {
	d := eventbus.Delivery{
		ID:          rec.ID,
		RecipientID: rec.RecipientID,
		DueAt:       rec.DueAt,
	}
	if rec.RecipientID != 0 {
		d.Kind = string(rec.Kind())
	}
	if err != nil {
		d.Err = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: d})
}
