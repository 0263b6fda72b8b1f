package supervisor

import (
	"context"
	"math/rand/v2"
	"time"

	logx "laterbot/pkg/logx"
)

// healthyRun resets the backoff: a run that lasted this long is not a crash loop.
const healthyRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max time.Duration
	limit    int // <=0 means unlimited
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts bounds restarts after failures. The first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// next returns the wait before the following attempt with up to 20% jitter.
func (p *restartPolicy) next(cur time.Duration) (wait, after time.Duration) {
	wait = cur
	if j := cur / 5; j > 0 {
		wait += rand.N(j + 1)
	}
	return wait, min(cur*2, p.max)
}

// GoRestart keeps fn running: errors and panics restart it with exponential
// backoff, a nil return or cancellation ends it. Past the restart limit the
// last error becomes the supervisor's error.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	ctx := s.ctx
	s.spawn(func() {
		backoff := p.min
		for attempt := 0; ; attempt++ {
			began := time.Now()
			err := s.call(name, fn)
			if err == nil || ctx.Err() != nil {
				return
			}
			if p.limit > 0 && attempt >= p.limit {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", attempt), logx.Err(err))
				s.record(err)
				return
			}
			if time.Since(began) >= healthyRun {
				backoff = p.min
			}
			var wait time.Duration
			wait, backoff = p.next(backoff)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}
