package delivery

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"laterbot/internal/eventbus"
	"laterbot/internal/runtime/supervisor"
	"laterbot/internal/storage"
	logx "laterbot/pkg/logx"
)

const maxSleepCap = 60 * time.Second

type Service struct {
	mu sync.Mutex

	cfg     Config
	store   storage.Store
	sender  Sender
	uploads UploadSaver
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	sup      *supervisor.Supervisor
	addCh    chan wakeup
	removeCh chan string

	// inflight counts upload paths claimed for sending but not yet sent.
	inflight map[string]int
	// listed holds the ids of the most recent List, by position.
	listed []string
}

type Deps struct {
	Store   storage.Store
	Sender  Sender
	Uploads UploadSaver
	Bus     eventbus.Bus
	Log     logx.Logger
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		store:   deps.Store,
		sender:  deps.Sender,
		uploads: deps.Uploads,
		bus:     bus,
		log:     log.With(logx.String("comp", "delivery")),

		inflight: make(map[string]int),
	}
	s.Apply(cfg)
	return s
}

// Apply swaps the runtime configuration. Rate changes take effect on the next send.
func (s *Service) Apply(cfg Config) {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(limit, cfg.Burst)
		return
	}
	s.limiter.SetLimit(limit)
	s.limiter.SetBurst(cfg.Burst)
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start loads the store and registers one wake-up per persisted record.
// It must complete before any creation request is accepted.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	recs, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	h := &wakeHeap{}
	pending := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		if _, dup := pending[r.ID]; dup {
			continue
		}
		pending[r.ID] = struct{}{}
		*h = append(*h, wakeup{id: r.ID, dueAt: r.DueAt})
	}
	heap.Init(h)

	sup := supervisor.New(context.Background(), supervisor.WithLogger(s.log))
	addCh := make(chan wakeup, 64)
	removeCh := make(chan string, 64)

	s.mu.Lock()
	s.sup, s.addCh, s.removeCh = sup, addCh, removeCh
	s.mu.Unlock()

	sup.Go0("delivery.loop", func(ctx context.Context) { s.run(ctx, sup, h, pending, addCh, removeCh) })
	s.log.Info("scheduler started", logx.Int("rehydrated", h.Len()))
	return nil
}

// Stop halts the loop and waits for in-flight deliveries until ctx expires.
// Records that have not fired stay persisted for the next start.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup, s.addCh, s.removeCh = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	start := time.Now()
	err := sup.Stop(ctx)
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return err
}

func (s *Service) running() (*supervisor.Supervisor, chan wakeup, chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup, s.addCh, s.removeCh
}

func (s *Service) schedule(ctx context.Context, w wakeup) {
	sup, addCh, _ := s.running()
	if sup == nil {
		return
	}
	select {
	case addCh <- w:
	case <-sup.Context().Done():
	case <-ctx.Done():
	}
}

func (s *Service) unschedule(ctx context.Context, id string) {
	sup, _, removeCh := s.running()
	if sup == nil {
		return
	}
	select {
	case removeCh <- id:
	case <-sup.Context().Done():
	case <-ctx.Done():
	}
}

func (s *Service) run(ctx context.Context, sup *supervisor.Supervisor, h *wakeHeap, pending map[string]struct{}, addCh <-chan wakeup, removeCh <-chan string) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	resetTimer := func() <-chan time.Time {
		if timer != nil {
			timer.Stop()
		}
		if h.Len() == 0 {
			return nil
		}
		dur := time.Until((*h)[0].dueAt)
		if dur > maxSleepCap {
			dur = maxSleepCap
		}
		if dur < 0 {
			dur = 0
		}
		timer = time.NewTimer(dur)
		return timer.C
	}

	timerCh := resetTimer()
	for {
		select {
		case <-ctx.Done():
			return

		case w := <-addCh:
			if _, dup := pending[w.id]; !dup {
				pending[w.id] = struct{}{}
				heapPush(h, w)
			}
			timerCh = resetTimer()

		case id := <-removeCh:
			if heapRemoveByID(h, id) {
				delete(pending, id)
			}
			timerCh = resetTimer()

		case <-timerCh:
			now := time.Now()
			for h.Len() > 0 && !(*h)[0].dueAt.After(now) {
				w := heapPop(h)
				delete(pending, w.id)
				s.fire(sup, w)
			}
			timerCh = resetTimer()
		}
	}
}

// fire is only called from the loop goroutine, which keeps sup's wait group non-zero.
func (s *Service) fire(sup *supervisor.Supervisor, w wakeup) {
	sup.Go0("delivery.send", func(ctx context.Context) {
		// An attempt that already started runs to completion during shutdown.
		s.deliver(context.WithoutCancel(ctx), w)
	})
}
