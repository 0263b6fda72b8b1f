// Package supervisor runs named goroutines under one cancellable context.
//
// Panics are recovered and recorded, the first error is retained, and Wait
// blocks until every goroutine has returned or the caller's context expires.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "laterbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg      sync.WaitGroup
	mu      sync.Mutex
	err     error
	drained chan struct{}
	waiter  sync.Once

	started, panics atomic.Uint64
	active          atomic.Int64
}

type Option func(*Supervisor)

// Counters is a point-in-time snapshot for logs and tests.
type Counters struct {
	Active  int64
	Started uint64
	Panics  uint64
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first failing goroutine cancel all others.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{drained: make(chan struct{})}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first failure, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load(), Panics: s.panics.Load()}
}

// Go runs fn in its own goroutine. context.Canceled counts as a clean exit
// and a panic becomes the error "panic in <name>: <value>".
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		if err := s.call(name, fn); err != nil {
			s.record(err)
		}
	})
}

func (s *Supervisor) spawn(body func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer func() {
			s.active.Add(-1)
			s.wg.Done()
		}()
		body()
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// call runs fn once and normalizes its outcome into a named error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.panics.Add(1)
		s.log.Error("goroutine panicked",
			logx.String("name", name),
			logx.Any("panic", r),
			logx.String("stack", string(debug.Stack())),
		)
		err = fmt.Errorf("panic in %s: %v", name, r)
	}()
	switch err := fn(s.ctx); {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	default:
		return fmt.Errorf("%s: %w", name, err)
	}
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

// Stop cancels the context and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned, then reports Err.
// It gives up with ctx.Err() when ctx ends first.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waiter.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.drained)
		}()
	})
	select {
	case <-s.drained:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
