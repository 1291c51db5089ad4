// Package scheduler admits tile loads under a global concurrency ceiling.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var ErrClosed = errors.New("scheduler closed")

// Token is held for the duration of an admitted request.
type Token interface {
	Done()
}

type Stats struct {
	Admitted  uint64
	Cancelled uint64
	InFlight  int64
}

// Scheduler bounds the number of loads running at once. A Scheduler built
// with maxRequests <= 0 admits everything immediately.
type Scheduler struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	closed    atomic.Bool
	admitted  atomic.Uint64
	cancelled atomic.Uint64
	inFlight  atomic.Int64
}

type Option func(*Scheduler)

// WithRateLimit additionally spaces admissions to rps per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Scheduler) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func New(maxRequests int, opts ...Option) *Scheduler {
	s := &Scheduler{}
	if maxRequests > 0 {
		s.sem = semaphore.NewWeighted(int64(maxRequests))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule blocks until the request may start. Cancelling ctx while the
// request is queued returns ctx.Err() and never takes a slot.
func (s *Scheduler) Schedule(ctx context.Context) (Token, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.cancelled.Add(1)
			return nil, err
		}
	}

	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.cancelled.Add(1)
			return nil, err
		}
	}

	s.admitted.Add(1)
	s.inFlight.Add(1)
	return &token{s: s}, nil
}

// Close makes every later Schedule call fail with ErrClosed.
func (s *Scheduler) Close() {
	s.closed.Store(true)
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Admitted:  s.admitted.Load(),
		Cancelled: s.cancelled.Load(),
		InFlight:  s.inFlight.Load(),
	}
}

type token struct {
	s    *Scheduler
	once sync.Once
}

func (t *token) Done() {
	t.once.Do(func() {
		t.s.inFlight.Add(-1)
		if t.s.sem != nil {
			t.s.sem.Release(1)
		}
	})
}
