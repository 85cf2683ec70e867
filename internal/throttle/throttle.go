// Package throttle spaces out calls to the external scorer.
package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval is the minimum gap between two scorer calls.
const DefaultInterval = time.Second

// Clock is the time source used by Interval.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Interval is a gate that lets one caller through per interval. The first
// call passes immediately; there is no burst capacity.
type Interval struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	clock    Clock
	interval time.Duration
}

// Option configures an Interval.
type Option func(*Interval)

// WithClock replaces the wall clock, typically with a fake in tests.
func WithClock(c Clock) Option {
	return func(t *Interval) { t.clock = c }
}

// New creates a gate with the given interval. A non-positive interval
// disables throttling.
func New(interval time.Duration, opts ...Option) *Interval {
	t := &Interval{
		clock:    realClock{},
		interval: interval,
	}
	if interval > 0 {
		t.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Interval returns the configured gap.
func (t *Interval) Interval() time.Duration {
	return t.interval
}

// Wait blocks until the next call is allowed or ctx is done.
func (t *Interval) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.limiter == nil {
		return nil
	}

	t.mu.Lock()
	now := t.clock.Now()
	r := t.limiter.ReserveN(now, 1)
	t.mu.Unlock()
	if !r.OK() {
		return errors.New("throttle: reservation exceeds burst")
	}

	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		r.CancelAt(t.clock.Now())
		return ctx.Err()
	case <-t.clock.After(delay):
		return nil
	}
}
