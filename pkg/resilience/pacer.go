// Package resilience provides request pacing primitives that bound how
// fast a pipeline stage talks to a remote host.
package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/WessleyAI/wessley-specharvest/pkg/fn"
)

// Pacer inserts a delay between consecutive requests issued by one stage.
// The first Wait returns immediately.
type Pacer interface {
	Wait(ctx context.Context) error
}

// RandomDelay pauses for a duration drawn uniformly from [Min, Max]
// between calls.
type RandomDelay struct {
	Min, Max time.Duration

	mu      sync.Mutex
	started bool
	float   func() float64
	sleep   func(context.Context, time.Duration) error
}

// NewRandomDelay creates a RandomDelay. Bounds given in the wrong order are swapped.
func NewRandomDelay(min, max time.Duration) *RandomDelay {
	if max < min {
		min, max = max, min
	}
	return &RandomDelay{
		Min:   min,
		Max:   max,
		float: rand.Float64,
		sleep: fn.SleepContext,
	}
}

// Next returns the delay the following Wait will use, excluding the first call.
func (d *RandomDelay) Next() time.Duration {
	span := d.Max - d.Min
	if span <= 0 {
		return d.Min
	}
	return d.Min + time.Duration(d.float()*float64(span))
}

// Wait blocks for a random delay unless this is the first call.
func (d *RandomDelay) Wait(ctx context.Context) error {
	d.mu.Lock()
	first := !d.started
	d.started = true
	d.mu.Unlock()
	if first {
		return ctx.Err()
	}
	return d.sleep(ctx, d.Next())
}

// FixedDelay spaces calls at least Interval apart using a token bucket
// with a single token.
type FixedDelay struct {
	Interval time.Duration
	limiter  *rate.Limiter
}

// NewFixedDelay creates a FixedDelay. A non-positive interval disables pacing.
func NewFixedDelay(interval time.Duration) *FixedDelay {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &FixedDelay{
		Interval: interval,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Wait blocks until Interval has elapsed since the previous call.
func (d *FixedDelay) Wait(ctx context.Context) error {
	return d.limiter.Wait(ctx)
}

// NoDelay never waits. Useful for tests and local fixtures.
type NoDelay struct{}

func (NoDelay) Wait(ctx context.Context) error { return ctx.Err() }
