package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"market_maker/internal/clock"
	"market_maker/internal/domain"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket evaluated against an injected clock. Refill is
// computed from elapsed time on every call; there is no background timer.
type Bucket struct {
	name  string
	clock clock.Clock

	mu        sync.Mutex
	lim       *rate.Limiter
	coolUntil time.Time
	drainAt   time.Time // drain once more when the cooldown ends
	strikes   int

	coolBase time.Duration
	coolMax  time.Duration

	requests  uint64
	tokens    uint64
	throttled uint64
}

// NewBucket creates a full bucket holding capacity tokens and refilling
// perSecond tokens per second.
func NewBucket(name string, capacity int, perSecond float64, clk clock.Clock) *Bucket {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Bucket{
		name:     name,
		clock:    clk,
		lim:      rate.NewLimiter(rate.Limit(perSecond), capacity),
		coolBase: time.Second,
		coolMax:  2 * time.Minute,
	}
}

// SetCooldownBackoff configures the exponential cooldown used when the
// venue does not say how long to wait.
func (b *Bucket) SetCooldownBackoff(base, max time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if base > 0 {
		b.coolBase = base
	}
	if max > 0 {
		b.coolMax = max
	}
}

// Capacity returns the bucket size.
func (b *Bucket) Capacity() int {
	return b.lim.Burst()
}

// Available returns the tokens available now (zero while cooling down).
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	if now.Before(b.coolUntil) {
		return 0
	}
	b.settleLocked(now)
	return math.Max(0, b.lim.TokensAt(now))
}

// TryAcquire takes n tokens if they are available right now.
func (b *Bucket) TryAcquire(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if now.Before(b.coolUntil) {
		b.throttled++
		return false
	}
	b.settleLocked(now)
	if !b.lim.AllowN(now, n) {
		b.throttled++
		return false
	}
	b.recordLocked(n)
	return true
}

// Acquire waits on the clock until n tokens are available, then takes them.
// If ctx ends first the reservation is returned to the bucket.
func (b *Bucket) Acquire(ctx context.Context, n int) error {
	if n > b.lim.Burst() {
		return fmt.Errorf("%s bucket: %d tokens: %w", b.name, n, domain.ErrExceedsCapacity)
	}

	for {
		b.mu.Lock()
		now := b.clock.Now()

		if now.Before(b.coolUntil) {
			wait := b.coolUntil.Sub(now)
			b.throttled++
			b.mu.Unlock()
			if err := b.clock.Sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		b.settleLocked(now)
		r := b.lim.ReserveN(now, n)
		if !r.OK() {
			b.mu.Unlock()
			return fmt.Errorf("%s bucket: %d tokens: %w", b.name, n, domain.ErrExceedsCapacity)
		}
		delay := r.DelayFrom(now)
		b.recordLocked(n)
		if delay > 0 {
			b.throttled++
		}
		b.mu.Unlock()

		if delay == 0 {
			return nil
		}
		if err := b.clock.Sleep(ctx, delay); err != nil {
			b.mu.Lock()
			r.CancelAt(b.clock.Now())
			b.mu.Unlock()
			return err
		}
		return nil
	}
}

// Cooldown forces the bucket empty for retryAfter, or for an exponential
// backoff when retryAfter is not positive. It returns the applied duration.
func (b *Bucket) Cooldown(retryAfter time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	d := retryAfter
	if d <= 0 {
		d = b.coolBase << uint(b.strikes)
		if d <= 0 || d > b.coolMax {
			d = b.coolMax
		}
	}
	b.strikes++

	until := now.Add(d)
	if until.After(b.coolUntil) {
		b.coolUntil = until
	}
	b.drainLocked(now)
	b.drainAt = b.coolUntil
	return d
}

// CooldownLeft returns how long the current cooldown window still runs.
func (b *Bucket) CooldownLeft() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if left := b.coolUntil.Sub(b.clock.Now()); left > 0 {
		return left
	}
	return 0
}

// CoolingDown reports whether the bucket is inside a cooldown window.
func (b *Bucket) CoolingDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clock.Now().Before(b.coolUntil)
}

// settleLocked applies a pending end-of-cooldown drain, so the bucket
// restarts from empty rather than from whatever refilled during the wait.
func (b *Bucket) settleLocked(now time.Time) {
	if b.drainAt.IsZero() || now.Before(b.drainAt) {
		return
	}
	b.drainLocked(b.drainAt)
	b.drainAt = time.Time{}
}

func (b *Bucket) drainLocked(at time.Time) {
	tokens := int(math.Floor(b.lim.TokensAt(at)))
	if tokens > 0 {
		b.lim.ReserveN(at, tokens)
	}
}

func (b *Bucket) recordLocked(n int) {
	b.requests++
	b.tokens += uint64(n)
	if b.clock.Now().After(b.coolUntil) {
		b.strikes = 0
	}
}

// BucketStats is a point-in-time view of bucket usage.
type BucketStats struct {
	Name      string
	Requests  uint64
	Tokens    uint64
	Throttled uint64
	Available float64
	Capacity  int
}

// Stats returns usage counters.
func (b *Bucket) Stats() BucketStats {
	avail := b.Available()
	b.mu.Lock()
	defer b.mu.Unlock()
	return BucketStats{
		Name:      b.name,
		Requests:  b.requests,
		Tokens:    b.tokens,
		Throttled: b.throttled,
		Available: avail,
		Capacity:  b.lim.Burst(),
	}
}
