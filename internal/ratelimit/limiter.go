package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"market_maker/internal/clock"
)

// Config sizes the two buckets. Defaults follow Binance spot limits:
// 6000 request weight per minute and 100 orders per 10 seconds.
type Config struct {
	WeightCapacity  int           `yaml:"weight_capacity"`
	WeightPerSecond float64       `yaml:"weight_per_second"`
	OrderCapacity   int           `yaml:"order_capacity"`
	OrderPerSecond  float64       `yaml:"order_per_second"`
	CooldownBase    time.Duration `yaml:"cooldown_base"`
	CooldownMax     time.Duration `yaml:"cooldown_max"`
}

// DefaultConfig returns Binance spot limits.
func DefaultConfig() Config {
	return Config{
		WeightCapacity:  6000,
		WeightPerSecond: 100,
		OrderCapacity:   100,
		OrderPerSecond:  10,
		CooldownBase:    time.Second,
		CooldownMax:     2 * time.Minute,
	}
}

// Limiter gates every command-connector call. Request weight and order
// placement are tracked by independent buckets.
type Limiter struct {
	Weight *Bucket
	Orders *Bucket
	logger *slog.Logger
}

// New builds a Limiter on clk (nil means the wall clock).
func New(cfg Config, clk clock.Clock) *Limiter {
	def := DefaultConfig()
	if cfg.WeightCapacity <= 0 {
		cfg.WeightCapacity = def.WeightCapacity
	}
	if cfg.WeightPerSecond <= 0 {
		cfg.WeightPerSecond = def.WeightPerSecond
	}
	if cfg.OrderCapacity <= 0 {
		cfg.OrderCapacity = def.OrderCapacity
	}
	if cfg.OrderPerSecond <= 0 {
		cfg.OrderPerSecond = def.OrderPerSecond
	}

	l := &Limiter{
		Weight: NewBucket("weight", cfg.WeightCapacity, cfg.WeightPerSecond, clk),
		Orders: NewBucket("orders", cfg.OrderCapacity, cfg.OrderPerSecond, clk),
		logger: slog.Default().With("module", "ratelimit"),
	}
	l.Weight.SetCooldownBackoff(cfg.CooldownBase, cfg.CooldownMax)
	l.Orders.SetCooldownBackoff(cfg.CooldownBase, cfg.CooldownMax)
	return l
}

// Acquire blocks until weight request-weight tokens are available.
func (l *Limiter) Acquire(ctx context.Context, weight int) error {
	return l.Weight.Acquire(ctx, weight)
}

// TryAcquire takes weight tokens without waiting.
func (l *Limiter) TryAcquire(weight int) bool {
	return l.Weight.TryAcquire(weight)
}

// AcquireOrder blocks for request weight and one order token.
func (l *Limiter) AcquireOrder(ctx context.Context, weight int) error {
	if err := l.Weight.Acquire(ctx, weight); err != nil {
		return err
	}
	return l.Orders.Acquire(ctx, 1)
}

// TryAcquireOrder is the non-blocking AcquireOrder. Weight already taken is
// not refunded when the order bucket is empty.
func (l *Limiter) TryAcquireOrder(weight int) bool {
	if !l.Weight.TryAcquire(weight) {
		return false
	}
	return l.Orders.TryAcquire(1)
}

// Cooldown empties both buckets after a 429/418-class response.
// retryAfter <= 0 selects exponential backoff.
func (l *Limiter) Cooldown(retryAfter time.Duration) {
	d := l.Weight.Cooldown(retryAfter)
	l.Orders.Cooldown(d)
	l.logger.Warn("Rate limit cooldown", slog.Duration("duration", d))
}

// Stats returns both bucket stats.
func (l *Limiter) Stats() []BucketStats {
	return []BucketStats{l.Weight.Stats(), l.Orders.Stats()}
}
