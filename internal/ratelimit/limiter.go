// Package ratelimit enforces a per-sender daily message quota. Counters are
// keyed by calendar day so a stale counter is implicitly reset the first
// time it is touched on a new day.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/lapidaryhq/concierge/pkg/clock"
	"github.com/lapidaryhq/concierge/pkg/logging"
)

// UnlimitedRemaining marks a check performed with no cap configured.
const UnlimitedRemaining = -1

// Result reports the outcome of a quota check.
type Result struct {
	Allowed   bool
	Remaining int // UnlimitedRemaining when no cap is configured
}

// CounterStore persists per-sender, per-day message counts. Implementations
// must be safe for concurrent use; counts for different days never interact.
type CounterStore interface {
	Count(ctx context.Context, sender, day string) (int, error)
	Incr(ctx context.Context, sender, day string) (int, error)
	// Reset clears sender's counter for day and reports whether one
	// existed.
	Reset(ctx context.Context, sender, day string) (bool, error)
}

// Limiter applies a daily cap to inbound customer messages. A limit of zero
// or less disables the feature entirely: every check is allowed and nothing
// is counted.
type Limiter struct {
	store  CounterStore
	limit  int
	loc    *time.Location
	clock  clock.Clock
	logger *logging.Logger
}

// Option customizes limiter behavior.
type Option func(*Limiter)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLocation sets the time zone whose calendar day bounds the quota.
func WithLocation(loc *time.Location) Option {
	return func(l *Limiter) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a limiter backed by store with the given daily cap.
func New(store CounterStore, limit int, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		limit:  limit,
		loc:    time.UTC,
		clock:  clock.System(),
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndIncrement counts one message against sender's quota for today.
// A rejected message is never counted.
func (l *Limiter) CheckAndIncrement(ctx context.Context, sender string) (Result, error) {
	if l.limit <= 0 {
		return Result{Allowed: true, Remaining: UnlimitedRemaining}, nil
	}

	day := l.today()
	count, err := l.store.Count(ctx, sender, day)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: read counter: %w", err)
	}
	if count >= l.limit {
		l.logger.Info("daily message limit reached", "sender", sender, "count", count, "limit", l.limit)
		return Result{Allowed: false, Remaining: 0}, nil
	}

	updated, err := l.store.Incr(ctx, sender, day)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: increment counter: %w", err)
	}
	remaining := l.limit - updated
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining}, nil
}

// Reset zeroes sender's counter for the current day and reports whether one
// existed. Privileged callers only; authorization happens upstream.
func (l *Limiter) Reset(ctx context.Context, sender string) (bool, error) {
	found, err := l.store.Reset(ctx, sender, l.today())
	if err != nil {
		return false, fmt.Errorf("ratelimit: reset counter: %w", err)
	}
	l.logger.Info("message counter reset", "sender", sender, "found", found)
	return found, nil
}

// Enabled reports whether a daily cap is configured.
func (l *Limiter) Enabled() bool { return l.limit > 0 }

func (l *Limiter) today() string {
	return l.clock.Now().In(l.loc).Format("2006-01-02")
}
