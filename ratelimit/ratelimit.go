// Package ratelimit spaces outbound requests to the source site.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tourwatch/metrics"

	"golang.org/x/time/rate"
)

// Limiter grants at most one acquisition per interval, process-wide.
// Waiters are served in the order they called Acquire.
type Limiter struct {
	limiter  *rate.Limiter
	logger   *slog.Logger
	interval time.Duration
}

// New creates a limiter. An interval of zero or less disables spacing.
func New(interval time.Duration, logger *slog.Logger) *Limiter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Limiter{
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		interval: interval,
	}
}

// Interval returns the configured minimum spacing.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Acquire blocks until the caller may issue one request.
// A cancelled wait returns the slot to the limiter and does not count as a grant.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("wait for fetch slot: %w", err)
	}

	waited := time.Since(start)
	metrics.RecordRateLimitWait(waited)
	if waited >= time.Second {
		l.logger.Debug("Rate limiter slot granted", "waited_ms", waited.Milliseconds())
	}
	return nil
}
