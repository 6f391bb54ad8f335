package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReloadFunc is invoked for each accepted message on the reload topic.
// The payload is ignored. Implementations should hand the request off
// and return quickly; the session's message loop waits for it.
type ReloadFunc func(ctx context.Context) error

// reloadRateLimiter tracks reload command rates and drops commands when
// the rate exceeds the configured threshold. Counters are atomic because
// allow runs on the transport's reader goroutine.
type reloadRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newReloadRateLimiter allows limit commands per interval. A limit of
// zero or less disables limiting.
func newReloadRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *reloadRateLimiter {
	return &reloadRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop until ctx is cancelled,
// logging a warning for each interval that dropped commands.
func (r *reloadRateLimiter) start(ctx context.Context) {
	if r.limit <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("reload commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow counts one command and reports whether it is within the limit.
func (r *reloadRateLimiter) allow() bool {
	if r.limit <= 0 {
		return true
	}
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
