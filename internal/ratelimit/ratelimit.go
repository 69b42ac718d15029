// Package ratelimit implements fixed-window request limits on the shared KV
// store. Each window is its own counter key that expires with the window.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"docproc/internal/keyspace"
	"docproc/internal/kv"
)

type Window struct {
	Size  time.Duration `yaml:"window"`
	Limit int64         `yaml:"limit"`
}

func (w Window) Validate() error {
	if w.Size < time.Second {
		return fmt.Errorf("window must be at least 1s, got %s", w.Size)
	}
	if w.Limit < 1 {
		return fmt.Errorf("limit must be >= 1, got %d", w.Limit)
	}
	return nil
}

type Decision struct {
	Allowed bool
	// Window and Limit describe the tightest window that rejected the call,
	// or the tightest window checked when it was allowed.
	Window    time.Duration
	Limit     int64
	Remaining int64
	ResetIn   time.Duration
	// Degraded is set when the store failed and the call was let through.
	Degraded bool
}

type Limiter struct {
	store  kv.Store
	keys   keyspace.Namespace
	logger *slog.Logger
}

func New(store kv.Store, keys keyspace.Namespace, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, keys: keys, logger: logger}
}

// Allow counts one call against a single window.
func (l *Limiter) Allow(ctx context.Context, identity, class string, limit int64, window time.Duration) bool {
	return l.Check(ctx, identity, class, []Window{{Size: window, Limit: limit}}).Allowed
}

// Check counts one call against every window, smallest first, and stops at the
// first window whose limit is exceeded. Store failures fail open.
func (l *Limiter) Check(ctx context.Context, identity, class string, windows []Window) Decision {
	ordered := make([]Window, len(windows))
	copy(ordered, windows)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Size < ordered[j].Size })

	decision := Decision{Allowed: true, Remaining: -1}
	for _, w := range ordered {
		count, ttl, err := l.store.IncrWithTTL(ctx, l.keys.RateLimit(class, identity, w.Size), w.Size)
		if err != nil {
			l.logger.Warn("rate limit check failed, allowing request", "identity", identity, "class", class, "err", err)
			return Decision{Allowed: true, Degraded: true}
		}
		if count > w.Limit {
			return Decision{Allowed: false, Window: w.Size, Limit: w.Limit, Remaining: 0, ResetIn: ttl}
		}
		remaining := w.Limit - count
		if decision.Remaining < 0 || remaining < decision.Remaining {
			decision.Window = w.Size
			decision.Limit = w.Limit
			decision.Remaining = remaining
			decision.ResetIn = ttl
		}
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	return decision
}
