package metering

import (
	"context"
	"fmt"
	"time"
)

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	// Limits maps plan tiers to their fixed-window limits. Defaults to
	// DefaultPlanLimits(). An identity whose tier is absent gets the free
	// limits.
	Limits map[PlanTier]PlanLimits

	// FailClosed denies requests when the counter store is unreachable.
	// The default is fail-open: the weather data path stays available
	// during a counter-store outage and quota is reconciled afterwards
	// from usage records.
	FailClosed bool

	// KeyPrefix is prepended to counter keys (default: "meter:").
	KeyPrefix string

	Logger  Logger
	Metrics Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// RateLimiter enforces layered fixed-window limits (per-minute and per-month)
// per identity. Check and increment are a single atomic operation delegated
// to the CounterStore, so two concurrent requests for the same identity can
// never both observe "not yet at limit".
type RateLimiter struct {
	counters CounterStore
	config   RateLimiterConfig
}

// NewRateLimiter creates a rate limiter over the given counter store.
func NewRateLimiter(counters CounterStore, config RateLimiterConfig) *RateLimiter {
	if config.Limits == nil {
		config.Limits = DefaultPlanLimits()
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "meter:"
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &RateLimiter{counters: counters, config: config}
}

// CheckAndIncrement consumes one request from the identity's minute and month
// windows and reports whether the request may proceed. The tighter binding
// window wins: a minute denial is reported before the month counter is
// touched. Counts above the limit are harmless, so the increment-then-check
// order costs nothing and keeps the operation atomic.
func (l *RateLimiter) CheckAndIncrement(ctx context.Context, id Identity) RateDecision {
	limits, ok := l.config.Limits[id.Tier]
	if !ok {
		// No resolvable plan: most restrictive limits apply.
		limits = l.config.Limits[TierFree]
	}
	now := l.config.Now().UTC()

	minuteKey := fmt.Sprintf("%sminute:%s:%d", l.config.KeyPrefix, id.CounterKey(), now.Unix()/60)
	decision := l.consume(ctx, id, minuteKey, WindowMinute, limits.PerMinute,
		2*time.Minute, now.Truncate(time.Minute).Add(time.Minute).Sub(now))
	if !decision.Allowed || decision.FailedOpen {
		return decision
	}

	monthKey := fmt.Sprintf("%smonth:%s:%s", l.config.KeyPrefix, id.CounterKey(), now.Format("2006-01"))
	return l.consume(ctx, id, monthKey, WindowMonth, limits.PerMonth,
		nextMonthStartUTC(now).Sub(now), nextMonthStartUTC(now).Sub(now))
}

func (l *RateLimiter) consume(ctx context.Context, id Identity, key string, window Window, limit int, expiry, retryAfter time.Duration) RateDecision {
	count, err := l.counters.IncrWithExpiry(ctx, key, expiry)
	if err != nil {
		if l.config.FailClosed {
			l.config.Logger.Error("counter store unreachable, failing closed",
				Field{"identity", id.CounterKey()},
				Field{"window", string(window)},
				Field{"error", err},
			)
			l.config.Metrics.RecordRateLimit(window, false, false)
			return RateDecision{Allowed: false, Window: window, Limit: limit, RetryAfter: retryAfter}
		}

		// Availability over strict quota enforcement: allow the request
		// and leave a reconciliation trail in the logs.
		l.config.Logger.Warn("counter store unreachable, failing open",
			Field{"identity", id.CounterKey()},
			Field{"window", string(window)},
			Field{"error", err},
		)
		l.config.Metrics.RecordRateLimit(window, true, true)
		return RateDecision{Allowed: true, Window: window, Limit: limit, FailedOpen: true}
	}

	if count > int64(limit) {
		l.config.Metrics.RecordRateLimit(window, false, false)
		return RateDecision{
			Allowed:    false,
			Window:     window,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: retryAfter,
		}
	}

	l.config.Metrics.RecordRateLimit(window, true, false)
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateDecision{Allowed: true, Window: window, Limit: limit, Remaining: remaining}
}
