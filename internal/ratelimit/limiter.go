// Package ratelimit bounds outbound call volume per integration with a
// fixed-window counter.
//
// This is advisory backpressure, not a circuit breaker: a denial means
// "retry after", never "abort". Counters are process-local; in a
// multi-process deployment each process limits independently and only the
// durable store's CAS writes are globally consistent.
package ratelimit

import (
	"sync"
	"time"

	"github.com/toolforge/toolforge/engine/internal/metrics"
)

// Rule bounds one integration's call volume.
type Rule struct {
	Window time.Duration
	Max    int
}

// Decision is the limiter's verdict for one call.
type Decision struct {
	OK         bool
	RetryAfter time.Duration
	Remaining  int
}

type window struct {
	start time.Time
	count int
}

// Limiter is a fixed-window counter keyed by integration id.
type Limiter struct {
	mu       sync.Mutex
	windows  map[string]*window
	rules    map[string]Rule
	fallback Rule

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter. Integrations without an explicit rule get the
// conservative fallback.
func New(fallback Rule) *Limiter {
	return &Limiter{
		windows:  make(map[string]*window),
		rules:    make(map[string]Rule),
		fallback: fallback,
		now:      time.Now,
	}
}

// SetRule configures a per-integration rule.
func (l *Limiter) SetRule(integrationID string, r Rule) {
	l.mu.Lock()
	l.rules[integrationID] = r
	l.mu.Unlock()
}

// SetClock overrides the limiter's clock. Test hook.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Check counts one prospective call against the integration's window.
// The window resets once its full duration has elapsed; within a window,
// calls beyond Max are denied with the time remaining until reset.
func (l *Limiter) Check(integrationID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	rule, ok := l.rules[integrationID]
	if !ok {
		rule = l.fallback
	}

	now := l.now()
	w, ok := l.windows[integrationID]
	if !ok || now.Sub(w.start) >= rule.Window {
		w = &window{start: now}
		l.windows[integrationID] = w
	}

	if w.count >= rule.Max {
		retryAfter := rule.Window - now.Sub(w.start)
		metrics.RateLimitDecisions.WithLabelValues(integrationID, "denied").Inc()
		return Decision{OK: false, RetryAfter: retryAfter}
	}

	w.count++
	metrics.RateLimitDecisions.WithLabelValues(integrationID, "allowed").Inc()
	return Decision{OK: true, Remaining: rule.Max - w.count}
}
