package contracts

import (
	"errors"
	"fmt"
	"time"

	"github.com/toolforge/toolforge/engine/pkg/models"
)

// ── Error Taxonomy ───────────────────────────────────────────
//
// Every failure the engine can surface maps to exactly one of these types.
// Capability-level errors are recorded per-action in the snapshot error
// log; coordinator- and lifecycle-level errors abort the whole request.

// PermissionDeniedError: the subject does not hold the access mode a
// capability requires. Fatal, never retried.
type PermissionDeniedError struct {
	IntegrationID string
	CapabilityID  string
	Mode          models.AccessMode
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s access to %s/%s", e.Mode, e.IntegrationID, e.CapabilityID)
}

// RateLimitedError: advisory backpressure from the rate limiter. The caller
// should retry after RetryAfter, not abort.
type RateLimitedError struct {
	IntegrationID string
	RetryAfter    time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s, retry after %s", e.IntegrationID, e.RetryAfter)
}

// ProviderError: an upstream capability call failed with an HTTP-ish
// status. Retryable only for 429 and 5xx.
type ProviderError struct {
	IntegrationID string
	CapabilityID  string
	Status        int
	Message       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error: %s/%s status %d: %s", e.IntegrationID, e.CapabilityID, e.Status, e.Message)
}

// Retryable reports whether the failure class is transient.
func (e *ProviderError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// AlreadyLockedError: another worker owns the execution record for this
// prompt hash. Fatal for the current caller, informational for the system.
type AlreadyLockedError struct {
	ExecutionID string
	PromptHash  string
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("execution %s already locked (prompt hash %s)", e.ExecutionID, e.PromptHash)
}

// IllegalTransitionError: a lifecycle guard was violated, either by a
// programming bug (no such edge) or by losing a CAS race.
type IllegalTransitionError struct {
	ToolID string
	From   models.ToolStatus
	To     models.ToolStatus
	Raced  bool
}

func (e *IllegalTransitionError) Error() string {
	if e.Raced {
		return fmt.Sprintf("transition %s → %s lost race for tool %s", e.From, e.To, e.ToolID)
	}
	return fmt.Sprintf("illegal transition %s → %s", e.From, e.To)
}

// BudgetExceededError: a monthly or per-run quota is exhausted. Surfaced
// before any provider call is made.
type BudgetExceededError struct {
	OrgID string
	Scope string // "monthly" or "run"
	Limit int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for org %s: %s limit %d", e.OrgID, e.Scope, e.Limit)
}

// ── Classification ───────────────────────────────────────────

// IsRetryable reports whether an error is worth retrying: rate-limit
// denials and transient provider failures. Everything else propagates
// unchanged.
func IsRetryable(err error) bool {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
