// Package coordinator serializes and deduplicates execution requests.
//
// Two independent primitives:
//
//   - KeyedQueue chains same-key tasks into a FIFO queue (in-process only).
//   - Submit deduplicates logically-identical requests by prompt hash and
//     acquires an exclusive execution lock through a single conditional
//     store update — the property that guarantees at-most-one worker ever
//     compiles/executes a given (tool, normalized prompt) pair.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolforge/toolforge/engine/internal/metrics"
	"github.com/toolforge/toolforge/engine/internal/store"
	"github.com/toolforge/toolforge/engine/pkg/contracts"
	"github.com/toolforge/toolforge/engine/pkg/models"
)

// DefaultLockTTL bounds lock ownership so a crashed worker cannot wedge an
// execution record forever.
const DefaultLockTTL = 5 * time.Minute

// Coordinator owns execution dedup and lock acquisition.
type Coordinator struct {
	store   store.Store
	queue   *KeyedQueue
	lockTTL time.Duration
}

// New creates a coordinator. lockTTL <= 0 selects DefaultLockTTL.
func New(s store.Store, lockTTL time.Duration) *Coordinator {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Coordinator{
		store:   s,
		queue:   NewKeyedQueue(),
		lockTTL: lockTTL,
	}
}

// Queue exposes the per-key serialization primitive for callers that need
// their own FIFO keys (per-tool build serialization, rate-limit bookkeeping).
func (c *Coordinator) Queue() *KeyedQueue { return c.queue }

// NormalizePrompt lowercases and collapses interior whitespace so that
// trivially different phrasings of the same prompt share an idempotency key.
func NormalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
}

// PromptHash computes the idempotency key for a (tool, prompt) pair.
func PromptHash(toolID, normalizedPrompt string) string {
	sum := sha256.Sum256([]byte(toolID + "\n" + normalizedPrompt))
	return hex.EncodeToString(sum[:])
}

// SubmitResult reports how a submission resolved.
type SubmitResult struct {
	Record *models.ExecutionRecord
	// Deduped is true when an existing in-flight or completed record was
	// returned and no new work was started.
	Deduped bool
	// LockToken is set only when this caller acquired the lock and owns
	// the record's execution.
	LockToken string
}

// Submit deduplicates a (tool, prompt) request and acquires the execution
// lock for new work.
//
// Flow: normalize → hash → return existing non-failed record if any →
// create a record in 'created' → atomically acquire it. If the conditional
// update affects zero rows another worker owns it and the caller gets
// AlreadyLockedError.
func (c *Coordinator) Submit(ctx context.Context, orgID, toolID, prompt string, requiredIntegrations []string) (*SubmitResult, error) {
	normalized := NormalizePrompt(prompt)
	hash := PromptHash(toolID, normalized)

	var result *SubmitResult
	err := c.queue.Run("submit:"+toolID, func() error {
		existing, err := c.store.FindExecutionByHash(ctx, toolID, hash)
		if err == nil {
			metrics.Executions.WithLabelValues("deduped").Inc()
			log.Debug().
				Str("tool_id", toolID).
				Str("execution_id", existing.ID).
				Str("status", string(existing.Status)).
				Msg("Execution deduplicated")
			result = &SubmitResult{Record: existing, Deduped: true}
			return nil
		}
		var notFound *store.ErrNotFound
		if !errors.As(err, &notFound) {
			return fmt.Errorf("lookup execution by hash: %w", err)
		}

		now := time.Now().UTC()
		rec := &models.ExecutionRecord{
			ID:                   uuid.New().String(),
			OrgID:                orgID,
			ToolID:               toolID,
			PromptHash:           hash,
			NormalizedPrompt:     normalized,
			Status:               models.ExecutionCreated,
			RequiredIntegrations: requiredIntegrations,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := c.store.CreateExecution(ctx, rec); err != nil {
			// Another process inserted a live record for this hash between
			// the lookup and our insert; the unique index turns that race
			// into a conflict, which resolves as dedup.
			var conflict *store.ErrConflict
			if errors.As(err, &conflict) {
				existing, findErr := c.store.FindExecutionByHash(ctx, toolID, hash)
				if findErr != nil {
					return fmt.Errorf("lookup execution after insert conflict: %w", findErr)
				}
				metrics.Executions.WithLabelValues("deduped").Inc()
				log.Debug().
					Str("tool_id", toolID).
					Str("execution_id", existing.ID).
					Msg("Execution deduplicated on insert conflict")
				result = &SubmitResult{Record: existing, Deduped: true}
				return nil
			}
			return fmt.Errorf("create execution: %w", err)
		}

		token := uuid.New().String()
		acquired, err := c.store.AcquireExecutionLock(ctx, rec.ID, token, c.lockTTL)
		if err != nil {
			return fmt.Errorf("acquire execution lock: %w", err)
		}
		if !acquired {
			metrics.Executions.WithLabelValues("locked").Inc()
			return &contracts.AlreadyLockedError{ExecutionID: rec.ID, PromptHash: hash}
		}

		fresh, err := c.store.GetExecution(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("reload execution: %w", err)
		}

		metrics.Executions.WithLabelValues("created").Inc()
		log.Info().
			Str("tool_id", toolID).
			Str("execution_id", rec.ID).
			Str("prompt_hash", hash).
			Msg("Execution created and locked")
		result = &SubmitResult{Record: fresh, LockToken: token}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Acquire attempts to lock an existing record in 'created' state. Used by
// workers picking up records created by another path.
func (c *Coordinator) Acquire(ctx context.Context, executionID string) (string, error) {
	token := uuid.New().String()
	ok, err := c.store.AcquireExecutionLock(ctx, executionID, token, c.lockTTL)
	if err != nil {
		return "", err
	}
	if !ok {
		rec, getErr := c.store.GetExecution(ctx, executionID)
		hash := ""
		if getErr == nil {
			hash = rec.PromptHash
		}
		return "", &contracts.AlreadyLockedError{ExecutionID: executionID, PromptHash: hash}
	}
	return token, nil
}

// Reclaim takes over a record whose lock expired (crashed holder). Returns
// the fresh token on success.
func (c *Coordinator) Reclaim(ctx context.Context, executionID string) (string, error) {
	token := uuid.New().String()
	ok, err := c.store.ReclaimExecutionLock(ctx, executionID, token, c.lockTTL)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &contracts.AlreadyLockedError{ExecutionID: executionID}
	}
	log.Warn().Str("execution_id", executionID).Msg("Expired execution lock reclaimed")
	return token, nil
}

// Advance moves a locked record through its status sequence with a CAS on
// the prior status. A false CAS means another process interfered; the
// caller must re-read and decide.
func (c *Coordinator) Advance(ctx context.Context, executionID string, from, to models.ExecutionStatus) error {
	ok, err := c.store.UpdateExecutionStatus(ctx, executionID, from, to, "")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("execution %s no longer in status %s", executionID, from)
	}
	return nil
}

// Complete releases the lock with a terminal status.
func (c *Coordinator) Complete(ctx context.Context, executionID, token string, final models.ExecutionStatus, errMsg string) error {
	ok, err := c.store.ReleaseExecutionLock(ctx, executionID, token, final, errMsg)
	if err != nil {
		return err
	}
	if !ok {
		// Lock expired and was reclaimed; our result is stale.
		return fmt.Errorf("execution %s: lock token no longer owns the record", executionID)
	}
	return nil
}
