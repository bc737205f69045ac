// Package store provides the storage interface and implementations for the
// ToolForge engine. The engine's concurrency correctness rests entirely on
// this package's conditional writes: lock acquisition and lifecycle
// transitions are single atomic compare-and-swap updates, whether backed by
// in-memory maps (tests, local dev) or PostgreSQL (production).
package store

import (
	"context"
	"time"

	"github.com/toolforge/toolforge/engine/pkg/models"
)

// Store is the primary storage interface for the engine. Handler and
// engine code depends on this interface, making it easy to swap between
// in-memory (tests) and PostgreSQL (production) implementations.
type Store interface {
	ToolStore
	ExecutionStore
	SnapshotStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate brings the backing schema up to date.
	Migrate(ctx context.Context) error
}

// ── Tool Store ──────────────────────────────────────────────

type ToolStore interface {
	ListTools(ctx context.Context, orgID string) ([]models.Tool, error)
	GetTool(ctx context.Context, orgID, id string) (*models.Tool, error)
	CreateTool(ctx context.Context, tool *models.Tool) error
	UpdateToolSpec(ctx context.Context, orgID, id string, spec *models.ToolSpec) error

	// TransitionTool performs the single conditional update
	// `SET status = to WHERE id = id AND status = from` and reports whether
	// a row was affected. A false return means another process moved the
	// tool first; callers must re-read and decide, never blindly retry.
	TransitionTool(ctx context.Context, orgID, id string, from, to models.ToolStatus) (bool, error)
}

// ── Execution Store ─────────────────────────────────────────

type ExecutionStore interface {
	GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error)

	// FindExecutionByHash returns the most recent non-failed record for the
	// prompt hash, or ErrNotFound. Failed records do not satisfy dedup so a
	// retry can start fresh.
	FindExecutionByHash(ctx context.Context, toolID, promptHash string) (*models.ExecutionRecord, error)

	// CreateExecution inserts a new record. Returns ErrConflict when a
	// non-failed record for the same (tool, prompt hash) already exists,
	// enforced by a partial unique index in PostgreSQL and mirrored by the
	// in-memory store. Callers resolve the conflict as dedup.
	CreateExecution(ctx context.Context, rec *models.ExecutionRecord) error

	// AcquireExecutionLock is the load-bearing conditional update:
	// `SET lock_token = token, status = 'compiling' WHERE id = id AND
	// status = 'created' AND lock_token IS NULL`. Returns false when another
	// worker already owns the record.
	AcquireExecutionLock(ctx context.Context, id, token string, ttl time.Duration) (bool, error)

	// ReclaimExecutionLock re-acquires a record whose lock has expired,
	// swapping in a fresh token. Guarded by the old expiry timestamp so two
	// reclaimers cannot both win.
	ReclaimExecutionLock(ctx context.Context, id, token string, ttl time.Duration) (bool, error)

	// UpdateExecutionStatus advances a record's status with a CAS on the
	// previous status. The error field is overwritten when errMsg != "".
	UpdateExecutionStatus(ctx context.Context, id string, from, to models.ExecutionStatus, errMsg string) (bool, error)

	// ReleaseExecutionLock clears the lock on a record owned by token,
	// setting the final status. Returns false if the token no longer owns
	// the record (expired and reclaimed).
	ReleaseExecutionLock(ctx context.Context, id, token string, final models.ExecutionStatus, errMsg string) (bool, error)
}

// ── Snapshot Store ──────────────────────────────────────────

type SnapshotStore interface {
	// AppendSnapshot persists a new immutable snapshot row. Snapshots are
	// never updated in place; history is the sequence of appended rows.
	AppendSnapshot(ctx context.Context, snap *models.Snapshot) error

	// LatestSnapshot returns the most recent snapshot by materialized_at,
	// or ErrNotFound when the tool has never materialized.
	LatestSnapshot(ctx context.Context, orgID, toolID string) (*models.Snapshot, error)

	ListSnapshots(ctx context.Context, orgID, toolID string, limit int) ([]models.Snapshot, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when an insert would violate a uniqueness
// guarantee, such as two live executions for the same prompt.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}
