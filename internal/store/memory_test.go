package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/toolforge/toolforge/engine/internal/store"
	"github.com/toolforge/toolforge/engine/pkg/models"
)

func newExecution(id string) *models.ExecutionRecord {
	now := time.Now().UTC()
	return &models.ExecutionRecord{
		ID:         id,
		OrgID:      "default",
		ToolID:     "tool-1",
		PromptHash: "hash-1",
		Status:     models.ExecutionCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestAcquireExecutionLock_OnlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	if err := s.CreateExecution(ctx, newExecution("exec-1")); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		token := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AcquireExecutionLock(ctx, "exec-1", token, time.Minute)
			if err != nil {
				t.Errorf("AcquireExecutionLock() error = %v", err)
				return
			}
			if ok {
				wins <- token
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("got %d lock winners, want exactly 1", len(winners))
	}

	rec, err := s.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if rec.LockToken != winners[0] {
		t.Errorf("LockToken = %q, want %q", rec.LockToken, winners[0])
	}
	if rec.Status != models.ExecutionCompiling {
		t.Errorf("Status = %q, want %q", rec.Status, models.ExecutionCompiling)
	}
	if rec.LockExpiresAt == nil {
		t.Error("LockExpiresAt not set on acquisition")
	}
}

func TestReclaimExecutionLock(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	current := base
	s.SetClock(func() time.Time { return current })

	if err := s.CreateExecution(ctx, newExecution("exec-1")); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	if ok, _ := s.AcquireExecutionLock(ctx, "exec-1", "token-a", time.Minute); !ok {
		t.Fatal("initial acquisition failed")
	}

	// Lock still live — reclaim must refuse.
	ok, err := s.ReclaimExecutionLock(ctx, "exec-1", "token-b", time.Minute)
	if err != nil {
		t.Fatalf("ReclaimExecutionLock() error = %v", err)
	}
	if ok {
		t.Fatal("reclaimed a live lock")
	}

	// Advance past expiry.
	current = base.Add(2 * time.Minute)
	ok, err = s.ReclaimExecutionLock(ctx, "exec-1", "token-b", time.Minute)
	if err != nil {
		t.Fatalf("ReclaimExecutionLock() error = %v", err)
	}
	if !ok {
		t.Fatal("failed to reclaim an expired lock")
	}

	// The stale holder's release must now fail.
	ok, err = s.ReleaseExecutionLock(ctx, "exec-1", "token-a", models.ExecutionCompleted, "")
	if err != nil {
		t.Fatalf("ReleaseExecutionLock() error = %v", err)
	}
	if ok {
		t.Error("stale token released a reclaimed lock")
	}

	rec, _ := s.GetExecution(ctx, "exec-1")
	if rec.LockToken != "token-b" {
		t.Errorf("LockToken = %q, want token-b", rec.LockToken)
	}
}

func TestFindExecutionByHash_SkipsFailed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	first := newExecution("exec-1")
	first.Status = models.ExecutionFailed
	if err := s.CreateExecution(ctx, first); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}

	// Failed records do not satisfy dedup.
	_, err := s.FindExecutionByHash(ctx, "tool-1", "hash-1")
	var notFound *store.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("FindExecutionByHash() error = %v, want ErrNotFound", err)
	}

	second := newExecution("exec-2")
	if err := s.CreateExecution(ctx, second); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}

	rec, err := s.FindExecutionByHash(ctx, "tool-1", "hash-1")
	if err != nil {
		t.Fatalf("FindExecutionByHash() error = %v", err)
	}
	if rec.ID != "exec-2" {
		t.Errorf("FindExecutionByHash() = %q, want exec-2", rec.ID)
	}
}

func TestCreateExecution_ConflictOnLiveDuplicate(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	if err := s.CreateExecution(ctx, newExecution("exec-1")); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}

	// A second live record for the same (tool, hash) must be rejected, the
	// same way the partial unique index rejects it in PostgreSQL.
	err := s.CreateExecution(ctx, newExecution("exec-2"))
	var conflict *store.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("CreateExecution() error = %v, want ErrConflict", err)
	}

	// Once the first record fails, a fresh insert goes through.
	if ok, _ := s.UpdateExecutionStatus(ctx, "exec-1", models.ExecutionCreated, models.ExecutionFailed, "boom"); !ok {
		t.Fatal("failed to mark exec-1 failed")
	}
	if err := s.CreateExecution(ctx, newExecution("exec-3")); err != nil {
		t.Fatalf("CreateExecution() after failure error = %v", err)
	}
}

func TestUpdateExecutionStatus_CAS(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	if err := s.CreateExecution(ctx, newExecution("exec-1")); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}

	ok, err := s.UpdateExecutionStatus(ctx, "exec-1", models.ExecutionCreated, models.ExecutionCompiling, "")
	if err != nil || !ok {
		t.Fatalf("UpdateExecutionStatus() = %v, %v; want true, nil", ok, err)
	}

	// Stale 'from' must not win.
	ok, err = s.UpdateExecutionStatus(ctx, "exec-1", models.ExecutionCreated, models.ExecutionExecuting, "")
	if err != nil {
		t.Fatalf("UpdateExecutionStatus() error = %v", err)
	}
	if ok {
		t.Error("CAS with stale 'from' status succeeded")
	}
}

func TestTransitionTool_CAS(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	now := time.Now().UTC()
	tool := &models.Tool{ID: "tool-1", OrgID: "default", Name: "triage", Status: models.ToolCreated, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateTool(ctx, tool); err != nil {
		t.Fatalf("CreateTool() error = %v", err)
	}

	ok, err := s.TransitionTool(ctx, "default", "tool-1", models.ToolCreated, models.ToolPlanned)
	if err != nil || !ok {
		t.Fatalf("TransitionTool() = %v, %v; want true, nil", ok, err)
	}

	ok, err = s.TransitionTool(ctx, "default", "tool-1", models.ToolCreated, models.ToolExecuting)
	if err != nil {
		t.Fatalf("TransitionTool() error = %v", err)
	}
	if ok {
		t.Error("transition with stale 'from' status succeeded")
	}

	got, _ := s.GetTool(ctx, "default", "tool-1")
	if got.Status != models.ToolPlanned {
		t.Errorf("Status = %q, want %q", got.Status, models.ToolPlanned)
	}
}

func TestSnapshots_AppendOnlyAndLatest(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		snap := &models.Snapshot{
			ID:             string(rune('a' + i)),
			ToolID:         "tool-1",
			OrgID:          "default",
			Status:         models.SnapshotMaterialized,
			RecordCount:    i,
			MaterializedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendSnapshot(ctx, snap); err != nil {
			t.Fatalf("AppendSnapshot() error = %v", err)
		}
	}

	latest, err := s.LatestSnapshot(ctx, "default", "tool-1")
	if err != nil {
		t.Fatalf("LatestSnapshot() error = %v", err)
	}
	if latest.ID != "c" {
		t.Errorf("LatestSnapshot() = %q, want c", latest.ID)
	}

	all, err := s.ListSnapshots(ctx, "default", "tool-1", 0)
	if err != nil {
		t.Fatalf("ListSnapshots() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListSnapshots() returned %d rows, want 3", len(all))
	}
	if all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("ListSnapshots() order = %q..%q, want newest first", all[0].ID, all[2].ID)
	}

	limited, _ := s.ListSnapshots(ctx, "default", "tool-1", 2)
	if len(limited) != 2 {
		t.Errorf("ListSnapshots(limit=2) returned %d rows", len(limited))
	}
}
