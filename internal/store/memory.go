// In-memory Store implementation, used for tests and zero-config local
// runs. All conditional writes happen under one mutex, which gives the
// same atomicity the PostgreSQL implementation gets from single-statement
// conditional updates.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/toolforge/toolforge/engine/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu         sync.RWMutex
	tools      map[string]*models.Tool            // key: org:id
	executions map[string]*models.ExecutionRecord // key: id
	byHash     map[string][]string                // key: tool:hash → execution ids, oldest first
	snapshots  map[string][]*models.Snapshot      // key: org:tool → append-only history

	// now is swappable so tests can control lock expiry.
	now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tools:      make(map[string]*models.Tool),
		executions: make(map[string]*models.ExecutionRecord),
		byHash:     make(map[string][]string),
		snapshots:  make(map[string][]*models.Snapshot),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's clock. Test hook.
func (m *MemoryStore) SetClock(now func() time.Time) { m.now = now }

func toolKey(orgID, id string) string { return orgID + ":" + id }
func hashKey(toolID, hash string) string { return toolID + ":" + hash }

// ── Tool Store ──────────────────────────────────────────────

func (m *MemoryStore) ListTools(ctx context.Context, orgID string) ([]models.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Tool
	for _, t := range m.tools {
		if t.OrgID == orgID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetTool(ctx context.Context, orgID, id string) (*models.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tools[toolKey(orgID, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "tool", Key: id}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateTool(ctx context.Context, tool *models.Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *tool
	m.tools[toolKey(tool.OrgID, tool.ID)] = &cp
	return nil
}

func (m *MemoryStore) UpdateToolSpec(ctx context.Context, orgID, id string, spec *models.ToolSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tools[toolKey(orgID, id)]
	if !ok {
		return &ErrNotFound{Entity: "tool", Key: id}
	}
	t.Spec = spec
	t.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) TransitionTool(ctx context.Context, orgID, id string, from, to models.ToolStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tools[toolKey(orgID, id)]
	if !ok {
		return false, &ErrNotFound{Entity: "tool", Key: id}
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	t.UpdatedAt = m.now()
	return true, nil
}

// ── Execution Store ─────────────────────────────────────────

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.executions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "execution", Key: id}
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) FindExecutionByHash(ctx context.Context, toolID, promptHash string) (*models.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byHash[hashKey(toolID, promptHash)]
	// Newest first; failed records do not satisfy dedup.
	for i := len(ids) - 1; i >= 0; i-- {
		if rec, ok := m.executions[ids[i]]; ok && rec.Status != models.ExecutionFailed {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "execution", Key: promptHash}
}

func (m *MemoryStore) CreateExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := hashKey(rec.ToolID, rec.PromptHash)
	// Mirror the partial unique index: one live record per (tool, hash).
	for _, id := range m.byHash[k] {
		if prev, ok := m.executions[id]; ok && prev.Status != models.ExecutionFailed {
			return &ErrConflict{Entity: "execution", Key: rec.PromptHash}
		}
	}
	cp := *rec
	m.executions[rec.ID] = &cp
	m.byHash[k] = append(m.byHash[k], rec.ID)
	return nil
}

func (m *MemoryStore) AcquireExecutionLock(ctx context.Context, id, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.executions[id]
	if !ok {
		return false, &ErrNotFound{Entity: "execution", Key: id}
	}
	if rec.Status != models.ExecutionCreated || rec.LockToken != "" {
		return false, nil
	}
	now := m.now()
	exp := now.Add(ttl)
	rec.LockToken = token
	rec.LockAcquiredAt = &now
	rec.LockExpiresAt = &exp
	rec.Status = models.ExecutionCompiling
	rec.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) ReclaimExecutionLock(ctx context.Context, id, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.executions[id]
	if !ok {
		return false, &ErrNotFound{Entity: "execution", Key: id}
	}
	now := m.now()
	if rec.LockToken == "" || rec.LockExpiresAt == nil || rec.LockExpiresAt.After(now) {
		return false, nil
	}
	if rec.Status.IsTerminal() {
		return false, nil
	}
	exp := now.Add(ttl)
	rec.LockToken = token
	rec.LockAcquiredAt = &now
	rec.LockExpiresAt = &exp
	rec.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) UpdateExecutionStatus(ctx context.Context, id string, from, to models.ExecutionStatus, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.executions[id]
	if !ok {
		return false, &ErrNotFound{Entity: "execution", Key: id}
	}
	if rec.Status != from {
		return false, nil
	}
	rec.Status = to
	if errMsg != "" {
		rec.Error = errMsg
	}
	rec.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) ReleaseExecutionLock(ctx context.Context, id, token string, final models.ExecutionStatus, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.executions[id]
	if !ok {
		return false, &ErrNotFound{Entity: "execution", Key: id}
	}
	if rec.LockToken != token {
		return false, nil
	}
	rec.LockToken = ""
	rec.LockAcquiredAt = nil
	rec.LockExpiresAt = nil
	rec.Status = final
	if errMsg != "" {
		rec.Error = errMsg
	}
	rec.UpdatedAt = m.now()
	return true, nil
}

// ── Snapshot Store ──────────────────────────────────────────

func (m *MemoryStore) AppendSnapshot(ctx context.Context, snap *models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *snap
	k := toolKey(snap.OrgID, snap.ToolID)
	m.snapshots[k] = append(m.snapshots[k], &cp)
	return nil
}

func (m *MemoryStore) LatestSnapshot(ctx context.Context, orgID, toolID string) (*models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hist := m.snapshots[toolKey(orgID, toolID)]
	if len(hist) == 0 {
		return nil, &ErrNotFound{Entity: "snapshot", Key: toolID}
	}
	latest := hist[0]
	for _, s := range hist[1:] {
		if s.MaterializedAt.After(latest.MaterializedAt) {
			latest = s
		}
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) ListSnapshots(ctx context.Context, orgID, toolID string, limit int) ([]models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hist := m.snapshots[toolKey(orgID, toolID)]
	out := make([]models.Snapshot, 0, len(hist))
	for _, s := range hist {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MaterializedAt.After(out[j].MaterializedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Lifecycle plumbing ──────────────────────────────────────

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }
