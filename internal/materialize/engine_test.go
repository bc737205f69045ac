package materialize_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/toolforge/toolforge/engine/internal/budget"
	"github.com/toolforge/toolforge/engine/internal/capability"
	"github.com/toolforge/toolforge/engine/internal/lifecycle"
	"github.com/toolforge/toolforge/engine/internal/materialize"
	"github.com/toolforge/toolforge/engine/internal/ratelimit"
	"github.com/toolforge/toolforge/engine/internal/retry"
	"github.com/toolforge/toolforge/engine/internal/store"
	"github.com/toolforge/toolforge/engine/pkg/contracts"
	"github.com/toolforge/toolforge/engine/pkg/models"
)

// scriptedExecutor returns canned outputs or errors per capability.
type scriptedExecutor struct {
	id      string
	catalog []contracts.OperationDescriptor
	outputs map[string]interface{}
	errs    map[string]error
}

func (s *scriptedExecutor) IntegrationID() string                    { return s.id }
func (s *scriptedExecutor) Catalog() []contracts.OperationDescriptor { return s.catalog }
func (s *scriptedExecutor) ResolveContext(ctx context.Context, token string) (*contracts.AuthContext, error) {
	return &contracts.AuthContext{IntegrationID: s.id, Token: token}, nil
}
func (s *scriptedExecutor) Execute(ctx context.Context, capabilityID string, params map[string]interface{}, auth *contracts.AuthContext) (interface{}, error) {
	if err, ok := s.errs[capabilityID]; ok {
		return nil, err
	}
	out, ok := s.outputs[capabilityID]
	if !ok {
		return nil, fmt.Errorf("unscripted capability %q", capabilityID)
	}
	return out, nil
}

type fixture struct {
	store  *store.MemoryStore
	exec   *scriptedExecutor
	engine *materialize.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s := store.NewMemoryStore()
	exec := &scriptedExecutor{
		id: "github",
		catalog: []contracts.OperationDescriptor{
			{Name: "list_issues", Resource: "issue"},
			{Name: "list_pulls", Resource: "pull_request"},
			{Name: "create_issue", Resource: "issue"},
		},
		outputs: map[string]interface{}{},
		errs:    map[string]error{},
	}

	reg := capability.NewRegistry()
	reg.Register(exec)

	engine := materialize.NewEngine(
		s,
		reg,
		ratelimit.New(ratelimit.Rule{Window: time.Minute, Max: 1000}),
		budget.New(0, 0),
		lifecycle.NewManager(s),
		retry.Policy{MaxRetries: 0, InitialDelay: time.Millisecond, BackoffFactor: 2.0},
	)

	return &fixture{store: s, exec: exec, engine: engine}
}

func (f *fixture) seedTool(t *testing.T, status models.ToolStatus) {
	t.Helper()
	now := time.Now().UTC()
	if err := f.store.CreateTool(context.Background(), &models.Tool{
		ID: "tool-1", OrgID: "default", Name: "board", Status: status, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("CreateTool() error = %v", err)
	}
}

func allAccess() contracts.Subject {
	return contracts.Subject{
		OrgID: "default",
		Grants: []contracts.Grant{
			{IntegrationID: "github", CapabilityID: "*", Access: models.AccessWrite},
		},
	}
}

func boardSpec() *models.ToolSpec {
	return &models.ToolSpec{
		Name: "board",
		Entities: []models.EntitySpec{
			{Name: "Issues", IntegrationID: "github"},
		},
		Actions: []models.ActionSpec{
			{ID: "issues", IntegrationID: "github", CapabilityID: "list_issues", Type: models.ActionRead},
		},
		Views: []models.ViewSpec{
			{ID: "open", Entity: "Issues", StatePath: "issues.open", ActionIDs: []string{"issues"}},
		},
	}
}

func TestRun_MergesOutputsIntoSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seedTool(t, models.ToolExecuting)
	f.exec.outputs["list_issues"] = []interface{}{
		map[string]interface{}{"number": 1},
		map[string]interface{}{"number": 2},
	}

	res, err := f.engine.Run(context.Background(), materialize.RunInput{
		ToolID: "tool-1", OrgID: "default", Spec: boardSpec(), Subject: allAccess(),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.SnapshotMaterialized {
		t.Fatalf("Status = %q, want materialized", res.Status)
	}
	if res.RecordCount != 2 {
		t.Errorf("RecordCount = %d, want 2", res.RecordCount)
	}
	if len(res.ErrorLog) != 0 {
		t.Errorf("ErrorLog = %v, want empty", res.ErrorLog)
	}

	snap, err := f.store.LatestSnapshot(context.Background(), "default", "tool-1")
	if err != nil {
		t.Fatalf("LatestSnapshot() error = %v", err)
	}
	issues, ok := snap.Records.State["issues"].(map[string]interface{})
	if !ok {
		t.Fatalf("state missing 'issues' subtree: %v", snap.Records.State)
	}
	if open, ok := issues["open"].([]interface{}); !ok || len(open) != 2 {
		t.Errorf("issues.open = %v, want 2 records", issues["open"])
	}

	tool, _ := f.store.GetTool(context.Background(), "default", "tool-1")
	if tool.Status != models.ToolMaterialized {
		t.Errorf("tool status = %q after success, want materialized", tool.Status)
	}
}

func TestRun_DrivesLifecycleFromReadyToExecute(t *testing.T) {
	f := newFixture(t)
	f.seedTool(t, models.ToolReadyToExecute)
	f.exec.outputs["list_issues"] = []interface{}{map[string]interface{}{"number": 1}}

	res, err := f.engine.Run(context.Background(), materialize.RunInput{
		ToolID: "tool-1", OrgID: "default", Spec: boardSpec(), Subject: allAccess(),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.SnapshotMaterialized {
		t.Fatalf("Status = %q, want materialized", res.Status)
	}

	// The pass must route through executing: ready_to_execute has no direct
	// edge to materialized.
	tool, _ := f.store.GetTool(context.Background(), "default", "tool-1")
	if tool.Status != models.ToolMaterialized {
		t.Errorf("tool status = %q after successful run, want materialized", tool.Status)
	}
}

func TestRun_DrivesLifecycleOnRetryFromFailed(t *testing.T) {
	f := newFixture(t)
	f.seedTool(t, models.ToolFailed)
	f.exec.outputs["list_issues"] = []interface{}{map[string]interface{}{"number": 7}}

	res, err := f.engine.Run(context.Background(), materialize.RunInput{
		ToolID: "tool-1", OrgID: "default", Spec: boardSpec(), Subject: allAccess(),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.SnapshotMaterialized {
		t.Fatalf("Status = %q, want materialized", res.Status)
	}

	tool, _ := f.store.GetTool(context.Background(), "default", "tool-1")
	if tool.Status != models.ToolMaterialized {
		t.Errorf("tool status = %q after retry run, want materialized", tool.Status)
	}
}

func TestRun_AllActionsFailedIsFailed(t *testing.T) {
	f := newFixture(t)
	f.seedTool(t, models.ToolExecuting)
	f.exec.errs["list_issues"] = &contracts.ProviderError{
		IntegrationID: "github", CapabilityID: "list_issues", Status: 401, Message: "bad credentials",
	}

	res, err := f.engine.Run(context.Background(), materialize.RunInput{
		ToolID: "tool-1", OrgID: "default", Spec: boardSpec(), Subject: allAccess(),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.SnapshotFailed {
		t.Fatalf("Status = %q, want failed", res.Status)
	}
	if res.RecordCount != 0 {
		t.Errorf("RecordCount = %d for a failed pass, want 0", res.RecordCount)
	}
	if len(res.ErrorLog) != 1 || res.ErrorLog[0].ActionID != "issues" {
		t.Errorf("ErrorLog = %v, want one entry for 'issues'", res.ErrorLog)
	}

	tool, _ := f.store.GetTool(context.Background(), "default", "tool-1")
	if tool.Status != models.ToolFailed {
		t.Errorf("tool status = %q after failure, want failed", tool.Status)
	}
}

func TestRun_EmptySuccessfulListIsMaterialized(t *testing.T) {
	f := newFixture(t)
	f.seedTool(t, models.ToolExecuting)
	f.exec.outputs["list_issues"] = []interface{}{}

	res, err := f.engine.Run(context.Background(), materialize.RunInput{
		ToolID: "tool-1", OrgID: "default", Spec: boardSpec(), Subject: allAccess(),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// Zero records is a valid result, not a failure.
	if res.Status != models.SnapshotMaterialized {
		t.Errorf("Status = %q, want materialized", res.Status)
	}
	if res.RecordCount != 0 {
		t.Errorf("RecordCount = %d, want 0", res.RecordCount)
	}
}

func TestRun_PartialFailureKeepsSucceededOutputs(t *testing.T) {
	f := newFixture(t)
	f.seedTool(t, models.ToolExecuting)

	spec := boardSpec()
	spec.Actions = append(spec.Actions, models.ActionSpec{
		ID: "pulls", IntegrationID: "github", CapabilityID: "list_pulls", Type: models.ActionRead,
	})
	spec.Views = append(spec.Views, models.ViewSpec{
		ID: "pulls-view", Entity: "Issues", StatePath: "pulls", ActionIDs: []string{"pulls"},
	})

	f.exec.outputs["list_issues"] = []interface{}{map[string]interface{}{"number": 1}}
	f.exec.errs["list_pulls"] = &contracts.ProviderError{
		IntegrationID: "github", CapabilityID: "list_pulls", Status: 500, Message: "boom",
	}

	res, err := f.engine.Run(context.Background(), materialize.RunInput{
		ToolID: "tool-1", OrgID: "default", Spec: spec, Subject: allAccess(),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// One failure among successes is still a materialized pass.
	if res.Status != models.SnapshotMaterialized {
		t.Errorf("Status = %q, want materialized", res.Status)
	}
	if len(res.ErrorLog) != 1 || res.ErrorLog[0].ActionID != "pulls" {
		t.Errorf("ErrorLog = %v, want one entry for 'pulls'", res.ErrorLog)
	}

	snap, _ := f.store.LatestSnapshot(context.Background(), "default", "tool-1")
	if _, ok := snap.Records.Actions["issues"]; !ok {
		t.Error("succeeded action output missing from snapshot")
	}
	if _, ok := snap.Records.Actions["pulls"]; ok {
		t.Error("failed action produced an output record")
	}
}

func TestRun_PreservesPreviousPathsOnFailure(t *testing.T) {
	f := newFixture(t)
	f.seedTool(t, models.ToolExecuting)

	// First pass succeeds and writes issues.open.
	f.exec.outputs["list_issues"] = []interface{}{map[string]interface{}{"number": 1}}
	if _, err := f.engine.Run(context.Background(), materialize.RunInput{
		ToolID: "tool-1", OrgID: "default", Spec: boardSpec(), Subject: allAccess(),
	}); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	// Re-execution is a legal transition from materialized.
	// Second pass fails; previously written paths must survive.
	delete(f.exec.outputs, "list_issues")
	f.exec.errs["list_issues"] = &contracts.ProviderError{
		IntegrationID: "github", CapabilityID: "list_issues", Status: 500, Message: "outage",
	}
	res, err := f.engine.Run(context.Background(), materialize.RunInput{
		ToolID: "tool-1", OrgID: "default", Spec: boardSpec(), Subject: allAccess(),
	})
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if res.Status != models.SnapshotFailed {
		t.Fatalf("second pass Status = %q, want failed", res.Status)
	}

	snap, _ := f.store.LatestSnapshot(context.Background(), "default", "tool-1")
	issues, ok := snap.Records.State["issues"].(map[string]interface{})
	if !ok {
		t.Fatalf("previous state subtree dropped: %v", snap.Records.State)
	}
	if open, ok := issues["open"].([]interface{}); !ok || len(open) != 1 {
		t.Errorf("issues.open = %v after failed pass, want previous value", issues["open"])
	}

	// History has both rows.
	all, _ := f.store.ListSnapshots(context.Background(), "default", "tool-1", 0)
	if len(all) != 2 {
		t.Errorf("snapshot history length = %d, want 2", len(all))
	}
}

func TestRun_ConditionSkipsAction(t *testing.T) {
	f := newFixture(t)
	f.seedTool(t, models.ToolExecuting)

	spec := boardSpec()
	spec.Actions = append(spec.Actions, models.ActionSpec{
		ID: "escalate", IntegrationID: "github", CapabilityID: "create_issue",
		Type: models.ActionWrite, WritesToState: false,
		// No previous snapshot: state is empty, condition is false.
		Condition: `len(state) > 0`,
	})
	f.exec.outputs["list_issues"] = []interface{}{map[string]interface{}{"number": 1}}

	res, err := f.engine.Run(context.Background(), materialize.RunInput{
		ToolID: "tool-1", OrgID: "default", Spec: spec, Subject: allAccess(),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// The skipped action must not count as a failure.
	if res.Status != models.SnapshotMaterialized {
		t.Errorf("Status = %q, want materialized", res.Status)
	}
	if len(res.ErrorLog) != 0 {
		t.Errorf("ErrorLog = %v, want empty", res.ErrorLog)
	}

	snap, _ := f.store.LatestSnapshot(context.Background(), "default", "tool-1")
	if _, ok := snap.Records.Actions["escalate"]; ok {
		t.Error("skipped action left an output record")
	}
}

func TestRun_PermissionDeniedRecordedPerAction(t *testing.T) {
	f := newFixture(t)
	f.seedTool(t, models.ToolExecuting)
	f.exec.outputs["list_issues"] = []interface{}{}

	readOnly := contracts.Subject{
		OrgID: "default",
		Grants: []contracts.Grant{
			{IntegrationID: "github", CapabilityID: "*", Access: models.AccessRead},
		},
	}

	spec := boardSpec()
	spec.Actions = append(spec.Actions, models.ActionSpec{
		ID: "escalate", IntegrationID: "github", CapabilityID: "create_issue", Type: models.ActionWrite,
	})
	spec.Views = append(spec.Views, models.ViewSpec{
		ID: "esc", Entity: "Issues", StatePath: "escalations", ActionIDs: []string{"escalate"},
	})

	res, err := f.engine.Run(context.Background(), materialize.RunInput{
		ToolID: "tool-1", OrgID: "default", Spec: spec, Subject: readOnly,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.SnapshotMaterialized {
		t.Errorf("Status = %q, want materialized (read action succeeded)", res.Status)
	}
	if len(res.ErrorLog) != 1 || res.ErrorLog[0].ActionID != "escalate" {
		t.Fatalf("ErrorLog = %v, want one permission failure for 'escalate'", res.ErrorLog)
	}
}

func TestRun_BudgetExhaustionFailsActions(t *testing.T) {
	s := store.NewMemoryStore()
	exec := &scriptedExecutor{
		id:      "github",
		catalog: []contracts.OperationDescriptor{{Name: "list_issues", Resource: "issue"}},
		outputs: map[string]interface{}{"list_issues": []interface{}{}},
	}
	reg := capability.NewRegistry()
	reg.Register(exec)

	// A zero per-run budget disables the check; use a guard whose monthly
	// quota is already exhausted instead.
	exhausted := budget.New(1, 10)
	if err := exhausted.NewRun("default").Charge(1); err != nil {
		t.Fatalf("seed Charge() error = %v", err)
	}
	engine := materialize.NewEngine(
		s, reg,
		ratelimit.New(ratelimit.Rule{Window: time.Minute, Max: 1000}),
		exhausted,
		lifecycle.NewManager(s),
		retry.Policy{MaxRetries: 0, InitialDelay: time.Millisecond, BackoffFactor: 2.0},
	)

	now := time.Now().UTC()
	s.CreateTool(context.Background(), &models.Tool{
		ID: "tool-1", OrgID: "default", Name: "board", Status: models.ToolExecuting, CreatedAt: now, UpdatedAt: now,
	})

	res, err := engine.Run(context.Background(), materialize.RunInput{
		ToolID: "tool-1", OrgID: "default", Spec: boardSpec(), Subject: allAccess(),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != models.SnapshotFailed {
		t.Errorf("Status = %q with exhausted budget, want failed", res.Status)
	}
	if len(res.ErrorLog) != 1 {
		t.Fatalf("ErrorLog = %v, want one budget failure", res.ErrorLog)
	}
}
