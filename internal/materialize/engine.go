// Package materialize executes a tool spec's action plan and folds the
// results into a durable, versioned state snapshot.
//
// A materialization pass is partial-failure tolerant: per-action errors are
// recorded in the snapshot's error log without aborting sibling actions,
// and paths written by earlier snapshots are never removed when a later run
// supplies no output for them. Snapshots are append-only; history is the
// sequence of rows and "latest" is the newest by materialized_at.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/toolforge/toolforge/engine/internal/budget"
	"github.com/toolforge/toolforge/engine/internal/capability"
	"github.com/toolforge/toolforge/engine/internal/lifecycle"
	"github.com/toolforge/toolforge/engine/internal/metrics"
	"github.com/toolforge/toolforge/engine/internal/ratelimit"
	"github.com/toolforge/toolforge/engine/internal/retry"
	"github.com/toolforge/toolforge/engine/internal/store"
	"github.com/toolforge/toolforge/engine/pkg/contracts"
	"github.com/toolforge/toolforge/engine/pkg/models"
)

var tracer = otel.Tracer("toolforge/materialize")

// Engine runs action plans and persists merged snapshots.
type Engine struct {
	store     store.Store
	registry  *capability.Registry
	limiter   *ratelimit.Limiter
	budget    *budget.Guard
	lifecycle *lifecycle.Manager
	policy    retry.Policy
}

// NewEngine creates a materialization engine.
func NewEngine(s store.Store, reg *capability.Registry, lim *ratelimit.Limiter, bud *budget.Guard, lc *lifecycle.Manager, policy retry.Policy) *Engine {
	return &Engine{
		store:     s,
		registry:  reg,
		limiter:   lim,
		budget:    bud,
		lifecycle: lc,
		policy:    policy,
	}
}

// ── Plan execution ──────────────────────────────────────────

// RunInput describes one full plan run: execute every action of the spec,
// then merge.
type RunInput struct {
	ToolID  string
	OrgID   string
	Spec    *models.ToolSpec
	Subject contracts.Subject

	// Tokens maps integration id → stored credential, resolved to an auth
	// context per integration before any call.
	Tokens map[string]string
}

// Run executes every action of the spec concurrently and materializes the
// merged result. Outputs are collected in completion order; the spec
// validator guarantees state paths are disjoint per action, so completion
// order cannot change the merged state.
func (e *Engine) Run(ctx context.Context, in RunInput) (*Result, error) {
	ctx, span := tracer.Start(ctx, "materialize.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool_id", in.ToolID),
		attribute.Int("actions", len(in.Spec.Actions)),
	)

	if err := e.beginExecution(ctx, in.OrgID, in.ToolID); err != nil {
		return nil, err
	}

	previous := e.previousSnapshot(ctx, in.OrgID, in.ToolID)
	var prevState map[string]interface{}
	if previous != nil {
		prevState = previous.Records.State
	}

	run := e.budget.NewRun(in.OrgID)

	outCh := make(chan models.ActionOutput, len(in.Spec.Actions))
	var wg sync.WaitGroup
	for i := range in.Spec.Actions {
		action := in.Spec.Actions[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			outCh <- e.runAction(ctx, in, &action, prevState, run)
		}()
	}
	wg.Wait()
	close(outCh)

	// Completion order, not submission order.
	outputs := make([]models.ActionOutput, 0, len(in.Spec.Actions))
	for out := range outCh {
		outputs = append(outputs, out)
	}

	return e.Materialize(ctx, Input{
		ToolID:   in.ToolID,
		OrgID:    in.OrgID,
		Spec:     in.Spec,
		Outputs:  outputs,
		Previous: previous,
	})
}

// beginExecution drives the tool to executing before any action runs, so
// the end-of-pass transition to materialized/failed always leaves from the
// executing state. A tool already in executing (another pass of the same
// process, or a re-entrant call) is left alone.
func (e *Engine) beginExecution(ctx context.Context, orgID, toolID string) error {
	_, err := e.lifecycle.Transition(ctx, orgID, toolID, models.ToolExecuting)
	if err == nil {
		return nil
	}
	var illegal *contracts.IllegalTransitionError
	if errors.As(err, &illegal) && illegal.From == models.ToolExecuting {
		return nil
	}
	return err
}

// runAction executes one action through condition check, permission check,
// budget, rate limiter, and retry. Failures never abort siblings.
func (e *Engine) runAction(ctx context.Context, in RunInput, action *models.ActionSpec, prevState map[string]interface{}, run *budget.Run) models.ActionOutput {
	out := models.ActionOutput{ActionID: action.ID, IntegrationID: action.IntegrationID}

	if action.Condition != "" {
		ok, err := evalCondition(action.Condition, prevState)
		if err != nil {
			out.Error = fmt.Sprintf("condition: %v", err)
			return out
		}
		if !ok {
			out.Skipped = true
			return out
		}
	}

	if err := e.registry.CheckPermission(action.IntegrationID, action.CapabilityID, in.Subject); err != nil {
		out.Error = err.Error()
		return out
	}

	if err := run.Charge(1); err != nil {
		out.Error = err.Error()
		return out
	}

	auth, err := e.registry.ResolveContext(ctx, action.IntegrationID, in.Tokens[action.IntegrationID])
	if err != nil {
		out.Error = fmt.Sprintf("resolve auth context: %v", err)
		return out
	}

	start := time.Now()
	result, err := retry.Do(ctx, e.policy, func() (interface{}, error) {
		if d := e.limiter.Check(action.IntegrationID); !d.OK {
			return nil, &contracts.RateLimitedError{
				IntegrationID: action.IntegrationID,
				RetryAfter:    d.RetryAfter,
			}
		}
		return e.registry.Execute(ctx, action.IntegrationID, action.CapabilityID, action.Params, auth)
	})
	out.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		metrics.CapabilityCalls.WithLabelValues(action.IntegrationID, "error").Inc()
		out.Error = err.Error()
		return out
	}

	metrics.CapabilityCalls.WithLabelValues(action.IntegrationID, "ok").Inc()
	metrics.CapabilityLatency.WithLabelValues(action.IntegrationID).Observe(time.Since(start).Seconds())
	out.Output = result
	return out
}

func evalCondition(cond string, prevState map[string]interface{}) (bool, error) {
	if prevState == nil {
		prevState = make(map[string]interface{})
	}
	env := map[string]interface{}{"state": prevState}
	prog, err := expr.Compile(cond, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, err
	}
	v, err := expr.Run(prog, env)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not evaluate to bool")
	}
	return b, nil
}

func (e *Engine) previousSnapshot(ctx context.Context, orgID, toolID string) *models.Snapshot {
	prev, err := e.store.LatestSnapshot(ctx, orgID, toolID)
	if err != nil {
		return nil
	}
	return prev
}

// ── Merge & persist ─────────────────────────────────────────

// Input is one materialization pass over already-collected outputs.
type Input struct {
	ToolID   string
	OrgID    string
	Spec     *models.ToolSpec
	Outputs  []models.ActionOutput
	Previous *models.Snapshot
}

// Result reports the outcome of a materialization pass.
type Result struct {
	SnapshotID  string                `json:"snapshot_id"`
	Status      models.SnapshotStatus `json:"status"`
	RecordCount int                   `json:"record_count"`
	ErrorLog    []models.ActionError  `json:"error_log,omitempty"`
}

// Materialize merges outputs into the next snapshot and drives the tool's
// lifecycle.
//
// Status rule: a non-empty plan where every output failed is FAILED;
// anything else — including zero records from an empty successful list —
// is MATERIALIZED.
func (e *Engine) Materialize(ctx context.Context, in Input) (*Result, error) {
	ctx, span := tracer.Start(ctx, "materialize.merge")
	defer span.End()

	records := models.SnapshotRecords{
		State:        make(map[string]interface{}),
		Actions:      make(map[string]interface{}),
		Integrations: make(map[string]interface{}),
	}
	if in.Previous != nil {
		records.State = deepCopyState(in.Previous.Records.State)
		for k, v := range in.Previous.Records.Actions {
			records.Actions[k] = v
		}
		for k, v := range in.Previous.Records.Integrations {
			records.Integrations[k] = v
		}
	}

	var errorLog []models.ActionError
	var executed, failed int
	for _, out := range in.Outputs {
		if out.Skipped {
			continue
		}
		executed++
		if out.Failed() {
			failed++
			errorLog = append(errorLog, models.ActionError{
				ActionID:      out.ActionID,
				IntegrationID: out.IntegrationID,
				Message:       out.Error,
			})
			continue
		}

		action := in.Spec.ActionByID(out.ActionID)
		if action == nil {
			// Output for an action the spec does not declare.
			failed++
			errorLog = append(errorLog, models.ActionError{
				ActionID:      out.ActionID,
				IntegrationID: out.IntegrationID,
				Message:       "action not declared in spec",
			})
			continue
		}

		for _, path := range statePathsFor(in.Spec, action) {
			setPath(records.State, path, out.Output)
		}
		records.Actions[out.ActionID] = out.Output
		records.Integrations[out.IntegrationID] = out.Output
	}

	status := models.SnapshotMaterialized
	if executed > 0 && failed == executed {
		status = models.SnapshotFailed
	}

	recordCount := 0
	if status == models.SnapshotMaterialized {
		recordCount = countRecords(records.Actions)
	}

	snap := &models.Snapshot{
		ID:             uuid.New().String(),
		ToolID:         in.ToolID,
		OrgID:          in.OrgID,
		Schema:         in.Spec,
		Records:        records,
		RecordCount:    recordCount,
		Status:         status,
		ErrorLog:       errorLog,
		MaterializedAt: time.Now().UTC(),
	}
	if err := e.store.AppendSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	metrics.Materializations.WithLabelValues(string(status)).Inc()
	log.Info().
		Str("tool_id", in.ToolID).
		Str("snapshot_id", snap.ID).
		Str("status", string(status)).
		Int("record_count", recordCount).
		Int("errors", len(errorLog)).
		Msg("Materialization pass complete")

	e.driveLifecycle(ctx, in.OrgID, in.ToolID, status)

	return &Result{
		SnapshotID:  snap.ID,
		Status:      status,
		RecordCount: recordCount,
		ErrorLog:    errorLog,
	}, nil
}

// driveLifecycle moves the tool to its post-materialization state. A lost
// race is logged, not raised: the snapshot row is already durable and the
// winning process decided the tool's state.
func (e *Engine) driveLifecycle(ctx context.Context, orgID, toolID string, status models.SnapshotStatus) {
	target := models.ToolMaterialized
	if status == models.SnapshotFailed {
		target = models.ToolFailed
	}
	if _, err := e.lifecycle.Transition(ctx, orgID, toolID, target); err != nil {
		log.Warn().Err(err).
			Str("tool_id", toolID).
			Str("target", string(target)).
			Msg("Post-materialization lifecycle transition rejected")
	}
}
