package models

import (
	"strings"
	"time"
)

// ── Tool Lifecycle ───────────────────────────────────────────

// ToolStatus is the authoritative lifecycle state of a tool.
// Transitions between states are guarded; see internal/lifecycle.
type ToolStatus string

const (
	ToolCreated        ToolStatus = "created"
	ToolPlanned        ToolStatus = "planned"
	ToolReadyToExecute ToolStatus = "ready_to_execute"
	ToolExecuting      ToolStatus = "executing"
	ToolMaterialized   ToolStatus = "materialized"
	ToolFailed         ToolStatus = "failed"
)

// Tool is a compiled internal tool owned by an organization.
// The Spec is produced by the upstream compiler stage and treated as
// opaque input here, validated only for structural invariants.
type Tool struct {
	ID        string     `json:"id" db:"id"`
	OrgID     string     `json:"org_id" db:"org_id"`
	Name      string     `json:"name" db:"name"`
	Status    ToolStatus `json:"status" db:"status"`
	Spec      *ToolSpec  `json:"spec,omitempty"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// ── Tool Spec ────────────────────────────────────────────────

// ActionType classifies what an action does to the outside world.
type ActionType string

const (
	ActionRead   ActionType = "read"
	ActionWrite  ActionType = "write"
	ActionMutate ActionType = "mutate"
	ActionNotify ActionType = "notify"
)

// ToolSpec is the declarative description of a tool: which entities it
// surfaces, which capability-backed actions it runs, and which views bind
// entities to actions.
type ToolSpec struct {
	Name     string       `json:"name" validate:"required"`
	Entities []EntitySpec `json:"entities" validate:"dive"`
	Actions  []ActionSpec `json:"actions" validate:"required,min=1,dive"`
	Views    []ViewSpec   `json:"views" validate:"dive"`
}

// EntitySpec declares a data entity sourced from one integration.
type EntitySpec struct {
	Name          string   `json:"name" validate:"required"`
	IntegrationID string   `json:"integration_id" validate:"required"`
	Fields        []string `json:"fields,omitempty"`
}

// ActionSpec binds an action to a registered capability.
type ActionSpec struct {
	ID            string     `json:"id" validate:"required"`
	IntegrationID string     `json:"integration_id" validate:"required"`
	CapabilityID  string     `json:"capability_id" validate:"required"`
	Type          ActionType `json:"type" validate:"required,oneof=read write mutate notify"`
	WritesToState bool       `json:"writes_to_state"`

	// RequiresApproval marks actions that must not run without an explicit
	// human approval upstream of plan submission.
	RequiresApproval bool `json:"requires_approval,omitempty"`

	// Params are merged into every invocation of this action.
	Params map[string]interface{} `json:"params,omitempty"`

	// Condition is an optional expr-lang expression evaluated against the
	// previous snapshot state. When it evaluates to false the action is
	// skipped for that run.
	Condition string `json:"condition,omitempty"`
}

// ViewSpec binds a state path to an entity and the actions that feed it.
type ViewSpec struct {
	ID        string   `json:"id" validate:"required"`
	Entity    string   `json:"entity" validate:"required"`
	StatePath string   `json:"state_path" validate:"required"`
	ActionIDs []string `json:"action_ids,omitempty"`
}

// ActionByID returns the action with the given id, or nil.
func (s *ToolSpec) ActionByID(id string) *ActionSpec {
	for i := range s.Actions {
		if s.Actions[i].ID == id {
			return &s.Actions[i]
		}
	}
	return nil
}

// EntityByName returns the entity with the given name, or nil.
func (s *ToolSpec) EntityByName(name string) *EntitySpec {
	for i := range s.Entities {
		if strings.EqualFold(s.Entities[i].Name, name) {
			return &s.Entities[i]
		}
	}
	return nil
}

// ── Capability ───────────────────────────────────────────────

// OperationKind is the heuristic classification of a provider operation.
type OperationKind string

const (
	OpList   OperationKind = "list"
	OpGet    OperationKind = "get"
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
	OpSearch OperationKind = "search"
	OpOther  OperationKind = "other"
)

// AccessMode is the permission class a capability requires.
type AccessMode string

const (
	AccessRead  AccessMode = "read"
	AccessWrite AccessMode = "write"
)

// AllowedOperation enumerates what callers may do with a capability's data.
type AllowedOperation string

const (
	AllowRead      AllowedOperation = "read"
	AllowWrite     AllowedOperation = "write"
	AllowAggregate AllowedOperation = "aggregate"
	AllowFilter    AllowedOperation = "filter"
	AllowGroup     AllowedOperation = "group"
)

// Capability is a named, permission-gated operation an integration exposes.
// Immutable once synthesized for a given integration version.
type Capability struct {
	ID                string             `json:"id"`
	IntegrationID     string             `json:"integration_id"`
	Resource          string             `json:"resource"`
	Kind              OperationKind      `json:"kind"`
	AllowedOperations []AllowedOperation `json:"allowed_operations"`
	SupportedFields   []string           `json:"supported_fields,omitempty"`
	RequiredFilters   []string           `json:"required_filters,omitempty"`
}

// AccessModeFor maps an operation kind to the access mode its permission
// check requires. list/get/search are reads; everything else is a write.
func AccessModeFor(kind OperationKind) AccessMode {
	switch kind {
	case OpList, OpGet, OpSearch:
		return AccessRead
	default:
		return AccessWrite
	}
}

// ── Execution Record ─────────────────────────────────────────

// ExecutionStatus tracks an execution request from creation to completion.
type ExecutionStatus string

const (
	ExecutionCreated   ExecutionStatus = "created"
	ExecutionCompiling ExecutionStatus = "compiling"
	ExecutionCompiled  ExecutionStatus = "compiled"
	ExecutionExecuting ExecutionStatus = "executing"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further work will happen on this record.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// ExecutionRecord is the durable row that deduplicates and serializes work
// for one (tool, normalized prompt) pair. PromptHash is the idempotency key.
// A record holding a non-empty LockToken is owned by exactly one worker;
// acquisition is a single conditional update in the store.
type ExecutionRecord struct {
	ID               string          `json:"id" db:"id"`
	OrgID            string          `json:"org_id" db:"org_id"`
	ToolID           string          `json:"tool_id" db:"tool_id"`
	PromptHash       string          `json:"prompt_hash" db:"prompt_hash"`
	NormalizedPrompt string          `json:"normalized_prompt" db:"normalized_prompt"`
	Status           ExecutionStatus `json:"status" db:"status"`

	LockToken      string     `json:"lock_token,omitempty" db:"lock_token"`
	LockAcquiredAt *time.Time `json:"lock_acquired_at,omitempty" db:"lock_acquired_at"`

	// LockExpiresAt bounds lock ownership so a crashed worker cannot wedge
	// the record forever. Expired locks are reclaimable via CAS.
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty" db:"lock_expires_at"`

	RequiredIntegrations []string `json:"required_integrations,omitempty"`
	MissingIntegrations  []string `json:"missing_integrations,omitempty"`
	Error                string   `json:"error,omitempty" db:"error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ── Snapshot ─────────────────────────────────────────────────

// SnapshotStatus is the outcome of one materialization pass.
type SnapshotStatus string

const (
	SnapshotMaterialized SnapshotStatus = "materialized"
	SnapshotFailed       SnapshotStatus = "failed"
)

// SnapshotRecords holds the merged outputs of a materialization pass.
// State is nested by dot-separated paths; Actions and Integrations index
// the same outputs by action id and integration id (last write wins).
type SnapshotRecords struct {
	State        map[string]interface{} `json:"state"`
	Actions      map[string]interface{} `json:"actions"`
	Integrations map[string]interface{} `json:"integrations"`
}

// ActionError records one action's failure inside an otherwise tolerant
// materialization pass.
type ActionError struct {
	ActionID      string `json:"action_id"`
	IntegrationID string `json:"integration_id"`
	Message       string `json:"message"`
}

// Snapshot is an immutable, timestamped record of merged action outputs.
// Snapshots are append-only; "latest" is the most recent by MaterializedAt.
type Snapshot struct {
	ID             string          `json:"id" db:"id"`
	ToolID         string          `json:"tool_id" db:"tool_id"`
	OrgID          string          `json:"org_id" db:"org_id"`
	Schema         *ToolSpec       `json:"schema,omitempty"`
	Records        SnapshotRecords `json:"records"`
	RecordCount    int             `json:"record_count" db:"record_count"`
	Status         SnapshotStatus  `json:"status" db:"status"`
	ErrorLog       []ActionError   `json:"error_log,omitempty"`
	MaterializedAt time.Time       `json:"materialized_at" db:"materialized_at"`
}

// ── Action Outputs ───────────────────────────────────────────

// ActionOutput is the result of executing one action of a plan. Either
// Output is set (success) or Error is non-empty (failure). Skipped actions
// carry neither and are recorded for observability only.
type ActionOutput struct {
	ActionID      string      `json:"action_id"`
	IntegrationID string      `json:"integration_id"`
	Output        interface{} `json:"output,omitempty"`
	Error         string      `json:"error,omitempty"`
	Skipped       bool        `json:"skipped,omitempty"`
	LatencyMs     int64       `json:"latency_ms,omitempty"`
}

// Failed reports whether this output represents a failure.
func (o ActionOutput) Failed() bool { return o.Error != "" }
