// Package lifecycle is the authoritative state machine for a tool's
// build/run status.
//
// Every transition is a single conditional update (`SET status = to WHERE
// id = id AND status = from`). When the predicate fails another process
// already moved the tool; callers must re-read and decide, never blindly
// retry the same transition.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/toolforge/toolforge/engine/internal/store"
	"github.com/toolforge/toolforge/engine/pkg/contracts"
	"github.com/toolforge/toolforge/engine/pkg/models"
)

// transitions is the complete legal-edge table. No other edge exists.
var transitions = map[models.ToolStatus][]models.ToolStatus{
	models.ToolCreated:        {models.ToolPlanned, models.ToolExecuting, models.ToolMaterialized, models.ToolFailed},
	models.ToolPlanned:        {models.ToolReadyToExecute, models.ToolExecuting, models.ToolFailed},
	models.ToolReadyToExecute: {models.ToolExecuting, models.ToolFailed},
	models.ToolExecuting:      {models.ToolMaterialized, models.ToolFailed},
	models.ToolMaterialized:   {models.ToolExecuting, models.ToolFailed}, // re-execution allowed
	models.ToolFailed:         {models.ToolCreated, models.ToolExecuting}, // retry allowed
}

// AssertLegalTransition returns an IllegalTransitionError for every
// (from, to) pair not in the table.
func AssertLegalTransition(from, to models.ToolStatus) error {
	for _, legal := range transitions[from] {
		if legal == to {
			return nil
		}
	}
	return &contracts.IllegalTransitionError{From: from, To: to}
}

// IsTerminalState reports whether no further work is required from the
// given state.
func IsTerminalState(s models.ToolStatus) bool {
	return s == models.ToolMaterialized || s == models.ToolFailed
}

// IsExecutable reports whether an execution pass may start from the state.
func IsExecutable(s models.ToolStatus) bool {
	switch s {
	case models.ToolReadyToExecute, models.ToolExecuting, models.ToolMaterialized:
		return true
	default:
		return false
	}
}

// Manager drives guarded transitions against the durable store.
type Manager struct {
	store store.Store
}

// NewManager creates a lifecycle manager.
func NewManager(s store.Store) *Manager {
	return &Manager{store: s}
}

// Transition moves a tool to the target state. The current state is read,
// the edge is checked against the table, and the store performs the CAS;
// losing the race raises an IllegalTransitionError with Raced set.
func (m *Manager) Transition(ctx context.Context, orgID, toolID string, to models.ToolStatus) (models.ToolStatus, error) {
	tool, err := m.store.GetTool(ctx, orgID, toolID)
	if err != nil {
		return "", fmt.Errorf("load tool: %w", err)
	}

	if err := AssertLegalTransition(tool.Status, to); err != nil {
		return "", err
	}

	ok, err := m.store.TransitionTool(ctx, orgID, toolID, tool.Status, to)
	if err != nil {
		return "", fmt.Errorf("transition tool: %w", err)
	}
	if !ok {
		return "", &contracts.IllegalTransitionError{ToolID: toolID, From: tool.Status, To: to, Raced: true}
	}

	log.Info().
		Str("tool_id", toolID).
		Str("from", string(tool.Status)).
		Str("to", string(to)).
		Msg("Tool lifecycle transition")
	return to, nil
}
