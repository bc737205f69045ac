// Package capability indexes the operations integrations expose and gates
// access to them.
//
// Executors register by integration id; capabilities are synthesized lazily
// from each executor's published operation catalog and cached. Operation
// name heuristics classify each entry (list/get/create/update/delete/
// search/other), which determines both its allowed operations and the
// access mode its permission check requires.
package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/toolforge/toolforge/engine/pkg/contracts"
	"github.com/toolforge/toolforge/engine/pkg/models"
)

// Registry dispatches capability calls to the executor registered for an
// integration. One instance is shared by the whole engine.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]contracts.CapabilityExecutor
	caps      map[string][]models.Capability    // integration id → synthesized catalog
	byID      map[string]*models.Capability     // integration/capability → row
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]contracts.CapabilityExecutor),
		caps:      make(map[string][]models.Capability),
		byID:      make(map[string]*models.Capability),
	}
}

// Register adds an executor. Re-registering an integration replaces its
// executor and invalidates the cached catalog.
func (r *Registry) Register(exec contracts.CapabilityExecutor) {
	id := exec.IntegrationID()

	r.mu.Lock()
	r.executors[id] = exec
	delete(r.caps, id)
	for k := range r.byID {
		if strings.HasPrefix(k, id+"/") {
			delete(r.byID, k)
		}
	}
	r.mu.Unlock()

	log.Info().Str("integration", id).Msg("Capability executor registered")
}

// Integrations returns the ids of all registered integrations.
func (r *Registry) Integrations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.executors))
	for id := range r.executors {
		out = append(out, id)
	}
	return out
}

// ListForIntegration returns the synthesized capabilities of an integration,
// populating the cache on first use.
func (r *Registry) ListForIntegration(integrationID string) ([]models.Capability, error) {
	r.mu.RLock()
	if caps, ok := r.caps[integrationID]; ok {
		r.mu.RUnlock()
		return caps, nil
	}
	exec, ok := r.executors[integrationID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown integration: %s", integrationID)
	}

	caps := synthesize(integrationID, exec.Catalog())

	r.mu.Lock()
	r.caps[integrationID] = caps
	for i := range caps {
		r.byID[integrationID+"/"+caps[i].ID] = &caps[i]
	}
	r.mu.Unlock()

	return caps, nil
}

// Lookup returns the capability row for an integration+capability pair.
func (r *Registry) Lookup(integrationID, capabilityID string) (*models.Capability, error) {
	if _, err := r.ListForIntegration(integrationID); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	cap, ok := r.byID[integrationID+"/"+capabilityID]
	if !ok {
		return nil, fmt.Errorf("unknown capability %s for integration %s", capabilityID, integrationID)
	}
	return cap, nil
}

// Has reports whether a capability exists for an integration. Used by spec
// validation.
func (r *Registry) Has(integrationID, capabilityID string) bool {
	_, err := r.Lookup(integrationID, capabilityID)
	return err == nil
}

// CheckPermission denies unless the subject holds the access mode the
// capability's classification requires. Denial is a typed error, never a
// silent no-op.
func (r *Registry) CheckPermission(integrationID, capabilityID string, subject contracts.Subject) error {
	cap, err := r.Lookup(integrationID, capabilityID)
	if err != nil {
		return err
	}
	mode := models.AccessModeFor(cap.Kind)
	if !subject.Allows(integrationID, capabilityID, mode) {
		return &contracts.PermissionDeniedError{
			IntegrationID: integrationID,
			CapabilityID:  capabilityID,
			Mode:          mode,
		}
	}
	return nil
}

// Execute dispatches one capability call to its integration's executor.
// Permission checks happen in the caller; this is pure routing.
func (r *Registry) Execute(ctx context.Context, integrationID, capabilityID string, params map[string]interface{}, auth *contracts.AuthContext) (interface{}, error) {
	r.mu.RLock()
	exec, ok := r.executors[integrationID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown integration: %s", integrationID)
	}
	return exec.Execute(ctx, capabilityID, params, auth)
}

// ResolveContext exchanges a stored token for an auth context using the
// integration's executor.
func (r *Registry) ResolveContext(ctx context.Context, integrationID, token string) (*contracts.AuthContext, error) {
	r.mu.RLock()
	exec, ok := r.executors[integrationID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown integration: %s", integrationID)
	}
	return exec.ResolveContext(ctx, token)
}

// ── Catalog synthesis ───────────────────────────────────────

func synthesize(integrationID string, catalog []contracts.OperationDescriptor) []models.Capability {
	caps := make([]models.Capability, 0, len(catalog))
	for _, op := range catalog {
		kind := Classify(op.Name)
		caps = append(caps, models.Capability{
			ID:                op.Name,
			IntegrationID:     integrationID,
			Resource:          op.Resource,
			Kind:              kind,
			AllowedOperations: allowedFor(kind),
			SupportedFields:   op.Fields,
			RequiredFilters:   op.RequiredFilters,
		})
	}
	return caps
}

// Classify maps an operation name to its kind using prefix heuristics.
// Names are expected in snake_case ("list_issues", "create_ticket").
func Classify(name string) models.OperationKind {
	head := strings.ToLower(name)
	if i := strings.IndexAny(head, "_-. "); i > 0 {
		head = head[:i]
	}

	switch head {
	case "list", "all":
		return models.OpList
	case "get", "fetch", "read", "show":
		return models.OpGet
	case "create", "add", "new", "post":
		return models.OpCreate
	case "update", "edit", "patch", "set":
		return models.OpUpdate
	case "delete", "remove", "destroy":
		return models.OpDelete
	case "search", "query", "find", "filter":
		return models.OpSearch
	default:
		return models.OpOther
	}
}

func allowedFor(kind models.OperationKind) []models.AllowedOperation {
	switch kind {
	case models.OpList, models.OpSearch:
		return []models.AllowedOperation{models.AllowRead, models.AllowFilter}
	case models.OpGet:
		return []models.AllowedOperation{models.AllowRead}
	default:
		return []models.AllowedOperation{models.AllowWrite}
	}
}
