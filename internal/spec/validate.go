// Package spec validates compiled tool specs before the engine will run
// them. The spec itself is opaque upstream output; only structural
// invariants are enforced here:
//
//   - struct-level field constraints (validator tags on pkg/models types)
//   - every action's capability exists in the registry for its integration
//   - every view's bound actions exist in the spec
//   - state paths are disjoint per action — two actions racing on the same
//     path is a spec bug and is rejected rather than silently resolved by
//     last-write-wins
package spec

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/toolforge/toolforge/engine/pkg/models"
)

// CapabilityLookup is the registry-shaped dependency validation needs.
type CapabilityLookup interface {
	Has(integrationID, capabilityID string) bool
}

var validate = validator.New()

// Validate checks a tool spec's structural invariants. The first violation
// is returned; a nil error means the engine may execute the spec.
func Validate(ts *models.ToolSpec, caps CapabilityLookup) error {
	if ts == nil {
		return fmt.Errorf("spec is nil")
	}
	if err := validate.Struct(ts); err != nil {
		return fmt.Errorf("spec structure: %w", err)
	}

	seenActions := make(map[string]bool, len(ts.Actions))
	for i := range ts.Actions {
		a := &ts.Actions[i]
		if seenActions[a.ID] {
			return fmt.Errorf("duplicate action id %q", a.ID)
		}
		seenActions[a.ID] = true

		if !caps.Has(a.IntegrationID, a.CapabilityID) {
			return fmt.Errorf("action %q: capability %q not registered for integration %q",
				a.ID, a.CapabilityID, a.IntegrationID)
		}
	}

	for _, v := range ts.Views {
		if ts.EntityByName(v.Entity) == nil {
			return fmt.Errorf("view %q: unknown entity %q", v.ID, v.Entity)
		}
		for _, id := range v.ActionIDs {
			if !seenActions[id] {
				return fmt.Errorf("view %q: unknown action %q", v.ID, id)
			}
		}
	}

	return validateDisjointPaths(ts)
}

// validateDisjointPaths rejects specs where two actions write the same
// state path, or where one action's path is a prefix of another's (writing
// "issues" clobbers "issues.open").
func validateDisjointPaths(ts *models.ToolSpec) error {
	owner := make(map[string]string) // path → action id
	for i := range ts.Actions {
		a := &ts.Actions[i]
		for _, path := range pathsFor(ts, a) {
			for existing, ownerID := range owner {
				if ownerID == a.ID {
					continue
				}
				if existing == path || strings.HasPrefix(existing, path+".") || strings.HasPrefix(path, existing+".") {
					return fmt.Errorf("actions %q and %q target overlapping state paths (%q, %q)",
						ownerID, a.ID, existing, path)
				}
			}
			owner[path] = a.ID
		}
	}
	return nil
}

// pathsFor mirrors the materialization engine's path derivation: view
// paths, else the entity path for the action's integration, else
// "<integrationId>.data".
func pathsFor(ts *models.ToolSpec, a *models.ActionSpec) []string {
	var paths []string
	for _, v := range ts.Views {
		for _, id := range v.ActionIDs {
			if id == a.ID && v.StatePath != "" {
				paths = append(paths, v.StatePath)
			}
		}
	}
	if len(paths) > 0 {
		return paths
	}
	for _, e := range ts.Entities {
		if e.IntegrationID == a.IntegrationID {
			return []string{strings.ToLower(e.Name)}
		}
	}
	return []string{a.IntegrationID + ".data"}
}
