package materialize

import (
	"encoding/json"
	"strings"

	"github.com/toolforge/toolforge/engine/pkg/models"
)

// statePathsFor derives the dot-separated state paths an action's output is
// written to: view state paths bound to the action, falling back to the
// path of the entity sourced from the action's integration, falling back to
// "<integrationId>.data".
func statePathsFor(spec *models.ToolSpec, action *models.ActionSpec) []string {
	var paths []string
	for _, v := range spec.Views {
		for _, id := range v.ActionIDs {
			if id == action.ID && v.StatePath != "" {
				paths = append(paths, v.StatePath)
			}
		}
	}
	if len(paths) > 0 {
		return paths
	}

	for _, e := range spec.Entities {
		if e.IntegrationID == action.IntegrationID {
			return []string{strings.ToLower(e.Name)}
		}
	}

	return []string{action.IntegrationID + ".data"}
}

// setPath writes value at a dot-separated path, creating intermediate maps
// as needed. Non-map intermediates are replaced.
func setPath(state map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := state
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// getPath reads the value at a dot-separated path, or nil.
func getPath(state map[string]interface{}, path string) interface{} {
	parts := strings.Split(path, ".")
	var cur interface{} = state
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

// deepCopyState clones nested state via a JSON round-trip so the previous
// snapshot is never mutated.
func deepCopyState(state map[string]interface{}) map[string]interface{} {
	if state == nil {
		return make(map[string]interface{})
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return make(map[string]interface{})
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(raw, &out); err != nil {
		return make(map[string]interface{})
	}
	return out
}

// countRecords sums per-action output sizes: array length for arrays,
// one for any other truthy value.
func countRecords(actions map[string]interface{}) int {
	total := 0
	for _, v := range actions {
		switch val := v.(type) {
		case nil:
			// nothing
		case []interface{}:
			total += len(val)
		case bool:
			if val {
				total++
			}
		case string:
			if val != "" {
				total++
			}
		case float64:
			if val != 0 {
				total++
			}
		default:
			total++
		}
	}
	return total
}
