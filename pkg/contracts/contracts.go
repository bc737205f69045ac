// Package contracts defines the interfaces and error taxonomy at the
// boundary between the ToolForge engine and its capability providers.
//
// Each third-party integration ships one CapabilityExecutor. The engine
// never type-inspects provider payloads: executors are dispatched through
// the capability registry by integration id, and every executor normalizes
// its provider's envelope down to a bare array (list semantics) or a bare
// object (get semantics) before returning.
package contracts

import (
	"context"

	"github.com/toolforge/toolforge/engine/pkg/models"
)

// ── Auth Context ─────────────────────────────────────────────

// AuthContext is the resolved credential material an executor needs for
// one invocation. Token acquisition (OAuth flows etc.) happens upstream;
// executors only consume the result.
type AuthContext struct {
	IntegrationID string            `json:"integration_id"`
	Subject       string            `json:"subject,omitempty"`
	Token         string            `json:"-"`
	Scopes        []string          `json:"scopes,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// ── Capability Executor ──────────────────────────────────────

// OperationDescriptor is one entry of a provider's published operation
// catalog. The capability registry synthesizes Capability rows from these.
type OperationDescriptor struct {
	Name            string   `json:"name"`
	Resource        string   `json:"resource"`
	Description     string   `json:"description,omitempty"`
	Fields          []string `json:"fields,omitempty"`
	RequiredFilters []string `json:"required_filters,omitempty"`
}

// CapabilityExecutor is the uniform runtime adapter every integration
// implements. Execute runs one named operation with parameters under a
// resolved auth context; it must raise a typed error for any non-success
// provider response rather than returning partial data.
type CapabilityExecutor interface {
	// IntegrationID is the stable id this executor is registered under.
	IntegrationID() string

	// Catalog returns the provider's published operation catalog.
	Catalog() []OperationDescriptor

	// ResolveContext exchanges a stored token for a usable auth context.
	ResolveContext(ctx context.Context, token string) (*AuthContext, error)

	// Execute runs one capability. The result is a bare array for list
	// semantics or a bare object for get semantics — never the provider's
	// envelope.
	Execute(ctx context.Context, capabilityID string, params map[string]interface{}, auth *AuthContext) (interface{}, error)
}

// ── Subject Permissions ──────────────────────────────────────

// Grant authorizes one access mode on an integration's capabilities.
// CapabilityID may be "*" to cover the whole integration.
type Grant struct {
	IntegrationID string            `json:"integration_id"`
	CapabilityID  string            `json:"capability_id"`
	Access        models.AccessMode `json:"access"`
}

// Subject is the permission holder on whose behalf a plan runs.
type Subject struct {
	OrgID  string  `json:"org_id"`
	Grants []Grant `json:"grants"`
}

// Allows reports whether the subject holds the given access mode for the
// integration+capability pair. A write grant implies read.
func (s Subject) Allows(integrationID, capabilityID string, mode models.AccessMode) bool {
	for _, g := range s.Grants {
		if g.IntegrationID != integrationID {
			continue
		}
		if g.CapabilityID != "*" && g.CapabilityID != capabilityID {
			continue
		}
		if g.Access == mode || (g.Access == models.AccessWrite && mode == models.AccessRead) {
			return true
		}
	}
	return false
}
