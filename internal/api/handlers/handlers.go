// Package handlers implements the HTTP handlers for the ToolForge engine.
// All handlers use the Store interface (memory or PostgreSQL-backed) and
// the engine services: coordinator, lifecycle manager, materialization
// engine, and capability registry.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolforge/toolforge/engine/internal/api/middleware"
	"github.com/toolforge/toolforge/engine/internal/capability"
	"github.com/toolforge/toolforge/engine/internal/coordinator"
	"github.com/toolforge/toolforge/engine/internal/lifecycle"
	"github.com/toolforge/toolforge/engine/internal/materialize"
	"github.com/toolforge/toolforge/engine/internal/spec"
	"github.com/toolforge/toolforge/engine/internal/store"
	"github.com/toolforge/toolforge/engine/pkg/contracts"
	"github.com/toolforge/toolforge/engine/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store       store.Store
	Registry    *capability.Registry
	Coordinator *coordinator.Coordinator
	Engine      *materialize.Engine
	Lifecycle   *lifecycle.Manager
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, reg *capability.Registry, coord *coordinator.Coordinator, eng *materialize.Engine, lc *lifecycle.Manager) *Handlers {
	return &Handlers{
		Store:       s,
		Registry:    reg,
		Coordinator: coord,
		Engine:      eng,
		Lifecycle:   lc,
	}
}

// ── Tool Handlers ────────────────────────────────────────────

func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	orgID := middleware.GetOrgID(r.Context())
	tools, err := h.Store.ListTools(r.Context(), orgID)
	if err != nil {
		respondForError(w, err)
		return
	}
	if tools == nil {
		tools = []models.Tool{}
	}
	respondJSON(w, http.StatusOK, tools)
}

func (h *Handlers) CreateTool(w http.ResponseWriter, r *http.Request) {
	var req models.Tool
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	orgID := middleware.GetOrgID(r.Context())
	req.ID = uuid.New().String()
	req.OrgID = orgID
	req.Status = models.ToolCreated
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt

	if req.Spec != nil {
		if err := spec.Validate(req.Spec, h.Registry); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := h.Store.CreateTool(r.Context(), &req); err != nil {
		respondForError(w, err)
		return
	}

	log.Info().Str("tool", req.Name).Str("id", req.ID).Str("org_id", orgID).Msg("Tool created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetTool(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolId")
	orgID := middleware.GetOrgID(r.Context())

	tool, err := h.Store.GetTool(r.Context(), orgID, toolID)
	if err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tool)
}

// UpdateToolSpec replaces a tool's compiled spec after validating its
// structural invariants against the capability registry.
func (h *Handlers) UpdateToolSpec(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolId")
	orgID := middleware.GetOrgID(r.Context())

	var req models.ToolSpec
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := spec.Validate(&req, h.Registry); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Store.UpdateToolSpec(r.Context(), orgID, toolID, &req); err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"tool_id": toolID, "status": "spec updated"})
}

// ── Execution Handlers ───────────────────────────────────────

type submitExecutionRequest struct {
	Prompt               string   `json:"prompt"`
	RequiredIntegrations []string `json:"required_integrations,omitempty"`
}

// SubmitExecution deduplicates and locks an execution request for a tool.
// A deduplicated request returns the existing record with 200; new work
// returns 201 with the caller holding the execution lock.
func (h *Handlers) SubmitExecution(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolId")
	orgID := middleware.GetOrgID(r.Context())

	var req submitExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Prompt == "" {
		respondError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	if _, err := h.Store.GetTool(r.Context(), orgID, toolID); err != nil {
		respondForError(w, err)
		return
	}

	res, err := h.Coordinator.Submit(r.Context(), orgID, toolID, req.Prompt, req.RequiredIntegrations)
	if err != nil {
		respondForError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Deduped {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]interface{}{
		"execution": res.Record,
		"deduped":   res.Deduped,
	})
}

func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionId")
	rec, err := h.Store.GetExecution(r.Context(), id)
	if err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// ── Materialization Handlers ─────────────────────────────────

type materializeRequest struct {
	Grants []contracts.Grant `json:"grants,omitempty"`
	Tokens map[string]string `json:"tokens,omitempty"`
}

// Materialize runs the tool's full action plan and persists the merged
// snapshot. With no grants in the request the single-tenant default applies:
// wildcard write access to every registered integration.
func (h *Handlers) Materialize(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolId")
	orgID := middleware.GetOrgID(r.Context())

	var req materializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tool, err := h.Store.GetTool(r.Context(), orgID, toolID)
	if err != nil {
		respondForError(w, err)
		return
	}
	if tool.Spec == nil {
		respondError(w, http.StatusConflict, "tool has no compiled spec")
		return
	}
	if !lifecycle.IsExecutable(tool.Status) {
		respondError(w, http.StatusConflict, "tool is not in an executable state: "+string(tool.Status))
		return
	}

	grants := req.Grants
	if len(grants) == 0 {
		for _, id := range h.Registry.Integrations() {
			grants = append(grants, contracts.Grant{
				IntegrationID: id,
				CapabilityID:  "*",
				Access:        models.AccessWrite,
			})
		}
	}

	result, err := h.Engine.Run(r.Context(), materialize.RunInput{
		ToolID:  toolID,
		OrgID:   orgID,
		Spec:    tool.Spec,
		Subject: contracts.Subject{OrgID: orgID, Grants: grants},
		Tokens:  req.Tokens,
	})
	if err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolId")
	orgID := middleware.GetOrgID(r.Context())

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	snaps, err := h.Store.ListSnapshots(r.Context(), orgID, toolID, limit)
	if err != nil {
		respondForError(w, err)
		return
	}
	if snaps == nil {
		snaps = []models.Snapshot{}
	}
	respondJSON(w, http.StatusOK, snaps)
}

func (h *Handlers) LatestSnapshot(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolId")
	orgID := middleware.GetOrgID(r.Context())

	snap, err := h.Store.LatestSnapshot(r.Context(), orgID, toolID)
	if err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// ── Lifecycle Handlers ───────────────────────────────────────

type transitionRequest struct {
	To models.ToolStatus `json:"to"`
}

// TransitionState drives an explicit lifecycle transition for a tool.
func (h *Handlers) TransitionState(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolId")
	orgID := middleware.GetOrgID(r.Context())

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.To == "" {
		respondError(w, http.StatusBadRequest, "'to' state is required")
		return
	}

	now, err := h.Lifecycle.Transition(r.Context(), orgID, toolID, req.To)
	if err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"tool_id": toolID, "status": string(now)})
}

// ── Capability Handlers ──────────────────────────────────────

func (h *Handlers) ListIntegrations(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"integrations": h.Registry.Integrations(),
	})
}

func (h *Handlers) ListCapabilities(w http.ResponseWriter, r *http.Request) {
	integrationID := chi.URLParam(r, "integrationId")
	caps, err := h.Registry.ListForIntegration(integrationID)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, caps)
}

// ── Response Helpers ─────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondForError maps the engine's error taxonomy to HTTP statuses.
func respondForError(w http.ResponseWriter, err error) {
	var notFound *store.ErrNotFound
	if errors.As(err, &notFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	var locked *contracts.AlreadyLockedError
	if errors.As(err, &locked) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	var denied *contracts.PermissionDeniedError
	if errors.As(err, &denied) {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}

	var limited *contracts.RateLimitedError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())+1))
		respondError(w, http.StatusTooManyRequests, err.Error())
		return
	}

	var illegal *contracts.IllegalTransitionError
	if errors.As(err, &illegal) {
		if illegal.Raced {
			respondError(w, http.StatusConflict, err.Error())
		} else {
			respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	var budget *contracts.BudgetExceededError
	if errors.As(err, &budget) {
		respondError(w, http.StatusTooManyRequests, err.Error())
		return
	}

	var provider *contracts.ProviderError
	if errors.As(err, &provider) {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	respondError(w, http.StatusInternalServerError, err.Error())
}
