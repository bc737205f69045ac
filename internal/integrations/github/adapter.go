// Package github adapts the GitHub REST API to the engine's capability
// contract.
//
// The adapter publishes a fixed catalog of read/write operations over
// repositories, issues, and pull requests. Params are passed through to the
// API with adapter-side defaults (per_page, state) injected when the caller
// omits them; responses are unwrapped to the bare array or object so the
// materialization engine stores provider-shape-free records.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolforge/toolforge/engine/pkg/contracts"
)

const (
	// IntegrationID is the registry key for this adapter.
	IntegrationID = "github"

	defaultBaseURL = "https://api.github.com"
	defaultPerPage = 30
)

// Adapter implements contracts.CapabilityExecutor for GitHub.
type Adapter struct {
	client  *http.Client
	baseURL string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (GitHub Enterprise, test servers).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates a GitHub adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// IntegrationID identifies the adapter in the registry.
func (a *Adapter) IntegrationID() string { return IntegrationID }

// Catalog lists the operations this adapter can execute.
func (a *Adapter) Catalog() []contracts.OperationDescriptor {
	return []contracts.OperationDescriptor{
		{
			Name:        "list_repos",
			Resource:    "repository",
			Description: "List repositories for the authenticated user",
			Fields:      []string{"id", "name", "full_name", "private", "html_url", "description", "open_issues_count", "updated_at"},
		},
		{
			Name:            "list_issues",
			Resource:        "issue",
			Description:     "List issues in a repository",
			Fields:          []string{"id", "number", "title", "state", "html_url", "user", "labels", "created_at", "updated_at"},
			RequiredFilters: []string{"owner", "repo"},
		},
		{
			Name:            "get_issue",
			Resource:        "issue",
			Description:     "Fetch a single issue by number",
			Fields:          []string{"id", "number", "title", "state", "body", "html_url", "user", "labels"},
			RequiredFilters: []string{"owner", "repo", "number"},
		},
		{
			Name:            "create_issue",
			Resource:        "issue",
			Description:     "Create an issue in a repository",
			Fields:          []string{"id", "number", "title", "state", "html_url"},
			RequiredFilters: []string{"owner", "repo", "title"},
		},
		{
			Name:            "list_pulls",
			Resource:        "pull_request",
			Description:     "List pull requests in a repository",
			Fields:          []string{"id", "number", "title", "state", "html_url", "user", "created_at", "updated_at"},
			RequiredFilters: []string{"owner", "repo"},
		},
		{
			Name:            "search_issues",
			Resource:        "issue",
			Description:     "Search issues and pull requests",
			Fields:          []string{"id", "number", "title", "state", "html_url"},
			RequiredFilters: []string{"q"},
		},
	}
}

// ResolveContext turns a stored token into an auth context. GitHub tokens
// are bearer tokens; no exchange round-trip is needed.
func (a *Adapter) ResolveContext(ctx context.Context, token string) (*contracts.AuthContext, error) {
	if token == "" {
		return nil, fmt.Errorf("github: no credential configured")
	}
	return &contracts.AuthContext{
		IntegrationID: IntegrationID,
		Token:         token,
	}, nil
}

// Execute runs one catalog operation.
func (a *Adapter) Execute(ctx context.Context, capabilityID string, params map[string]interface{}, auth *contracts.AuthContext) (interface{}, error) {
	start := time.Now()
	var (
		result interface{}
		err    error
	)
	switch capabilityID {
	case "list_repos":
		result, err = a.get(ctx, auth, "/user/repos", withDefaults(params, map[string]interface{}{
			"per_page": defaultPerPage,
			"sort":     "updated",
		}))
	case "list_issues":
		path, perr := repoPath(params, "/issues")
		if perr != nil {
			return nil, perr
		}
		result, err = a.get(ctx, auth, path, withDefaults(params, map[string]interface{}{
			"per_page": defaultPerPage,
			"state":    "open",
		}))
	case "get_issue":
		number, ok := params["number"]
		if !ok {
			return nil, fmt.Errorf("github: get_issue requires 'number'")
		}
		path, perr := repoPath(params, fmt.Sprintf("/issues/%v", number))
		if perr != nil {
			return nil, perr
		}
		result, err = a.get(ctx, auth, path, nil)
	case "create_issue":
		path, perr := repoPath(params, "/issues")
		if perr != nil {
			return nil, perr
		}
		result, err = a.post(ctx, auth, path, bodyParams(params, "title", "body", "labels", "assignees"))
	case "list_pulls":
		path, perr := repoPath(params, "/pulls")
		if perr != nil {
			return nil, perr
		}
		result, err = a.get(ctx, auth, path, withDefaults(params, map[string]interface{}{
			"per_page": defaultPerPage,
			"state":    "open",
		}))
	case "search_issues":
		result, err = a.search(ctx, auth, params)
	default:
		return nil, fmt.Errorf("github: unknown capability %q", capabilityID)
	}

	log.Debug().
		Str("integration", IntegrationID).
		Str("capability", capabilityID).
		Dur("latency", time.Since(start)).
		Bool("ok", err == nil).
		Msg("Capability invocation")
	return result, err
}

// search hits /search/issues and unwraps the {total_count, items} envelope
// to the bare items array.
func (a *Adapter) search(ctx context.Context, auth *contracts.AuthContext, params map[string]interface{}) (interface{}, error) {
	q, _ := params["q"].(string)
	if q == "" {
		return nil, fmt.Errorf("github: search_issues requires 'q'")
	}
	raw, err := a.get(ctx, auth, "/search/issues", withDefaults(params, map[string]interface{}{
		"per_page": defaultPerPage,
	}))
	if err != nil {
		return nil, err
	}
	if envelope, ok := raw.(map[string]interface{}); ok {
		if items, ok := envelope["items"]; ok {
			return items, nil
		}
	}
	return raw, nil
}

// ── HTTP plumbing ───────────────────────────────────────────

func (a *Adapter) get(ctx context.Context, auth *contracts.AuthContext, path string, query map[string]interface{}) (interface{}, error) {
	u := a.baseURL + path
	if len(query) > 0 {
		vals := url.Values{}
		for k, v := range query {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		u += "?" + vals.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("github: build request: %w", err)
	}
	return a.do(req, auth, path)
}

func (a *Adapter) post(ctx context.Context, auth *contracts.AuthContext, path string, body map[string]interface{}) (interface{}, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("github: marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, auth, path)
}

func (a *Adapter) do(req *http.Request, auth *contracts.AuthContext, capPath string) (interface{}, error) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if auth != nil && auth.Token != "" {
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &contracts.ProviderError{
			IntegrationID: IntegrationID,
			CapabilityID:  capPath,
			Status:        0,
			Message:       err.Error(),
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("github: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return nil, &contracts.ProviderError{
			IntegrationID: IntegrationID,
			CapabilityID:  capPath,
			Status:        resp.StatusCode,
			Message:       truncate(string(raw), 512),
		}
	}

	var out interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("github: decode response: %w", err)
		}
	}
	return out, nil
}

// ── Param helpers ───────────────────────────────────────────

func repoPath(params map[string]interface{}, suffix string) (string, error) {
	owner, _ := params["owner"].(string)
	repo, _ := params["repo"].(string)
	if owner == "" || repo == "" {
		return "", fmt.Errorf("github: requires 'owner' and 'repo'")
	}
	return fmt.Sprintf("/repos/%s/%s%s", url.PathEscape(owner), url.PathEscape(repo), suffix), nil
}

// withDefaults returns query params with defaults filled in; path-routing
// keys never leak into the query string.
func withDefaults(params, defaults map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params)+len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range params {
		switch k {
		case "owner", "repo", "number":
			continue
		}
		out[k] = v
	}
	return out
}

func bodyParams(params map[string]interface{}, keys ...string) map[string]interface{} {
	out := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		if v, ok := params[k]; ok {
			out[k] = v
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
