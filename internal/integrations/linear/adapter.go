// Package linear adapts Linear's GraphQL API to the engine's capability
// contract.
//
// Every operation is a single GraphQL document executed against the /graphql
// endpoint. List responses arrive as {data: {issues: {nodes: [...]}}}; the
// adapter unwraps to the bare nodes array so snapshots never carry the
// GraphQL envelope.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolforge/toolforge/engine/pkg/contracts"
)

const (
	// IntegrationID is the registry key for this adapter.
	IntegrationID = "linear"

	defaultEndpoint = "https://api.linear.app/graphql"
	defaultFirst    = 50
)

// Adapter implements contracts.CapabilityExecutor for Linear.
type Adapter struct {
	client   *http.Client
	endpoint string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithEndpoint overrides the GraphQL endpoint (test servers).
func WithEndpoint(u string) Option {
	return func(a *Adapter) { a.endpoint = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates a Linear adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		client:   &http.Client{Timeout: 30 * time.Second},
		endpoint: defaultEndpoint,
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
			Name:        "list_issues",
			Resource:    "issue",
			Description: "List issues visible to the authenticated user",
			Fields:      []string{"id", "identifier", "title", "priority", "url", "createdAt", "updatedAt"},
		},
		{
			Name:        "list_teams",
			Resource:    "team",
			Description: "List teams in the workspace",
			Fields:      []string{"id", "key", "name"},
		},
		{
			Name:            "get_issue",
			Resource:        "issue",
			Description:     "Fetch a single issue by id",
			Fields:          []string{"id", "identifier", "title", "description", "priority", "url"},
			RequiredFilters: []string{"id"},
		},
		{
			Name:            "create_issue",
			Resource:        "issue",
			Description:     "Create an issue in a team",
			Fields:          []string{"id", "identifier", "title", "url"},
			RequiredFilters: []string{"teamId", "title"},
		},
		{
			Name:            "search_issues",
			Resource:        "issue",
			Description:     "Full-text search over issues",
			Fields:          []string{"id", "identifier", "title", "url"},
			RequiredFilters: []string{"query"},
		},
	}
}

// ResolveContext validates that a credential exists. Linear API keys are
// sent as-is in the Authorization header.
func (a *Adapter) ResolveContext(ctx context.Context, token string) (*contracts.AuthContext, error) {
	if token == "" {
		return nil, fmt.Errorf("linear: no credential configured")
	}
	return &contracts.AuthContext{
		IntegrationID: IntegrationID,
		Token:         token,
	}, nil
}

// ── GraphQL documents ───────────────────────────────────────

const issueFields = `id identifier title priority url createdAt updatedAt state { name }`

var queries = map[string]string{
	"list_issues": `query Issues($first: Int!) {
  issues(first: $first, orderBy: updatedAt) { nodes { ` + issueFields + ` } }
}`,
	"list_teams": `query Teams($first: Int!) {
  teams(first: $first) { nodes { id key name } }
}`,
	"get_issue": `query Issue($id: String!) {
  issue(id: $id) { ` + issueFields + ` description }
}`,
	"create_issue": `mutation CreateIssue($input: IssueCreateInput!) {
  issueCreate(input: $input) { success issue { ` + issueFields + ` } }
}`,
	"search_issues": `query Search($query: String!, $first: Int!) {
  searchIssues(term: $query, first: $first) { nodes { ` + issueFields + ` } }
}`,
}

// unwrapKey maps a capability to the data field holding its payload.
var unwrapKey = map[string]string{
	"list_issues":   "issues",
	"list_teams":    "teams",
	"get_issue":     "issue",
	"create_issue":  "issueCreate",
	"search_issues": "searchIssues",
}

// Execute runs one catalog operation.
func (a *Adapter) Execute(ctx context.Context, capabilityID string, params map[string]interface{}, auth *contracts.AuthContext) (interface{}, error) {
	doc, ok := queries[capabilityID]
	if !ok {
		return nil, fmt.Errorf("linear: unknown capability %q", capabilityID)
	}

	vars, err := variablesFor(capabilityID, params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := a.query(ctx, auth, doc, vars)
	log.Debug().
		Str("integration", IntegrationID).
		Str("capability", capabilityID).
		Dur("latency", time.Since(start)).
		Bool("ok", err == nil).
		Msg("Capability invocation")
	if err != nil {
		return nil, err
	}

	return unwrap(data, unwrapKey[capabilityID]), nil
}

func variablesFor(capabilityID string, params map[string]interface{}) (map[string]interface{}, error) {
	switch capabilityID {
	case "list_issues", "list_teams":
		first := defaultFirst
		if v, ok := params["first"].(float64); ok && v > 0 {
			first = int(v)
		}
		return map[string]interface{}{"first": first}, nil
	case "get_issue":
		id, _ := params["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("linear: get_issue requires 'id'")
		}
		return map[string]interface{}{"id": id}, nil
	case "create_issue":
		teamID, _ := params["teamId"].(string)
		title, _ := params["title"].(string)
		if teamID == "" || title == "" {
			return nil, fmt.Errorf("linear: create_issue requires 'teamId' and 'title'")
		}
		input := map[string]interface{}{"teamId": teamID, "title": title}
		if desc, ok := params["description"].(string); ok && desc != "" {
			input["description"] = desc
		}
		return map[string]interface{}{"input": input}, nil
	case "search_issues":
		q, _ := params["query"].(string)
		if q == "" {
			return nil, fmt.Errorf("linear: search_issues requires 'query'")
		}
		first := defaultFirst
		if v, ok := params["first"].(float64); ok && v > 0 {
			first = int(v)
		}
		return map[string]interface{}{"query": q, "first": first}, nil
	}
	return nil, fmt.Errorf("linear: unknown capability %q", capabilityID)
}

// unwrap strips the GraphQL envelope: connection types yield their nodes
// array, single objects pass through.
func unwrap(data map[string]interface{}, key string) interface{} {
	payload, ok := data[key]
	if !ok {
		return data
	}
	if conn, ok := payload.(map[string]interface{}); ok {
		if nodes, ok := conn["nodes"]; ok {
			return nodes
		}
	}
	return payload
}

// ── GraphQL transport ───────────────────────────────────────

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   map[string]interface{} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (a *Adapter) query(ctx context.Context, auth *contracts.AuthContext, doc string, vars map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(graphqlRequest{Query: doc, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("linear: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("linear: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != nil && auth.Token != "" {
		req.Header.Set("Authorization", auth.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &contracts.ProviderError{
			IntegrationID: IntegrationID,
			Status:        0,
			Message:       err.Error(),
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("linear: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return nil, &contracts.ProviderError{
			IntegrationID: IntegrationID,
			Status:        resp.StatusCode,
			Message:       string(raw[:min(len(raw), 512)]),
		}
	}

	var gr graphqlResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, fmt.Errorf("linear: decode response: %w", err)
	}
	if len(gr.Errors) > 0 {
		return nil, &contracts.ProviderError{
			IntegrationID: IntegrationID,
			Status:        resp.StatusCode,
			Message:       gr.Errors[0].Message,
		}
	}
	return gr.Data, nil
}
