package wardensdk

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
)

// Client is a minimal Warden HTTP API client for agents and owner tooling.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     30 * time.Second,
	}
}

// DataRow is one item returned by a pipeline.
type DataRow struct {
	Source       string         `json:"source"`
	SourceItemID string         `json:"source_item_id"`
	Type         string         `json:"type"`
	Timestamp    string         `json:"timestamp"`
	Data         map[string]any `json:"data"`
}

type ActionResult struct {
	Success    bool           `json:"success"`
	Message    string         `json:"message,omitempty"`
	ResultData map[string]any `json:"resultData,omitempty"`
}

// Result is the response of an execution.
type Result struct {
	Data         []DataRow     `json:"data"`
	ActionResult *ActionResult `json:"actionResult,omitempty"`
	Meta         struct {
		OperatorsApplied []string `json:"operatorsApplied"`
		ItemsFetched     int      `json:"itemsFetched"`
		ItemsReturned    int      `json:"itemsReturned"`
		QueryTimeMs      int64    `json:"queryTimeMs"`
	} `json:"meta"`
}

// ActionID returns the staged action id when the run ended in stage.
func (r Result) ActionID() string {
	if r.ActionResult == nil {
		return ""
	}
	id, _ := r.ActionResult.ResultData["actionId"].(string)
	return id
}

type Manifest struct {
	ID        string   `json:"id"`
	Purpose   string   `json:"purpose"`
	Text      string   `json:"text"`
	Graph     []string `json:"graph"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

type ValidationIssue struct {
	Code   string `json:"code"`
	Node   string `json:"node,omitempty"`
	Detail string `json:"detail"`
}

type Validation struct {
	Valid   bool              `json:"valid"`
	ID      string            `json:"id,omitempty"`
	Purpose string            `json:"purpose,omitempty"`
	Graph   []string          `json:"graph,omitempty"`
	Errors  []ValidationIssue `json:"errors"`
}

type StagedAction struct {
	ActionID   string         `json:"action_id"`
	ManifestID string         `json:"manifest_id"`
	Source     string         `json:"source"`
	ActionType string         `json:"action_type"`
	ActionData map[string]any `json:"action_data"`
	Purpose    string         `json:"purpose"`
	Status     string         `json:"status"`
	ProposedAt string         `json:"proposed_at"`
	ResolvedAt *string        `json:"resolved_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ManifestID string `json:"manifest_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Validate(ctx context.Context, text string) (Validation, error) {
	var resp Validation
	err := c.do(ctx, http.MethodPost, "v0/manifests/validate", map[string]any{"text": text}, &resp)
	return resp, err
}

// RegisterManifest stores text under id. An empty id lets the server derive one.
func (c *Client) RegisterManifest(ctx context.Context, id, text string) (Manifest, error) {
	body := map[string]any{"text": text}
	if id != "" {
		body["id"] = id
	}
	var resp Manifest
	err := c.do(ctx, http.MethodPost, "v0/manifests", body, &resp)
	return resp, err
}

func (c *Client) ListManifests(ctx context.Context) ([]Manifest, error) {
	var resp struct {
		Items []Manifest `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/manifests", nil, &resp)
	return resp.Items, err
}

func (c *Client) DeleteManifest(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/manifests/"+url.PathEscape(id), nil, nil)
}

// Execute runs a registered manifest. actionData is only used by manifests
// that end in stage.
func (c *Client) Execute(ctx context.Context, id string, actionData map[string]any) (Result, error) {
	body := map[string]any{}
	if len(actionData) > 0 {
		body["action_data"] = actionData
	}
	var resp Result
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/manifests/%s/execute", url.PathEscape(id)), body, &resp)
	return resp, err
}

// ListStaged lists staged actions, optionally by status.
func (c *Client) ListStaged(ctx context.Context, status string) ([]StagedAction, error) {
	endpoint := "v0/staged"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []StagedAction `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Approve(ctx context.Context, actionID string) (StagedAction, error) {
	var resp StagedAction
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/staged/%s/approve", url.PathEscape(actionID)), nil, &resp)
	return resp, err
}

func (c *Client) Reject(ctx context.Context, actionID, reason string) (StagedAction, error) {
	var resp StagedAction
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/staged/%s/reject", url.PathEscape(actionID)), map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) Commit(ctx context.Context, actionID string) (StagedAction, ActionResult, error) {
	var resp struct {
		Action StagedAction `json:"action"`
		Result ActionResult `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/staged/%s/commit", url.PathEscape(actionID)), nil, &resp)
	return resp.Action, resp.Result, err
}

// Events lists events newest first. Pass NextCursor back to page.
func (c *Client) Events(ctx context.Context, manifestID, cursor string, limit int) (PaginatedEvents, error) {
	q := url.Values{}
	if manifestID != "" {
		q.Set("manifest_id", manifestID)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
