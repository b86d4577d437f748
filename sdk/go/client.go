package govlinesdk

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

// Client is a minimal Govline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Request represents the API request model.
type Request struct {
	ID                string            `json:"id"`
	Kind              string            `json:"kind"`
	OperationType     string            `json:"operation_type"`
	Scope             string            `json:"scope"`
	RiskLevel         string            `json:"risk_level"`
	TargetAgent       string            `json:"target_agent"`
	Submitter         string            `json:"submitter"`
	SourceTeam        string            `json:"source_team"`
	TargetTeam        string            `json:"target_team,omitempty"`
	Justification     string            `json:"justification"`
	RollbackPlan      string            `json:"rollback_plan,omitempty"`
	RequiredApprovals map[string]string `json:"required_approvals"`
	Approvals         []Approval        `json:"approvals"`
	Waived            bool              `json:"waived"`
	PasswordVerified  bool              `json:"password_verified"`
	Status            string            `json:"status"`
	Version           int64             `json:"version"`
	CreatedAt         string            `json:"created_at"`
	UpdatedAt         string            `json:"updated_at"`
	DecidedAt         string            `json:"decided_at,omitempty"`
	ExecutedAt        string            `json:"executed_at,omitempty"`
}

// Approval is one recorded decision on a request.
type Approval struct {
	Role      string `json:"role"`
	Decision  string `json:"decision"`
	ActorID   string `json:"actor_id"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Escalation records a fired escalation stage.
type Escalation struct {
	RequestID string `json:"request_id"`
	Stage     string `json:"stage"`
	FiredAt   string `json:"fired_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload"`
}

// CreateRequestInput are the fields for submitting a governance request.
type CreateRequestInput struct {
	OperationType      string `json:"operation_type"`
	Scope              string `json:"scope,omitempty"`
	RiskLevel          string `json:"risk_level"`
	TargetAgent        string `json:"target_agent"`
	SourceTeam         string `json:"source_team"`
	TargetTeam         string `json:"target_team,omitempty"`
	Justification      string `json:"justification"`
	RollbackPlan       string `json:"rollback_plan,omitempty"`
	GovernancePassword string `json:"governance_password,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRequest submits a governance request.
func (c *Client) CreateRequest(ctx context.Context, in CreateRequestInput) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "v1/requests", in, &resp)
	return resp, err
}

// GetRequest fetches a request by ID.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "v1/requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListRequests lists requests, optionally filtered by status.
func (c *Client) ListRequests(ctx context.Context, status string, limit int) ([]Request, error) {
	endpoint := "v1/requests"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Requests []Request `json:"requests"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Requests, err
}

// Approve records an approval for the authenticated actor.
func (c *Client) Approve(ctx context.Context, id, comment, password string) (Request, error) {
	return c.decide(ctx, id, "approve", comment, password)
}

// Reject records a rejection for the authenticated actor.
func (c *Client) Reject(ctx context.Context, id, comment string) (Request, error) {
	return c.decide(ctx, id, "reject", comment, "")
}

func (c *Client) decide(ctx context.Context, id, decision, comment, password string) (Request, error) {
	body := map[string]any{"decision": decision}
	if comment != "" {
		body["comment"] = comment
	}
	if password != "" {
		body["governance_password"] = password
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "v1/requests/"+url.PathEscape(id)+"/approvals", body, &resp)
	return resp, err
}

// VerifyPassword satisfies the critical-risk password gate.
func (c *Client) VerifyPassword(ctx context.Context, id, password string) (Request, error) {
	var resp Request
	body := map[string]any{"governance_password": password}
	err := c.do(ctx, http.MethodPost, "v1/requests/"+url.PathEscape(id)+"/password", body, &resp)
	return resp, err
}

// Execute carries out a dual-approved request.
func (c *Client) Execute(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "v1/requests/"+url.PathEscape(id)+"/execute", nil, &resp)
	return resp, err
}

// Wait polls a request until it leaves the undecided statuses or the context
// expires.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (Request, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for {
		req, err := c.GetRequest(ctx, id)
		if err != nil {
			return req, err
		}
		switch req.Status {
		case "dual-approved", "executed", "rejected":
			return req, nil
		}
		select {
		case <-ctx.Done():
			return req, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// RunEscalations fires overdue escalation stages across active requests.
func (c *Client) RunEscalations(ctx context.Context) ([]Escalation, error) {
	var resp struct {
		Fired []Escalation `json:"fired"`
	}
	err := c.do(ctx, http.MethodPost, "v1/escalations/run", nil, &resp)
	return resp.Fired, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int, requestID string) ([]Event, error) {
	endpoint := "v1/events"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if requestID != "" {
		q.Set("request_id", requestID)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
