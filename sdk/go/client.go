package lexlinesdk

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

// Client is a minimal Lexline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  30 * time.Second,
	}
}

type Document struct {
	ID       string         `json:"id"`
	Type     string         `json:"type,omitempty"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type TaskRequest struct {
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type"`
	Input    map[string]any `json:"input"`
	Context  map[string]any `json:"context,omitempty"`
	Priority int            `json:"priority,omitempty"`
	Targets  []string       `json:"targets,omitempty"`
}

type SubtaskFailure struct {
	Capability string `json:"capability"`
	SubtaskID  string `json:"subtask_id"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

// TaskResult is the aggregated outcome of a task. Status is "failed" when
// no subtask succeeded.
type TaskResult struct {
	TaskID       string                    `json:"task_id"`
	Type         string                    `json:"type"`
	Status       string                    `json:"status"`
	Data         map[string]any            `json:"data"`
	ByCapability map[string]map[string]any `json:"by_capability"`
	Succeeded    []string                  `json:"succeeded"`
	Failures     []SubtaskFailure          `json:"failures"`
}

type Task struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	ActorID   string         `json:"actor_id"`
	Error     string         `json:"error"`
	Result    map[string]any `json:"result"`
	CreatedAt string         `json:"created_at"`
}

type Subtask struct {
	ID         string `json:"id"`
	Capability string `json:"capability"`
	Status     string `json:"status"`
	Error      string `json:"error"`
}

type TaskDetail struct {
	Task     Task      `json:"task"`
	Subtasks []Subtask `json:"subtasks"`
}

type RuleResult struct {
	RuleID      string   `json:"rule_id"`
	RuleVersion int      `json:"rule_version"`
	Status      string   `json:"status"`
	Severity    string   `json:"severity"`
	Details     []string `json:"details"`
	Remediation string   `json:"remediation"`
	Error       string   `json:"error"`
}

type ComplianceCheck struct {
	ID            string       `json:"id"`
	DocumentID    string       `json:"document_id"`
	Jurisdiction  string       `json:"jurisdiction"`
	Results       []RuleResult `json:"results"`
	Compliant     bool         `json:"compliant"`
	CheckedAt     string       `json:"checked_at"`
	AuditPosition int64        `json:"audit_position"`
}

type RuleCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

type RuleAction struct {
	Type        string `json:"type"`
	Message     string `json:"message,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

type Rule struct {
	ID           string          `json:"id"`
	Name         string          `json:"name,omitempty"`
	Jurisdiction string          `json:"jurisdiction"`
	DocumentType string          `json:"document_type,omitempty"`
	RuleType     string          `json:"rule_type,omitempty"`
	Severity     string          `json:"severity"`
	Mode         string          `json:"mode,omitempty"`
	Conditions   []RuleCondition `json:"conditions"`
	Actions      []RuleAction    `json:"actions,omitempty"`
	Version      int             `json:"version,omitempty"`
	Active       bool            `json:"active,omitempty"`
}

type AuditEvent struct {
	Seq         int64          `json:"seq"`
	EventType   string         `json:"event_type"`
	ActorID     string         `json:"actor_id"`
	Timestamp   string         `json:"timestamp"`
	Details     map[string]any `json:"details"`
	ContentHash string         `json:"content_hash"`
	ChainHash   string         `json:"chain_hash"`
}

type Trail struct {
	ResourceID   string       `json:"resource_id"`
	Events       []AuditEvent `json:"events"`
	Length       int64        `json:"length"`
	TerminalHash string       `json:"terminal_hash"`
}

type Notification struct {
	ID        string         `json:"id"`
	TargetID  string         `json:"target_id"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
	CreatedAt string         `json:"created_at"`
}

// APIError wraps non-2xx responses. Code and Details come from the
// {"error": {...}} envelope when the body has one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitTask runs a task to completion. A task whose subtasks all failed
// is returned with Status "failed", not as an error.
func (c *Client) SubmitTask(ctx context.Context, req TaskRequest) (TaskResult, error) {
	var resp TaskResult
	err := c.do(ctx, http.MethodPost, "tasks", req, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (TaskDetail, error) {
	var resp TaskDetail
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CheckCompliance evaluates doc and records the check.
func (c *Client) CheckCompliance(ctx context.Context, doc Document, jurisdiction string, targets ...string) (ComplianceCheck, error) {
	body := map[string]any{
		"document":     doc,
		"jurisdiction": jurisdiction,
	}
	if len(targets) > 0 {
		body["targets"] = targets
	}
	var resp ComplianceCheck
	err := c.do(ctx, http.MethodPost, "compliance/checks", body, &resp)
	return resp, err
}

// DocumentChecks lists the recorded checks of a document, newest first.
func (c *Client) DocumentChecks(ctx context.Context, documentID string, limit int) ([]ComplianceCheck, error) {
	endpoint := "documents/" + url.PathEscape(documentID) + "/checks"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []ComplianceCheck `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// PublishRule creates the next version of rule.ID.
func (c *Client) PublishRule(ctx context.Context, rule Rule) (Rule, error) {
	rule.Version = 0
	rule.Active = false
	var resp Rule
	err := c.do(ctx, http.MethodPost, "rules", rule, &resp)
	return resp, err
}

func (c *Client) Rules(ctx context.Context) ([]Rule, error) {
	var resp []Rule
	err := c.do(ctx, http.MethodGet, "rules", nil, &resp)
	return resp, err
}

// Trail returns the audit events of a resource such as "document:nda-3".
// Zero start or end leave that side of the window open.
func (c *Client) Trail(ctx context.Context, resourceID string, start, end time.Time) (Trail, error) {
	q := url.Values{}
	if !start.IsZero() {
		q.Set("start", start.UTC().Format(time.RFC3339))
	}
	if !end.IsZero() {
		q.Set("end", end.UTC().Format(time.RFC3339))
	}
	endpoint := "audit/trails/" + url.PathEscape(resourceID)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp Trail
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Verify returns nil when the resource's chain is intact. A broken chain
// is an *APIError with Code "audit_integrity".
func (c *Client) Verify(ctx context.Context, resourceID string) error {
	return c.do(ctx, http.MethodGet, "audit/trails/"+url.PathEscape(resourceID)+"/verify", nil, nil)
}

func (c *Client) Notifications(ctx context.Context) ([]Notification, error) {
	var resp []Notification
	err := c.do(ctx, http.MethodGet, "notifications", nil, &resp)
	return resp, err
}

func (c *Client) MarkRead(ctx context.Context, notificationID string) error {
	return c.do(ctx, http.MethodPost, "notifications/"+url.PathEscape(notificationID)+"/read", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
