package server

import (
	"encoding/json"

	"lexline/internal/audit"
	"lexline/internal/domain"
	"lexline/internal/orchestrator"
)

// Request payloads

type SubmitTaskRequest struct {
	ID       *string        `json:"id,omitempty"`
	Type     string         `json:"type" example:"contract_analysis"`
	Input    map[string]any `json:"input"`
	Context  map[string]any `json:"context,omitempty"`
	Priority int            `json:"priority,omitempty"`
	// Targets receive notifications raised by the task's compliance check.
	Targets []string `json:"targets,omitempty"`
}

type DocumentRequest struct {
	ID       string         `json:"id" example:"msa-2024-17"`
	Type     string         `json:"type,omitempty" example:"contract"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (d DocumentRequest) document() domain.Document {
	return domain.Document{ID: d.ID, Type: d.Type, Content: d.Content, Metadata: d.Metadata}
}

type CheckComplianceRequest struct {
	Document     DocumentRequest `json:"document"`
	Jurisdiction string          `json:"jurisdiction" example:"EU-GDPR"`
	Context      map[string]any  `json:"context,omitempty"`
	Targets      []string        `json:"targets,omitempty"`
}

type EvaluateRequest struct {
	Document     DocumentRequest `json:"document"`
	Jurisdiction string          `json:"jurisdiction" example:"EU-GDPR"`
	Context      map[string]any  `json:"context,omitempty"`
}

// PublishRuleRequest is a rule definition; version and activity are
// assigned on publish.
type PublishRuleRequest struct {
	ID           string                 `json:"id" example:"gdpr-consent"`
	Name         string                 `json:"name,omitempty"`
	Description  string                 `json:"description,omitempty"`
	Jurisdiction string                 `json:"jurisdiction" example:"EU-GDPR"`
	DocumentType string                 `json:"document_type,omitempty" example:"contract"`
	RuleType     string                 `json:"rule_type,omitempty"`
	Severity     string                 `json:"severity" enum:"critical,high,medium,low"`
	Mode         string                 `json:"mode,omitempty" enum:"match,require"`
	Conditions   []domain.RuleCondition `json:"conditions"`
	Actions      []domain.RuleAction    `json:"actions,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
}

func (r PublishRuleRequest) rule() domain.ComplianceRule {
	return domain.ComplianceRule{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		Jurisdiction: r.Jurisdiction,
		DocumentType: r.DocumentType,
		RuleType:     r.RuleType,
		Severity:     r.Severity,
		Mode:         r.Mode,
		Conditions:   r.Conditions,
		Actions:      r.Actions,
		Tags:         r.Tags,
	}
}

type GrantRoleRequest struct {
	Role string `json:"role" enum:"admin,compliance_officer,analyst,viewer"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Responses

type TaskResultResponse struct {
	TaskID       string                        `json:"task_id"`
	Type         string                        `json:"type"`
	Status       string                        `json:"status" enum:"completed,failed"`
	Data         map[string]any                `json:"data"`
	ByCapability map[string]map[string]any     `json:"by_capability"`
	Succeeded    []string                      `json:"succeeded"`
	Failures     []orchestrator.SubtaskFailure `json:"failures"`
}

type TaskResponse struct {
	Task     domain.Task      `json:"task"`
	Subtasks []domain.Subtask `json:"subtasks"`
}

type AuditEventResponse struct {
	Seq         int64          `json:"seq"`
	EventType   string         `json:"event_type"`
	ActorID     string         `json:"actor_id,omitempty"`
	Timestamp   string         `json:"timestamp" format:"date-time"`
	Details     map[string]any `json:"details"`
	ContentHash string         `json:"content_hash"`
	ChainHash   string         `json:"chain_hash"`
}

type TrailResponse struct {
	ResourceID   string               `json:"resource_id"`
	Events       []AuditEventResponse `json:"events"`
	Length       int64                `json:"length"`
	TerminalHash string               `json:"terminal_hash"`
}

type VerifyResponse struct {
	ResourceID string `json:"resource_id"`
	Valid      bool   `json:"valid"`
}

type APIKeyResponse struct {
	domain.APIKey
	// Key is only present when the key is created.
	Key string `json:"key,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedTasks struct {
	Items []domain.Task `json:"items"`
}

type paginatedChecks struct {
	Items []domain.ComplianceCheck `json:"items"`
}

// Conversion helpers

func taskResultResponse(res orchestrator.Result) TaskResultResponse {
	out := TaskResultResponse{
		TaskID:       res.TaskID,
		Type:         res.Type,
		Status:       res.Status,
		Data:         res.Data,
		ByCapability: map[string]map[string]any{},
		Succeeded:    make([]string, 0, len(res.Succeeded)),
		Failures:     nonNilSlice(res.Failures),
	}
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	for name, o := range res.ByCapability {
		out.ByCapability[string(name)] = o
	}
	for _, c := range res.Succeeded {
		out.Succeeded = append(out.Succeeded, string(c))
	}
	return out
}

func trailResponse(t audit.Trail) TrailResponse {
	out := TrailResponse{
		ResourceID:   t.ResourceID,
		Events:       make([]AuditEventResponse, 0, len(t.Events)),
		Length:       t.Length,
		TerminalHash: t.TerminalHash,
	}
	for _, e := range t.Events {
		out.Events = append(out.Events, auditEventResponse(e))
	}
	return out
}

func auditEventResponse(e domain.AuditEvent) AuditEventResponse {
	return AuditEventResponse{
		Seq:         e.Seq,
		EventType:   e.EventType,
		ActorID:     e.ActorID,
		Timestamp:   e.Timestamp,
		Details:     decodeJSONMap(e.Details),
		ContentHash: e.ContentHash,
		ChainHash:   e.ChainHash,
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
