package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lexline/internal/audit"
	"lexline/internal/capability"
	"lexline/internal/domain"
	"lexline/internal/engine/auth"
	"lexline/internal/notify"
	"lexline/internal/rules"
)

// ComplianceProvider serves the compliance capability from the rule engine.
// The payload carries a document (under "document", or inline) and a
// jurisdiction (payload or context).
type ComplianceProvider struct {
	Rules *rules.Engine
}

func (p ComplianceProvider) Process(_ context.Context, in capability.Input) (capability.Output, error) {
	doc, ok := documentFromPayload(in.Payload)
	if !ok {
		return nil, errors.New("payload carries no document")
	}
	jurisdiction := jurisdictionOf(in.Payload, in.Context)
	if jurisdiction == "" {
		return nil, errors.New("jurisdiction required for compliance evaluation")
	}
	results := p.Rules.EvaluateAll(doc, jurisdiction, in.Context)
	violations := rules.Violations(results)
	findings := make([]any, 0, len(violations))
	for _, v := range violations {
		findings = append(findings, fmt.Sprintf("%s: %s", v.RuleName, strings.Join(v.Details, "; ")))
	}
	return capability.Output{
		"document_id":  doc.ID,
		"jurisdiction": jurisdiction,
		"compliant":    isCompliant(results),
		"violations":   len(violations),
		"findings":     findings,
		"rule_results": results,
	}, nil
}

func isCompliant(results []domain.RuleEvaluationResult) bool {
	for _, r := range results {
		if r.Status != domain.RuleCompliant {
			return false
		}
	}
	return true
}

// documentFromPayload accepts {"document": {...}} or a payload that is
// itself a document with at least content.
func documentFromPayload(payload map[string]any) (domain.Document, bool) {
	var src any = payload["document"]
	if src == nil {
		if _, ok := payload["content"]; !ok {
			return domain.Document{}, false
		}
		src = payload
	}
	data, err := json.Marshal(src)
	if err != nil {
		return domain.Document{}, false
	}
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.Document{}, false
	}
	if doc.Type == "" {
		if dt, ok := payload["document_type"].(string); ok {
			doc.Type = dt
		}
	}
	return doc, true
}

func jurisdictionOf(payload, ctx map[string]any) string {
	for _, m := range []map[string]any{payload, ctx} {
		if j, ok := m["jurisdiction"].(string); ok && strings.TrimSpace(j) != "" {
			return strings.TrimSpace(j)
		}
	}
	return ""
}

type CheckOptions struct {
	Document     domain.Document
	Jurisdiction string
	Context      map[string]any
	ActorID      string
	// Targets receive the resulting notifications; empty means the
	// configured defaults, or a broadcast.
	Targets []string
}

// CheckCompliance evaluates a document, records the check and its audit
// event, and queues notifications for any violations.
func (e Engine) CheckCompliance(ctx context.Context, opts CheckOptions) (domain.ComplianceCheck, error) {
	if err := e.authorize(ctx, opts.ActorID, auth.PermComplianceCheck); err != nil {
		return domain.ComplianceCheck{}, err
	}
	if strings.TrimSpace(opts.Document.ID) == "" {
		return domain.ComplianceCheck{}, InputError{Field: "document.id", Reason: "required"}
	}
	if strings.TrimSpace(opts.Jurisdiction) == "" {
		return domain.ComplianceCheck{}, InputError{Field: "jurisdiction", Reason: "required"}
	}
	results := e.Rules.EvaluateAll(opts.Document, opts.Jurisdiction, opts.Context)
	return e.recordCheck(ctx, opts, results)
}

// recordCheck appends the audit event first so the stored check can point
// at its position; a failed append fails the check.
func (e Engine) recordCheck(ctx context.Context, opts CheckOptions, results []domain.RuleEvaluationResult) (domain.ComplianceCheck, error) {
	if results == nil {
		results = []domain.RuleEvaluationResult{}
	}
	check := domain.ComplianceCheck{
		ID:           uuid.NewString(),
		DocumentID:   opts.Document.ID,
		Jurisdiction: opts.Jurisdiction,
		DocumentType: opts.Document.Type,
		Results:      results,
		Compliant:    isCompliant(results),
		CheckedAt:    e.now().UTC().Format(time.RFC3339),
	}
	var violated, errored []string
	for _, r := range results {
		switch r.Status {
		case domain.RuleViolation:
			violated = append(violated, r.RuleID)
		case domain.RuleError:
			errored = append(errored, r.RuleID)
		}
	}
	pos, err := e.Audit.Append(ctx, audit.Entry{
		EventType:  EventComplianceChecked,
		ResourceID: DocumentResource(check.DocumentID),
		ActorID:    opts.ActorID,
		Details: map[string]any{
			"check_id":        check.ID,
			"jurisdiction":    check.Jurisdiction,
			"document_type":   check.DocumentType,
			"compliant":       check.Compliant,
			"rules_evaluated": len(results),
			"violations":      violated,
			"errors":          errored,
		},
	})
	if err != nil {
		return domain.ComplianceCheck{}, fmt.Errorf("audit compliance check: %w", err)
	}
	check.AuditPosition = pos
	if err := e.Repo.InsertComplianceCheck(ctx, check); err != nil {
		return domain.ComplianceCheck{}, fmt.Errorf("store compliance check: %w", err)
	}
	if len(violated) > 0 {
		e.announce(ctx, EventComplianceChecked, opts.ActorID, notify.Source{
			ID:         check.ID,
			ResourceID: check.DocumentID,
			Type:       notify.TypeComplianceIssue,
			Targets:    opts.Targets,
			Violations: notify.FromResults(results),
		})
	}
	return check, nil
}

func (e Engine) GetComplianceCheck(ctx context.Context, id, actorID string) (domain.ComplianceCheck, error) {
	if err := e.authorize(ctx, actorID, auth.PermTaskRead); err != nil {
		return domain.ComplianceCheck{}, err
	}
	return e.Repo.GetComplianceCheck(ctx, id)
}

func (e Engine) ListComplianceChecks(ctx context.Context, documentID, actorID string, limit int) ([]domain.ComplianceCheck, error) {
	if err := e.authorize(ctx, actorID, auth.PermTaskRead); err != nil {
		return nil, err
	}
	return e.Repo.ListComplianceChecks(ctx, documentID, limit)
}

// ruleResultsFrom recovers rule results from a compliance output, whether it
// came from the in-process provider or was decoded from JSON.
func ruleResultsFrom(out capability.Output) ([]domain.RuleEvaluationResult, bool) {
	raw, ok := out["rule_results"]
	if !ok {
		return nil, false
	}
	if typed, ok := raw.([]domain.RuleEvaluationResult); ok {
		return typed, true
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var results []domain.RuleEvaluationResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, false
	}
	return results, true
}
