package engine

import (
	"context"
	"fmt"

	"lexline/internal/audit"
	"lexline/internal/domain"
	"lexline/internal/engine/auth"
	"lexline/internal/notify"
	"lexline/internal/repo"
	"lexline/internal/rules"
)

// PublishRule stores rule as the next version of its id. The database row
// is written before the new version takes part in evaluations.
func (e Engine) PublishRule(ctx context.Context, rule domain.ComplianceRule, actorID string) (domain.ComplianceRule, error) {
	if err := e.authorize(ctx, actorID, auth.PermRulePublish); err != nil {
		return domain.ComplianceRule{}, err
	}
	published, err := e.Rules.PublishFunc(rule, func(r domain.ComplianceRule) error {
		return e.Repo.InsertRule(ctx, r)
	})
	if err != nil {
		return domain.ComplianceRule{}, err
	}
	if _, err := e.Audit.Append(ctx, audit.Entry{
		EventType:  EventRulePublished,
		ResourceID: RuleResource(published.ID),
		ActorID:    actorID,
		Details: map[string]any{
			"version":       published.Version,
			"jurisdiction":  published.Jurisdiction,
			"document_type": published.DocumentType,
			"severity":      published.Severity,
			"mode":          published.Mode,
		},
	}); err != nil {
		return published, fmt.Errorf("audit rule publish: %w", err)
	}
	scope := published.Jurisdiction
	if published.DocumentType != "" && published.DocumentType != rules.AnyDocumentType {
		scope += " " + published.DocumentType
	}
	e.announce(ctx, EventRulePublished, actorID, notify.Source{
		ID:         fmt.Sprintf("%s@%d", RuleResource(published.ID), published.Version),
		ResourceID: RuleResource(published.ID),
		Type:       notify.TypeDocumentUpdate,
		Severity:   published.Severity,
		Message:    fmt.Sprintf("rule %s v%d now applies to %s documents", published.ID, published.Version, scope),
		Details: map[string]any{
			"rule_id":       published.ID,
			"version":       published.Version,
			"jurisdiction":  published.Jurisdiction,
			"document_type": published.DocumentType,
		},
	})
	return published, nil
}

// ImportRules publishes every rule found under paths.
func (e Engine) ImportRules(ctx context.Context, paths []string, actorID string) ([]domain.ComplianceRule, error) {
	loaded, err := rules.LoadPaths(paths)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ComplianceRule, 0, len(loaded))
	for _, r := range loaded {
		published, err := e.PublishRule(ctx, r, actorID)
		if err != nil {
			return out, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		out = append(out, published)
	}
	return out, nil
}

// ListRules returns the rules in force, or every known version.
func (e Engine) ListRules(ctx context.Context, actorID string, all bool) ([]domain.ComplianceRule, error) {
	if err := e.authorize(ctx, actorID, auth.PermRuleRead); err != nil {
		return nil, err
	}
	if all {
		return e.Rules.History(), nil
	}
	return e.Rules.Snapshot().Rules(), nil
}

func (e Engine) RuleVersions(ctx context.Context, id, actorID string) ([]domain.ComplianceRule, error) {
	if err := e.authorize(ctx, actorID, auth.PermRuleRead); err != nil {
		return nil, err
	}
	versions := e.Rules.Versions(id)
	if len(versions) == 0 {
		return nil, fmt.Errorf("rule %s: %w", id, repo.ErrNotFound)
	}
	return versions, nil
}

// EvaluateDocument runs the rules without recording anything.
func (e Engine) EvaluateDocument(ctx context.Context, doc domain.Document, jurisdiction string, evalCtx map[string]any, actorID string) ([]domain.RuleEvaluationResult, error) {
	if err := e.authorize(ctx, actorID, auth.PermRuleRead); err != nil {
		return nil, err
	}
	return e.Rules.EvaluateAll(doc, jurisdiction, evalCtx), nil
}
