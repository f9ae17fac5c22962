package rules_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"lexline/internal/domain"
	"lexline/internal/rules"
)

func consentRule() domain.ComplianceRule {
	return domain.ComplianceRule{
		ID:           "gdpr-consent",
		Name:         "Consent clause",
		Jurisdiction: "EU-GDPR",
		DocumentType: "contract",
		RuleType:     "critical",
		Severity:     "critical",
		Mode:         domain.ModeRequire,
		Conditions:   []domain.RuleCondition{{Field: "content", Operator: rules.OpContains, Value: "consent"}},
		Actions:      []domain.RuleAction{{Type: rules.ActionFlag, Message: "missing consent language", Remediation: "add a consent clause"}},
		Active:       true,
		Version:      1,
	}
}

func TestRequireModeFlagsMissingConsent(t *testing.T) {
	eng, err := rules.NewEngine([]domain.ComplianceRule{consentRule()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	doc := domain.Document{ID: "d1", Type: "contract", Content: "The parties agree to the terms."}
	res := eng.EvaluateAll(doc, "EU-GDPR", nil)
	if len(res) != 1 {
		t.Fatalf("expected 1 result, got %d", len(res))
	}
	if res[0].Status != domain.RuleViolation || res[0].Severity != "critical" {
		t.Fatalf("expected critical violation, got %+v", res[0])
	}
	if res[0].Remediation != "add a consent clause" {
		t.Fatalf("unexpected remediation %q", res[0].Remediation)
	}

	doc.Content = "The data subject gives explicit Consent to processing."
	res = eng.EvaluateAll(doc, "EU-GDPR", nil)
	if len(res) != 1 || res[0].Status != domain.RuleCompliant {
		t.Fatalf("expected compliant result, got %+v", res)
	}
}

func TestMatchModeFlagsWhenConditionsHold(t *testing.T) {
	rule := domain.ComplianceRule{
		ID:           "privacy-flag",
		Jurisdiction: "US",
		Severity:     "high",
		Conditions: []domain.RuleCondition{
			{Field: "content", Operator: rules.OpContains, Value: "privacy"},
			{Field: "context.client_type", Operator: rules.OpEquals, Value: "healthcare"},
		},
		Actions: []domain.RuleAction{{Type: rules.ActionFlag, Message: "privacy review required"}},
		Active:  true,
	}
	eng, err := rules.NewEngine([]domain.ComplianceRule{rule})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	doc := domain.Document{ID: "d", Type: "policy", Content: "Our privacy policy"}

	res := eng.EvaluateAll(doc, "US", map[string]any{"client_type": "healthcare"})
	if len(res) != 1 || res[0].Status != domain.RuleViolation {
		t.Fatalf("expected violation, got %+v", res)
	}
	res = eng.EvaluateAll(doc, "US", map[string]any{"client_type": "retail"})
	if len(res) != 1 || res[0].Status != domain.RuleCompliant {
		t.Fatalf("expected compliant when a condition fails, got %+v", res)
	}
	if got := eng.EvaluateAll(doc, "EU-GDPR", nil); len(got) != 0 {
		t.Fatalf("rules from other jurisdictions must not apply, got %+v", got)
	}
}

func TestMatchWithoutFlagStaysCompliant(t *testing.T) {
	bare := domain.ComplianceRule{
		ID: "cookie-mention", Jurisdiction: "EU-GDPR", Severity: "low", Active: true,
		Conditions: []domain.RuleCondition{{Field: "content", Operator: rules.OpContains, Value: "cookies"}},
	}
	noted := bare
	noted.ID = "cookie-note"
	noted.Actions = []domain.RuleAction{{Type: rules.ActionInform, Message: "mentions cookies"}}
	eng, err := rules.NewEngine([]domain.ComplianceRule{bare, noted})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	res := eng.EvaluateAll(domain.Document{Type: "policy", Content: "We use cookies."}, "EU-GDPR", nil)
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %+v", res)
	}
	for _, r := range res {
		if r.Status != domain.RuleCompliant {
			t.Fatalf("only a flag action marks a violation, got %+v", r)
		}
	}
	if len(res[0].Details) != 0 || !slices.Equal(res[1].Details, []string{"mentions cookies"}) {
		t.Fatalf("unexpected details %+v / %+v", res[0].Details, res[1].Details)
	}
}

func TestRuleErrorsAreIsolated(t *testing.T) {
	broken := domain.ComplianceRule{
		ID: "broken", Jurisdiction: "US", Severity: "low", Active: true,
		Conditions: []domain.RuleCondition{{Field: "content", Operator: rules.OpGT, Value: 10}},
	}
	ok := domain.ComplianceRule{
		ID: "ok", Jurisdiction: "US", Severity: "low", Active: true,
		Conditions: []domain.RuleCondition{{Field: "content", Operator: rules.OpExists}},
		Actions:    []domain.RuleAction{{Type: rules.ActionFlag}},
	}
	eng, err := rules.NewEngine([]domain.ComplianceRule{broken, ok})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	res := eng.EvaluateAll(domain.Document{Type: "memo", Content: "not a number"}, "US", nil)
	if len(res) != 2 {
		t.Fatalf("expected both rules to report, got %+v", res)
	}
	if res[0].RuleID != "broken" || res[0].Status != domain.RuleError || res[0].Error == "" {
		t.Fatalf("expected error result first, got %+v", res[0])
	}
	if res[1].RuleID != "ok" || res[1].Status != domain.RuleViolation {
		t.Fatalf("expected second rule to still evaluate, got %+v", res[1])
	}
}

func TestWildcardAndSpecificRulesKeepDeclarationOrder(t *testing.T) {
	mk := func(id, docType string) domain.ComplianceRule {
		return domain.ComplianceRule{
			ID: id, Jurisdiction: "UK", DocumentType: docType, Severity: "low", Active: true,
			Conditions: []domain.RuleCondition{{Field: "content", Operator: rules.OpExists}},
		}
	}
	eng, err := rules.NewEngine([]domain.ComplianceRule{mk("a", "nda"), mk("b", ""), mk("c", "nda"), mk("d", "lease")})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ids := func(doc domain.Document) []string {
		var out []string
		for r := range eng.Evaluate(doc, "UK", nil) {
			out = append(out, r.RuleID)
		}
		return out
	}
	if got := ids(domain.Document{Type: "nda", Content: "x"}); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("nda rules: %v", got)
	}
	if got := ids(domain.Document{Type: "will", Content: "x"}); !slices.Equal(got, []string{"b"}) {
		t.Fatalf("unknown doc type should only see wildcard rules: %v", got)
	}
}

func TestEvaluateIsLazy(t *testing.T) {
	var set []domain.ComplianceRule
	for _, id := range []string{"r1", "r2", "r3"} {
		set = append(set, domain.ComplianceRule{
			ID: id, Jurisdiction: "US", Severity: "low", Active: true,
			Conditions: []domain.RuleCondition{{Field: "content", Operator: rules.OpExists}},
		})
	}
	eng, err := rules.NewEngine(set)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	seen := 0
	for range eng.Evaluate(domain.Document{Content: "x"}, "US", nil) {
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Fatalf("expected early stop after 2 results, got %d", seen)
	}
}

func TestPublishCreatesNewVersion(t *testing.T) {
	eng, err := rules.NewEngine([]domain.ComplianceRule{consentRule()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	doc := domain.Document{Type: "contract", Content: "no magic word"}
	seq := eng.Evaluate(doc, "EU-GDPR", nil)

	updated := consentRule()
	updated.Severity = "medium"
	published, err := eng.Publish(updated)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if published.Version != 2 || !published.Active {
		t.Fatalf("expected active version 2, got %+v", published)
	}
	versions := eng.Versions("gdpr-consent")
	if len(versions) != 2 || versions[0].Active {
		t.Fatalf("expected old version retired, got %+v", versions)
	}
	for r := range seq {
		if r.RuleVersion != 1 || r.Severity != "critical" {
			t.Fatalf("sequence created before publish must keep its snapshot, got %+v", r)
		}
	}
	res := eng.EvaluateAll(doc, "EU-GDPR", nil)
	if len(res) != 1 || res[0].RuleVersion != 2 || res[0].Severity != "medium" {
		t.Fatalf("expected new version in force, got %+v", res)
	}
}

func TestValidateRejectsMalformedRules(t *testing.T) {
	cases := []domain.ComplianceRule{
		{Jurisdiction: "US", Severity: "low", Conditions: []domain.RuleCondition{{Field: "content", Operator: "exists"}}},
		{ID: "x", Severity: "low", Conditions: []domain.RuleCondition{{Field: "content", Operator: "exists"}}},
		{ID: "x", Jurisdiction: "US", Severity: "urgent", Conditions: []domain.RuleCondition{{Field: "content", Operator: "exists"}}},
		{ID: "x", Jurisdiction: "US", Severity: "low"},
		{ID: "x", Jurisdiction: "US", Severity: "low", Conditions: []domain.RuleCondition{{Field: "content", Operator: "sounds_like"}}},
		{ID: "x", Jurisdiction: "US", Severity: "low", Conditions: []domain.RuleCondition{{Field: "content", Operator: "matches", Value: "("}}},
		{ID: "x", Jurisdiction: "US", Severity: "low", Mode: "maybe", Conditions: []domain.RuleCondition{{Field: "content", Operator: "exists"}}},
	}
	for i, r := range cases {
		rules.Normalize(&r)
		var verr rules.ValidationError
		if err := rules.Validate(r); !errors.As(err, &verr) {
			t.Fatalf("case %d: expected ValidationError, got %v", i, err)
		}
	}
}

const yamlRules = `rules:
  - id: nda-term
    name: NDA term limit
    jurisdiction: US
    document_type: nda
    severity: medium
    conditions:
      - field: metadata.term_years
        operator: gt
        value: 5
    actions:
      - type: flag
        message: NDA term exceeds five years
  - id: retired
    jurisdiction: US
    severity: low
    active: false
    conditions:
      - field: content
        operator: exists
`

const goRules = `package main

func RuleDefinitions() ([]map[string]any, error) {
	return []map[string]any{
		{
			"id":           "ccpa-opt-out",
			"jurisdiction": "US-CA",
			"severity":     "high",
			"rule_type":    "major",
			"mode":         "require",
			"conditions": []map[string]any{
				{"field": "content", "operator": "contains", "value": "opt out"},
			},
		},
	}, nil
}
`

func TestLoadPathsReadsYAMLAndGoPacks(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "us.yml"), []byte(yamlRules), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ccpa.go"), []byte(goRules), 0o644); err != nil {
		t.Fatalf("write go pack: %v", err)
	}
	loaded, err := rules.LoadPaths([]string{dir, filepath.Join(dir, "missing")})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(loaded))
	}
	eng, err := rules.NewEngine(loaded)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if eng.Snapshot().Len() != 2 {
		t.Fatalf("inactive rules must not be in force, have %d", eng.Snapshot().Len())
	}
	res := eng.EvaluateAll(domain.Document{Type: "nda", Metadata: map[string]any{"term_years": 7}}, "US", nil)
	if len(res) != 1 || res[0].Status != domain.RuleViolation {
		t.Fatalf("expected nda violation, got %+v", res)
	}
	res = eng.EvaluateAll(domain.Document{Type: "privacy_notice", Content: "You may opt out at any time."}, "US-CA", nil)
	if len(res) != 1 || res[0].Status != domain.RuleCompliant || res[0].RuleType != "major" {
		t.Fatalf("expected compliant go-pack rule, got %+v", res)
	}
}
