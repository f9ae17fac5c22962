// Package notify turns compliance outcomes into severity-grouped
// notifications, persists them, and hands them to delivery transports on a
// best-effort basis.
package notify

import (
	"strings"

	"lexline/internal/domain"
)

const (
	TypeComplianceIssue = "compliance_issue"
	TypeDocumentUpdate  = "document_update"
	TypeSecurityAlert   = "security_alert"
	TypeTaskUpdate      = "task_update"
)

// Violation is one finding to be announced. RuleType and Impact are the
// loose labels found on rules and provider output; Severity is the rule's
// declared level.
type Violation struct {
	RuleID      string `json:"rule_id,omitempty"`
	RuleName    string `json:"rule_name,omitempty"`
	RuleType    string `json:"rule_type,omitempty"`
	Impact      string `json:"impact,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Message     string `json:"message,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

// Classify maps a violation to a severity. Each label is read in its own
// vocabulary: rule type (critical, major, standard), impact (severe, high,
// medium) and the rule's declared severity. The most urgent reading wins.
func Classify(v Violation) domain.Severity {
	best := domain.SeverityLow
	for _, s := range []domain.Severity{
		ruleTypes[norm(v.RuleType)],
		impacts[norm(v.Impact)],
		domain.Severity(norm(v.Severity)),
	} {
		if s.Rank() > best.Rank() {
			best = s
		}
	}
	return best
}

var ruleTypes = map[string]domain.Severity{
	"critical": domain.SeverityCritical,
	"major":    domain.SeverityHigh,
	"standard": domain.SeverityMedium,
}

var impacts = map[string]domain.Severity{
	"severe": domain.SeverityCritical,
	"high":   domain.SeverityHigh,
	"medium": domain.SeverityMedium,
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// FromResults collects the violations of a rule evaluation.
func FromResults(results []domain.RuleEvaluationResult) []Violation {
	var out []Violation
	for _, r := range results {
		if r.Status != domain.RuleViolation {
			continue
		}
		out = append(out, Violation{
			RuleID:      r.RuleID,
			RuleName:    r.RuleName,
			RuleType:    r.RuleType,
			Severity:    r.Severity,
			Message:     strings.Join(r.Details, "; "),
			Remediation: r.Remediation,
		})
	}
	return out
}

// Group buckets violations by severity, most severe first, skipping empty
// buckets. Order inside a bucket follows the input.
func Group(vs []Violation) []Bucket {
	buckets := map[domain.Severity][]Violation{}
	for _, v := range vs {
		s := Classify(v)
		buckets[s] = append(buckets[s], v)
	}
	var out []Bucket
	for _, s := range domain.Severities {
		if len(buckets[s]) > 0 {
			out = append(out, Bucket{Severity: s, Violations: buckets[s]})
		}
	}
	return out
}

type Bucket struct {
	Severity   domain.Severity
	Violations []Violation
}
