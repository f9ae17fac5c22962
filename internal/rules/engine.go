// Package rules evaluates jurisdiction-scoped compliance rules against
// documents.
//
// Evaluation is read-only: it works on an immutable Set captured when
// Evaluate is called, so the same document, jurisdiction and context always
// produce the same results for a given snapshot. Publishing a rule builds a new
// Set and swaps it in atomically.
package rules

import (
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"lexline/internal/domain"
)

type Engine struct {
	Now func() time.Time

	mu      sync.Mutex
	history []domain.ComplianceRule
	current atomic.Pointer[Set]
}

// NewEngine validates rules and builds the first snapshot.
func NewEngine(rules []domain.ComplianceRule) (*Engine, error) {
	e := &Engine{}
	if err := e.Load(rules); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Load replaces every rule version the engine knows about.
func (e *Engine) Load(rules []domain.ComplianceRule) error {
	normalized := make([]domain.ComplianceRule, 0, len(rules))
	for _, r := range rules {
		Normalize(&r)
		if err := Validate(r); err != nil {
			return err
		}
		normalized = append(normalized, r)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = normalized
	e.current.Store(NewSet(normalized))
	return nil
}

// Publish stores rule as the next version of its id and retires the
// previous versions.
func (e *Engine) Publish(rule domain.ComplianceRule) (domain.ComplianceRule, error) {
	return e.PublishFunc(rule, nil)
}

// PublishFunc is Publish with a commit hook. The new version only becomes
// visible to evaluations once commit returns nil; publishes are serialized
// while it runs.
func (e *Engine) PublishFunc(rule domain.ComplianceRule, commit func(domain.ComplianceRule) error) (domain.ComplianceRule, error) {
	Normalize(&rule)
	if err := Validate(rule); err != nil {
		return domain.ComplianceRule{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := make([]domain.ComplianceRule, 0, len(e.history)+1)
	version := 0
	for _, r := range e.history {
		if r.ID == rule.ID {
			version = max(version, r.Version)
			r.Active = false
		}
		next = append(next, r)
	}
	rule.Version = version + 1
	rule.Active = true
	rule.CreatedAt = e.now().UTC().Format(time.RFC3339)
	if commit != nil {
		if err := commit(rule); err != nil {
			return domain.ComplianceRule{}, err
		}
	}
	next = append(next, rule)
	e.history = next
	e.current.Store(NewSet(next))
	return rule, nil
}

// Versions returns every stored version of id, oldest first.
func (e *Engine) Versions(id string) []domain.ComplianceRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.ComplianceRule
	for _, r := range e.history {
		if r.ID == id {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b domain.ComplianceRule) int { return a.Version - b.Version })
	return out
}

// History returns every known rule version in publication order.
func (e *Engine) History() []domain.ComplianceRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.history)
}

// Snapshot returns the rule set currently in force.
func (e *Engine) Snapshot() *Set {
	return e.current.Load()
}

// Evaluate yields one result per applicable rule, lazily and in declaration
// order. The snapshot is fixed at call time, so ranging twice yields the
// same results.
func (e *Engine) Evaluate(doc domain.Document, jurisdiction string, ctx map[string]any) iter.Seq[domain.RuleEvaluationResult] {
	return e.Snapshot().Evaluate(doc, jurisdiction, ctx)
}

func (e *Engine) EvaluateAll(doc domain.Document, jurisdiction string, ctx map[string]any) []domain.RuleEvaluationResult {
	return slices.Collect(e.Evaluate(doc, jurisdiction, ctx))
}

func (s *Set) Evaluate(doc domain.Document, jurisdiction string, ctx map[string]any) iter.Seq[domain.RuleEvaluationResult] {
	applicable := s.Applicable(jurisdiction, doc.Type)
	subj := subject{doc: doc, ctx: ctx}
	return func(yield func(domain.RuleEvaluationResult) bool) {
		for _, rule := range applicable {
			if !yield(evaluate(rule, subj)) {
				return
			}
		}
	}
}

// evaluate never panics; a failing rule becomes an error result.
func evaluate(rule domain.ComplianceRule, subj subject) (res domain.RuleEvaluationResult) {
	res = domain.RuleEvaluationResult{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		RuleVersion: rule.Version,
		RuleType:    rule.RuleType,
		Severity:    rule.Severity,
		Status:      domain.RuleCompliant,
	}
	defer func() {
		if r := recover(); r != nil {
			res.Status = domain.RuleError
			res.Details = nil
			res.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	failed := -1
	for i, c := range rule.Conditions {
		ok, err := holds(c, subj)
		if err != nil {
			res.Status = domain.RuleError
			res.Error = err.Error()
			return res
		}
		if !ok {
			failed = i
			break
		}
	}

	switch rule.Mode {
	case domain.ModeRequire:
		if failed < 0 {
			return res
		}
		res.Status = domain.RuleViolation
		c := rule.Conditions[failed]
		res.Details = append(res.Details, fmt.Sprintf("required condition not met: %s %s %v", c.Field, c.Operator, c.Value))
		applyActions(&res, rule.Actions)
	default:
		if failed >= 0 {
			return res
		}
		if applyActions(&res, rule.Actions) {
			res.Status = domain.RuleViolation
		}
	}
	return res
}

// applyActions appends action messages in order and reports whether any
// action flagged the document.
func applyActions(res *domain.RuleEvaluationResult, actions []domain.RuleAction) bool {
	flagged := false
	for _, a := range actions {
		if a.Type == ActionFlag {
			flagged = true
		}
		if a.Message != "" {
			res.Details = append(res.Details, a.Message)
		}
		if a.Remediation != "" && res.Remediation == "" {
			res.Remediation = a.Remediation
		}
	}
	return flagged
}

// Violations filters results down to violations.
func Violations(results []domain.RuleEvaluationResult) []domain.RuleEvaluationResult {
	var out []domain.RuleEvaluationResult
	for _, r := range results {
		if r.Status == domain.RuleViolation {
			out = append(out, r)
		}
	}
	return out
}
