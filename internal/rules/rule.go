package rules

import (
	"fmt"
	"regexp"
	"strings"

	"lexline/internal/domain"
)

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
	OpMatches     = "matches"
	OpIn          = "in"
	OpGT          = "gt"
	OpGTE         = "gte"
	OpLT          = "lt"
	OpLTE         = "lte"
)

// Action types. Only flag turns a rule into a violation.
const (
	ActionFlag   = "flag"
	ActionInform = "inform"
	ActionLog    = "log"
	ActionNoop   = "noop"
)

// Wildcard document type: the rule applies to every type in its jurisdiction.
const AnyDocumentType = "*"

var operators = map[string]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true, OpNotContains: true,
	OpExists: true, OpNotExists: true, OpMatches: true, OpIn: true,
	OpGT: true, OpGTE: true, OpLT: true, OpLTE: true,
}

var actions = map[string]bool{ActionFlag: true, ActionInform: true, ActionLog: true, ActionNoop: true}

// ValidationError describes a malformed rule.
type ValidationError struct {
	RuleID string
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("invalid rule: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid rule %s: %s %s", e.RuleID, e.Field, e.Reason)
}

// Normalize fills defaults in place: mode, wildcard doc type, severity case.
func Normalize(r *domain.ComplianceRule) {
	r.ID = strings.TrimSpace(r.ID)
	r.Jurisdiction = strings.TrimSpace(r.Jurisdiction)
	r.DocumentType = strings.TrimSpace(r.DocumentType)
	if r.DocumentType == "" {
		r.DocumentType = AnyDocumentType
	}
	r.Mode = strings.ToLower(strings.TrimSpace(r.Mode))
	if r.Mode == "" {
		r.Mode = domain.ModeMatch
	}
	if s, ok := domain.ParseSeverity(r.Severity); ok {
		r.Severity = string(s)
	}
	if r.Name == "" {
		r.Name = r.ID
	}
}

// Validate checks a normalized rule.
func Validate(r domain.ComplianceRule) error {
	fail := func(field, reason string) error {
		return ValidationError{RuleID: r.ID, Field: field, Reason: reason}
	}
	if r.ID == "" {
		return fail("id", "is required")
	}
	if r.Jurisdiction == "" {
		return fail("jurisdiction", "is required")
	}
	if !domain.Severity(r.Severity).Valid() {
		return fail("severity", fmt.Sprintf("%q is not one of critical, high, medium, low", r.Severity))
	}
	if r.Mode != domain.ModeMatch && r.Mode != domain.ModeRequire {
		return fail("mode", fmt.Sprintf("%q is not one of match, require", r.Mode))
	}
	if len(r.Conditions) == 0 {
		return fail("conditions", "must not be empty")
	}
	for i, c := range r.Conditions {
		if strings.TrimSpace(c.Field) == "" {
			return fail(fmt.Sprintf("conditions[%d].field", i), "is required")
		}
		if !operators[c.Operator] {
			return fail(fmt.Sprintf("conditions[%d].operator", i), fmt.Sprintf("%q is unknown", c.Operator))
		}
		if c.Operator == OpMatches {
			pattern, ok := c.Value.(string)
			if !ok {
				return fail(fmt.Sprintf("conditions[%d].value", i), "must be a string pattern")
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fail(fmt.Sprintf("conditions[%d].value", i), err.Error())
			}
		}
	}
	for i, a := range r.Actions {
		if !actions[a.Type] {
			return fail(fmt.Sprintf("actions[%d].type", i), fmt.Sprintf("%q is unknown", a.Type))
		}
	}
	return nil
}
