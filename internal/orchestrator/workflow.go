package orchestrator

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"lexline/internal/capability"
)

// Workflows maps a task type to the capabilities that serve it.
type Workflows map[string][]capability.Name

// DefaultWorkflows is the built-in table.
func DefaultWorkflows() Workflows {
	return Workflows{
		"contract_analysis":   {capability.ContractReview, capability.RiskAssessment, capability.Compliance},
		"document_generation": {capability.DocumentGeneration, capability.Compliance},
		"legal_research":      {capability.LegalResearch, capability.DocumentGeneration},
		"risk_analysis":       {capability.RiskAssessment, capability.Compliance},
	}
}

// WorkflowsFromConfig overlays configured workflows on the defaults.
func WorkflowsFromConfig(table map[string][]string) (Workflows, error) {
	w := DefaultWorkflows()
	for taskType, names := range table {
		caps := make([]capability.Name, 0, len(names))
		for _, raw := range names {
			n, err := capability.ParseName(raw)
			if err != nil {
				return nil, fmt.Errorf("workflow %s: %w", taskType, err)
			}
			caps = append(caps, n)
		}
		w[taskType] = caps
	}
	return w, nil
}

// Resolve returns the capabilities for taskType. A type missing from the
// table becomes a single-capability workflow named after the type.
func (w Workflows) Resolve(taskType string) ([]capability.Name, error) {
	taskType = strings.TrimSpace(taskType)
	if taskType == "" {
		return nil, ValidationError{Field: "type", Reason: "is required"}
	}
	caps, ok := w[taskType]
	if !ok {
		n, err := capability.ParseName(taskType)
		if err != nil {
			return nil, ValidationError{Field: "type", Reason: fmt.Sprintf("%q has no workflow and is not a capability", taskType)}
		}
		caps = []capability.Name{n}
	}
	if len(caps) == 0 {
		return nil, ValidationError{Field: "type", Reason: fmt.Sprintf("workflow %q has no capabilities", taskType)}
	}
	return slices.Clone(caps), nil
}

// Types lists the configured task types, sorted.
func (w Workflows) Types() []string {
	return slices.Sorted(maps.Keys(w))
}
