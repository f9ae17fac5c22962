// Package capability defines the contract between the orchestrator and the
// providers that do the actual work for a subtask.
package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Name identifies a capability. The set is closed; see Names.
type Name string

const (
	ContractReview     Name = "contract_review"
	Compliance         Name = "compliance"
	DocumentGeneration Name = "document_generation"
	LegalResearch      Name = "legal_research"
	RiskAssessment     Name = "risk_assessment"
)

// Names returns every known capability in canonical order.
func Names() []Name {
	return []Name{Compliance, ContractReview, DocumentGeneration, LegalResearch, RiskAssessment}
}

// UnknownCapabilityError reports a name outside the known set.
type UnknownCapabilityError struct {
	Name string
}

func (e UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.Name)
}

// ParseName resolves s to a known capability.
func ParseName(s string) (Name, error) {
	n := Name(strings.TrimSpace(strings.ToLower(s)))
	for _, known := range Names() {
		if n == known {
			return n, nil
		}
	}
	return "", UnknownCapabilityError{Name: s}
}

// Input is handed to a provider. Payload and Context are the task's full
// input and context; providers must treat them as read-only.
type Input struct {
	TaskID     string         `json:"task_id"`
	SubtaskID  string         `json:"subtask_id"`
	Capability Name           `json:"capability"`
	Payload    map[string]any `json:"payload"`
	Context    map[string]any `json:"context,omitempty"`
}

type Output map[string]any

// Provider performs one capability. Implementations must honor ctx
// cancellation; the orchestrator abandons calls that outlive their deadline.
type Provider interface {
	Process(ctx context.Context, in Input) (Output, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, in Input) (Output, error)

func (f ProviderFunc) Process(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

// Registry maps capabilities to providers. It is immutable once built and
// safe for concurrent lookups.
type Registry struct {
	providers map[Name]Provider
}

// NewRegistry copies providers into a read-only registry. Unknown names and
// nil providers are rejected.
func NewRegistry(providers map[Name]Provider) (*Registry, error) {
	r := &Registry{providers: make(map[Name]Provider, len(providers))}
	for name, p := range providers {
		if _, err := ParseName(string(name)); err != nil {
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("capability %s: nil provider", name)
		}
		r.providers[name] = p
	}
	return r, nil
}

func (r *Registry) Lookup(name Name) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.providers[name]
	return p, ok
}

// Registered lists registered capabilities in canonical order.
func (r *Registry) Registered() []Name {
	if r == nil {
		return nil
	}
	out := make([]Name, 0, len(r.providers))
	for n := range r.providers {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// With returns a copy of the registry with name bound to p.
func (r *Registry) With(name Name, p Provider) *Registry {
	next := &Registry{providers: map[Name]Provider{}}
	if r != nil {
		for n, existing := range r.providers {
			next.providers[n] = existing
		}
	}
	next.providers[name] = p
	return next
}
