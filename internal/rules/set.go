package rules

import (
	"slices"
	"sort"

	"lexline/internal/domain"
)

type indexKey struct {
	jurisdiction string
	docType      string
}

// Set is an immutable index of the rules in force. Lookups are one map
// access; each bucket keeps declaration order and already includes the
// jurisdiction's wildcard rules.
type Set struct {
	all   []domain.ComplianceRule
	index map[indexKey][]domain.ComplianceRule
}

// NewSet keeps the highest active version of every rule id, in the order the
// ids were first declared.
func NewSet(rules []domain.ComplianceRule) *Set {
	order := []string{}
	current := map[string]domain.ComplianceRule{}
	for _, r := range rules {
		if !r.Active {
			continue
		}
		prev, seen := current[r.ID]
		if !seen {
			order = append(order, r.ID)
		}
		if !seen || r.Version > prev.Version {
			current[r.ID] = r
		}
	}
	s := &Set{index: map[indexKey][]domain.ComplianceRule{}}
	for _, id := range order {
		s.all = append(s.all, current[id])
	}

	specific := map[indexKey]bool{}
	for _, r := range s.all {
		if r.DocumentType != AnyDocumentType {
			specific[indexKey{r.Jurisdiction, r.DocumentType}] = true
		}
	}
	for _, r := range s.all {
		if r.DocumentType != AnyDocumentType {
			k := indexKey{r.Jurisdiction, r.DocumentType}
			s.index[k] = append(s.index[k], r)
			continue
		}
		wk := indexKey{r.Jurisdiction, AnyDocumentType}
		s.index[wk] = append(s.index[wk], r)
		for k := range specific {
			if k.jurisdiction == r.Jurisdiction {
				s.index[k] = append(s.index[k], r)
			}
		}
	}
	// Buckets were filled from two passes; restore declaration order.
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for k, bucket := range s.index {
		sort.SliceStable(bucket, func(i, j int) bool { return pos[bucket[i].ID] < pos[bucket[j].ID] })
		s.index[k] = bucket
	}
	return s
}

// Applicable returns the rules for a jurisdiction and document type in
// declaration order. The slice must not be modified.
func (s *Set) Applicable(jurisdiction, docType string) []domain.ComplianceRule {
	if s == nil {
		return nil
	}
	if rs, ok := s.index[indexKey{jurisdiction, docType}]; ok {
		return rs
	}
	return s.index[indexKey{jurisdiction, AnyDocumentType}]
}

// Rules returns a copy of every rule in force.
func (s *Set) Rules() []domain.ComplianceRule {
	if s == nil {
		return nil
	}
	return slices.Clone(s.all)
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.all)
}
