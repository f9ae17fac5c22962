package rules

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"lexline/internal/domain"
)

type subject struct {
	doc domain.Document
	ctx map[string]any
}

// lookup resolves a dotted field path. "context." reads the evaluation
// context; anything else reads the document first and falls back to the
// context.
func (s subject) lookup(field string) (any, bool) {
	if rest, ok := strings.CutPrefix(field, "context."); ok {
		return walk(s.ctx, rest)
	}
	if v, ok := s.document(field); ok {
		return v, true
	}
	return walk(s.ctx, field)
}

func (s subject) document(field string) (any, bool) {
	head, rest, nested := strings.Cut(field, ".")
	switch head {
	case "content":
		return s.doc.Content, !nested
	case "type", "document_type":
		return s.doc.Type, !nested
	case "id":
		return s.doc.ID, !nested
	case "metadata":
		if !nested {
			return s.doc.Metadata, s.doc.Metadata != nil
		}
		return walk(s.doc.Metadata, rest)
	}
	return walk(s.doc.Metadata, field)
}

func walk(m map[string]any, path string) (any, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// holds reports whether c is satisfied. Errors are reserved for conditions
// that cannot be evaluated at all, such as ordering a non-number.
func holds(c domain.RuleCondition, s subject) (bool, error) {
	v, present := s.lookup(c.Field)
	present = present && !empty(v)
	switch c.Operator {
	case OpExists:
		return present, nil
	case OpNotExists:
		return !present, nil
	}
	if !present {
		// Absent fields satisfy only the negative operators.
		return c.Operator == OpNotEquals || c.Operator == OpNotContains, nil
	}
	switch c.Operator {
	case OpEquals:
		return equal(v, c.Value), nil
	case OpNotEquals:
		return !equal(v, c.Value), nil
	case OpContains:
		return contains(v, c.Value), nil
	case OpNotContains:
		return !contains(v, c.Value), nil
	case OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("%s: pattern must be a string", c.Field)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("%s: %w", c.Field, err)
		}
		return re.MatchString(fmt.Sprint(v)), nil
	case OpIn:
		list, ok := asList(c.Value)
		if !ok {
			return false, fmt.Errorf("%s: in expects a list", c.Field)
		}
		for _, item := range list {
			if equal(v, item) {
				return true, nil
			}
		}
		return false, nil
	case OpGT, OpGTE, OpLT, OpLTE:
		a, ok := number(v)
		if !ok {
			return false, fmt.Errorf("%s: %v is not a number", c.Field, v)
		}
		b, ok := number(c.Value)
		if !ok {
			return false, fmt.Errorf("%s: comparison value %v is not a number", c.Field, c.Value)
		}
		switch c.Operator {
		case OpGT:
			return a > b, nil
		case OpGTE:
			return a >= b, nil
		case OpLT:
			return a < b, nil
		default:
			return a <= b, nil
		}
	}
	return false, fmt.Errorf("unknown operator %q", c.Operator)
}

func empty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}

func equal(a, b any) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// contains is case-insensitive substring for strings and membership for lists.
func contains(v, want any) bool {
	if list, ok := asList(v); ok {
		for _, item := range list {
			if equal(item, want) {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(fmt.Sprint(v)), strings.ToLower(fmt.Sprint(want)))
}

func asList(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}
