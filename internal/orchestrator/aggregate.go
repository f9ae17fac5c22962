package orchestrator

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"lexline/internal/capability"
	"lexline/internal/domain"
)

// Outcome is the settled state of one subtask.
type Outcome struct {
	Capability capability.Name   `json:"capability"`
	SubtaskID  string            `json:"subtask_id"`
	Output     capability.Output `json:"output,omitempty"`
	Failure    *SubtaskFailure   `json:"failure,omitempty"`
	StartedAt  string            `json:"started_at,omitempty"`
	FinishedAt string            `json:"finished_at,omitempty"`
}

// Result is what a task submission produces.
type Result struct {
	TaskID       string                               `json:"task_id"`
	Type         string                               `json:"type"`
	Status       string                               `json:"status" enum:"completed,failed"`
	Data         map[string]any                       `json:"data"`
	ByCapability map[capability.Name]capability.Output `json:"by_capability"`
	Succeeded    []capability.Name                    `json:"succeeded"`
	Failures     []SubtaskFailure                     `json:"failures,omitempty"`
}

// Aggregator merges the outputs of successful subtasks. Implementations
// must not depend on map iteration or completion order.
type Aggregator interface {
	Merge(outputs map[capability.Name]capability.Output) map[string]any
}

// MergeAggregator folds outputs in capability-name order. Lists are
// concatenated, maps merged recursively, keys ending in _score keep the
// maximum, keys ending in _level (and "severity") keep the most severe value.
// Any other disagreement is kept as a map keyed by capability.
type MergeAggregator struct{}

func (MergeAggregator) Merge(outputs map[capability.Name]capability.Output) map[string]any {
	out := map[string]any{}
	owners := map[string]string{}
	for _, name := range slices.Sorted(maps.Keys(outputs)) {
		mergeInto(out, outputs[name], string(name), "", owners)
	}
	return out
}

func mergeInto(dst, src map[string]any, owner, path string, owners map[string]string) {
	for _, k := range slices.Sorted(maps.Keys(src)) {
		p := path + "/" + k
		v := src[k]
		existing, ok := dst[k]
		if !ok {
			dst[k] = clone(v)
			claim(v, p, owner, owners)
			continue
		}
		dst[k] = combine(k, p, existing, v, owner, owners)
	}
}

func combine(key, path string, existing, incoming any, owner string, owners map[string]string) any {
	if conflict, ok := existing.(conflictSet); ok {
		conflict[owner] = clone(incoming)
		return conflict
	}
	if a, ok := asSlice(existing); ok {
		if b, ok := asSlice(incoming); ok {
			return append(a, clone(b).([]any)...)
		}
	}
	if a, ok := existing.(map[string]any); ok {
		if b, ok := incoming.(map[string]any); ok {
			mergeInto(a, b, owner, path, owners)
			return a
		}
	}
	if strings.HasSuffix(key, "_score") {
		if a, ok := toFloat(existing); ok {
			if b, ok := toFloat(incoming); ok {
				return max(a, b)
			}
		}
	}
	if strings.HasSuffix(key, "_level") || key == "severity" {
		a, aok := domain.ParseSeverity(fmt.Sprint(existing))
		b, bok := domain.ParseSeverity(fmt.Sprint(incoming))
		if aok && bok {
			if b.Rank() > a.Rank() {
				return string(b)
			}
			return string(a)
		}
	}
	if reflect.DeepEqual(existing, incoming) {
		return existing
	}
	return conflictSet{owners[path]: existing, owner: clone(incoming)}
}

// claim records owner for path and every path nested below it.
func claim(v any, path, owner string, owners map[string]string) {
	owners[path] = owner
	var m map[string]any
	switch x := v.(type) {
	case map[string]any:
		m = x
	case capability.Output:
		m = x
	}
	for k, sub := range m {
		claim(sub, path+"/"+k, owner, owners)
	}
}

// conflictSet holds disagreeing scalar values keyed by capability.
type conflictSet map[string]any

func asSlice(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = clone(val)
		}
		return out
	case capability.Output:
		return clone(map[string]any(x))
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = clone(val)
		}
		return out
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// Assemble partitions outcomes into a Result. Successful outputs are merged
// with agg; failures are listed in capability order.
func Assemble(taskID, taskType string, outcomes []Outcome, agg Aggregator) Result {
	if agg == nil {
		agg = MergeAggregator{}
	}
	res := Result{
		TaskID:       taskID,
		Type:         taskType,
		ByCapability: map[capability.Name]capability.Output{},
		Succeeded:    []capability.Name{},
	}
	for _, o := range outcomes {
		if o.Failure != nil {
			res.Failures = append(res.Failures, *o.Failure)
			continue
		}
		out := o.Output
		if out == nil {
			out = capability.Output{}
		}
		res.ByCapability[o.Capability] = out
		res.Succeeded = append(res.Succeeded, o.Capability)
	}
	slices.Sort(res.Succeeded)
	slices.SortFunc(res.Failures, func(a, b SubtaskFailure) int { return strings.Compare(a.Capability, b.Capability) })
	res.Data = agg.Merge(res.ByCapability)
	res.Status = domain.TaskCompleted
	if len(res.Succeeded) == 0 {
		res.Status = domain.TaskFailed
	}
	return res
}
