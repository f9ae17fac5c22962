package orchestrator_test

import (
	"fmt"
	"reflect"
	"testing"

	"pgregory.net/rapid"

	"lexline/internal/capability"
	"lexline/internal/orchestrator"
)

func genOutput(t *rapid.T, label string) capability.Output {
	out := capability.Output{}
	n := rapid.IntRange(0, 4).Draw(t, label+"_keys")
	for i := 0; i < n; i++ {
		key := rapid.SampledFrom([]string{"summary", "findings", "risk_score", "risk_level", "details", "status", "verdict"}).Draw(t, fmt.Sprintf("%s_key_%d", label, i))
		switch key {
		case "findings":
			out[key] = []any{rapid.StringMatching(`[a-z]{1,6}`).Draw(t, fmt.Sprintf("%s_finding_%d", label, i))}
		case "risk_score":
			out[key] = rapid.Float64Range(0, 1).Draw(t, fmt.Sprintf("%s_score_%d", label, i))
		case "risk_level":
			out[key] = rapid.SampledFrom([]string{"low", "medium", "high", "critical"}).Draw(t, fmt.Sprintf("%s_level_%d", label, i))
		case "details":
			out[key] = map[string]any{label: rapid.IntRange(0, 9).Draw(t, fmt.Sprintf("%s_detail_%d", label, i))}
		case "verdict":
			out["summary"] = map[string]any{"verdict": rapid.SampledFrom([]string{"ok", "risky", "unclear"}).Draw(t, fmt.Sprintf("%s_verdict_%d", label, i))}
		default:
			out[key] = rapid.StringMatching(`[a-z]{1,4}`).Draw(t, fmt.Sprintf("%s_%s_%d", label, key, i))
		}
	}
	return out
}

func genOutcomes(t *rapid.T) []orchestrator.Outcome {
	var outcomes []orchestrator.Outcome
	for _, name := range capability.Names() {
		if !rapid.Bool().Draw(t, string(name)+"_present") {
			continue
		}
		oc := orchestrator.Outcome{Capability: name, SubtaskID: string(name)}
		if rapid.Bool().Draw(t, string(name)+"_fails") {
			oc.Failure = &orchestrator.SubtaskFailure{Capability: string(name), Kind: orchestrator.FailureError, Message: "x"}
		} else {
			oc.Output = genOutput(t, string(name))
		}
		outcomes = append(outcomes, oc)
	}
	return outcomes
}

// Completion order never changes the aggregated result.
func TestProperty01_AggregationIsOrderIndependent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		outcomes := genOutcomes(rt)
		perm := rapid.Permutation(outcomes).Draw(rt, "perm")
		a := orchestrator.Assemble("t", "x", outcomes, nil)
		b := orchestrator.Assemble("t", "x", perm, nil)
		if !reflect.DeepEqual(a, b) {
			rt.Fatalf("aggregation depends on order:\n%+v\n%+v", a, b)
		}
	})
}

// Every key of every successful output survives aggregation, and the raw
// outputs are kept per capability.
func TestProperty02_AggregationIsSuperset(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		outcomes := genOutcomes(rt)
		res := orchestrator.Assemble("t", "x", outcomes, nil)
		succeeded := 0
		for _, oc := range outcomes {
			if oc.Failure != nil {
				continue
			}
			succeeded++
			if !reflect.DeepEqual(res.ByCapability[oc.Capability], oc.Output) {
				rt.Fatalf("raw output of %s not preserved", oc.Capability)
			}
			for k := range oc.Output {
				if _, ok := res.Data[k]; !ok {
					rt.Fatalf("key %s from %s missing in merged data", k, oc.Capability)
				}
			}
		}
		if len(res.Succeeded)+len(res.Failures) != len(outcomes) || len(res.Succeeded) != succeeded {
			rt.Fatalf("partition lost outcomes: %d+%d != %d", len(res.Succeeded), len(res.Failures), len(outcomes))
		}
		if (succeeded == 0) != (res.Status == "failed") {
			rt.Fatalf("status %s does not match %d successes", res.Status, succeeded)
		}
	})
}

// A disagreement at any depth is keyed by the capabilities that produced it.
func TestProperty03_ConflictsNameTheirCapabilities(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		res := orchestrator.Assemble("t", "x", genOutcomes(rt), nil)
		var walk func(path string, v any)
		walk = func(path string, v any) {
			rv := reflect.ValueOf(v)
			if rv.Kind() != reflect.Map {
				return
			}
			for _, k := range rv.MapKeys() {
				if k.String() == "" {
					rt.Fatalf("value at %s lost its capability: %v", path, v)
				}
				walk(path+"/"+k.String(), rv.MapIndex(k).Interface())
			}
		}
		walk("", res.Data)
	})
}

func TestNestedConflictKeepsBothOwners(t *testing.T) {
	res := orchestrator.Assemble("t", "x", []orchestrator.Outcome{
		{Capability: capability.ContractReview, Output: capability.Output{"summary": map[string]any{"verdict": "ok"}}},
		{Capability: capability.RiskAssessment, Output: capability.Output{"summary": map[string]any{"verdict": "risky"}}},
	}, nil)
	summary, ok := res.Data["summary"].(map[string]any)
	if !ok {
		t.Fatalf("summary should stay a map, got %T", res.Data["summary"])
	}
	if got := fmt.Sprint(summary["verdict"]); got != "map[contract_review:ok risk_assessment:risky]" {
		t.Fatalf("unexpected nested conflict %v", got)
	}
}

func TestMergeKeepsMaxScoreAndWorstLevel(t *testing.T) {
	res := orchestrator.Assemble("t", "x", []orchestrator.Outcome{
		{Capability: capability.RiskAssessment, Output: capability.Output{"risk_score": 0.4, "risk_level": "medium", "owner": "risk"}},
		{Capability: capability.ContractReview, Output: capability.Output{"risk_score": 0.9, "risk_level": "low", "owner": "review"}},
	}, nil)
	if res.Data["risk_score"] != 0.9 || res.Data["risk_level"] != "medium" {
		t.Fatalf("unexpected merge: %+v", res.Data)
	}
	if got := fmt.Sprint(res.Data["owner"]); got != "map[contract_review:review risk_assessment:risk]" {
		t.Fatalf("expected conflicting scalars kept per capability, got %v", got)
	}
}
