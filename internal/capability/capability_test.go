package capability_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"lexline/internal/capability"
	"lexline/internal/config"
)

func TestParseNameRejectsUnknown(t *testing.T) {
	if n, err := capability.ParseName(" Compliance "); err != nil || n != capability.Compliance {
		t.Fatalf("expected compliance, got %q %v", n, err)
	}
	_, err := capability.ParseName("astrology")
	var unknown capability.UnknownCapabilityError
	if !errors.As(err, &unknown) || unknown.Name != "astrology" {
		t.Fatalf("expected UnknownCapabilityError, got %v", err)
	}
}

func TestRegistryIsReadOnlyCopy(t *testing.T) {
	noop := capability.ProviderFunc(func(context.Context, capability.Input) (capability.Output, error) {
		return capability.Output{}, nil
	})
	src := map[capability.Name]capability.Provider{capability.Compliance: noop}
	reg, err := capability.NewRegistry(src)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	src[capability.RiskAssessment] = noop
	if _, ok := reg.Lookup(capability.RiskAssessment); ok {
		t.Fatalf("registry must not observe later changes to its source map")
	}
	if got := reg.Registered(); len(got) != 1 || got[0] != capability.Compliance {
		t.Fatalf("unexpected registered set %v", got)
	}
	if _, err := capability.NewRegistry(map[capability.Name]capability.Provider{"bogus": noop}); err == nil {
		t.Fatalf("expected unknown capability to be rejected")
	}
}

func TestHTTPProviderRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in capability.Input
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": in.Payload["content"], "capability": in.Capability})
	}))
	defer srv.Close()

	p := capability.NewHTTPProvider(srv.URL, 0)
	p.BearerToken = "secret"
	out, err := p.Process(context.Background(), capability.Input{
		TaskID: "t1", Capability: capability.ContractReview,
		Payload: map[string]any{"content": "hello"},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out["echo"] != "hello" || out["capability"] != "contract_review" {
		t.Fatalf("unexpected output %v", out)
	}

	p.BearerToken = ""
	_, err = p.Process(context.Background(), capability.Input{Capability: capability.ContractReview})
	var apiErr *capability.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}

type assessInput struct {
	TaskID     string         `json:"task_id"`
	SubtaskID  string         `json:"subtask_id,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

type assessOutput struct {
	RiskScore float64 `json:"risk_score"`
	TaskID    string  `json:"task_id"`
}

func TestMCPProviderCallsTool(t *testing.T) {
	server := gomcp.NewServer(&gomcp.Implementation{Name: "risk", Version: "v0.0.1"}, nil)
	gomcp.AddTool(server, &gomcp.Tool{Name: "assess_risk", Description: "score a document"},
		func(_ context.Context, _ *gomcp.CallToolRequest, in assessInput) (*gomcp.CallToolResult, assessOutput, error) {
			return nil, assessOutput{RiskScore: 0.7, TaskID: in.TaskID}, nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &capability.MCPProvider{
		Tool: "assess_risk",
		Connect: func(context.Context) (gomcp.Transport, error) {
			t1, t2 := gomcp.NewInMemoryTransports()
			go func() { _ = server.Run(ctx, t1) }()
			return t2, nil
		},
	}
	out, err := p.Process(ctx, capability.Input{TaskID: "task-9", Capability: capability.RiskAssessment, Payload: map[string]any{}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out["risk_score"] != 0.7 || out["task_id"] != "task-9" {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestBuildFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Capabilities["contract_review"] = config.CapabilityConfig{Kind: config.KindHTTP, URL: "http://localhost:9001/process"}
	builtin := capability.ProviderFunc(func(context.Context, capability.Input) (capability.Output, error) {
		return capability.Output{}, nil
	})
	reg, err := capability.Build(cfg, map[capability.Name]capability.Provider{capability.Compliance: builtin})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := reg.Lookup(capability.ContractReview); !ok {
		t.Fatalf("contract_review should be registered")
	}
	if _, err := capability.Build(cfg, nil); err == nil {
		t.Fatalf("builtin compliance without a provider must fail")
	}
}
