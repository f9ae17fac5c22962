package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lexline/internal/config"
	"lexline/internal/db"
	"lexline/internal/engine"
	"lexline/internal/migrate"
)

const (
	testSecret = "test-secret"
	admin      = "admin-1"
)

type testServer struct {
	*httptest.Server
	Engine engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.New(conn, config.Default(), engine.WithLogger(logger))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.InitWorkspace(ctx, admin); err != nil {
		t.Fatalf("init workspace: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true, EnableDevLogin: true},
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		e.Close()
		conn.Close()
	})
	return &testServer{Server: srv, Engine: e}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

type envelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

var consentRule = map[string]any{
	"id":            "gdpr-consent",
	"name":          "Consent clause",
	"jurisdiction":  "EU-GDPR",
	"document_type": "contract",
	"severity":      "critical",
	"mode":          "require",
	"conditions":    []map[string]any{{"field": "content", "operator": "contains", "value": "consent"}},
	"actions":       []map[string]any{{"type": "flag", "message": "missing consent language"}},
}

func publishConsentRule(t *testing.T, srv *testServer) {
	t.Helper()
	res, body := doJSON(t, http.MethodPost, srv.URL+"/v1/rules", consentRule, as(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("publish rule: %d %s", res.StatusCode, string(body))
	}
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(body))
	}
}

func TestRequestsRequireCredentials(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, body).Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, body).Code != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d %s", res.StatusCode, string(body))
	}
}

func TestComplianceCheckFlow(t *testing.T) {
	srv := newTestServer(t)
	publishConsentRule(t, srv)

	res, body := doJSON(t, http.MethodPost, srv.URL+"/v1/compliance/checks", map[string]any{
		"document":     map[string]any{"id": "doc-1", "type": "contract", "content": "The parties agree."},
		"jurisdiction": "EU-GDPR",
	}, as(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("check: %d %s", res.StatusCode, string(body))
	}
	var check struct {
		ID        string `json:"id"`
		Compliant bool   `json:"compliant"`
		Results   []struct {
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &check); err != nil {
		t.Fatalf("decode check: %v", err)
	}
	if check.Compliant || len(check.Results) != 1 || check.Results[0].Status != "violation" {
		t.Fatalf("unexpected check %s", string(body))
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/documents/doc-1/checks", nil, as(admin))
	var list paginatedChecks
	if res.StatusCode != http.StatusOK || json.Unmarshal(body, &list) != nil || len(list.Items) != 1 {
		t.Fatalf("list checks: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/audit/trails/document:doc-1", nil, as(admin))
	var trail TrailResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(body, &trail) != nil {
		t.Fatalf("trail: %d %s", res.StatusCode, string(body))
	}
	if trail.Length != 1 || trail.Events[0].Details["check_id"] != check.ID {
		t.Fatalf("unexpected trail %s", string(body))
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/audit/trails/document:doc-1/verify", nil, as(admin))
	var verify VerifyResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(body, &verify) != nil || !verify.Valid {
		t.Fatalf("verify: %d %s", res.StatusCode, string(body))
	}
}

func TestSubmitTask(t *testing.T) {
	srv := newTestServer(t)
	publishConsentRule(t, srv)

	res, body := doJSON(t, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"type": "compliance",
		"input": map[string]any{
			"document":     map[string]any{"id": "doc-5", "type": "contract", "content": "consent is given"},
			"jurisdiction": "EU-GDPR",
		},
	}, as(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", res.StatusCode, string(body))
	}
	var result TaskResultResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != "completed" || len(result.Succeeded) != 1 || result.Data["compliant"] != true {
		t.Fatalf("unexpected result %s", string(body))
	}

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/tasks/"+result.TaskID, nil, as(admin))
	var task TaskResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(body, &task) != nil || len(task.Subtasks) != 1 {
		t.Fatalf("get task: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"type":  "contract_analysis",
		"input": map[string]any{},
	}, as(admin))
	if res.StatusCode != http.StatusUnprocessableEntity || decodeError(t, body).Code != "validation_failed" {
		t.Fatalf("expected validation failure, got %d %s", res.StatusCode, string(body))
	}
}

func TestForbiddenEnvelope(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, http.MethodPost, srv.URL+"/v1/compliance/checks", map[string]any{
		"document":     map[string]any{"id": "doc-1", "content": "text"},
		"jurisdiction": "EU-GDPR",
	}, as("stranger"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(body))
	}
	apiErr := decodeError(t, body)
	if apiErr.Code != "forbidden" || apiErr.Details["permission"] != "compliance.check" {
		t.Fatalf("unexpected envelope %+v", apiErr)
	}
}

func TestTokenPermissionsApply(t *testing.T) {
	srv := newTestServer(t)
	token, err := signToken(testSecret, "svc", nil, []string{"rule.read"}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + token}
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v1/rules", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rules with token permission: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/tasks", nil, bearer)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("tasks without permission: %d %s", res.StatusCode, string(body))
	}

	other, _ := signToken("another-secret", "svc", nil, []string{"rule.read"}, time.Minute)
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/rules", nil, map[string]string{"Authorization": "Bearer " + other})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("token with foreign signature accepted: %d", res.StatusCode)
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": admin}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(body))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(body, &login); err != nil || login.Token == "" {
		t.Fatalf("decode login: %v %s", err, string(body))
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	var me WhoAmIResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(body, &me) != nil || me.ActorID != admin || me.Source != "jwt" {
		t.Fatalf("me: %d %s", res.StatusCode, string(body))
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, http.MethodPost, srv.URL+"/v1/actors/ci-bot/roles", map[string]any{"role": "analyst"}, as(admin))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("grant: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, http.MethodPost, srv.URL+"/v1/actors/ci-bot/api-keys", map[string]any{"name": "pipeline"}, as(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(body))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(body, &key); err != nil || key.Key == "" {
		t.Fatalf("decode key: %v %s", err, string(body))
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tasks with api key: %d %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{"X-Api-Key": "lxk_unknown"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown api key accepted: %d", res.StatusCode)
	}
}

func TestVerifyReportsTamperingAsConflict(t *testing.T) {
	srv := newTestServer(t)
	publishConsentRule(t, srv)
	res, body := doJSON(t, http.MethodPost, srv.URL+"/v1/compliance/checks", map[string]any{
		"document":     map[string]any{"id": "doc-7", "type": "contract", "content": "consent"},
		"jurisdiction": "EU-GDPR",
	}, as(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("check: %d %s", res.StatusCode, string(body))
	}
	if _, err := srv.Engine.DB.Exec(`UPDATE audit_events SET details_json='{}' WHERE resource_id='document:doc-7'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/audit/trails/document:doc-7/verify", nil, as(admin))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(body))
	}
	apiErr := decodeError(t, body)
	if apiErr.Code != "audit_integrity" || apiErr.Details["position"] != float64(1) {
		t.Fatalf("unexpected envelope %+v", apiErr)
	}

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/audit/trails/document:nothing/verify", nil, as(admin))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown resource, got %d", res.StatusCode)
	}
}

func TestNotificationsForCaller(t *testing.T) {
	srv := newTestServer(t)
	publishConsentRule(t, srv)
	res, body := doJSON(t, http.MethodPost, srv.URL+"/v1/compliance/checks", map[string]any{
		"document":     map[string]any{"id": "doc-8", "type": "contract", "content": "no clause"},
		"jurisdiction": "EU-GDPR",
		"targets":      []string{admin},
	}, as(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("check: %d %s", res.StatusCode, string(body))
	}
	srv.Engine.Close()

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/notifications", nil, as(admin))
	var all []struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Severity string `json:"severity"`
	}
	if res.StatusCode != http.StatusOK || json.Unmarshal(body, &all) != nil {
		t.Fatalf("notifications: %d %s", res.StatusCode, string(body))
	}
	items := all[:0]
	for _, n := range all {
		if n.Type == "compliance_issue" {
			items = append(items, n)
		}
	}
	if len(items) != 1 || items[0].Severity != "critical" || len(all) != 2 {
		t.Fatalf("expected the rule change and one compliance issue: %s", string(body))
	}
	res, body = doJSON(t, http.MethodPost, srv.URL+"/v1/notifications/"+items[0].ID+"/read", nil, as(admin))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("mark read: %d %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/notifications/"+items[0].ID+"/read", nil, as("viewer-2"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("actor without role should be forbidden, got %d", res.StatusCode)
	}
}
