package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"lexline/internal/config"
	"lexline/internal/domain"
	"lexline/internal/events"
	"lexline/internal/notify"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestClassifyPrecedence(t *testing.T) {
	cases := []struct {
		v    notify.Violation
		want domain.Severity
	}{
		{notify.Violation{RuleType: "critical"}, domain.SeverityCritical},
		{notify.Violation{Impact: "severe", RuleType: "standard"}, domain.SeverityCritical},
		{notify.Violation{RuleType: "major"}, domain.SeverityHigh},
		{notify.Violation{Severity: "HIGH"}, domain.SeverityHigh},
		{notify.Violation{RuleType: "standard"}, domain.SeverityMedium},
		{notify.Violation{Severity: "medium", RuleType: "other"}, domain.SeverityMedium},
		{notify.Violation{RuleType: "major", Severity: "medium"}, domain.SeverityHigh},
		{notify.Violation{RuleType: "advisory"}, domain.SeverityLow},
		{notify.Violation{}, domain.SeverityLow},
		{notify.Violation{Impact: "critical"}, domain.SeverityLow},
		{notify.Violation{RuleType: "severe"}, domain.SeverityLow},
		{notify.Violation{RuleType: "high"}, domain.SeverityLow},
		{notify.Violation{Impact: "major", Severity: "medium"}, domain.SeverityMedium},
		{notify.Violation{Impact: "high"}, domain.SeverityHigh},
	}
	for _, tc := range cases {
		if got := notify.Classify(tc.v); got != tc.want {
			t.Fatalf("Classify(%+v) = %s, want %s", tc.v, got, tc.want)
		}
	}
}

func TestFromResultsKeepsViolationsOnly(t *testing.T) {
	vs := notify.FromResults([]domain.RuleEvaluationResult{
		{RuleID: "a", Status: domain.RuleCompliant},
		{RuleID: "b", Status: domain.RuleViolation, RuleType: "major", Details: []string{"x", "y"}},
		{RuleID: "c", Status: domain.RuleError},
	})
	if len(vs) != 1 || vs[0].RuleID != "b" || vs[0].Message != "x; y" {
		t.Fatalf("unexpected violations %+v", vs)
	}
}

type failingTransport struct{}

func (failingTransport) Name() string { return "down" }
func (failingTransport) Deliver(context.Context, domain.Notification) error {
	return errors.New("target unreachable")
}

type recorder struct {
	mu   sync.Mutex
	seen []domain.Notification
}

func (r *recorder) Name() string { return "recorder" }
func (r *recorder) Deliver(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
	return nil
}

func TestRouteGroupsBySeverityAndSwallowsFailures(t *testing.T) {
	store := notify.NewMemoryStore()
	rec := &recorder{}
	router := notify.Router{
		Store:      store,
		Transports: []notify.Transport{failingTransport{}, rec},
		Logger:     quietLogger(),
		Now:        fixedNow,
	}
	src := notify.Source{ID: "check-1", ResourceID: "doc-1", Violations: []notify.Violation{
		{RuleID: "r1", RuleType: "critical"},
		{RuleID: "r2", RuleType: "major"},
		{RuleID: "r3", RuleType: "major"},
		{RuleID: "r4", RuleType: "standard"},
		{RuleID: "r5", RuleType: "other"},
	}}
	outcomes := router.Route(context.Background(), src)
	if len(outcomes) != 8 {
		t.Fatalf("expected 4 notifications x 2 transports, got %d outcomes", len(outcomes))
	}
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	if failed != 4 {
		t.Fatalf("expected the unreachable transport to fail 4 times, got %d", failed)
	}

	unread, err := store.ListUnread(context.Background(), "anyone")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(unread) != 4 {
		t.Fatalf("expected 4 stored broadcasts despite delivery failures, got %d", len(unread))
	}
	bySeverity := map[string]domain.Notification{}
	for _, n := range unread {
		bySeverity[n.Severity] = n
	}
	high := bySeverity["high"]
	if high.Details["count"] != 2 || high.Message != "2 high severity compliance violations on doc-1" {
		t.Fatalf("unexpected high notification %+v", high)
	}
	if high.SourceID != "check-1" || high.CreatedAt != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected metadata %+v", high)
	}
	if len(rec.seen) != 4 {
		t.Fatalf("expected 4 deliveries on the healthy transport, got %d", len(rec.seen))
	}
}

func TestRouteFansOutPerTarget(t *testing.T) {
	router := notify.Router{DefaultTargets: []string{"legal-team"}, Now: fixedNow}
	notes := router.Compose(notify.Source{
		ResourceID: "doc-2",
		Targets:    []string{"alice", "bob"},
		Violations: []notify.Violation{{RuleType: "critical"}, {Severity: "low"}},
	})
	if len(notes) != 4 {
		t.Fatalf("expected 2 severities x 2 targets, got %d", len(notes))
	}
	notes = router.Compose(notify.Source{Violations: []notify.Violation{{RuleType: "critical"}}})
	if len(notes) != 1 || notes[0].TargetID != "legal-team" {
		t.Fatalf("expected default target, got %+v", notes)
	}
	if got := router.Compose(notify.Source{}); len(got) != 0 {
		t.Fatalf("no violations must produce no notifications, got %d", len(got))
	}
}

func TestWebhookFormatsAndFilters(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]any
	var secrets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		secrets = append(secrets, r.Header.Get("X-Lexline-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := notify.NewWebhook(config.WebhookConfig{URL: srv.URL, Format: "slack", Secret: "s3", Severities: []string{"critical"}})
	router := notify.Router{Transports: []notify.Transport{hook}, Logger: quietLogger(), Now: fixedNow}
	outcomes := router.Route(context.Background(), notify.Source{ResourceID: "doc-3", Violations: []notify.Violation{
		{RuleType: "critical"}, {RuleType: "standard"},
	}})
	if len(outcomes) != 1 || outcomes[0].Err != nil {
		t.Fatalf("expected one successful delivery, got %+v", outcomes)
	}
	if len(bodies) != 1 || secrets[0] != "s3" {
		t.Fatalf("unexpected webhook calls %v %v", bodies, secrets)
	}
	blocks, ok := bodies[0]["blocks"].([]any)
	if !ok || len(blocks) != 2 {
		t.Fatalf("expected slack blocks, got %v", bodies[0])
	}
}

func TestWebhookReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	hook := notify.NewWebhook(config.WebhookConfig{URL: srv.URL})
	err := hook.Deliver(context.Background(), domain.Notification{ID: "n1", Severity: "low"})
	if err == nil {
		t.Fatalf("expected delivery error")
	}
}

func TestBroadcastReadStateIsPerTarget(t *testing.T) {
	ctx := context.Background()
	store := notify.NewMemoryStore()
	router := notify.Router{Store: store, Now: fixedNow}
	router.Route(ctx, notify.Source{Violations: []notify.Violation{{RuleType: "critical"}}})
	if err := store.SaveNotification(ctx, domain.Notification{ID: "direct", TargetID: "alice", Severity: "low"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	alice, _ := router.ListUnread(ctx, "alice")
	bob, _ := router.ListUnread(ctx, "bob")
	if len(alice) != 2 || len(bob) != 1 {
		t.Fatalf("expected alice=2 bob=1, got %d %d", len(alice), len(bob))
	}
	if err := router.MarkRead(ctx, "bob", "direct"); !errors.Is(err, notify.ErrNotFound) {
		t.Fatalf("bob must not read alice's notification: %v", err)
	}
	if err := router.MarkRead(ctx, "alice", bob[0].ID); err != nil {
		t.Fatalf("mark broadcast: %v", err)
	}
	if err := router.MarkRead(ctx, "alice", "direct"); err != nil {
		t.Fatalf("mark direct: %v", err)
	}
	alice, _ = router.ListUnread(ctx, "alice")
	bob, _ = router.ListUnread(ctx, "bob")
	if len(alice) != 0 || len(bob) != 1 {
		t.Fatalf("expected alice=0 bob=1 after reads, got %d %d", len(alice), len(bob))
	}
	if err := router.MarkRead(ctx, "alice", "missing"); !errors.Is(err, notify.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRouterSubscribesToBus(t *testing.T) {
	store := notify.NewMemoryStore()
	router := notify.Router{Store: store, Logger: quietLogger(), Now: fixedNow}
	bus := events.NewBus(events.WithLogger(quietLogger()))
	bus.Subscribe("compliance.checked", router.HandleEvent)
	bus.Publish(events.Event{Type: "compliance.checked", ResourceID: "doc-9", Data: notify.Source{
		Violations: []notify.Violation{{RuleType: "major"}},
	}})
	bus.Publish(events.Event{Type: "compliance.checked", Data: "not a source"})
	bus.Close()

	unread, _ := store.ListUnread(context.Background(), "x")
	if len(unread) != 1 || unread[0].Details["resource_id"] != "doc-9" || unread[0].SourceID == "" {
		t.Fatalf("unexpected notifications %+v", unread)
	}
}

func TestNoticeComposesOnePerTarget(t *testing.T) {
	router := notify.Router{Now: fixedNow}
	notes := router.Compose(notify.Source{
		ID:         "rule:gdpr-consent@2",
		ResourceID: "rule:gdpr-consent",
		Type:       notify.TypeDocumentUpdate,
		Targets:    []string{"alice", "bob"},
		Severity:   "HIGH",
		Message:    "rule gdpr-consent v2 now applies to EU-GDPR documents",
		Details:    map[string]any{"version": 2},
	})
	if len(notes) != 2 {
		t.Fatalf("expected one notice per target, got %d", len(notes))
	}
	for _, n := range notes {
		if n.Type != notify.TypeDocumentUpdate || n.Severity != "high" || n.Details["version"] != 2 || n.Details["resource_id"] != "rule:gdpr-consent" {
			t.Fatalf("unexpected notice %+v", n)
		}
	}
	notes = router.Compose(notify.Source{Message: "heads up"})
	if len(notes) != 1 || notes[0].Severity != "low" || notes[0].TargetID != "" {
		t.Fatalf("expected a low broadcast, got %+v", notes)
	}
}

func TestRecordedBatchesAreOnlyDelivered(t *testing.T) {
	store := notify.NewMemoryStore()
	rec := &recorder{}
	router := notify.Router{Store: store, Transports: []notify.Transport{rec}, Logger: quietLogger(), Now: fixedNow}
	notes := router.Record(context.Background(), notify.Source{Violations: []notify.Violation{{RuleType: "critical"}}})
	if len(rec.seen) != 0 {
		t.Fatalf("Record must not deliver")
	}

	bus := events.NewBus(events.WithLogger(quietLogger()))
	bus.Subscribe(events.AnyType, router.HandleEvent)
	bus.Publish(events.Event{Type: "compliance.checked", Data: notify.Recorded{Notifications: notes}})
	bus.Close()

	if len(rec.seen) != 1 || rec.seen[0].ID != notes[0].ID {
		t.Fatalf("expected the recorded notification delivered once, got %+v", rec.seen)
	}
	unread, _ := store.ListUnread(context.Background(), "x")
	if len(unread) != 1 {
		t.Fatalf("delivery must not store a second copy, got %d", len(unread))
	}
}
