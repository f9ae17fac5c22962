package repo_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"lexline/internal/audit"
	"lexline/internal/db"
	"lexline/internal/domain"
	"lexline/internal/migrate"
	"lexline/internal/notify"
	"lexline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	task := domain.Task{
		ID:        "t-1",
		Type:      "contract_analysis",
		Input:     map[string]any{"content": "..."},
		Status:    domain.TaskPending,
		ActorID:   "alice",
		CreatedAt: "2026-03-01T09:00:00Z",
		UpdatedAt: "2026-03-01T09:00:00Z",
	}
	if err := r.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	done := "2026-03-01T09:00:05Z"
	task.Status = domain.TaskCompleted
	task.Result = map[string]any{"risk_score": 0.7}
	task.UpdatedAt = done
	task.CompletedAt = &done
	if err := r.UpdateTask(ctx, task); err != nil {
		t.Fatalf("update: %v", err)
	}
	subtasks := []domain.Subtask{
		{ID: "s-2", TaskID: "t-1", Capability: "risk_assessment", Status: domain.TaskFailed, Error: "timeout: no result"},
		{ID: "s-1", TaskID: "t-1", Capability: "compliance", Status: domain.TaskCompleted, Output: map[string]any{"compliant": true}},
	}
	if err := r.SaveSubtasks(ctx, "t-1", subtasks); err != nil {
		t.Fatalf("save subtasks: %v", err)
	}

	got, gotSubs, err := r.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TaskCompleted || got.Result["risk_score"] != 0.7 || got.CompletedAt == nil {
		t.Fatalf("unexpected task %+v", got)
	}
	if len(gotSubs) != 2 || gotSubs[0].Capability != "compliance" || gotSubs[1].Error == "" {
		t.Fatalf("unexpected subtasks %+v", gotSubs)
	}

	if _, _, err := r.GetTask(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.UpdateTask(ctx, domain.Task{ID: "missing", Status: domain.TaskFailed}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}

	list, err := r.ListTasks(ctx, repo.TaskFilters{Status: domain.TaskCompleted})
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}
}

func TestUnencodableSubtaskOutputFailsOnlyThatSubtask(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	if err := r.CreateTask(ctx, domain.Task{ID: "t-nan", Type: "risk_analysis", Status: domain.TaskRunning, CreatedAt: "2026-03-01T09:00:00Z", UpdatedAt: "2026-03-01T09:00:00Z"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := r.SaveSubtasks(ctx, "t-nan", []domain.Subtask{
		{ID: "s-1", TaskID: "t-nan", Capability: "compliance", Status: domain.TaskCompleted, Output: map[string]any{"compliant": true}},
		{ID: "s-2", TaskID: "t-nan", Capability: "risk_assessment", Status: domain.TaskCompleted, Output: map[string]any{"risk_score": math.NaN()}},
	})
	if err != nil {
		t.Fatalf("save subtasks: %v", err)
	}
	_, subs, err := r.GetTask(ctx, "t-nan")
	if err != nil || len(subs) != 2 {
		t.Fatalf("get: %+v %v", subs, err)
	}
	if subs[0].Status != domain.TaskCompleted || subs[0].Output["compliant"] != true {
		t.Fatalf("encodable subtask changed: %+v", subs[0])
	}
	if subs[1].Status != domain.TaskFailed || !strings.Contains(subs[1].Error, "encode output") || subs[1].Output != nil {
		t.Fatalf("expected failed subtask, got %+v", subs[1])
	}
}

func TestRuleVersionsRetirePredecessors(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	for v := 1; v <= 2; v++ {
		rule := domain.ComplianceRule{
			ID:           "gdpr-consent",
			Jurisdiction: "EU-GDPR",
			Severity:     "critical",
			Conditions:   []domain.RuleCondition{{Field: "content", Operator: "contains", Value: "consent"}},
			Version:      v,
			Active:       true,
			CreatedAt:    fmt.Sprintf("2026-03-0%dT00:00:00Z", v),
		}
		if err := r.InsertRule(ctx, rule); err != nil {
			t.Fatalf("insert v%d: %v", v, err)
		}
	}
	active, err := r.ListRules(ctx, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].Version != 2 {
		t.Fatalf("expected only v2 active, got %+v", active)
	}
	versions, err := r.RuleVersions(ctx, "gdpr-consent")
	if err != nil || len(versions) != 2 || versions[0].Active {
		t.Fatalf("unexpected versions %+v %v", versions, err)
	}
	dup := versions[1]
	if err := r.InsertRule(ctx, dup); err == nil {
		t.Fatalf("expected duplicate version to be rejected")
	}
	if _, err := r.RuleVersions(ctx, "unknown"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditStoreBacksChain(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	chain := audit.NewChain(r)

	var wg sync.WaitGroup
	for _, resource := range []string{"document:a", "document:b"} {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := chain.Append(ctx, audit.Entry{EventType: "compliance.checked", ResourceID: resource, ActorID: "alice", Details: map[string]any{"n": i}}); err != nil {
					t.Errorf("append %s: %v", resource, err)
				}
			}()
		}
	}
	wg.Wait()

	for _, resource := range []string{"document:a", "document:b"} {
		if err := chain.Verify(ctx, resource); err != nil {
			t.Fatalf("verify %s: %v", resource, err)
		}
		events, err := r.Range(ctx, resource)
		if err != nil || len(events) != 10 {
			t.Fatalf("range %s: %d %v", resource, len(events), err)
		}
	}
	resources, err := r.AuditResources(ctx, 0)
	if err != nil || len(resources) != 2 {
		t.Fatalf("resources: %v %v", resources, err)
	}

	head, ok, err := r.Head(ctx, "document:a")
	if err != nil || !ok || head.Seq != 10 {
		t.Fatalf("head: %+v %v %v", head, ok, err)
	}
	if err := r.Insert(ctx, head); !errors.Is(err, audit.ErrConflict) {
		t.Fatalf("expected ErrConflict for a reused seq, got %v", err)
	}
}

func TestBroadcastReadStateIsPerTarget(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	notes := []domain.Notification{
		{ID: "n-1", Type: "compliance_issue", Severity: "critical", Message: "broadcast", CreatedAt: "2026-03-01T09:00:00Z"},
		{ID: "n-2", TargetID: "alice", Type: "compliance_issue", Severity: "high", Message: "direct", Details: map[string]any{"document_id": "nda-3"}, CreatedAt: "2026-03-01T09:00:01Z"},
	}
	for _, n := range notes {
		if err := r.SaveNotification(ctx, n); err != nil {
			t.Fatalf("save %s: %v", n.ID, err)
		}
	}

	alice, err := r.ListUnread(ctx, "alice")
	if err != nil || len(alice) != 2 || alice[0].ID != "n-2" || alice[0].Details["document_id"] != "nda-3" {
		t.Fatalf("alice unread: %+v %v", alice, err)
	}
	if err := r.MarkRead(ctx, "alice", "n-1"); err != nil {
		t.Fatalf("mark broadcast: %v", err)
	}
	if err := r.MarkRead(ctx, "alice", "n-2"); err != nil {
		t.Fatalf("mark direct: %v", err)
	}
	if alice, _ = r.ListUnread(ctx, "alice"); len(alice) != 0 {
		t.Fatalf("alice should have nothing unread, got %+v", alice)
	}
	bob, _ := r.ListUnread(ctx, "bob")
	if len(bob) != 1 || bob[0].ID != "n-1" {
		t.Fatalf("bob should still see the broadcast, got %+v", bob)
	}
	if err := r.MarkRead(ctx, "bob", "n-2"); !errors.Is(err, notify.ErrNotFound) {
		t.Fatalf("bob cannot read alice's notification, got %v", err)
	}
}

func TestAPIKeysAndRoles(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.EnsureActor(ctx, tx, "ci-bot", "2026-03-01T09:00:00Z"); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	if err := r.AssignRole(ctx, tx, "ci-bot", "viewer"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	key := domain.APIKey{ID: "k-1", ActorID: "ci-bot", Name: "pipeline", KeyHash: repo.HashAPIKey("lxk_secret"), CreatedAt: "2026-03-01T09:00:00Z"}
	if err := r.InsertAPIKey(ctx, tx, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	ok, err := r.ActorHasPermission(ctx, "ci-bot", "task.read")
	if err != nil || !ok {
		t.Fatalf("viewer should read tasks: %v %v", ok, err)
	}
	if ok, _ := r.ActorHasPermission(ctx, "ci-bot", "rule.publish"); ok {
		t.Fatalf("viewer must not publish rules")
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("lxk_secret"))
	if err != nil || got.ActorID != "ci-bot" {
		t.Fatalf("lookup by hash: %+v %v", got, err)
	}
	if err := r.DeleteAPIKey(ctx, "k-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("lxk_secret")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
