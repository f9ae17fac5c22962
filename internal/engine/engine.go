// Package engine composes the orchestrator, rule engine, audit chain and
// notification router over one SQLite database. Every operation is checked
// against the caller's permissions and leaves an audit event.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"lexline/internal/audit"
	"lexline/internal/capability"
	"lexline/internal/config"
	"lexline/internal/engine/auth"
	"lexline/internal/events"
	"lexline/internal/notify"
	"lexline/internal/orchestrator"
	"lexline/internal/repo"
	"lexline/internal/rules"
)

// Audit and bus event types.
const (
	EventTaskCompleted     = "task.completed"
	EventTaskFailed        = "task.failed"
	EventComplianceChecked = "compliance.checked"
	EventRulePublished     = "rule.published"
	EventAuditTampered     = "audit.tampered"
)

// Authorizer decides whether an actor holds a permission.
type Authorizer interface {
	Authorize(ctx context.Context, actorID, perm string) error
}

type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Auth         Authorizer
	Config       *config.Config
	Rules        *rules.Engine
	Orchestrator orchestrator.Orchestrator
	Audit        *audit.Chain
	Bus          *events.Bus
	Notifier     notify.Router
	Logger       *slog.Logger
	Now          func() time.Time
}

// InputError rejects a request before any work starts.
type InputError struct {
	Field  string
	Reason string
}

func (e InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Option adjusts an Engine before its collaborators are wired.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	providers  map[capability.Name]capability.Provider
	dispatcher orchestrator.Dispatcher
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithProvider registers an in-process provider, replacing whatever the
// config selects for that capability.
func WithProvider(name capability.Name, p capability.Provider) Option {
	return func(o *options) { o.providers[name] = p }
}

// WithDispatcher runs subtasks through d instead of in-process.
func WithDispatcher(d orchestrator.Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// New wires an Engine. Rules start empty; call LoadRules to fill them.
func New(conn *sql.DB, cfg *config.Config, opts ...Option) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{logger: slog.Default(), providers: map[capability.Name]capability.Provider{}}
	for _, opt := range opts {
		opt(&o)
	}
	r := repo.Repo{DB: conn}
	ruleEngine, err := rules.NewEngine(nil)
	if err != nil {
		return Engine{}, err
	}
	e := Engine{
		DB:     conn,
		Repo:   r,
		Auth:   auth.Service{Repo: r},
		Config: cfg,
		Rules:  ruleEngine,
		Audit:  audit.NewChain(r),
		Logger: o.logger,
		Now:    time.Now,
	}

	builtins := map[capability.Name]capability.Provider{
		capability.Compliance: ComplianceProvider{Rules: ruleEngine},
	}
	reg, err := capability.Build(cfg, builtins)
	if err != nil {
		return Engine{}, err
	}
	for name, p := range o.providers {
		reg = reg.With(name, p)
	}
	workflows, err := orchestrator.WorkflowsFromConfig(cfg.Workflows)
	if err != nil {
		return Engine{}, err
	}
	orch := orchestrator.New(reg, r)
	orch.Workflows = workflows
	orch.Timeout = cfg.SubtaskTimeout()
	orch.MaxConcurrency = cfg.Orchestrator.MaxConcurrency
	orch.Logger = o.logger
	orch.Dispatcher = o.dispatcher
	e.Orchestrator = orch

	e.Bus = events.NewBus(
		events.WithQueueSize(cfg.Notifications.QueueSize),
		events.WithWorkers(cfg.Notifications.Workers),
		events.WithLogger(o.logger),
	)
	e.Notifier = notify.Router{
		Store:          r,
		Transports:     notify.TransportsFromConfig(cfg, o.logger),
		DefaultTargets: cfg.Notifications.DefaultTargets,
		Logger:         o.logger,
	}
	e.Bus.Subscribe(events.AnyType, e.Notifier.HandleEvent)
	return e, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// announce stores the notifications for src before queueing their delivery.
// A full or closed bus costs the delivery, never the stored notification.
func (e Engine) announce(ctx context.Context, eventType, actorID string, src notify.Source) {
	notes := e.Notifier.Record(ctx, src)
	if len(notes) == 0 {
		return
	}
	if e.Bus == nil {
		e.Notifier.Deliver(ctx, notes)
		return
	}
	e.Bus.Publish(events.Event{
		Type:       eventType,
		ResourceID: src.ResourceID,
		ActorID:    actorID,
		Data:       notify.Recorded{Notifications: notes},
	})
}

func (e Engine) authorize(ctx context.Context, actorID, perm string) error {
	if e.Auth == nil {
		return nil
	}
	return e.Auth.Authorize(ctx, actorID, perm)
}

// Close drains pending notifications.
func (e Engine) Close() {
	if e.Bus != nil {
		e.Bus.Close()
	}
}

// InitWorkspace makes actorID an administrator of a fresh database.
func (e Engine) InitWorkspace(ctx context.Context, actorID string) error {
	if actorID == "" {
		return InputError{Field: "actor_id", Reason: "required"}
	}
	return auth.Service{Repo: e.Repo}.Grant(ctx, actorID, auth.RoleAdmin)
}

// LoadRules installs every stored rule version plus the rules found under
// paths whose ids were never published.
func (e Engine) LoadRules(ctx context.Context, paths []string) error {
	stored, err := e.Repo.ListRules(ctx, false)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	fromFiles, err := rules.LoadPaths(paths)
	if err != nil {
		return err
	}
	known := map[string]bool{}
	for _, r := range stored {
		known[r.ID] = true
	}
	all := stored
	for _, r := range fromFiles {
		if !known[r.ID] {
			all = append(all, r)
		}
	}
	if err := e.Rules.Load(all); err != nil {
		return err
	}
	e.logger().Debug("rules loaded", "stored", len(stored), "files", len(fromFiles), "active", e.Rules.Snapshot().Len())
	return nil
}

func resourceID(kind, id string) string {
	return kind + ":" + id
}

// TaskResource, DocumentResource and RuleResource name audit trails.
func TaskResource(id string) string     { return resourceID("task", id) }
func DocumentResource(id string) string { return resourceID("document", id) }
func RuleResource(id string) string     { return resourceID("rule", id) }
