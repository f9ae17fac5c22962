package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"lexline/internal/domain"
	"lexline/internal/events"
)

const defaultDeliveryConcurrency = 4

// Source is one batch of violations to announce, typically a compliance
// check of one document. A source without violations but with a Message is
// a notice: one notification per target at Severity (low when unset).
type Source struct {
	ID         string         `json:"id"`
	ResourceID string         `json:"resource_id"`
	Type       string         `json:"type,omitempty"`
	Targets    []string       `json:"targets,omitempty"`
	Violations []Violation    `json:"violations"`
	Severity   string         `json:"severity,omitempty"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Recorded carries notifications that are already stored and only wait
// for delivery.
type Recorded struct {
	Notifications []domain.Notification
}

type DeliveryOutcome struct {
	NotificationID string
	TargetID       string
	Severity       domain.Severity
	Transport      string
	Err            error
}

// Router groups violations into one notification per severity per target,
// stores them, then delivers each through every accepting transport.
// Nothing it does is reported back as an error; failures are logged.
type Router struct {
	Store          Store
	Transports     []Transport
	DefaultTargets []string
	Concurrency    int
	Logger         *slog.Logger
	Now            func() time.Time
}

func (r Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Router) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Compose builds the notifications for src without storing or sending them.
// With no targets it yields one broadcast per severity.
func (r Router) Compose(src Source) []domain.Notification {
	targets := src.Targets
	if len(targets) == 0 {
		targets = r.DefaultTargets
	}
	if len(targets) == 0 {
		targets = []string{""}
	}
	typ := src.Type
	if typ == "" {
		typ = TypeComplianceIssue
	}
	ts := r.now().UTC().Format(time.RFC3339)
	var out []domain.Notification
	if len(src.Violations) == 0 && src.Message != "" {
		sev, ok := domain.ParseSeverity(src.Severity)
		if !ok {
			sev = domain.SeverityLow
		}
		for _, target := range targets {
			details := map[string]any{"resource_id": src.ResourceID}
			for k, v := range src.Details {
				details[k] = v
			}
			out = append(out, domain.Notification{
				ID:        uuid.NewString(),
				TargetID:  target,
				Type:      typ,
				Severity:  string(sev),
				Message:   src.Message,
				Details:   details,
				SourceID:  src.ID,
				CreatedAt: ts,
			})
		}
		return out
	}
	for _, b := range Group(src.Violations) {
		for _, target := range targets {
			out = append(out, domain.Notification{
				ID:       uuid.NewString(),
				TargetID: target,
				Type:     typ,
				Severity: string(b.Severity),
				Message:  summary(b, src.ResourceID),
				Details: map[string]any{
					"resource_id": src.ResourceID,
					"count":       len(b.Violations),
					"violations":  b.Violations,
				},
				SourceID:  src.ID,
				CreatedAt: ts,
			})
		}
	}
	return out
}

func summary(b Bucket, resourceID string) string {
	noun := "violation"
	if len(b.Violations) != 1 {
		noun = "violations"
	}
	msg := fmt.Sprintf("%d %s severity compliance %s", len(b.Violations), b.Severity, noun)
	if resourceID != "" {
		msg += " on " + resourceID
	}
	return msg
}

// Route stores and delivers the notifications for src and reports each
// delivery attempt.
func (r Router) Route(ctx context.Context, src Source) []DeliveryOutcome {
	return r.Deliver(ctx, r.Record(ctx, src))
}

// Record composes and stores the notifications for src. Store failures are
// logged; the composed notifications are returned either way.
func (r Router) Record(ctx context.Context, src Source) []domain.Notification {
	notes := r.Compose(src)
	if r.Store == nil {
		return notes
	}
	for _, n := range notes {
		if err := r.Store.SaveNotification(ctx, n); err != nil {
			r.logger().Error("store notification", "id", n.ID, "source_id", src.ID, "err", err)
		}
	}
	return notes
}

// Deliver hands notes to every accepting transport.
func (r Router) Deliver(ctx context.Context, notes []domain.Notification) []DeliveryOutcome {
	if len(notes) == 0 {
		return nil
	}
	log := r.logger()
	type job struct {
		n domain.Notification
		t Transport
	}
	var jobs []job
	for _, n := range notes {
		for _, t := range r.Transports {
			if f, ok := t.(severityFilter); ok && !f.Accepts(domain.Severity(n.Severity)) {
				continue
			}
			jobs = append(jobs, job{n: n, t: t})
		}
	}
	outcomes := make([]DeliveryOutcome, len(jobs))
	limit := r.Concurrency
	if limit <= 0 {
		limit = defaultDeliveryConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, j := range jobs {
		g.Go(func() error {
			outcomes[i] = DeliveryOutcome{
				NotificationID: j.n.ID,
				TargetID:       j.n.TargetID,
				Severity:       domain.Severity(j.n.Severity),
				Transport:      j.t.Name(),
				Err:            deliver(ctx, j.t, j.n),
			}
			if err := outcomes[i].Err; err != nil {
				log.Warn("notification delivery failed", "id", j.n.ID, "transport", j.t.Name(), "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func deliver(ctx context.Context, t Transport, n domain.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panicked: %v", r)
		}
	}()
	return t.Deliver(ctx, n)
}

// HandleEvent routes a Source or delivers a Recorded batch; other events are
// ignored. It always returns nil so the bus never treats delivery as failed
// work.
func (r Router) HandleEvent(ctx context.Context, evt events.Event) error {
	switch data := evt.Data.(type) {
	case Source:
		if data.ID == "" {
			data.ID = evt.ID
		}
		if data.ResourceID == "" {
			data.ResourceID = evt.ResourceID
		}
		r.Route(ctx, data)
	case Recorded:
		r.Deliver(ctx, data.Notifications)
	}
	return nil
}

// ListUnread returns the target's unread notifications, broadcasts included.
func (r Router) ListUnread(ctx context.Context, targetID string) ([]domain.Notification, error) {
	if r.Store == nil {
		return []domain.Notification{}, nil
	}
	return r.Store.ListUnread(ctx, targetID)
}

func (r Router) MarkRead(ctx context.Context, targetID, id string) error {
	if r.Store == nil {
		return ErrNotFound
	}
	return r.Store.MarkRead(ctx, targetID, id)
}
