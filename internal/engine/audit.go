package engine

import (
	"context"
	"errors"
	"fmt"

	"lexline/internal/audit"
	"lexline/internal/domain"
	"lexline/internal/engine/auth"
	"lexline/internal/notify"
)

func (e Engine) Trail(ctx context.Context, resourceID string, w audit.Window, actorID string) (audit.Trail, error) {
	if err := e.authorize(ctx, actorID, auth.PermAuditRead); err != nil {
		return audit.Trail{}, err
	}
	return e.Audit.Trail(ctx, resourceID, w)
}

// Verify returns audit.ErrNotFound for an unknown resource and
// *audit.IntegrityError when the chain was altered. A broken chain also
// raises a critical security alert to the default targets.
func (e Engine) Verify(ctx context.Context, resourceID, actorID string) error {
	if err := e.authorize(ctx, actorID, auth.PermAuditRead); err != nil {
		return err
	}
	err := e.Audit.Verify(ctx, resourceID)
	var broken *audit.IntegrityError
	if errors.As(err, &broken) {
		e.logger().Error("audit chain broken", "resource_id", resourceID, "position", broken.Position, "reason", broken.Reason)
		e.announce(ctx, EventAuditTampered, actorID, notify.Source{
			ID:         fmt.Sprintf("%s@%d", resourceID, broken.Position),
			ResourceID: resourceID,
			Type:       notify.TypeSecurityAlert,
			Severity:   string(domain.SeverityCritical),
			Message:    fmt.Sprintf("audit trail of %s was altered at position %d", resourceID, broken.Position),
			Details:    map[string]any{"position": broken.Position, "reason": broken.Reason, "detected_by": actorID},
		})
	}
	return err
}

func (e Engine) AuditResources(ctx context.Context, actorID string, limit int) ([]string, error) {
	if err := e.authorize(ctx, actorID, auth.PermAuditRead); err != nil {
		return nil, err
	}
	return e.Repo.AuditResources(ctx, limit)
}

// Notifications lists the actor's unread notifications, broadcasts included.
func (e Engine) Notifications(ctx context.Context, actorID string) ([]domain.Notification, error) {
	if err := e.authorize(ctx, actorID, auth.PermNotificationRead); err != nil {
		return nil, err
	}
	return e.Notifier.ListUnread(ctx, actorID)
}

func (e Engine) MarkRead(ctx context.Context, notificationID, actorID string) error {
	if err := e.authorize(ctx, actorID, auth.PermNotificationRead); err != nil {
		return err
	}
	return e.Notifier.MarkRead(ctx, actorID, notificationID)
}
