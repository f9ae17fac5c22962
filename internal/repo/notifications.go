package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"lexline/internal/domain"
	"lexline/internal/notify"
)

func (r Repo) SaveNotification(ctx context.Context, n domain.Notification) error {
	var details any
	if n.Details != nil {
		data, err := json.Marshal(n.Details)
		if err != nil {
			return fmt.Errorf("marshal notification details: %w", err)
		}
		details = string(data)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(id,target_id,type,severity,message,details_json,source_id,read,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		n.ID, nullable(n.TargetID), n.Type, n.Severity, n.Message, details, nullable(n.SourceID), boolInt(n.Read), n.CreatedAt)
	return err
}

// ListUnread returns notifications addressed to target plus broadcasts the
// target has not acknowledged, newest first.
func (r Repo) ListUnread(ctx context.Context, targetID string) ([]domain.Notification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT n.id,COALESCE(n.target_id,''),n.type,n.severity,n.message,n.details_json,COALESCE(n.source_id,''),n.created_at
FROM notifications n
WHERE (n.target_id=? AND n.read=0)
   OR (n.target_id IS NULL AND NOT EXISTS (SELECT 1 FROM notification_reads nr WHERE nr.notification_id=n.id AND nr.target_id=?))
ORDER BY n.created_at DESC, n.id`, targetID, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Notification{}
	for rows.Next() {
		var n domain.Notification
		var details sql.NullString
		if err := rows.Scan(&n.ID, &n.TargetID, &n.Type, &n.Severity, &n.Message, &details, &n.SourceID, &n.CreatedAt); err != nil {
			return nil, err
		}
		if n.Details, err = unmarshalMap(details); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead acknowledges a notification for target. Broadcasts are
// acknowledged per target.
func (r Repo) MarkRead(ctx context.Context, targetID, id string) error {
	var owner sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT target_id FROM notifications WHERE id=?`, id).Scan(&owner)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %w", ErrNotFound, notify.ErrNotFound)
	}
	if err != nil {
		return err
	}
	switch {
	case !owner.Valid:
		_, err = r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO notification_reads(notification_id,target_id,read_at) VALUES (?,?,?)`,
			id, targetID, time.Now().UTC().Format(time.RFC3339))
		return err
	case owner.String == targetID:
		_, err = r.DB.ExecContext(ctx, `UPDATE notifications SET read=1 WHERE id=?`, id)
		return err
	default:
		return fmt.Errorf("%w: %w", ErrNotFound, notify.ErrNotFound)
	}
}
