package repo

import (
	"context"
	"database/sql"
	"fmt"

	"lexline/internal/audit"
	"lexline/internal/domain"
)

const auditColumns = `seq,event_type,resource_id,COALESCE(actor_id,''),ts,details_json,content_hash,chain_hash`

func scanAuditEvent(row rowScanner) (domain.AuditEvent, error) {
	var e domain.AuditEvent
	err := row.Scan(&e.Seq, &e.EventType, &e.ResourceID, &e.ActorID, &e.Timestamp, &e.Details, &e.ContentHash, &e.ChainHash)
	return e, err
}

// Head returns the latest audit event of a resource.
func (r Repo) Head(ctx context.Context, resourceID string) (domain.AuditEvent, bool, error) {
	e, err := scanAuditEvent(r.DB.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_events WHERE resource_id=? ORDER BY seq DESC LIMIT 1`, resourceID))
	if err == sql.ErrNoRows {
		return domain.AuditEvent{}, false, nil
	}
	if err != nil {
		return domain.AuditEvent{}, false, err
	}
	return e, true, nil
}

// Insert appends an audit event. The (resource_id, seq) key turns a lost
// race into audit.ErrConflict.
func (r Repo) Insert(ctx context.Context, e domain.AuditEvent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO audit_events(resource_id,seq,event_type,actor_id,ts,details_json,content_hash,chain_hash) VALUES (?,?,?,?,?,?,?,?)`,
		e.ResourceID, e.Seq, e.EventType, nullable(e.ActorID), e.Timestamp, e.Details, e.ContentHash, e.ChainHash)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s #%d", audit.ErrConflict, e.ResourceID, e.Seq)
	}
	return err
}

// Range returns every audit event of a resource ordered by seq.
func (r Repo) Range(ctx context.Context, resourceID string) ([]domain.AuditEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_events WHERE resource_id=? ORDER BY seq`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AuditResources lists resources that have a trail, most recently touched
// first.
func (r Repo) AuditResources(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT resource_id FROM audit_events GROUP BY resource_id ORDER BY MAX(ts) DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
