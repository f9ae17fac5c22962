package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"lexline/internal/domain"
)

func (r Repo) InsertComplianceCheck(ctx context.Context, c domain.ComplianceCheck) error {
	results, err := json.Marshal(c.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO compliance_checks(id,document_id,jurisdiction,document_type,results_json,compliant,checked_at,audit_position) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.DocumentID, c.Jurisdiction, nullable(c.DocumentType), string(results), boolInt(c.Compliant), c.CheckedAt, c.AuditPosition)
	return err
}

const checkColumns = `id,document_id,jurisdiction,COALESCE(document_type,''),results_json,compliant,checked_at,audit_position`

func scanCheck(row rowScanner) (domain.ComplianceCheck, error) {
	var c domain.ComplianceCheck
	var results string
	var compliant int
	err := row.Scan(&c.ID, &c.DocumentID, &c.Jurisdiction, &c.DocumentType, &results, &compliant, &c.CheckedAt, &c.AuditPosition)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Compliant = compliant == 1
	if err := json.Unmarshal([]byte(results), &c.Results); err != nil {
		return c, fmt.Errorf("decode results: %w", err)
	}
	return c, nil
}

func (r Repo) GetComplianceCheck(ctx context.Context, id string) (domain.ComplianceCheck, error) {
	return scanCheck(r.DB.QueryRowContext(ctx, `SELECT `+checkColumns+` FROM compliance_checks WHERE id=?`, id))
}

// ListComplianceChecks returns the checks of a document, newest first.
func (r Repo) ListComplianceChecks(ctx context.Context, documentID string, limit int) ([]domain.ComplianceCheck, error) {
	query := `SELECT ` + checkColumns + ` FROM compliance_checks WHERE document_id=? ORDER BY checked_at DESC, id DESC`
	args := []any{documentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.ComplianceCheck{}
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
