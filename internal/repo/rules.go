package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"lexline/internal/domain"
)

// InsertRule stores a published rule version and retires earlier active
// versions of the same id.
func (r Repo) InsertRule(ctx context.Context, rule domain.ComplianceRule) error {
	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if rule.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE compliance_rules SET active=0 WHERE id=? AND version<>?`, rule.ID, rule.Version); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO compliance_rules(id,version,jurisdiction,document_type,active,rule_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		rule.ID, rule.Version, rule.Jurisdiction, rule.DocumentType, boolInt(rule.Active), string(data), rule.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("rule %s version %d already stored", rule.ID, rule.Version)
		}
		return err
	}
	return tx.Commit()
}

// ListRules returns every stored rule version in publication order.
func (r Repo) ListRules(ctx context.Context, activeOnly bool) ([]domain.ComplianceRule, error) {
	query := `SELECT rule_json, version, active, created_at FROM compliance_rules`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY rowid`
	return r.queryRules(ctx, query)
}

// RuleVersions returns the versions of one rule, oldest first.
func (r Repo) RuleVersions(ctx context.Context, id string) ([]domain.ComplianceRule, error) {
	rules, err := r.queryRules(ctx, `SELECT rule_json, version, active, created_at FROM compliance_rules WHERE id=? ORDER BY version`, id)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, ErrNotFound
	}
	return rules, nil
}

func (r Repo) queryRules(ctx context.Context, query string, args ...any) ([]domain.ComplianceRule, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.ComplianceRule{}
	for rows.Next() {
		var (
			raw       string
			version   int
			active    int
			createdAt sql.NullString
		)
		if err := rows.Scan(&raw, &version, &active, &createdAt); err != nil {
			return nil, err
		}
		var rule domain.ComplianceRule
		if err := json.Unmarshal([]byte(raw), &rule); err != nil {
			return nil, fmt.Errorf("decode rule: %w", err)
		}
		rule.Version = version
		rule.Active = active == 1
		rule.CreatedAt = createdAt.String
		out = append(out, rule)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
