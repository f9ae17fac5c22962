package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"lexline/internal/domain"
	"lexline/internal/orchestrator"
)

// Repo is the SQLite-backed store for tasks, rules, compliance checks,
// audit events, notifications and actors.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) exec(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalMap(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" || raw.String == "{}" || raw.String == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateTask inserts a new task.
func (r Repo) CreateTask(ctx context.Context, t domain.Task) error {
	input, err := marshalMap(t.Input)
	if err != nil {
		return fmt.Errorf("marshal task input: %w", err)
	}
	tctx, err := marshalMap(t.Context)
	if err != nil {
		return fmt.Errorf("marshal task context: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO tasks(id,type,input_json,context_json,priority,status,actor_id,error,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Type, input, tctx, t.Priority, t.Status, nullable(t.ActorID), nullable(t.Error), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

// UpdateTask rewrites the mutable columns of a task.
func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	var result any
	if t.Result != nil {
		data, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("marshal task result: %w", err)
		}
		result = string(data)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, error=?, result_json=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Status, nullable(t.Error), result, t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %w", ErrNotFound, orchestrator.ErrTaskNotFound)
	}
	return nil
}

// SaveSubtasks replaces the subtasks recorded for a task.
func (r Repo) SaveSubtasks(ctx context.Context, taskID string, subtasks []domain.Subtask) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM subtasks WHERE task_id=?`, taskID); err != nil {
		return err
	}
	for _, st := range subtasks {
		var output any
		if st.Output != nil {
			data, err := json.Marshal(st.Output)
			if err != nil {
				st.Status = domain.TaskFailed
				st.Error = "encode output: " + err.Error()
			} else {
				output = string(data)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO subtasks(id,task_id,capability,status,output_json,error,started_at,finished_at) VALUES (?,?,?,?,?,?,?,?)`,
			st.ID, taskID, st.Capability, st.Status, output, nullable(st.Error), nullable(st.StartedAt), nullable(st.FinishedAt)); err != nil {
			return fmt.Errorf("insert subtask %s: %w", st.Capability, err)
		}
	}
	return tx.Commit()
}

const taskColumns = `id,type,input_json,context_json,priority,status,COALESCE(actor_id,''),COALESCE(error,''),result_json,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var input, tctx, result, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.Type, &input, &tctx, &t.Priority, &t.Status, &t.ActorID, &t.Error, &result, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.Input, err = unmarshalMap(input); err != nil {
		return t, err
	}
	if t.Context, err = unmarshalMap(tctx); err != nil {
		return t, err
	}
	if t.Result, err = unmarshalMap(result); err != nil {
		return t, err
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

// GetTask returns a task with its subtasks in capability order.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, []domain.Subtask, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,capability,status,output_json,COALESCE(error,''),COALESCE(started_at,''),COALESCE(finished_at,'') FROM subtasks WHERE task_id=? ORDER BY capability`, id)
	if err != nil {
		return t, nil, err
	}
	defer rows.Close()
	subtasks := []domain.Subtask{}
	for rows.Next() {
		var st domain.Subtask
		var output sql.NullString
		if err := rows.Scan(&st.ID, &st.TaskID, &st.Capability, &st.Status, &output, &st.Error, &st.StartedAt, &st.FinishedAt); err != nil {
			return t, nil, err
		}
		if st.Output, err = unmarshalMap(output); err != nil {
			return t, nil, err
		}
		subtasks = append(subtasks, st)
	}
	return t, subtasks, rows.Err()
}

type TaskFilters struct {
	Status string
	Type   string
	Limit  int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
