package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/0xMugen/othala/internal/task"
)

// ErrTaskNotFound is returned for lookups of unknown task ids.
var ErrTaskNotFound = fmt.Errorf("task not found")

const taskColumns = `id, repo_id, title, state, role, preferred_model, branch,
	worktree_path, depends_on, parent_task, retry_count, last_failure_reason,
	last_failure_class, recovery_rounds, paused_state, next_retry_at,
	timeout_secs, merge_commit, created_at, updated_at`

func insertTask(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to marshal depends_on: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RepoID, t.Title, string(t.State), string(t.Role), t.PreferredModel,
		t.Branch, t.WorktreePath, string(deps), t.ParentTask, t.RetryCount,
		t.LastFailureReason, t.LastFailureClass, t.RecoveryRounds,
		string(t.PausedState), nullTime(t.NextRetryAt), t.TimeoutSecs,
		t.MergeCommit, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

func updateTask(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to marshal depends_on: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET repo_id = ?, title = ?, state = ?, role = ?,
			preferred_model = ?, branch = ?, worktree_path = ?, depends_on = ?,
			parent_task = ?, retry_count = ?, last_failure_reason = ?,
			last_failure_class = ?, recovery_rounds = ?, paused_state = ?,
			next_retry_at = ?, timeout_secs = ?, merge_commit = ?, updated_at = ?
		WHERE id = ?`,
		t.RepoID, t.Title, string(t.State), string(t.Role), t.PreferredModel,
		t.Branch, t.WorktreePath, string(deps), t.ParentTask, t.RetryCount,
		t.LastFailureReason, t.LastFailureClass, t.RecoveryRounds,
		string(t.PausedState), nullTime(t.NextRetryAt), t.TimeoutSecs,
		t.MergeCommit, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, t.ID)
	}
	return nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*task.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns every task ordered by creation time ascending; the tick
// iterates this order so replays stay deterministic and old tasks are not
// starved by new ones.
func (s *Store) ListTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListRepoTasks returns tasks for one repository in creation order.
func (s *Store) ListRepoTasks(ctx context.Context, repoID string) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE repo_id = ? ORDER BY created_at ASC, id ASC`, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list repo tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTask purges a task row and its reviews. The journal keeps history.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM reviews WHERE task_id = ?`, id)
	return err
}

// ReviewVerdicts returns reviewer -> verdict for one task.
func (s *Store) ReviewVerdicts(ctx context.Context, taskID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reviewer, verdict FROM reviews WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to read reviews: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var reviewer, verdict string
		if err := rows.Scan(&reviewer, &verdict); err != nil {
			return nil, err
		}
		out[reviewer] = verdict
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var state, role, pausedState, deps string
	var nextRetry sql.NullTime
	err := row.Scan(&t.ID, &t.RepoID, &t.Title, &state, &role, &t.PreferredModel,
		&t.Branch, &t.WorktreePath, &deps, &t.ParentTask, &t.RetryCount,
		&t.LastFailureReason, &t.LastFailureClass, &t.RecoveryRounds,
		&pausedState, &nextRetry, &t.TimeoutSecs, &t.MergeCommit,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.State = task.State(state)
	t.Role = task.Role(role)
	t.PausedState = task.State(pausedState)
	if nextRetry.Valid {
		t.NextRetryAt = nextRetry.Time
	}
	if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("corrupt depends_on for task %s: %w", t.ID, err)
	}
	return &t, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
