package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/taskpilot/internal/scheduler"
)

const taskColumns = `id, project_id, title, description, status, priority, parent_task_id,
	agent_profile_hint, workspace_id, session_id, output_summary, output_branch, output_pr_url,
	error_message, version, created_at, updated_at, started_at, completed_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// CreateTask inserts a task, its initial dependency edges and its creation
// event in a single transaction. Every dependency must already exist.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *scheduler.Task, dependsOn []string, created scheduler.StatusEvent) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, taskArgs(task)...)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}

	for _, depID := range dependsOn {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: dependency %s", scheduler.ErrNotFound, depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, task.ID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}

	if _, err := insertEvent(ctx, tx, created); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Blocked is not stored and is left false.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return task, nil
}

// ListTasks returns the tasks of a project matching the filter, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, projectID string, filter TaskFilter) ([]*scheduler.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ?`
	args := []any{projectID}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	if filter.MinPriority != nil {
		query += ` AND priority >= ?`
		args = append(args, *filter.MinPriority)
	}
	if filter.ParentTaskID != "" {
		query += ` AND parent_task_id = ?`
		args = append(args, filter.ParentTaskID)
	}
	query += ` ORDER BY created_at, id`

	return s.queryTasks(ctx, query, args...)
}

// UpdateTask writes every non-status field of the task if the stored version
// still equals expectedVersion. On success task.Version is advanced.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *scheduler.Task, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			title = ?, description = ?, priority = ?, parent_task_id = ?,
			agent_profile_hint = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, task.Title, task.Description, task.Priority, nullString(task.ParentTaskID),
		task.AgentProfileHint, task.UpdatedAt.UTC(), task.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	if err := checkVersioned(ctx, tx, res, task.ID, expectedVersion); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	task.Version = expectedVersion + 1
	return nil
}

// ApplyTransition persists a status change together with its event. It is
// the only write path that changes a task's status. The returned event carries
// its assigned ID.
func (s *SQLiteStore) ApplyTransition(ctx context.Context, task *scheduler.Task, expectedVersion int64, event scheduler.StatusEvent) (scheduler.StatusEvent, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return event, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?, workspace_id = ?, session_id = ?,
			output_summary = ?, output_branch = ?, output_pr_url = ?,
			error_message = ?, updated_at = ?, started_at = ?, completed_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`, string(task.Status), nullString(task.WorkspaceID), nullString(task.SessionID),
		task.OutputSummary, task.OutputBranch, task.OutputPRURL,
		task.ErrorMessage, task.UpdatedAt.UTC(), nullTime(task.StartedAt), nullTime(task.CompletedAt),
		task.ID, expectedVersion)
	if err != nil {
		return event, fmt.Errorf("failed to update status of %s: %w", task.ID, err)
	}
	if err := checkVersioned(ctx, tx, res, task.ID, expectedVersion); err != nil {
		return event, err
	}

	event, err = insertEvent(ctx, tx, event)
	if err != nil {
		return event, err
	}

	if err := tx.Commit(); err != nil {
		return event, fmt.Errorf("failed to commit transaction: %w", err)
	}
	task.Version = expectedVersion + 1
	return event, nil
}

// DeleteTask removes a task and every edge touching it. Children keep
// existing with their parent cleared. Events are retained.
func (s *SQLiteStore) DeleteTask(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET parent_task_id = NULL WHERE parent_task_id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to detach children of %s: %w", taskID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ? OR depends_on_id = ?`, taskID, taskID); err != nil {
		return fmt.Errorf("failed to delete edges of %s: %w", taskID, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", taskID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: %s", scheduler.ErrNotFound, taskID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ActiveTaskForWorkspace returns the delegated or in-progress task bound to
// the workspace, or nil if the workspace is free.
func (s *SQLiteStore) ActiveTaskForWorkspace(ctx context.Context, workspaceID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE workspace_id = ? AND status IN (?, ?)
		LIMIT 1
	`, workspaceID, string(scheduler.StatusDelegated), string(scheduler.StatusInProgress))
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workspace %s: %w", workspaceID, err)
	}
	return task, nil
}

// queryTasks runs a task query and drains the rows before returning.
func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*scheduler.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// checkVersioned turns a zero-row versioned update into ErrNotFound or ErrConflict.
func checkVersioned(ctx context.Context, tx *sql.Tx, res sql.Result, taskID string, expected int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM tasks WHERE id = ?`, taskID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", scheduler.ErrNotFound, taskID)
	}
	if err != nil {
		return fmt.Errorf("failed to read version of %s: %w", taskID, err)
	}
	return fmt.Errorf("%w: %s at version %d, expected %d", scheduler.ErrConflict, taskID, current, expected)
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	var (
		t                          scheduler.Task
		status                     string
		parent, workspace, session sql.NullString
		createdAt, updatedAt       time.Time
		startedAt, completedAt     sql.NullTime
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &status, &t.Priority, &parent,
		&t.AgentProfileHint, &workspace, &session, &t.OutputSummary, &t.OutputBranch, &t.OutputPRURL,
		&t.ErrorMessage, &t.Version, &createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Status = scheduler.Status(status)
	t.ParentTaskID = parent.String
	t.WorkspaceID = workspace.String
	t.SessionID = session.String
	t.CreatedAt = createdAt.UTC()
	t.UpdatedAt = updatedAt.UTC()
	if startedAt.Valid {
		ts := startedAt.Time.UTC()
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time.UTC()
		t.CompletedAt = &ts
	}
	return &t, nil
}

func taskArgs(t *scheduler.Task) []any {
	return []any{
		t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), t.Priority, nullString(t.ParentTaskID),
		t.AgentProfileHint, nullString(t.WorkspaceID), nullString(t.SessionID), t.OutputSummary, t.OutputBranch, t.OutputPRURL,
		t.ErrorMessage, t.Version, t.CreatedAt.UTC(), t.UpdatedAt.UTC(), nullTime(t.StartedAt), nullTime(t.CompletedAt),
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
