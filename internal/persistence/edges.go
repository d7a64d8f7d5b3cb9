package persistence

import (
	"context"
	"fmt"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// InsertEdge records that edge.TaskID depends on edge.DependsOnID. Inserting
// an existing edge is a no-op. Both tasks must exist.
func (s *SQLiteStore) InsertEdge(ctx context.Context, edge scheduler.Edge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id)
		VALUES (?, ?)
	`, edge.TaskID, edge.DependsOnID)
	if err != nil {
		return fmt.Errorf("failed to insert dependency %s -> %s: %w", edge.TaskID, edge.DependsOnID, err)
	}
	return nil
}

// DeleteEdge removes the edge if present.
func (s *SQLiteStore) DeleteEdge(ctx context.Context, edge scheduler.Edge) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM task_dependencies WHERE task_id = ? AND depends_on_id = ?
	`, edge.TaskID, edge.DependsOnID)
	if err != nil {
		return fmt.Errorf("failed to delete dependency %s -> %s: %w", edge.TaskID, edge.DependsOnID, err)
	}
	return nil
}

// ProjectEdges returns every edge whose dependent task belongs to the project.
func (s *SQLiteStore) ProjectEdges(ctx context.Context, projectID string) ([]scheduler.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.task_id, d.depends_on_id
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE t.project_id = ?
		ORDER BY d.task_id, d.depends_on_id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	edges := []scheduler.Edge{}
	for rows.Next() {
		var e scheduler.Edge
		if err := rows.Scan(&e.TaskID, &e.DependsOnID); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}
	return edges, nil
}

// Dependencies returns the tasks that taskID depends on.
func (s *SQLiteStore) Dependencies(ctx context.Context, taskID string) ([]*scheduler.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+prefixed("t")+`
		FROM tasks t
		JOIN task_dependencies d ON d.depends_on_id = t.id
		WHERE d.task_id = ?
		ORDER BY t.created_at, t.id
	`, taskID)
}

// Dependents returns the tasks that depend on taskID.
func (s *SQLiteStore) Dependents(ctx context.Context, taskID string) ([]*scheduler.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+prefixed("t")+`
		FROM tasks t
		JOIN task_dependencies d ON d.task_id = t.id
		WHERE d.depends_on_id = ?
		ORDER BY t.created_at, t.id
	`, taskID)
}

// prefixed qualifies every task column with the given table alias.
func prefixed(alias string) string {
	cols := []string{
		"id", "project_id", "title", "description", "status", "priority", "parent_task_id",
		"agent_profile_hint", "workspace_id", "session_id", "output_summary", "output_branch", "output_pr_url",
		"error_message", "version", "created_at", "updated_at", "started_at", "completed_at",
	}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}
