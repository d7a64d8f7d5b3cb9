package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/taskpilot/internal/scheduler"
)

const defaultEventLimit = 50

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendEvent writes a standalone event, typically a failed attempt that
// left the task status unchanged.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event scheduler.StatusEvent) (scheduler.StatusEvent, error) {
	return insertEvent(ctx, s.db, event)
}

// ListEvents returns a task's events newest first. limit <= 0 uses the
// default page size; beforeID > 0 returns only events older than that ID.
func (s *SQLiteStore) ListEvents(ctx context.Context, taskID string, limit int, beforeID int64) ([]scheduler.StatusEvent, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}

	query := `
		SELECT id, task_id, from_status, to_status, actor_type, reason, created_at
		FROM task_events
		WHERE task_id = ?`
	args := []any{taskID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []scheduler.StatusEvent{}
	for rows.Next() {
		var (
			ev        scheduler.StatusEvent
			from      sql.NullString
			to, actor string
			createdAt time.Time
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &from, &to, &actor, &ev.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.From = scheduler.Status(from.String)
		ev.To = scheduler.Status(to)
		ev.Actor = scheduler.ActorType(actor)
		ev.CreatedAt = createdAt.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func insertEvent(ctx context.Context, db execer, event scheduler.StatusEvent) (scheduler.StatusEvent, error) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO task_events (task_id, from_status, to_status, actor_type, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.TaskID, nullString(string(event.From)), string(event.To), string(event.Actor), event.Reason, event.CreatedAt.UTC())
	if err != nil {
		return event, fmt.Errorf("failed to append event for %s: %w", event.TaskID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return event, fmt.Errorf("failed to read event id: %w", err)
	}
	event.ID = id
	return event, nil
}
