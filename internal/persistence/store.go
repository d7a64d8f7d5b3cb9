package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Statuses     []scheduler.Status
	MinPriority  *int
	ParentTaskID string
}

// Store defines the persistence interface for tasks, dependency edges and the
// status event log.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *scheduler.Task, dependsOn []string, created scheduler.StatusEvent) error
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	ListTasks(ctx context.Context, projectID string, filter TaskFilter) ([]*scheduler.Task, error)
	UpdateTask(ctx context.Context, task *scheduler.Task, expectedVersion int64) error
	ApplyTransition(ctx context.Context, task *scheduler.Task, expectedVersion int64, event scheduler.StatusEvent) (scheduler.StatusEvent, error)
	DeleteTask(ctx context.Context, taskID string) error
	ActiveTaskForWorkspace(ctx context.Context, workspaceID string) (*scheduler.Task, error)

	// Dependency edges
	InsertEdge(ctx context.Context, edge scheduler.Edge) error
	DeleteEdge(ctx context.Context, edge scheduler.Edge) error
	ProjectEdges(ctx context.Context, projectID string) ([]scheduler.Edge, error)
	Dependencies(ctx context.Context, taskID string) ([]*scheduler.Task, error)
	Dependents(ctx context.Context, taskID string) ([]*scheduler.Task, error)

	// Event log
	AppendEvent(ctx context.Context, event scheduler.StatusEvent) (scheduler.StatusEvent, error)
	ListEvents(ctx context.Context, taskID string, limit int, beforeID int64) ([]scheduler.StatusEvent, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_time_format=sqlite&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each store gets its own named database so parallel stores don't share state.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:taskpilot-%s?mode=memory&cache=shared&_time_format=sqlite&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps an in-memory database
	// alive for the lifetime of the store. No query nests another one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
