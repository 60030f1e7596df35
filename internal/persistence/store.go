// Package persistence journals coordinator state to SQLite so a restarted
// coordinator can resume where it stopped.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/taskmesh/internal/bus"
	"github.com/aristath/taskmesh/internal/registry"
	"github.com/aristath/taskmesh/internal/scheduler"
)

// Snapshot is everything the journal holds, as loaded on startup.
type Snapshot struct {
	Tasks       []*scheduler.Task
	Edges       []scheduler.Edge
	Agents      []*registry.Agent
	DeadLetters []bus.Message
}

// Store defines the persistence interface for the coordinator journal.
type Store interface {
	// Tasks and the dependency graph
	SaveTask(ctx context.Context, task *scheduler.Task) error
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	ListTasks(ctx context.Context) ([]*scheduler.Task, error)
	SaveEdge(ctx context.Context, edge scheduler.Edge) error
	ListEdges(ctx context.Context) ([]scheduler.Edge, error)

	// Agents
	SaveAgent(ctx context.Context, agent *registry.Agent) error
	DeleteAgent(ctx context.Context, agentID string) error
	ListAgents(ctx context.Context) ([]*registry.Agent, error)

	// Undeliverable messages
	SaveDeadLetter(ctx context.Context, msg bus.Message) error
	ListDeadLetters(ctx context.Context) ([]bus.Message, error)

	Load(ctx context.Context) (*Snapshot, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Every call gets its own database; connections of one store share it.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:taskmesh-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys via PRAGMA (required for modernc.org/sqlite)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// The journal has a single writer, the coordinator loop
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Load reads the whole journal.
func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := s.ListEdges(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	deadLetters, err := s.ListDeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Tasks: tasks, Edges: edges, Agents: agents, DeadLetters: deadLetters}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Times are stored as unix nanoseconds; zero means unset.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
