// Package store provides SQLite-backed persistence for projects, sessions,
// tasks, turns and the event log.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/headspace/headspace/internal/db/dialect"
)

var (
	// ErrNotFound is wrapped by every lookup that matched no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is wrapped when an insert hits a unique constraint.
	ErrDuplicate = errors.New("already exists")
)

// Repository provides storage operations over a writer and a read-only pool.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a repository with existing database connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

// New creates a repository that owns the given connections and closes them.
func New(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, true)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// WithTx runs fn inside a write transaction. The transaction is rolled back
// when fn returns an error and committed otherwise. State transitions, their
// turn rows and their audit events must share one transaction, so most
// mutating repository methods also come in a Tx variant for use inside fn.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// sqlRow is the single-row scan surface of sqlx.Row and sql.Row.
type sqlRow interface {
	Scan(dest ...any) error
}

// isUniqueViolation reports whether err is a unique constraint failure from
// either backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// initSchema creates the database tables if they don't exist
func (r *Repository) initSchema() error {
	if err := r.initProjectSchema(); err != nil {
		return err
	}
	if err := r.initSessionSchema(); err != nil {
		return err
	}
	if err := r.initTaskSchema(); err != nil {
		return err
	}
	if err := r.initEventSchema(); err != nil {
		return err
	}
	if err := r.initObjectiveSchema(); err != nil {
		return err
	}
	if err := r.initPersonaSchema(); err != nil {
		return err
	}
	return r.runMigrations()
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
func (r *Repository) runMigrations() error {
	// Add transcript_path for installs created before the watcher existed
	// (ignore error if already exists).
	_, _ = r.db.Exec(`ALTER TABLE sessions ADD COLUMN transcript_path TEXT DEFAULT ''`)
	_, _ = r.db.Exec(`ALTER TABLE sessions ADD COLUMN pane_alive INTEGER NOT NULL DEFAULT 0`)
	return nil
}

func (r *Repository) initProjectSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (r *Repository) initSessionSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL,
		persona_slug TEXT DEFAULT '',
		pane_id TEXT DEFAULT '',
		tmux_session TEXT DEFAULT '',
		previous_session_id TEXT,
		transcript_path TEXT DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		pane_alive INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		last_seen_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_project_id ON sessions(project_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_external_id ON sessions(external_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_pane_id ON sessions(pane_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions(active);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen_at);

	CREATE TABLE IF NOT EXISTS hook_receipts (
		id ` + dialect.AutoIncrementPK(r.db.DriverName()) + `,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		event_key TEXT NOT NULL,
		received_at TIMESTAMP NOT NULL,
		UNIQUE(session_id, kind, event_key)
	);
	`)
	return err
}

func (r *Repository) initTaskSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'idle',
		command TEXT DEFAULT '',
		final_text TEXT DEFAULT '',
		instruction TEXT DEFAULT '',
		completion_summary TEXT DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
	CREATE UNIQUE INDEX IF NOT EXISTS one_open_task_per_session
		ON tasks(session_id) WHERE state != 'complete';

	CREATE TABLE IF NOT EXISTS turns (
		id ` + dialect.AutoIncrementPK(r.db.DriverName()) + `,
		task_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		intent TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		content_hash TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		timestamp_source TEXT NOT NULL DEFAULT 'server',
		answers_turn_id INTEGER,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
		UNIQUE(task_id, content_hash)
	);

	CREATE INDEX IF NOT EXISTS idx_turns_task_id ON turns(task_id);
	CREATE INDEX IF NOT EXISTS idx_turns_session_ts ON turns(session_id, timestamp);
	`)
	return err
}

func (r *Repository) initEventSchema() error {
	// Event rows outlive the entities they reference. Deleting a project,
	// session, task or turn nulls the reference instead of dropping the row.
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS events (
		id ` + dialect.AutoIncrementPK(r.db.DriverName()) + `,
		type TEXT NOT NULL,
		project_id TEXT REFERENCES projects(id) ON DELETE SET NULL,
		session_id TEXT REFERENCES sessions(id) ON DELETE SET NULL,
		task_id TEXT REFERENCES tasks(id) ON DELETE SET NULL,
		turn_id INTEGER REFERENCES turns(id) ON DELETE SET NULL,
		payload TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_session_id ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
	`)
	return err
}

func (r *Repository) initObjectiveSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS objective (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		text TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS objective_history (
		id ` + dialect.AutoIncrementPK(r.db.DriverName()) + `,
		text TEXT NOT NULL,
		set_at TIMESTAMP NOT NULL,
		replaced_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (r *Repository) initPersonaSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS personas (
		slug TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT DEFAULT '',
		organisation TEXT DEFAULT '',
		position TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}
