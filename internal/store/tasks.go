package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/tracing"
)

const taskColumns = `
	id, session_id, state, command, final_text, instruction, completion_summary,
	started_at, completed_at, created_at, updated_at`

func scanTask(row sqlRow) (*models.Task, error) {
	var (
		t           models.Task
		completedAt sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.SessionID, &t.State, &t.Command, &t.FinalText, &t.Instruction,
		&t.CompletionSummary, &t.StartedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	return &t, nil
}

// CreateTaskTx inserts a task. A partial unique index rejects a second open
// task for the same session; that surfaces as ErrDuplicate so callers close
// the current task first.
func (r *Repository) CreateTaskTx(ctx context.Context, tx *sqlx.Tx, t *models.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.StartedAt.IsZero() {
		t.StartedAt = now
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.State == "" {
		t.State = models.TaskStateIdle
	}

	query := tx.Rebind(`
		INSERT INTO tasks (id, session_id, state, command, final_text, instruction,
			completion_summary, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query,
		t.ID, t.SessionID, t.State, t.Command, t.FinalText, t.Instruction,
		t.CompletionSummary, t.StartedAt, t.CompletedAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("open task for session %s: %w", t.SessionID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	query := r.ro.Rebind(`SELECT` + taskColumns + ` FROM tasks WHERE id = ?`)
	t, err := scanTask(r.ro.QueryRowxContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// GetOpenTask retrieves the session's single non-complete task.
func (r *Repository) GetOpenTask(ctx context.Context, sessionID string) (*models.Task, error) {
	return r.getOpenTask(ctx, r.ro, sessionID)
}

// GetOpenTaskTx is GetOpenTask inside an existing transaction.
func (r *Repository) GetOpenTaskTx(ctx context.Context, tx *sqlx.Tx, sessionID string) (*models.Task, error) {
	return r.getOpenTask(ctx, tx, sessionID)
}

func (r *Repository) getOpenTask(ctx context.Context, ext sqlx.ExtContext, sessionID string) (*models.Task, error) {
	query := ext.Rebind(`SELECT` + taskColumns + `
		FROM tasks WHERE session_id = ? AND state != 'complete' LIMIT 1`)
	t, err := scanTask(ext.QueryRowxContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("open task for session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get open task: %w", err)
	}
	return t, nil
}

// GetCurrentTask returns the open task, or the most recent one when the
// session is idle.
func (r *Repository) GetCurrentTask(ctx context.Context, sessionID string) (*models.Task, error) {
	query := r.ro.Rebind(`SELECT` + taskColumns + `
		FROM tasks WHERE session_id = ?
		ORDER BY (state != 'complete') DESC, created_at DESC LIMIT 1`)
	t, err := scanTask(r.ro.QueryRowxContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task for session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get current task: %w", err)
	}
	return t, nil
}

// ListTasksBySession returns a session's tasks oldest first.
func (r *Repository) ListTasksBySession(ctx context.Context, sessionID string) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("headspace-db").Start(ctx, "db.ListTasksBySession")
	defer span.End()

	query := r.ro.Rebind(`SELECT` + taskColumns + `
		FROM tasks WHERE session_id = ? ORDER BY created_at, id`)
	rows, err := r.ro.QueryxContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStateTx moves a task to a new state. completedAt is only stored
// for transitions into complete.
func (r *Repository) UpdateTaskStateTx(ctx context.Context, tx *sqlx.Tx, id string, state models.TaskState, completedAt *time.Time) error {
	query := tx.Rebind(`UPDATE tasks SET state = ?, completed_at = ?, updated_at = ? WHERE id = ?`)
	result, err := tx.ExecContext(ctx, query, state, completedAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update task state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetTaskCommandTx records the user command that opened the task.
func (r *Repository) SetTaskCommandTx(ctx context.Context, tx *sqlx.Tx, id, command string) error {
	query := tx.Rebind(`UPDATE tasks SET command = ?, updated_at = ? WHERE id = ?`)
	_, err := tx.ExecContext(ctx, query, command, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set task command: %w", err)
	}
	return nil
}

// SetTaskFinalTextTx records the agent text the task closed with.
func (r *Repository) SetTaskFinalTextTx(ctx context.Context, ext sqlx.ExtContext, id, text string) error {
	query := ext.Rebind(`UPDATE tasks SET final_text = ?, updated_at = ? WHERE id = ?`)
	_, err := ext.ExecContext(ctx, query, text, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set task final text: %w", err)
	}
	return nil
}

// SetTaskInstruction stores the generated instruction summary. Summaries are
// written by a background worker after the owning transaction committed, so
// this deliberately has no Tx variant.
func (r *Repository) SetTaskInstruction(ctx context.Context, id, instruction string) error {
	query := r.db.Rebind(`UPDATE tasks SET instruction = ?, updated_at = ? WHERE id = ?`)
	result, err := r.db.ExecContext(ctx, query, instruction, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set task instruction: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetTaskCompletionSummary stores the generated completion summary.
func (r *Repository) SetTaskCompletionSummary(ctx context.Context, id, summary string) error {
	query := r.db.Rebind(`UPDATE tasks SET completion_summary = ?, updated_at = ? WHERE id = ?`)
	result, err := r.db.ExecContext(ctx, query, summary, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set completion summary: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}
