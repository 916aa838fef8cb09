package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/headspace/headspace/internal/db/dialect"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/tracing"
)

const turnColumns = `
	id, task_id, session_id, actor, intent, text, content_hash,
	timestamp, timestamp_source, answers_turn_id, created_at`

func scanTurn(row sqlRow) (*models.Turn, error) {
	var (
		t       models.Turn
		answers sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.TaskID, &t.SessionID, &t.Actor, &t.Intent, &t.Text, &t.ContentHash,
		&t.Timestamp, &t.TimestampSource, &answers, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if answers.Valid {
		t.AnswersTurnID = &answers.Int64
	}
	return &t, nil
}

// CreateTurnTx appends a turn to a task, filling in its assigned ID.
// Duplicate content for the same task surfaces as ErrDuplicate, which is how
// hook and transcript ingestion of the same utterance collapses to one row.
func (r *Repository) CreateTurnTx(ctx context.Context, tx *sqlx.Tx, t *models.Turn) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	if t.Timestamp.IsZero() {
		t.Timestamp = now
		t.TimestampSource = models.TimestampSourceServer
	}
	if t.TimestampSource == "" {
		t.TimestampSource = models.TimestampSourceServer
	}

	id, err := dialect.InsertReturningID(ctx, tx, `
		INSERT INTO turns (task_id, session_id, actor, intent, text, content_hash,
			timestamp, timestamp_source, answers_turn_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.SessionID, t.Actor, t.Intent, t.Text, t.ContentHash,
		t.Timestamp, t.TimestampSource, t.AnswersTurnID, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("turn content for task %s: %w", t.TaskID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create turn: %w", err)
	}
	t.ID = id
	return nil
}

// GetTurn retrieves a turn by ID.
func (r *Repository) GetTurn(ctx context.Context, id int64) (*models.Turn, error) {
	query := r.ro.Rebind(`SELECT` + turnColumns + ` FROM turns WHERE id = ?`)
	t, err := scanTurn(r.ro.QueryRowxContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("turn %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get turn: %w", err)
	}
	return t, nil
}

// ListTurnsByTask returns a task's turns in conversation order. Ordering is
// by timestamp with the insert id as tie-breaker, so reconciled transcript
// turns interleave stably with hook turns.
func (r *Repository) ListTurnsByTask(ctx context.Context, taskID string) ([]*models.Turn, error) {
	ctx, span := tracing.Tracer("headspace-db").Start(ctx, "db.ListTurnsByTask")
	defer span.End()

	query := r.ro.Rebind(`SELECT` + turnColumns + `
		FROM turns WHERE task_id = ? ORDER BY timestamp, id`)
	rows, err := r.ro.QueryxContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTurns(rows)
}

// ListTurnsBySession returns the session's most recent turns in conversation
// order. limit <= 0 returns everything.
func (r *Repository) ListTurnsBySession(ctx context.Context, sessionID string, limit int) ([]*models.Turn, error) {
	ctx, span := tracing.Tracer("headspace-db").Start(ctx, "db.ListTurnsBySession")
	defer span.End()

	query := `SELECT` + turnColumns + ` FROM turns WHERE session_id = ? ORDER BY timestamp, id`
	args := []any{sessionID}
	if limit > 0 {
		// Take the newest N, then flip back to conversation order.
		query = `SELECT` + turnColumns + ` FROM (
			SELECT` + turnColumns + ` FROM turns WHERE session_id = ?
			ORDER BY timestamp DESC, id DESC LIMIT ?
		) AS recent ORDER BY timestamp, id`
		args = append(args, limit)
	}

	rows, err := r.ro.QueryxContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list session turns: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTurns(rows)
}

func collectTurns(rows *sqlx.Rows) ([]*models.Turn, error) {
	var turns []*models.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// LatestTurnForSession returns the newest turn across the session's tasks.
func (r *Repository) LatestTurnForSession(ctx context.Context, sessionID string) (*models.Turn, error) {
	query := r.ro.Rebind(`SELECT` + turnColumns + `
		FROM turns WHERE session_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1`)
	t, err := scanTurn(r.ro.QueryRowxContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("turn for session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest turn: %w", err)
	}
	return t, nil
}

// LatestQuestionTx returns the task's most recent question turn. Answers
// link back to it, and the pane bridge sends replies in its context.
func (r *Repository) LatestQuestionTx(ctx context.Context, ext sqlx.ExtContext, taskID string) (*models.Turn, error) {
	query := ext.Rebind(`SELECT` + turnColumns + `
		FROM turns WHERE task_id = ? AND intent = 'question'
		ORDER BY timestamp DESC, id DESC LIMIT 1`)
	t, err := scanTurn(ext.QueryRowxContext(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("question for task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest question: %w", err)
	}
	return t, nil
}

// LatestQuestion is LatestQuestionTx outside a transaction.
func (r *Repository) LatestQuestion(ctx context.Context, taskID string) (*models.Turn, error) {
	return r.LatestQuestionTx(ctx, r.ro, taskID)
}

// FindTurnByHashTx looks up a task's turn by content hash so ingestion can
// decide between inserting and reconciling before it writes.
func (r *Repository) FindTurnByHashTx(ctx context.Context, ext sqlx.ExtContext, taskID, contentHash string) (*models.Turn, error) {
	query := ext.Rebind(`SELECT` + turnColumns + `
		FROM turns WHERE task_id = ? AND content_hash = ? LIMIT 1`)
	t, err := scanTurn(ext.QueryRowxContext(ctx, query, taskID, contentHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("turn hash for task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find turn by hash: %w", err)
	}
	return t, nil
}

// UpgradeTurnTimestampTx replaces a server-assigned timestamp with the
// authoritative transcript one. Turns that already carry a transcript or
// user timestamp are left alone.
func (r *Repository) UpgradeTurnTimestampTx(ctx context.Context, ext sqlx.ExtContext, id int64, ts time.Time) error {
	query := ext.Rebind(`UPDATE turns SET timestamp = ?, timestamp_source = ?
		WHERE id = ? AND timestamp_source = ?`)
	_, err := ext.ExecContext(ctx, query, ts.UTC(), models.TimestampSourceJSONL, id, models.TimestampSourceServer)
	if err != nil {
		return fmt.Errorf("failed to upgrade turn timestamp: %w", err)
	}
	return nil
}
