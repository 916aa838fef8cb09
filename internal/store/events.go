package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/headspace/headspace/internal/db/dialect"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/tracing"
)

const eventColumns = `id, type, project_id, session_id, task_id, turn_id, payload, created_at`

func scanEvent(row sqlRow) (*models.Event, error) {
	var (
		ev        models.Event
		projectID sql.NullString
		sessionID sql.NullString
		taskID    sql.NullString
		turnID    sql.NullInt64
		payload   string
	)
	err := row.Scan(&ev.ID, &ev.Type, &projectID, &sessionID, &taskID, &turnID, &payload, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	if projectID.Valid {
		ev.ProjectID = &projectID.String
	}
	if sessionID.Valid {
		ev.SessionID = &sessionID.String
	}
	if taskID.Valid {
		ev.TaskID = &taskID.String
	}
	if turnID.Valid {
		ev.TurnID = &turnID.Int64
	}
	if payload != "" && payload != "{}" {
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
	}
	return &ev, nil
}

// AppendEvent appends an audit event and fills in its assigned ID.
func (r *Repository) AppendEvent(ctx context.Context, ev *models.Event) error {
	return r.appendEvent(ctx, r.db, ev)
}

// AppendEventTx appends an audit event inside an existing transaction. The
// assigned ID is claimed before commit, so event IDs observed over SSE are
// in insert order.
func (r *Repository) AppendEventTx(ctx context.Context, tx *sqlx.Tx, ev *models.Event) error {
	return r.appendEvent(ctx, tx, ev)
}

func (r *Repository) appendEvent(ctx context.Context, ext sqlx.ExtContext, ev *models.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	payload := "{}"
	if len(ev.Payload) > 0 {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode event payload: %w", err)
		}
		payload = string(data)
	}

	id, err := dialect.InsertReturningID(ctx, ext, `
		INSERT INTO events (type, project_id, session_id, task_id, turn_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Type, ev.ProjectID, ev.SessionID, ev.TaskID, ev.TurnID, payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	ev.ID = id
	return nil
}

// GetEvent retrieves an event by ID.
func (r *Repository) GetEvent(ctx context.Context, id int64) (*models.Event, error) {
	query := r.ro.Rebind(`SELECT ` + eventColumns + ` FROM events WHERE id = ?`)
	ev, err := scanEvent(r.ro.QueryRowxContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

// ListEventsAfter returns up to limit events with IDs greater than afterID,
// oldest first. Subscribers resuming with Last-Event-ID replay from here.
func (r *Repository) ListEventsAfter(ctx context.Context, afterID int64, limit int) ([]*models.Event, error) {
	ctx, span := tracing.Tracer("headspace-db").Start(ctx, "db.ListEventsAfter")
	defer span.End()

	query := r.ro.Rebind(`SELECT ` + eventColumns + `
		FROM events WHERE id > ? ORDER BY id LIMIT ?`)
	rows, err := r.ro.QueryxContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectEvents(rows)
}

// ListEventsBySession returns a session's events, newest first.
func (r *Repository) ListEventsBySession(ctx context.Context, sessionID string, limit int) ([]*models.Event, error) {
	ctx, span := tracing.Tracer("headspace-db").Start(ctx, "db.ListEventsBySession")
	defer span.End()

	query := r.ro.Rebind(`SELECT ` + eventColumns + `
		FROM events WHERE session_id = ? ORDER BY id DESC LIMIT ?`)
	rows, err := r.ro.QueryxContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectEvents(rows)
}

func collectEvents(rows *sqlx.Rows) ([]*models.Event, error) {
	var events []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestEventID returns the highest assigned event ID, or zero when the log
// is empty.
func (r *Repository) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.ro.QueryRowxContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest event id: %w", err)
	}
	return id.Int64, nil
}
