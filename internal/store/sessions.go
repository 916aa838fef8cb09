package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/headspace/headspace/internal/db/dialect"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/tracing"
)

// sessionColumns is the select list shared by every session query. The last
// three columns join in the project and derive the current state from the
// open task, falling back to idle.
const sessionColumns = `
	s.id, s.external_id, s.project_id, s.persona_slug, s.pane_id, s.tmux_session,
	s.previous_session_id, s.transcript_path, s.active, s.pane_alive,
	s.started_at, s.last_seen_at, s.ended_at,
	p.name, p.path,
	COALESCE((SELECT t.state FROM tasks t WHERE t.session_id = s.id AND t.state != 'complete' LIMIT 1), 'idle')`

const sessionFrom = ` FROM sessions s JOIN projects p ON p.id = s.project_id`

func scanSession(row sqlRow) (*models.Session, error) {
	var (
		s           models.Session
		predecessor sql.NullString
		endedAt     sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.ExternalID, &s.ProjectID, &s.PersonaSlug, &s.PaneID, &s.TmuxSession,
		&predecessor, &s.TranscriptPath, &s.Active, &s.PaneAlive,
		&s.StartedAt, &s.LastSeenAt, &endedAt,
		&s.ProjectName, &s.ProjectPath, &s.State,
	)
	if err != nil {
		return nil, err
	}
	if predecessor.Valid {
		s.PredecessorID = &predecessor.String
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	return &s, nil
}

// CreateSession inserts a session row.
func (r *Repository) CreateSession(ctx context.Context, s *models.Session) error {
	return r.createSession(ctx, r.db, s)
}

// CreateSessionTx inserts a session row inside an existing transaction, so
// the correlator can register a session atomically with the hook that
// introduced it.
func (r *Repository) CreateSessionTx(ctx context.Context, tx *sqlx.Tx, s *models.Session) error {
	return r.createSession(ctx, tx, s)
}

func (r *Repository) createSession(ctx context.Context, ext sqlx.ExtContext, s *models.Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	if s.LastSeenAt.IsZero() {
		s.LastSeenAt = s.StartedAt
	}
	s.Active = true

	query := ext.Rebind(`
		INSERT INTO sessions (id, external_id, project_id, persona_slug, pane_id, tmux_session,
			previous_session_id, transcript_path, active, pane_alive, started_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := ext.ExecContext(ctx, query,
		s.ID, s.ExternalID, s.ProjectID, s.PersonaSlug, s.PaneID, s.TmuxSession,
		s.PredecessorID, s.TranscriptPath, dialect.BoolToInt(s.Active), dialect.BoolToInt(s.PaneAlive),
		s.StartedAt, s.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by canonical ID.
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := r.ro.Rebind(`SELECT` + sessionColumns + sessionFrom + ` WHERE s.id = ?`)
	s, err := scanSession(r.ro.QueryRowxContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// GetSessionByExternalID retrieves the session carrying the agent-assigned
// session UUID, preferring active sessions and then the most recently seen.
func (r *Repository) GetSessionByExternalID(ctx context.Context, externalID string) (*models.Session, error) {
	query := r.ro.Rebind(`SELECT` + sessionColumns + sessionFrom + `
		WHERE s.external_id = ?
		ORDER BY s.active DESC, s.last_seen_at DESC LIMIT 1`)
	s, err := scanSession(r.ro.QueryRowxContext(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session external id %s: %w", externalID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session by external id: %w", err)
	}
	return s, nil
}

// GetActiveSessionByPane retrieves the live session bound to a tmux pane.
func (r *Repository) GetActiveSessionByPane(ctx context.Context, paneID string) (*models.Session, error) {
	query := r.ro.Rebind(`SELECT` + sessionColumns + sessionFrom + `
		WHERE s.pane_id = ? AND s.active = 1
		ORDER BY s.last_seen_at DESC LIMIT 1`)
	s, err := scanSession(r.ro.QueryRowxContext(ctx, query, paneID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session pane %s: %w", paneID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session by pane: %w", err)
	}
	return s, nil
}

// GetSessionByTranscriptPath retrieves the session whose transcript lives at
// the given path. The watcher uses this to route file changes.
func (r *Repository) GetSessionByTranscriptPath(ctx context.Context, path string) (*models.Session, error) {
	query := r.ro.Rebind(`SELECT` + sessionColumns + sessionFrom + `
		WHERE s.transcript_path = ?
		ORDER BY s.active DESC, s.last_seen_at DESC LIMIT 1`)
	s, err := scanSession(r.ro.QueryRowxContext(ctx, query, path))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session transcript %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session by transcript: %w", err)
	}
	return s, nil
}

// ListSessionsWithTranscripts returns active sessions that have a
// transcript path registered. The watcher rebuilds its cursors from this at
// startup.
func (r *Repository) ListSessionsWithTranscripts(ctx context.Context) ([]*models.Session, error) {
	query := `SELECT` + sessionColumns + sessionFrom + `
		WHERE s.active = 1 AND s.transcript_path != ''
		ORDER BY s.last_seen_at DESC`
	rows, err := r.ro.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcript sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

// ListSessions returns sessions newest first, optionally only active ones.
func (r *Repository) ListSessions(ctx context.Context, activeOnly bool) ([]*models.Session, error) {
	ctx, span := tracing.Tracer("headspace-db").Start(ctx, "db.ListSessions")
	defer span.End()

	query := `SELECT` + sessionColumns + sessionFrom
	if activeOnly {
		query += ` WHERE s.active = 1`
	}
	query += ` ORDER BY s.last_seen_at DESC`

	rows, err := r.ro.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

// ListSessionsByProject returns a project's sessions newest first.
func (r *Repository) ListSessionsByProject(ctx context.Context, projectID string) ([]*models.Session, error) {
	ctx, span := tracing.Tracer("headspace-db").Start(ctx, "db.ListSessionsByProject")
	defer span.End()

	query := r.ro.Rebind(`SELECT` + sessionColumns + sessionFrom + `
		WHERE s.project_id = ? ORDER BY s.last_seen_at DESC`)
	rows, err := r.ro.QueryxContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list project sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

// GetLatestActiveSessionByProject returns the project's most recently seen
// active session.
func (r *Repository) GetLatestActiveSessionByProject(ctx context.Context, projectID string) (*models.Session, error) {
	query := r.ro.Rebind(`SELECT` + sessionColumns + sessionFrom + `
		WHERE s.project_id = ? AND s.active = 1
		ORDER BY s.last_seen_at DESC LIMIT 1`)
	s, err := scanSession(r.ro.QueryRowxContext(ctx, query, projectID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active session for project %s: %w", projectID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return s, nil
}

// GetUnclaimedSessionByPane returns a launcher-registered session on the
// given pane that no hook has claimed yet. Only sessions registered after
// the cutoff qualify.
func (r *Repository) GetUnclaimedSessionByPane(ctx context.Context, paneID string, registeredAfter time.Time) (*models.Session, error) {
	query := r.ro.Rebind(`SELECT` + sessionColumns + sessionFrom + `
		WHERE s.pane_id = ? AND s.active = 1 AND s.external_id = '' AND s.started_at >= ?
		ORDER BY s.started_at DESC LIMIT 1`)
	s, err := scanSession(r.ro.QueryRowxContext(ctx, query, paneID, registeredAfter))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unclaimed session on pane %s: %w", paneID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get unclaimed session: %w", err)
	}
	return s, nil
}

// ListActiveSessionsSeenSince returns a project's active sessions whose last
// activity falls inside the recency window, most recent first. The
// correlator uses this for project-scoped fallback matching.
func (r *Repository) ListActiveSessionsSeenSince(ctx context.Context, projectID string, since time.Time) ([]*models.Session, error) {
	query := r.ro.Rebind(`SELECT` + sessionColumns + sessionFrom + `
		WHERE s.project_id = ? AND s.active = 1 AND s.last_seen_at >= ?
		ORDER BY s.last_seen_at DESC`)
	rows, err := r.ro.QueryxContext(ctx, query, projectID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSessions(rows)
}

func collectSessions(rows *sqlx.Rows) ([]*models.Session, error) {
	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// AdoptSessionTx rebinds an existing session to the identifiers carried by a
// newly matched hook. Empty values keep the stored ones. The update also
// revives the session and advances last-seen, all inside the caller's
// transaction.
func (r *Repository) AdoptSessionTx(ctx context.Context, tx *sqlx.Tx, id, externalID, paneID, tmuxSession string, seenAt time.Time) error {
	query := tx.Rebind(`
		UPDATE sessions SET
			external_id  = CASE WHEN ? = '' THEN external_id  ELSE ? END,
			pane_id      = CASE WHEN ? = '' THEN pane_id      ELSE ? END,
			tmux_session = CASE WHEN ? = '' THEN tmux_session ELSE ? END,
			active = 1,
			last_seen_at = ?
		WHERE id = ?`)
	result, err := tx.ExecContext(ctx, query,
		externalID, externalID, paneID, paneID, tmuxSession, tmuxSession, seenAt, id)
	if err != nil {
		return fmt.Errorf("failed to adopt session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchSessionTx advances last-seen and revives an inactive session.
func (r *Repository) TouchSessionTx(ctx context.Context, ext sqlx.ExtContext, id string, seenAt time.Time) error {
	query := ext.Rebind(`UPDATE sessions SET last_seen_at = ?, active = 1 WHERE id = ?`)
	result, err := ext.ExecContext(ctx, query, seenAt, id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetSessionPane updates the tmux binding for a session.
func (r *Repository) SetSessionPane(ctx context.Context, id, paneID, tmuxSession string) error {
	query := r.db.Rebind(`UPDATE sessions SET pane_id = ?, tmux_session = ? WHERE id = ?`)
	result, err := r.db.ExecContext(ctx, query, paneID, tmuxSession, id)
	if err != nil {
		return fmt.Errorf("failed to set session pane: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetSessionPersonaTx assigns a persona to a session.
func (r *Repository) SetSessionPersonaTx(ctx context.Context, ext sqlx.ExtContext, id, slug string) error {
	query := ext.Rebind(`UPDATE sessions SET persona_slug = ? WHERE id = ?`)
	_, err := ext.ExecContext(ctx, query, slug, id)
	if err != nil {
		return fmt.Errorf("failed to set session persona: %w", err)
	}
	return nil
}

// SetSessionTranscriptPath records where the session's transcript lives.
func (r *Repository) SetSessionTranscriptPath(ctx context.Context, id, path string) error {
	query := r.db.Rebind(`UPDATE sessions SET transcript_path = ? WHERE id = ?`)
	_, err := r.db.ExecContext(ctx, query, path, id)
	if err != nil {
		return fmt.Errorf("failed to set transcript path: %w", err)
	}
	return nil
}

// SetPaneAlive records pane liveness and reports whether the stored value
// changed, so the availability worker only broadcasts real flips.
func (r *Repository) SetPaneAlive(ctx context.Context, id string, alive bool) (bool, error) {
	query := r.db.Rebind(`UPDATE sessions SET pane_alive = ? WHERE id = ? AND pane_alive != ?`)
	result, err := r.db.ExecContext(ctx, query, dialect.BoolToInt(alive), id, dialect.BoolToInt(alive))
	if err != nil {
		return false, fmt.Errorf("failed to set pane liveness: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// EndSessionTx closes a session.
func (r *Repository) EndSessionTx(ctx context.Context, ext sqlx.ExtContext, id string, endedAt time.Time) error {
	query := ext.Rebind(`UPDATE sessions SET active = 0, ended_at = ?, last_seen_at = ? WHERE id = ?`)
	result, err := ext.ExecContext(ctx, query, endedAt, endedAt, id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkSessionsInactive flags sessions with no activity since the cutoff and
// returns the affected IDs. Ended sessions are left alone; a later hook can
// still revive an inactive one.
func (r *Repository) MarkSessionsInactive(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`
			SELECT id FROM sessions
			WHERE active = 1 AND ended_at IS NULL AND last_seen_at < ?`)
		rows, err := tx.QueryxContext(ctx, query, cutoff)
		if err != nil {
			return fmt.Errorf("failed to find stale sessions: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("failed to scan session id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		update := tx.Rebind(`
			UPDATE sessions SET active = 0
			WHERE active = 1 AND ended_at IS NULL AND last_seen_at < ?`)
		if _, err := tx.ExecContext(ctx, update, cutoff); err != nil {
			return fmt.Errorf("failed to mark sessions inactive: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// PurgeEndedSessionsBefore deletes sessions that ended before the cutoff and
// returns their IDs. Tasks and turns cascade; event rows keep their history
// with the references nulled.
func (r *Repository) PurgeEndedSessionsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`
			SELECT id FROM sessions
			WHERE ended_at IS NOT NULL AND ended_at < ?`)
		rows, err := tx.QueryxContext(ctx, query, cutoff)
		if err != nil {
			return fmt.Errorf("failed to find purgeable sessions: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("failed to scan session id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		del := tx.Rebind(`
			DELETE FROM sessions
			WHERE ended_at IS NOT NULL AND ended_at < ?`)
		if _, err := tx.ExecContext(ctx, del, cutoff); err != nil {
			return fmt.Errorf("failed to purge sessions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteSession removes a session. Tasks and turns cascade; event rows keep
// their history with the references nulled.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	query := r.db.Rebind(`DELETE FROM sessions WHERE id = ?`)
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}
