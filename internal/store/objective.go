package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/headspace/headspace/internal/models"
)

// GetObjective returns the current objective. A never-set objective comes
// back empty rather than as an error.
func (r *Repository) GetObjective(ctx context.Context) (*models.Objective, error) {
	var o models.Objective
	err := r.ro.QueryRowxContext(ctx, `SELECT text, updated_at FROM objective WHERE id = 1`).
		Scan(&o.Text, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.Objective{}, nil
		}
		return nil, fmt.Errorf("failed to get objective: %w", err)
	}
	return &o, nil
}

// SetObjective replaces the current objective, recording the previous value
// in the history. Setting the identical text is a no-op.
func (r *Repository) SetObjective(ctx context.Context, text string) (*models.Objective, error) {
	now := time.Now().UTC()
	updated := &models.Objective{Text: text, UpdatedAt: now}

	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		var (
			current   string
			currentAt time.Time
		)
		err := tx.QueryRowxContext(ctx, `SELECT text, updated_at FROM objective WHERE id = 1`).
			Scan(&current, &currentAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			insert := tx.Rebind(`INSERT INTO objective (id, text, updated_at) VALUES (1, ?, ?)`)
			if _, err := tx.ExecContext(ctx, insert, text, now); err != nil {
				return fmt.Errorf("failed to insert objective: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("failed to read objective: %w", err)
		}

		if current == text {
			updated.UpdatedAt = currentAt
			return nil
		}

		history := tx.Rebind(`
			INSERT INTO objective_history (text, set_at, replaced_at)
			VALUES (?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, history, current, currentAt, now); err != nil {
			return fmt.Errorf("failed to record objective history: %w", err)
		}

		update := tx.Rebind(`UPDATE objective SET text = ?, updated_at = ? WHERE id = 1`)
		if _, err := tx.ExecContext(ctx, update, text, now); err != nil {
			return fmt.Errorf("failed to update objective: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListObjectiveHistory returns superseded objectives, newest first.
func (r *Repository) ListObjectiveHistory(ctx context.Context, limit int) ([]*models.ObjectiveHistory, error) {
	query := r.ro.Rebind(`
		SELECT id, text, set_at, replaced_at
		FROM objective_history ORDER BY id DESC LIMIT ?`)
	rows, err := r.ro.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list objective history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.ObjectiveHistory
	for rows.Next() {
		var h models.ObjectiveHistory
		if err := rows.Scan(&h.ID, &h.Text, &h.SetAt, &h.ReplacedAt); err != nil {
			return nil, fmt.Errorf("failed to scan objective history: %w", err)
		}
		entries = append(entries, &h)
	}
	return entries, rows.Err()
}
