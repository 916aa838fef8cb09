package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/headspace/headspace/internal/models"
)

// UpsertPersona inserts or refreshes a persona from the catalog.
func (r *Repository) UpsertPersona(ctx context.Context, p *models.Persona) error {
	now := time.Now().UTC()
	query := r.db.Rebind(`
		INSERT INTO personas (slug, name, role, organisation, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			organisation = excluded.organisation,
			position = excluded.position,
			updated_at = excluded.updated_at`)
	_, err := r.db.ExecContext(ctx, query, p.Slug, p.Name, p.Role, p.Organisation, p.Position, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert persona: %w", err)
	}
	return nil
}

// GetPersona retrieves a persona by slug.
func (r *Repository) GetPersona(ctx context.Context, slug string) (*models.Persona, error) {
	var p models.Persona
	query := r.ro.Rebind(`
		SELECT slug, name, role, organisation, position
		FROM personas WHERE slug = ?`)
	err := r.ro.QueryRowxContext(ctx, query, slug).
		Scan(&p.Slug, &p.Name, &p.Role, &p.Organisation, &p.Position)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("persona %s: %w", slug, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get persona: %w", err)
	}
	return &p, nil
}

// ListPersonas returns all personas ordered by slug.
func (r *Repository) ListPersonas(ctx context.Context) ([]*models.Persona, error) {
	rows, err := r.ro.QueryxContext(ctx, `
		SELECT slug, name, role, organisation, position
		FROM personas ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list personas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var personas []*models.Persona
	for rows.Next() {
		var p models.Persona
		if err := rows.Scan(&p.Slug, &p.Name, &p.Role, &p.Organisation, &p.Position); err != nil {
			return nil, fmt.Errorf("failed to scan persona: %w", err)
		}
		personas = append(personas, &p)
	}
	return personas, rows.Err()
}
