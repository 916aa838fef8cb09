package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/headspace/headspace/internal/db/dialect"
	"github.com/headspace/headspace/internal/models"
	"github.com/headspace/headspace/internal/tracing"
)

// CreateProject registers a workspace. The path must be unique; hook traffic
// for unknown paths is rejected rather than registering projects implicitly.
func (r *Repository) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	query := r.db.Rebind(`
		INSERT INTO projects (id, name, path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query, p.ID, p.Name, p.Path, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("project path %s: %w", p.Path, ErrDuplicate)
		}
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (r *Repository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	query := r.ro.Rebind(`
		SELECT id, name, path, created_at, updated_at
		FROM projects WHERE id = ?`)
	return r.scanProjectRow(r.ro.QueryRowxContext(ctx, query, id), id)
}

// GetProjectByPath retrieves a project by its registered workspace path.
func (r *Repository) GetProjectByPath(ctx context.Context, path string) (*models.Project, error) {
	query := r.ro.Rebind(`
		SELECT id, name, path, created_at, updated_at
		FROM projects WHERE path = ?`)
	return r.scanProjectRow(r.ro.QueryRowxContext(ctx, query, path), path)
}

func (r *Repository) scanProjectRow(row sqlRow, key string) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.Name, &p.Path, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("project %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects ordered by name.
func (r *Repository) ListProjects(ctx context.Context) ([]*models.Project, error) {
	ctx, span := tracing.Tracer("headspace-db").Start(ctx, "db.ListProjects")
	defer span.End()

	rows, err := r.ro.QueryxContext(ctx, `
		SELECT id, name, path, created_at, updated_at
		FROM projects ORDER BY name, path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// SearchProjects returns projects whose name or path contains the query,
// ordered by name. Matching is case-insensitive on both backends.
func (r *Repository) SearchProjects(ctx context.Context, q string) ([]*models.Project, error) {
	ctx, span := tracing.Tracer("headspace-db").Start(ctx, "db.SearchProjects")
	defer span.End()

	like := dialect.Like(r.ro.DriverName())
	query := r.ro.Rebind(`
		SELECT id, name, path, created_at, updated_at
		FROM projects WHERE name ` + like + ` ? OR path ` + like + ` ?
		ORDER BY name, path`)
	pattern := "%" + q + "%"
	rows, err := r.ro.QueryxContext(ctx, query, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to search projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// UpdateProject updates a project's name and path.
func (r *Repository) UpdateProject(ctx context.Context, p *models.Project) error {
	p.UpdatedAt = time.Now().UTC()
	query := r.db.Rebind(`
		UPDATE projects SET name = ?, path = ?, updated_at = ?
		WHERE id = ?`)
	result, err := r.db.ExecContext(ctx, query, p.Name, p.Path, p.UpdatedAt, p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("project path %s: %w", p.Path, ErrDuplicate)
		}
		return fmt.Errorf("failed to update project: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("project %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// DeleteProject removes a project. Sessions, tasks and turns cascade;
// event rows keep their history with the references nulled.
func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	query := r.db.Rebind(`DELETE FROM projects WHERE id = ?`)
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}
