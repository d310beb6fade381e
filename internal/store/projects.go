package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// CreateProject inserts a new project and returns it.
func (s *Store) CreateProject(ctx context.Context, name, ownerID string) (*Project, error) {
	p := &Project{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.OwnerID, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return p, nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	p := &Project{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.OwnerID, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, owner_id, created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p := &Project{}
		if err := rows.Scan(&p.ID, &p.Name, &p.OwnerID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateDrawingVersion records an uploaded PDF for a project.
func (s *Store) CreateDrawingVersion(ctx context.Context, projectID, label, storageRef string, pageCount int) (*DrawingVersion, error) {
	dv := &DrawingVersion{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Label:      label,
		StorageRef: storageRef,
		PageCount:  pageCount,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drawing_versions (id, project_id, label, storage_ref, page_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		dv.ID, dv.ProjectID, dv.Label, dv.StorageRef, dv.PageCount, dv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create drawing version: %w", err)
	}
	return dv, nil
}

// GetDrawingVersion fetches a drawing version by id.
func (s *Store) GetDrawingVersion(ctx context.Context, id string) (*DrawingVersion, error) {
	dv := &DrawingVersion{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, label, storage_ref, page_count, created_at
		 FROM drawing_versions WHERE id = ?`, id).
		Scan(&dv.ID, &dv.ProjectID, &dv.Label, &dv.StorageRef, &dv.PageCount, &dv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("drawing version %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get drawing version: %w", err)
	}
	return dv, nil
}

// ListDrawingVersions returns all versions for a project, newest first.
func (s *Store) ListDrawingVersions(ctx context.Context, projectID string) ([]*DrawingVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, label, storage_ref, page_count, created_at
		 FROM drawing_versions WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list drawing versions: %w", err)
	}
	defer rows.Close()

	var out []*DrawingVersion
	for rows.Next() {
		dv := &DrawingVersion{}
		if err := rows.Scan(&dv.ID, &dv.ProjectID, &dv.Label, &dv.StorageRef, &dv.PageCount, &dv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan drawing version: %w", err)
		}
		out = append(out, dv)
	}
	return out, rows.Err()
}
