package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateJob inserts a queued job comparing two drawing versions.
func (s *Store) CreateJob(ctx context.Context, projectID, oldVersionID, newVersionID, createdBy string) (*Job, error) {
	j := &Job{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		OldVersionID: oldVersionID,
		NewVersionID: newVersionID,
		CreatedBy:    createdBy,
		Status:       JobQueued,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, project_id, old_version_id, new_version_id, created_by, status, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, '{}', ?)`,
		j.ID, j.ProjectID, j.OldVersionID, j.NewVersionID, j.CreatedBy, j.Status, j.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return j, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, old_version_id, new_version_id, created_by, status, meta, created_at, started_at, completed_at
		 FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs, optionally filtered by project and status,
// newest first.
func (s *Store) ListJobs(ctx context.Context, projectID string, status JobStatus) ([]*Job, error) {
	q := `SELECT id, project_id, old_version_id, new_version_id, created_by, status, meta, created_at, started_at, completed_at FROM jobs`
	var (
		conds []string
		args  []any
	)
	if projectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, projectID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var (
		meta      string
		started   sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(&j.ID, &j.ProjectID, &j.OldVersionID, &j.NewVersionID, &j.CreatedBy,
		&j.Status, &meta, &j.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &j.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode job meta: %w", err)
		}
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return j, nil
}

// TransitionJob moves a job from one status to another. The update is
// conditional on the current status and reports whether it applied, so
// concurrent or duplicate transitions resolve to exactly one winner.
func (s *Store) TransitionJob(ctx context.Context, jobID string, from, to JobStatus) (bool, error) {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	switch {
	case to == JobRunning && from == JobQueued:
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			to, now, jobID, from)
	case to.Terminal():
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
			to, now, jobID, from)
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
			to, jobID, from)
	}
	if err != nil {
		return false, fmt.Errorf("failed to transition job %s %s -> %s: %w", jobID, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// SetJobMeta replaces the job's output metadata blob.
func (s *Store) SetJobMeta(ctx context.Context, jobID string, meta JobMeta) error {
	blob, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode job meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE jobs SET meta = ? WHERE id = ?`, string(blob), jobID)
	if err != nil {
		return fmt.Errorf("failed to set job meta: %w", err)
	}
	return nil
}
