package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateStage inserts one pending JobStage. Stage rows are unique per
// (job, kind).
func (s *Store) CreateStage(ctx context.Context, jobID string, kind StageKind) (*JobStage, error) {
	st := &JobStage{
		ID:     uuid.NewString(),
		JobID:  jobID,
		Kind:   kind,
		Status: StagePending,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_stages (id, job_id, kind, status) VALUES (?, ?, ?, ?)`,
		st.ID, st.JobID, st.Kind, st.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage %s/%s: %w", jobID, kind, err)
	}
	return st, nil
}

// GetStage fetches the stage of a given kind for a job.
func (s *Store) GetStage(ctx context.Context, jobID string, kind StageKind) (*JobStage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, kind, status, expected_count, completed_count, failed_count, skipped_count
		 FROM job_stages WHERE job_id = ? AND kind = ?`, jobID, kind)
	st, err := scanStage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage %s/%s: %w", jobID, kind, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stage: %w", err)
	}
	return st, nil
}

// StagesForJob returns all four stages of a job keyed by kind.
func (s *Store) StagesForJob(ctx context.Context, jobID string) (map[StageKind]*JobStage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, kind, status, expected_count, completed_count, failed_count, skipped_count
		 FROM job_stages WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	defer rows.Close()

	out := make(map[StageKind]*JobStage)
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		out[st.Kind] = st
	}
	return out, rows.Err()
}

func scanStage(row rowScanner) (*JobStage, error) {
	st := &JobStage{}
	err := row.Scan(&st.ID, &st.JobID, &st.Kind, &st.Status,
		&st.ExpectedCount, &st.CompletedCount, &st.FailedCount, &st.SkippedCount)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// TransitionStage moves a stage between statuses conditionally on its
// current status. Terminal stages never re-enter running: the guard makes
// late or duplicate transitions no-ops.
func (s *Store) TransitionStage(ctx context.Context, stageID string, from, to StageStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_stages SET status = ? WHERE id = ? AND status = ?`,
		to, stageID, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition stage %s %s -> %s: %w", stageID, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// SetStageExpected sets the expected task count for a stage.
func (s *Store) SetStageExpected(ctx context.Context, stageID string, expected int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_stages SET expected_count = ? WHERE id = ?`, expected, stageID)
	if err != nil {
		return fmt.Errorf("failed to set stage expected count: %w", err)
	}
	return nil
}

// SyncStageExpected sets a stage's expected count to its task row count.
// The summary stage grows as diff successes and regenerations append tasks;
// deriving the count from the rows keeps the update safe to repeat.
func (s *Store) SyncStageExpected(ctx context.Context, stageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_stages SET expected_count =
			(SELECT COUNT(*) FROM page_tasks t
			 WHERE t.job_id = job_stages.job_id AND t.stage_kind = job_stages.kind)
		 WHERE id = ?`, stageID)
	if err != nil {
		return fmt.Errorf("failed to sync stage expected count: %w", err)
	}
	return nil
}

// SyncStageCounters recomputes a stage's outcome counters from its task rows
// and returns the stage as it stands afterward. Counts are derived rather
// than incremented, so a completion redelivery that re-runs its downstream
// effects can never double-count.
func (s *Store) SyncStageCounters(ctx context.Context, stageID string) (*JobStage, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_stages SET
			completed_count = (SELECT COUNT(*) FROM page_tasks t
				WHERE t.job_id = job_stages.job_id AND t.stage_kind = job_stages.kind AND t.status = ?),
			failed_count = (SELECT COUNT(*) FROM page_tasks t
				WHERE t.job_id = job_stages.job_id AND t.stage_kind = job_stages.kind AND t.status = ?),
			skipped_count = (SELECT COUNT(*) FROM page_tasks t
				WHERE t.job_id = job_stages.job_id AND t.stage_kind = job_stages.kind AND t.status = ?)
		 WHERE id = ?`,
		TaskCompleted, TaskFailed, TaskCancelled, stageID)
	if err != nil {
		return nil, fmt.Errorf("failed to sync stage counters: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, kind, status, expected_count, completed_count, failed_count, skipped_count
		 FROM job_stages WHERE id = ?`, stageID)
	st, err := scanStage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to reload stage: %w", err)
	}
	return st, nil
}
