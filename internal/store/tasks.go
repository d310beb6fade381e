package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewOCRTask builds an unsaved OCR PageTask for one page of a drawing version.
func NewOCRTask(jobID string, kind StageKind, drawingVersionID string, pageIndex, maxAttempts int) *PageTask {
	now := time.Now().UTC()
	return &PageTask{
		ID:               uuid.NewString(),
		JobID:            jobID,
		StageKind:        kind,
		DrawingVersionID: &drawingVersionID,
		PageIndex:        &pageIndex,
		Status:           TaskPending,
		MaxAttempts:      maxAttempts,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// NewDiffTask builds an unsaved Diff PageTask for a matched pair.
func NewDiffTask(jobID, drawingName string, oldPage, newPage, maxAttempts int) *PageTask {
	now := time.Now().UTC()
	return &PageTask{
		ID:           uuid.NewString(),
		JobID:        jobID,
		StageKind:    StageDiff,
		DrawingName:  &drawingName,
		OldPageIndex: &oldPage,
		NewPageIndex: &newPage,
		Status:       TaskPending,
		MaxAttempts:  maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewSummaryTask builds an unsaved Summary PageTask for one DiffResult.
func NewSummaryTask(jobID, drawingName, diffResultID string, maxAttempts int) *PageTask {
	now := time.Now().UTC()
	return &PageTask{
		ID:           uuid.NewString(),
		JobID:        jobID,
		StageKind:    StageSummary,
		DrawingName:  &drawingName,
		DiffResultID: &diffResultID,
		Status:       TaskPending,
		MaxAttempts:  maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// InsertPageTasks persists a batch of tasks in one transaction so a job
// start either records its whole page set or none of it.
func (s *Store) InsertPageTasks(ctx context.Context, tasks []*PageTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range tasks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO page_tasks (id, job_id, stage_kind, drawing_version_id, page_index,
			   drawing_name, old_page_index, new_page_index, diff_result_id,
			   status, attempts, max_attempts, deadline, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.JobID, t.StageKind, t.DrawingVersionID, t.PageIndex,
			t.DrawingName, t.OldPageIndex, t.NewPageIndex, t.DiffResultID,
			t.Status, t.Attempts, t.MaxAttempts, t.Deadline, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert page task %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// GetPageTask fetches a task by id.
func (s *Store) GetPageTask(ctx context.Context, id string) (*PageTask, error) {
	row := s.db.QueryRowContext(ctx, selectTask+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("page task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page task: %w", err)
	}
	return t, nil
}

// TasksForStage returns all tasks for one (job, stage kind).
func (s *Store) TasksForStage(ctx context.Context, jobID string, kind StageKind) ([]*PageTask, error) {
	rows, err := s.db.QueryContext(ctx,
		selectTask+` WHERE job_id = ? AND stage_kind = ? ORDER BY created_at`, jobID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list page tasks: %w", err)
	}
	defer rows.Close()

	var out []*PageTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTasksForJob returns the number of page tasks a job has, any stage.
// A non-zero count means start_job already ran.
func (s *Store) CountTasksForJob(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM page_tasks WHERE job_id = ?`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count page tasks: %w", err)
	}
	return n, nil
}

const selectTask = `SELECT id, job_id, stage_kind, drawing_version_id, page_index,
	drawing_name, old_page_index, new_page_index, diff_result_id,
	status, effects_done, attempts, max_attempts, error_kind, error_message, deadline, created_at, updated_at
	FROM page_tasks`

func scanTask(row rowScanner) (*PageTask, error) {
	t := &PageTask{}
	var (
		dvID     sql.NullString
		pageIdx  sql.NullInt64
		name     sql.NullString
		oldIdx   sql.NullInt64
		newIdx   sql.NullInt64
		diffID   sql.NullString
		errKind  sql.NullString
		errMsg   sql.NullString
		deadline sql.NullTime
	)
	err := row.Scan(&t.ID, &t.JobID, &t.StageKind, &dvID, &pageIdx,
		&name, &oldIdx, &newIdx, &diffID,
		&t.Status, &t.EffectsDone, &t.Attempts, &t.MaxAttempts, &errKind, &errMsg, &deadline,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if dvID.Valid {
		t.DrawingVersionID = &dvID.String
	}
	if pageIdx.Valid {
		v := int(pageIdx.Int64)
		t.PageIndex = &v
	}
	if name.Valid {
		t.DrawingName = &name.String
	}
	if oldIdx.Valid {
		v := int(oldIdx.Int64)
		t.OldPageIndex = &v
	}
	if newIdx.Valid {
		v := int(newIdx.Int64)
		t.NewPageIndex = &v
	}
	if diffID.Valid {
		t.DiffResultID = &diffID.String
	}
	if errKind.Valid {
		k := ErrorKind(errKind.String)
		t.ErrorKind = &k
	}
	if errMsg.Valid {
		t.ErrorMessage = &errMsg.String
	}
	if deadline.Valid {
		v := deadline.Time
		t.Deadline = &v
	}
	return t, nil
}

// MarkTaskRunning transitions a pending task to running and stamps its
// wall-clock deadline. A no-op if the task already left pending.
func (s *Store) MarkTaskRunning(ctx context.Context, taskID string, deadline time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE page_tasks SET status = ?, deadline = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		TaskRunning, deadline.UTC(), time.Now().UTC(), taskID, TaskPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark task running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// SettlePageTask transitions a task from any non-terminal status to a
// terminal one. It is the single commit point for completion events: the
// first delivery wins, duplicates report applied=false and are discarded.
func (s *Store) SettlePageTask(ctx context.Context, taskID string, to TaskStatus, errKind *ErrorKind, errMsg *string) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("settle requires a terminal status, got %q", to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE page_tasks SET status = ?, error_kind = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		to, errKind, errMsg, time.Now().UTC(), taskID, TaskPending, TaskRunning)
	if err != nil {
		return false, fmt.Errorf("failed to settle page task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkTaskEffects records that a settled task's downstream effects (stage
// counters, next-stage tasks, stage closure) committed. Applies at most once;
// a completion redelivery that finds it set has nothing left to repair.
func (s *Store) MarkTaskEffects(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE page_tasks SET effects_done = 1, updated_at = ?
		 WHERE id = ? AND effects_done = 0`,
		time.Now().UTC(), taskID)
	if err != nil {
		return false, fmt.Errorf("failed to mark task effects %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// SummaryTaskForDiff returns the newest summary task referencing a diff
// result, or ErrNotFound if none was scheduled yet.
func (s *Store) SummaryTaskForDiff(ctx context.Context, diffResultID string) (*PageTask, error) {
	row := s.db.QueryRowContext(ctx,
		selectTask+` WHERE stage_kind = ? AND diff_result_id = ?
		 ORDER BY created_at DESC LIMIT 1`,
		StageSummary, diffResultID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("summary task for diff %s: %w", diffResultID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary task: %w", err)
	}
	return t, nil
}

// RequeuePageTask returns a task to pending for another delivery, bumping
// its attempt count when the failure kind consumes one. Returns the new
// attempt count.
func (s *Store) RequeuePageTask(ctx context.Context, taskID string, countAttempt bool) (int, error) {
	bump := 0
	if countAttempt {
		bump = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE page_tasks SET status = ?, attempts = attempts + ?, deadline = NULL, updated_at = ?
		 WHERE id = ?`,
		TaskPending, bump, time.Now().UTC(), taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue page task %s: %w", taskID, err)
	}
	var attempts int
	if err := s.db.QueryRowContext(ctx,
		`SELECT attempts FROM page_tasks WHERE id = ?`, taskID).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to read attempts: %w", err)
	}
	return attempts, nil
}

// OverduePageTasks returns running tasks whose deadline has passed.
func (s *Store) OverduePageTasks(ctx context.Context, now time.Time) ([]*PageTask, error) {
	rows, err := s.db.QueryContext(ctx,
		selectTask+` WHERE status = ? AND deadline IS NOT NULL AND deadline < ?`,
		TaskRunning, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue tasks: %w", err)
	}
	defer rows.Close()

	var out []*PageTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CancelPendingTasks marks every non-terminal task of a job cancelled and
// returns how many tasks each stage lost, keyed by stage kind.
func (s *Store) CancelPendingTasks(ctx context.Context, jobID string) (map[StageKind]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stage_kind FROM page_tasks WHERE job_id = ? AND status IN (?, ?)`,
		jobID, TaskPending, TaskRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list cancellable tasks: %w", err)
	}
	type pair struct {
		id   string
		kind StageKind
	}
	var victims []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.id, &p.kind); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		victims = append(victims, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counts := make(map[StageKind]int)
	kind := ErrCancelled
	for _, v := range victims {
		applied, err := s.SettlePageTask(ctx, v.id, TaskCancelled, &kind, nil)
		if err != nil {
			return nil, err
		}
		if applied {
			counts[v.kind]++
		}
	}
	return counts, nil
}

// TaskSummaryLine is a one-line description used in progress logging.
func TaskSummaryLine(t *PageTask) string {
	parts := []string{string(t.StageKind)}
	if t.DrawingName != nil {
		parts = append(parts, *t.DrawingName)
	}
	if t.PageIndex != nil {
		parts = append(parts, fmt.Sprintf("page %d", *t.PageIndex))
	}
	return strings.Join(parts, " ")
}
