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

// UpsertPageResult writes one page's OCR output. Keyed by
// (drawing_version_id, page_index) so a retried worker overwrites its own
// previous row instead of duplicating it.
func (s *Store) UpsertPageResult(ctx context.Context, r *PageResult) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var meta any
	if len(r.Metadata) > 0 {
		meta = string(r.Metadata)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO page_results (drawing_version_id, page_index, image_ref, drawing_name, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(drawing_version_id, page_index) DO UPDATE SET
		   image_ref = excluded.image_ref,
		   drawing_name = excluded.drawing_name,
		   metadata = excluded.metadata`,
		r.DrawingVersionID, r.PageIndex, r.ImageRef, r.DrawingName, meta, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert page result: %w", err)
	}
	return nil
}

// GetPageResult fetches one page's OCR output.
func (s *Store) GetPageResult(ctx context.Context, drawingVersionID string, pageIndex int) (*PageResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT drawing_version_id, page_index, image_ref, drawing_name, metadata, created_at
		 FROM page_results WHERE drawing_version_id = ? AND page_index = ?`,
		drawingVersionID, pageIndex)
	r, err := scanPageResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("page result %s/%d: %w", drawingVersionID, pageIndex, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page result: %w", err)
	}
	return r, nil
}

// PageResultsForVersion returns all OCR outputs for a drawing version in
// page order.
func (s *Store) PageResultsForVersion(ctx context.Context, drawingVersionID string) ([]*PageResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT drawing_version_id, page_index, image_ref, drawing_name, metadata, created_at
		 FROM page_results WHERE drawing_version_id = ? ORDER BY page_index`, drawingVersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list page results: %w", err)
	}
	defer rows.Close()

	var out []*PageResult
	for rows.Next() {
		r, err := scanPageResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanPageResult(row rowScanner) (*PageResult, error) {
	r := &PageResult{}
	var (
		name sql.NullString
		meta sql.NullString
	)
	err := row.Scan(&r.DrawingVersionID, &r.PageIndex, &r.ImageRef, &name, &meta, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if name.Valid {
		r.DrawingName = &name.String
	}
	if meta.Valid {
		r.Metadata = json.RawMessage(meta.String)
	}
	return r, nil
}

// UpsertDiffResult writes a diff output for a (job, drawing_name) pair. On
// conflict the original row id is preserved and the payload columns are
// refreshed; the returned result carries the canonical id either way, so
// downstream summary tasks always reference one row per pair.
func (s *Store) UpsertDiffResult(ctx context.Context, d *DiffResult) (*DiffResult, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO diff_results (id, job_id, drawing_name, old_image_ref, new_image_ref,
		   overlay_ref, alignment_score, change_detected, change_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, drawing_name) DO UPDATE SET
		   old_image_ref = excluded.old_image_ref,
		   new_image_ref = excluded.new_image_ref,
		   overlay_ref = excluded.overlay_ref,
		   alignment_score = excluded.alignment_score,
		   change_detected = excluded.change_detected,
		   change_count = excluded.change_count`,
		d.ID, d.JobID, d.DrawingName, d.OldImageRef, d.NewImageRef,
		d.OverlayRef, d.AlignmentScore, d.ChangeDetected, d.ChangeCount, d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert diff result: %w", err)
	}
	return s.GetDiffResultByPair(ctx, d.JobID, d.DrawingName)
}

// GetDiffResult fetches a diff result by id.
func (s *Store) GetDiffResult(ctx context.Context, id string) (*DiffResult, error) {
	row := s.db.QueryRowContext(ctx, selectDiff+` WHERE id = ?`, id)
	d, err := scanDiffResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("diff result %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get diff result: %w", err)
	}
	return d, nil
}

// GetDiffResultByPair fetches the diff result for one (job, drawing name).
func (s *Store) GetDiffResultByPair(ctx context.Context, jobID, drawingName string) (*DiffResult, error) {
	row := s.db.QueryRowContext(ctx,
		selectDiff+` WHERE job_id = ? AND drawing_name = ?`, jobID, drawingName)
	d, err := scanDiffResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("diff result %s/%s: %w", jobID, drawingName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get diff result: %w", err)
	}
	return d, nil
}

// DiffResultsForJob returns all diff results for a job ordered by drawing
// name.
func (s *Store) DiffResultsForJob(ctx context.Context, jobID string) ([]*DiffResult, error) {
	rows, err := s.db.QueryContext(ctx,
		selectDiff+` WHERE job_id = ? ORDER BY drawing_name`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list diff results: %w", err)
	}
	defer rows.Close()

	var out []*DiffResult
	for rows.Next() {
		d, err := scanDiffResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan diff result: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const selectDiff = `SELECT id, job_id, drawing_name, old_image_ref, new_image_ref,
	overlay_ref, alignment_score, change_detected, change_count, created_at
	FROM diff_results`

func scanDiffResult(row rowScanner) (*DiffResult, error) {
	d := &DiffResult{}
	var count sql.NullInt64
	err := row.Scan(&d.ID, &d.JobID, &d.DrawingName, &d.OldImageRef, &d.NewImageRef,
		&d.OverlayRef, &d.AlignmentScore, &d.ChangeDetected, &count, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if count.Valid {
		v := int(count.Int64)
		d.ChangeCount = &v
	}
	return d, nil
}

// UpsertChangeSummary writes a summary document. The caller keys the row by
// its summary PageTask id, so a duplicate completion rewrites the same row.
func (s *Store) UpsertChangeSummary(ctx context.Context, c *ChangeSummary) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO change_summaries (id, diff_result_id, job_id, document, free_text, model, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   document = excluded.document,
		   free_text = excluded.free_text,
		   model = excluded.model,
		   source = excluded.source`,
		c.ID, c.DiffResultID, c.JobID, string(c.Document), c.FreeText, c.Model, c.Source, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert change summary: %w", err)
	}
	return nil
}

// GetChangeSummary fetches a summary by id.
func (s *Store) GetChangeSummary(ctx context.Context, id string) (*ChangeSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, diff_result_id, job_id, document, free_text, model, source, created_at
		 FROM change_summaries WHERE id = ?`, id)
	c, err := scanChangeSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("change summary %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get change summary: %w", err)
	}
	return c, nil
}

// SummariesForJob returns all summaries for a job.
func (s *Store) SummariesForJob(ctx context.Context, jobID string) ([]*ChangeSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, diff_result_id, job_id, document, free_text, model, source, created_at
		 FROM change_summaries WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list change summaries: %w", err)
	}
	defer rows.Close()

	var out []*ChangeSummary
	for rows.Next() {
		c, err := scanChangeSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change summary: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SummariesForDiff returns summaries bound to one diff result, newest first.
func (s *Store) SummariesForDiff(ctx context.Context, diffResultID string) ([]*ChangeSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, diff_result_id, job_id, document, free_text, model, source, created_at
		 FROM change_summaries WHERE diff_result_id = ? ORDER BY created_at DESC`, diffResultID)
	if err != nil {
		return nil, fmt.Errorf("failed to list change summaries: %w", err)
	}
	defer rows.Close()

	var out []*ChangeSummary
	for rows.Next() {
		c, err := scanChangeSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change summary: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChangeSummary(row rowScanner) (*ChangeSummary, error) {
	c := &ChangeSummary{}
	var doc string
	err := row.Scan(&c.ID, &c.DiffResultID, &c.JobID, &doc, &c.FreeText, &c.Model, &c.Source, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Document = json.RawMessage(doc)
	return c, nil
}

// CreateManualOverlay records a user-supplied overlay for a diff result.
func (s *Store) CreateManualOverlay(ctx context.Context, diffResultID, overlayRef, uploadedBy string) (*ManualOverlay, error) {
	m := &ManualOverlay{
		ID:           uuid.NewString(),
		DiffResultID: diffResultID,
		OverlayRef:   overlayRef,
		UploadedBy:   uploadedBy,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO manual_overlays (id, diff_result_id, overlay_ref, uploaded_by, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.DiffResultID, m.OverlayRef, m.UploadedBy, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create manual overlay: %w", err)
	}
	return m, nil
}

// LatestManualOverlay returns the most recent manual overlay for a diff
// result, or ErrNotFound.
func (s *Store) LatestManualOverlay(ctx context.Context, diffResultID string) (*ManualOverlay, error) {
	m := &ManualOverlay{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, diff_result_id, overlay_ref, uploaded_by, created_at
		 FROM manual_overlays WHERE diff_result_id = ?
		 ORDER BY created_at DESC LIMIT 1`, diffResultID).
		Scan(&m.ID, &m.DiffResultID, &m.OverlayRef, &m.UploadedBy, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("manual overlay for diff %s: %w", diffResultID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get manual overlay: %w", err)
	}
	return m, nil
}
