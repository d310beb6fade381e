package store

import (
	"context"
	"fmt"
	"sort"
)

// StageProgress is the per-stage slice of the progress projection.
type StageProgress struct {
	Status    StageStatus `json:"status"`
	Expected  int         `json:"expected"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped,omitempty"`
}

// PageProgress is the per-matched-pair slice of the progress projection.
// OCR status is reported per pair: completed only when both sides of the
// pair produced a page result.
type PageProgress struct {
	DrawingName   string     `json:"drawing_name"`
	OCRStatus     TaskStatus `json:"ocr_status"`
	DiffStatus    TaskStatus `json:"diff_status"`
	SummaryStatus TaskStatus `json:"summary_status"`
	OverlayRef    string     `json:"overlay_ref,omitempty"`
	SummaryRef    string     `json:"summary_ref,omitempty"`
}

// JobProgress is the read-only projection served to clients.
type JobProgress struct {
	JobID    string                       `json:"job_id"`
	Status   JobStatus                    `json:"status"`
	PerStage map[StageKind]*StageProgress `json:"per_stage"`
	Pages    []*PageProgress              `json:"pages"`
	Meta     JobMeta                      `json:"meta"`
}

// GetJobProgress assembles the progress projection for one job from its
// stages, diff tasks, and result rows.
func (s *Store) GetJobProgress(ctx context.Context, jobID string) (*JobProgress, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	stages, err := s.StagesForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	p := &JobProgress{
		JobID:    job.ID,
		Status:   job.Status,
		PerStage: make(map[StageKind]*StageProgress, len(stages)),
		Meta:     job.Meta,
	}
	for kind, st := range stages {
		p.PerStage[kind] = &StageProgress{
			Status:    st.Status,
			Expected:  st.ExpectedCount,
			Completed: st.CompletedCount,
			Failed:    st.FailedCount,
			Skipped:   st.SkippedCount,
		}
	}

	// One page row per matched pair, keyed by drawing name off the diff
	// tasks; summary tasks and result rows fill in the rest.
	diffTasks, err := s.TasksForStage(ctx, jobID, StageDiff)
	if err != nil {
		return nil, err
	}
	sumTasks, err := s.TasksForStage(ctx, jobID, StageSummary)
	if err != nil {
		return nil, err
	}
	diffs, err := s.DiffResultsForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	summaries, err := s.SummariesForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*PageProgress)
	for _, t := range diffTasks {
		if t.DrawingName == nil {
			continue
		}
		byName[*t.DrawingName] = &PageProgress{
			DrawingName: *t.DrawingName,
			// Diff tasks exist only after both OCR sides settled.
			OCRStatus:     TaskCompleted,
			DiffStatus:    t.Status,
			SummaryStatus: TaskPending,
		}
	}
	for _, t := range sumTasks {
		if t.DrawingName == nil {
			continue
		}
		if pp, ok := byName[*t.DrawingName]; ok {
			pp.SummaryStatus = t.Status
		}
	}
	diffIDToName := make(map[string]string, len(diffs))
	for _, d := range diffs {
		diffIDToName[d.ID] = d.DrawingName
		if pp, ok := byName[d.DrawingName]; ok {
			pp.OverlayRef = d.OverlayRef
		}
	}
	for _, c := range summaries {
		if name, ok := diffIDToName[c.DiffResultID]; ok {
			if pp, ok := byName[name]; ok {
				pp.SummaryRef = fmt.Sprintf("summary:%s", c.ID)
			}
		}
	}

	p.Pages = make([]*PageProgress, 0, len(byName))
	for _, pp := range byName {
		p.Pages = append(p.Pages, pp)
	}
	sort.Slice(p.Pages, func(i, j int) bool {
		return p.Pages[i].DrawingName < p.Pages[j].DrawingName
	})
	return p, nil
}
