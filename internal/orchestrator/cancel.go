package orchestrator

import (
	"context"
	"fmt"

	"github.com/buildtrace/buildtrace/internal/events"
	"github.com/buildtrace/buildtrace/internal/store"
)

// CancelJob cancels a job cooperatively. Every pending or running task is
// settled as cancelled and counted as skipped; in-flight workers are not
// interrupted, but their completions arrive against terminal tasks and are
// discarded. A queued job cancels directly.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status == store.JobQueued {
		if _, err := o.store.TransitionJob(ctx, jobID, store.JobQueued, store.JobCancelled); err != nil {
			return err
		}
		o.feed.Publish(events.Event{
			Type:   events.TypeJobComplete,
			JobID:  jobID,
			Status: string(store.JobCancelled),
		})
		return nil
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s", jobID, job.Status)
	}

	if _, err := o.store.TransitionJob(ctx, jobID, store.JobRunning, store.JobCancelling); err != nil {
		return err
	}

	counts, err := o.store.CancelPendingTasks(ctx, jobID)
	if err != nil {
		return err
	}

	stages, err := o.store.StagesForJob(ctx, jobID)
	if err != nil {
		return err
	}
	cancelled := 0
	for _, n := range counts {
		cancelled += n
	}
	for _, st := range stages {
		if _, err := o.store.SyncStageCounters(ctx, st.ID); err != nil {
			return err
		}
		if st.Status.Terminal() {
			continue
		}
		if _, err := o.store.TransitionStage(ctx, st.ID, st.Status, store.StageSkipped); err != nil {
			return err
		}
	}

	if _, err := o.store.TransitionJob(ctx, jobID, store.JobCancelling, store.JobCancelled); err != nil {
		return err
	}
	o.feed.Publish(events.Event{
		Type:   events.TypeJobComplete,
		JobID:  jobID,
		Status: string(store.JobCancelled),
	})
	o.logger.Info("job cancelled", "job_id", jobID, "tasks_cancelled", cancelled)
	return nil
}

// RegenerateSummary appends one summary task for a diff result, reopening the
// job's summary stage. The job returns to running until the new summary
// settles. Called after a manual overlay upload.
func (o *Orchestrator) RegenerateSummary(ctx context.Context, diffResultID string) (*store.PageTask, error) {
	d, err := o.store.GetDiffResult(ctx, diffResultID)
	if err != nil {
		return nil, err
	}
	job, err := o.store.GetJob(ctx, d.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status == store.JobCancelling || job.Status == store.JobCancelled {
		return nil, fmt.Errorf("job %s is %s", job.ID, job.Status)
	}

	sumStage, err := o.store.GetStage(ctx, job.ID, store.StageSummary)
	if err != nil {
		return nil, err
	}

	t := store.NewSummaryTask(job.ID, d.DrawingName, d.ID, o.maxAttempts)
	if err := o.store.InsertPageTasks(ctx, []*store.PageTask{t}); err != nil {
		return nil, err
	}
	if err := o.store.SyncStageExpected(ctx, sumStage.ID); err != nil {
		return nil, err
	}
	if sumStage.Status != store.StageRunning {
		if _, err := o.store.TransitionStage(ctx, sumStage.ID, sumStage.Status, store.StageRunning); err != nil {
			return nil, err
		}
	}
	if job.Status.Terminal() {
		if _, err := o.store.TransitionJob(ctx, job.ID, job.Status, store.JobRunning); err != nil {
			return nil, err
		}
	}

	if err := o.dispatch(ctx, t, 0); err != nil {
		return nil, err
	}
	o.logger.Info("summary regeneration scheduled",
		"job_id", job.ID,
		"diff_result_id", d.ID,
		"drawing_name", d.DrawingName)
	return t, nil
}
