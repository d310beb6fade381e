package orchestrator

import (
	"context"

	"github.com/buildtrace/buildtrace/internal/events"
	"github.com/buildtrace/buildtrace/internal/store"
)

// closeStage transitions a fully settled stage to its terminal status and
// advances whatever gate depends on it: OCR stages feed pairing, the diff and
// summary stages feed job finalization.
func (o *Orchestrator) closeStage(ctx context.Context, job *store.Job, stage *store.JobStage) error {
	switch stage.Kind {
	case store.StageOCROld, store.StageOCRNew:
		applied, err := o.store.TransitionStage(ctx, stage.ID, store.StageRunning, stage.TerminalStatus())
		if err != nil || !applied {
			return err
		}
		return o.maybeRunPairing(ctx, job)

	case store.StageDiff:
		applied, err := o.store.TransitionStage(ctx, stage.ID, store.StageRunning, stage.TerminalStatus())
		if err != nil || !applied {
			return err
		}
		return o.maybeCloseSummary(ctx, job)

	case store.StageSummary:
		return o.maybeCloseSummary(ctx, job)
	}
	return nil
}

// maybeCloseSummary closes the summary stage once the diff stage is terminal
// and every scheduled summary has settled, then finalizes the job. While the
// diff stage is still running the summary stage stays open even if its
// current task set has settled: more diff successes may yet add tasks.
func (o *Orchestrator) maybeCloseSummary(ctx context.Context, job *store.Job) error {
	diffStage, err := o.store.GetStage(ctx, job.ID, store.StageDiff)
	if err != nil {
		return err
	}
	if !diffStage.Status.Terminal() {
		return nil
	}

	sumStage, err := o.store.GetStage(ctx, job.ID, store.StageSummary)
	if err != nil {
		return err
	}
	if sumStage.Status.Terminal() {
		return nil
	}

	if sumStage.ExpectedCount == 0 {
		// Zero successful diffs, nothing to summarize.
		if _, err := o.store.TransitionStage(ctx, sumStage.ID, store.StagePending, store.StageSkipped); err != nil {
			return err
		}
		return o.finalizeJob(ctx, job)
	}
	if !sumStage.Settled() {
		return nil
	}
	applied, err := o.store.TransitionStage(ctx, sumStage.ID, store.StageRunning, sumStage.TerminalStatus())
	if err != nil || !applied {
		return err
	}
	return o.finalizeJob(ctx, job)
}

// finalizeJob derives the job's terminal status once all four stages are
// terminal: failed when any stage produced zero successes, partially_failed
// when some pages failed, completed otherwise.
func (o *Orchestrator) finalizeJob(ctx context.Context, job *store.Job) error {
	stages, err := o.store.StagesForJob(ctx, job.ID)
	if err != nil {
		return err
	}
	var totalFailed int
	for _, st := range stages {
		if !st.Status.Terminal() {
			return nil
		}
		totalFailed += st.FailedCount
	}

	final := store.JobCompleted
	switch {
	case stages[store.StageOCROld].CompletedCount == 0 ||
		stages[store.StageOCRNew].CompletedCount == 0 ||
		stages[store.StageDiff].CompletedCount == 0 ||
		stages[store.StageSummary].CompletedCount == 0:
		final = store.JobFailed
	case totalFailed > 0:
		final = store.JobPartiallyFailed
	}

	if final == store.JobFailed && job.Meta.FailureReason == "" {
		meta := job.Meta
		meta.FailureReason = "no_successful_pages"
		if err := o.store.SetJobMeta(ctx, job.ID, meta); err != nil {
			return err
		}
	}
	return o.concludeJob(ctx, job, final)
}

// concludeJob applies the terminal job transition and emits job_complete
// exactly once.
func (o *Orchestrator) concludeJob(ctx context.Context, job *store.Job, final store.JobStatus) error {
	applied, err := o.store.TransitionJob(ctx, job.ID, store.JobRunning, final)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	o.feed.Publish(events.Event{
		Type:   events.TypeJobComplete,
		JobID:  job.ID,
		Status: string(final),
	})
	o.logger.Info("job finished", "job_id", job.ID, "status", final)
	return nil
}
