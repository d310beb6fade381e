package orchestrator

import (
	"context"
	"errors"

	"github.com/buildtrace/buildtrace/internal/bus"
	"github.com/buildtrace/buildtrace/internal/events"
	"github.com/buildtrace/buildtrace/internal/store"
)

// OnCompletion is the bus handler for worker completion events. Settling the
// PageTask is the commit point: the first delivery to apply the conditional
// update owns the downstream effects (counters, events, next-stage tasks,
// stage closure). The effects are marked on the task row once they all
// commit, and every step of them is repeatable, so a redelivery that finds
// the task settled with the mark missing finishes the work instead of
// discarding it. Returning an error leaves the message for redelivery, so
// store outages do not drop completions or their effects.
func (o *Orchestrator) OnCompletion(ctx context.Context, env *bus.Envelope) error {
	if env.Kind != bus.KindCompletion {
		o.logger.Warn("dropping unexpected message kind", "kind", env.Kind)
		return nil
	}
	var comp bus.Completion
	if err := env.DecodePayload(&comp); err != nil {
		o.logger.Warn("dropping undecodable completion", "message_id", env.MessageID, "error", err)
		return nil
	}

	task, err := o.store.GetPageTask(ctx, env.PageTaskID)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("completion for unknown page task", "page_task_id", env.PageTaskID)
		return nil
	}
	if err != nil {
		return err
	}

	job, err := o.store.GetJob(ctx, task.JobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() || job.Status == store.JobCancelling {
		// The worker's output stays where it was written; it just no longer
		// advances the job.
		o.logger.Debug("completion after job settled discarded",
			"page_task_id", task.ID, "job_status", job.Status)
		return nil
	}

	if task.Status.Terminal() {
		if task.EffectsDone {
			o.logger.Debug("duplicate completion discarded",
				"page_task_id", task.ID, "status", task.Status)
			return nil
		}
		// An earlier delivery settled the task but errored before its
		// effects committed. Finish them now.
		return o.afterSettle(ctx, job, task, task.Status == store.TaskCompleted, &comp.Outputs)
	}

	if comp.Status == bus.StatusSuccess {
		return o.handleSuccess(ctx, job, task, &comp)
	}
	return o.handleFailure(ctx, job, task, &comp)
}

func (o *Orchestrator) handleSuccess(ctx context.Context, job *store.Job, task *store.PageTask, comp *bus.Completion) error {
	applied, err := o.store.SettlePageTask(ctx, task.ID, store.TaskCompleted, nil, nil)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	return o.afterSettle(ctx, job, task, true, &comp.Outputs)
}

func (o *Orchestrator) handleFailure(ctx context.Context, job *store.Job, task *store.PageTask, comp *bus.Completion) error {
	kind := store.ErrorKind(comp.ErrorKind)

	if kind.Retryable() && o.mayRetry(task, kind) {
		if task.Status != store.TaskRunning {
			// A duplicate failure report for an already requeued task.
			return nil
		}
		attempts, err := o.store.RequeuePageTask(ctx, task.ID, kind.CountsAttempt())
		if err != nil {
			return err
		}
		delay := o.backoff(attempts)
		o.logger.Info("task retry scheduled",
			"page_task_id", task.ID,
			"stage", task.StageKind,
			"error_kind", kind,
			"attempts", attempts,
			"delay", delay)
		return o.dispatch(ctx, task, delay)
	}

	var msgPtr *string
	if comp.ErrorMessage != "" {
		msg := comp.ErrorMessage
		msgPtr = &msg
	}
	applied, err := o.store.SettlePageTask(ctx, task.ID, store.TaskFailed, &kind, msgPtr)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	o.logger.Warn("task failed terminally",
		"page_task_id", task.ID,
		"stage", task.StageKind,
		"error_kind", kind,
		"detail", store.TaskSummaryLine(task))
	return o.afterSettle(ctx, job, task, false, nil)
}

// mayRetry reports whether a retryable failure still has attempts left. Rate
// limiting never consumes attempts, so it always retries.
func (o *Orchestrator) mayRetry(task *store.PageTask, kind store.ErrorKind) bool {
	if !kind.CountsAttempt() {
		return true
	}
	return task.Attempts+1 < task.MaxAttempts
}

// afterSettle commits the downstream effects of a settled task: next-stage
// scheduling, stage counters, progress events, and stage closure. Every step
// is repeatable, so a completion redelivery can re-run the chain until the
// effects mark on the task row confirms it all committed.
func (o *Orchestrator) afterSettle(ctx context.Context, job *store.Job, task *store.PageTask, success bool, outputs *bus.CompletionOutputs) error {
	if success && task.StageKind == store.StageDiff {
		if err := o.ensureSummaryScheduled(ctx, job, task); err != nil {
			return err
		}
	}

	stage, err := o.store.GetStage(ctx, job.ID, task.StageKind)
	if err != nil {
		return err
	}
	stage, err = o.store.SyncStageCounters(ctx, stage.ID)
	if err != nil {
		return err
	}

	if success {
		o.emitTaskEvent(job.ID, task, outputs)
	}

	if stage.Settled() {
		if err := o.closeStage(ctx, job, stage); err != nil {
			return err
		}
	}
	_, err = o.store.MarkTaskEffects(ctx, task.ID)
	return err
}

func (o *Orchestrator) emitTaskEvent(jobID string, task *store.PageTask, outputs *bus.CompletionOutputs) {
	var evType string
	switch task.StageKind {
	case store.StageDiff:
		evType = events.TypePairDiffComplete
	case store.StageSummary:
		evType = events.TypeSummaryComplete
	default:
		evType = events.TypePageOCRComplete
	}

	name := ""
	switch {
	case outputs != nil && outputs.DrawingName != nil:
		name = *outputs.DrawingName
	case task.DrawingName != nil:
		name = *task.DrawingName
	}
	o.feed.Publish(events.Event{
		Type:        evType,
		JobID:       jobID,
		PageTaskID:  task.ID,
		DrawingName: name,
		Status:      string(store.TaskCompleted),
	})
}

// ensureSummaryScheduled creates and dispatches the summary task for one
// successful diff, or picks up where an interrupted earlier run left off.
// The summary stage's expected count tracks its task rows, so summaries
// exist 1:1 with successful DiffResults.
func (o *Orchestrator) ensureSummaryScheduled(ctx context.Context, job *store.Job, diffTask *store.PageTask) error {
	if diffTask.DrawingName == nil {
		return errors.New("diff task has no drawing name")
	}
	name := *diffTask.DrawingName

	d, err := o.store.GetDiffResultByPair(ctx, job.ID, name)
	if err != nil {
		// The worker commits the DiffResult before its completion; absence
		// here means the row is not visible yet, so redeliver.
		return err
	}

	t, err := o.store.SummaryTaskForDiff(ctx, d.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		t = store.NewSummaryTask(job.ID, name, d.ID, o.maxAttempts)
		if err := o.store.InsertPageTasks(ctx, []*store.PageTask{t}); err != nil {
			return err
		}
	case err != nil:
		return err
	case t.Status != store.TaskPending:
		// Scheduled and already picked up by a worker; nothing to repair.
		return nil
	}

	sumStage, err := o.store.GetStage(ctx, job.ID, store.StageSummary)
	if err != nil {
		return err
	}
	if err := o.store.SyncStageExpected(ctx, sumStage.ID); err != nil {
		return err
	}
	if _, err := o.store.TransitionStage(ctx, sumStage.ID, store.StagePending, store.StageRunning); err != nil {
		return err
	}
	return o.dispatch(ctx, t, 0)
}
