package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/buildtrace/buildtrace/internal/bus"
	"github.com/buildtrace/buildtrace/internal/events"
	"github.com/buildtrace/buildtrace/internal/store"
)

// StartJob fans a queued job out into its OCR work: four JobStages, one
// PageTask per page per side, and the task messages on the bus. Re-invocation
// for a job that already has page tasks is a no-op, so the API can safely
// retry. Precondition faults (unreadable versions, zero pages) fail the job
// immediately with no task publication.
func (o *Orchestrator) StartJob(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	existing, err := o.store.CountTasksForJob(ctx, jobID)
	if err != nil {
		return err
	}
	if existing > 0 {
		o.logger.Info("job already started", "job_id", jobID, "tasks", existing)
		return nil
	}
	if job.Status != store.JobQueued {
		return fmt.Errorf("job %s is %s, expected %s", jobID, job.Status, store.JobQueued)
	}

	oldV, err := o.store.GetDrawingVersion(ctx, job.OldVersionID)
	if err != nil {
		return o.failBeforeStart(ctx, job, fmt.Sprintf("old drawing version unreadable: %v", err))
	}
	newV, err := o.store.GetDrawingVersion(ctx, job.NewVersionID)
	if err != nil {
		return o.failBeforeStart(ctx, job, fmt.Sprintf("new drawing version unreadable: %v", err))
	}
	if oldV.PageCount < 1 || newV.PageCount < 1 {
		return o.failBeforeStart(ctx, job, "drawing version has zero pages")
	}

	stages := make(map[store.StageKind]*store.JobStage, len(store.StageKinds))
	for _, kind := range store.StageKinds {
		st, err := o.store.CreateStage(ctx, jobID, kind)
		if err != nil {
			return err
		}
		stages[kind] = st
	}

	var tasks []*store.PageTask
	for i := 0; i < oldV.PageCount; i++ {
		tasks = append(tasks, store.NewOCRTask(jobID, store.StageOCROld, oldV.ID, i, o.maxAttempts))
	}
	for i := 0; i < newV.PageCount; i++ {
		tasks = append(tasks, store.NewOCRTask(jobID, store.StageOCRNew, newV.ID, i, o.maxAttempts))
	}
	if err := o.store.InsertPageTasks(ctx, tasks); err != nil {
		return err
	}

	if err := o.store.SetStageExpected(ctx, stages[store.StageOCROld].ID, oldV.PageCount); err != nil {
		return err
	}
	if err := o.store.SetStageExpected(ctx, stages[store.StageOCRNew].ID, newV.PageCount); err != nil {
		return err
	}
	for _, kind := range []store.StageKind{store.StageOCROld, store.StageOCRNew} {
		if _, err := o.store.TransitionStage(ctx, stages[kind].ID, store.StagePending, store.StageRunning); err != nil {
			return err
		}
	}

	if _, err := o.store.TransitionJob(ctx, jobID, store.JobQueued, store.JobRunning); err != nil {
		return err
	}

	for _, t := range tasks {
		if err := o.dispatch(ctx, t, 0); err != nil {
			return err
		}
	}

	o.logger.Info("job started",
		"job_id", jobID,
		"old_pages", oldV.PageCount,
		"new_pages", newV.PageCount)
	return nil
}

func (o *Orchestrator) failBeforeStart(ctx context.Context, job *store.Job, reason string) error {
	meta := job.Meta
	meta.FailureReason = reason
	if err := o.store.SetJobMeta(ctx, job.ID, meta); err != nil {
		return err
	}
	applied, err := o.store.TransitionJob(ctx, job.ID, store.JobQueued, store.JobFailed)
	if err != nil {
		return err
	}
	if applied {
		o.feed.Publish(events.Event{
			Type:   events.TypeJobComplete,
			JobID:  job.ID,
			Status: string(store.JobFailed),
		})
	}
	return fmt.Errorf("job %s failed preconditions: %s", job.ID, reason)
}

// dispatch marks a task running with its wall-clock deadline and publishes
// its message. The deadline includes the publish delay so a backed-off retry
// is not reaped while it waits to become visible.
func (o *Orchestrator) dispatch(ctx context.Context, t *store.PageTask, delay time.Duration) error {
	env, err := o.taskEnvelope(ctx, t)
	if err != nil {
		return err
	}
	deadline := time.Now().UTC().Add(delay + o.budget(t.StageKind))
	if _, err := o.store.MarkTaskRunning(ctx, t.ID, deadline); err != nil {
		return err
	}
	topic := topicFor(t.StageKind)
	if delay > 0 {
		return o.bus.PublishAfter(ctx, topic, env, delay)
	}
	return o.bus.Publish(ctx, topic, env)
}

func topicFor(kind store.StageKind) string {
	switch kind {
	case store.StageDiff:
		return bus.TopicDiff
	case store.StageSummary:
		return bus.TopicSummary
	default:
		return bus.TopicOCR
	}
}

// taskEnvelope builds the wire message for a task, resolving the refs the
// worker needs. Self-contained so retries can rebuild the message from the
// task row alone.
func (o *Orchestrator) taskEnvelope(ctx context.Context, t *store.PageTask) (*bus.Envelope, error) {
	switch t.StageKind {
	case store.StageOCROld, store.StageOCRNew:
		if t.DrawingVersionID == nil || t.PageIndex == nil {
			return nil, fmt.Errorf("ocr task %s missing version or page", t.ID)
		}
		dv, err := o.store.GetDrawingVersion(ctx, *t.DrawingVersionID)
		if err != nil {
			return nil, err
		}
		return bus.NewEnvelope(bus.KindOCR, t.ID, t.JobID, bus.OCRTask{
			DrawingVersionID: dv.ID,
			PageIndex:        *t.PageIndex,
			StorageRef:       dv.StorageRef,
		})

	case store.StageDiff:
		if t.DrawingName == nil || t.OldPageIndex == nil || t.NewPageIndex == nil {
			return nil, fmt.Errorf("diff task %s missing pair fields", t.ID)
		}
		job, err := o.store.GetJob(ctx, t.JobID)
		if err != nil {
			return nil, err
		}
		oldR, err := o.store.GetPageResult(ctx, job.OldVersionID, *t.OldPageIndex)
		if err != nil {
			return nil, err
		}
		newR, err := o.store.GetPageResult(ctx, job.NewVersionID, *t.NewPageIndex)
		if err != nil {
			return nil, err
		}
		return bus.NewEnvelope(bus.KindDiff, t.ID, t.JobID, bus.DiffTask{
			DrawingName:  *t.DrawingName,
			OldPageIndex: *t.OldPageIndex,
			NewPageIndex: *t.NewPageIndex,
			OldImageRef:  oldR.ImageRef,
			NewImageRef:  newR.ImageRef,
		})

	case store.StageSummary:
		if t.DrawingName == nil || t.DiffResultID == nil {
			return nil, fmt.Errorf("summary task %s missing diff result", t.ID)
		}
		return bus.NewEnvelope(bus.KindSummary, t.ID, t.JobID, bus.SummaryTask{
			DiffResultID: *t.DiffResultID,
			DrawingName:  *t.DrawingName,
		})
	}
	return nil, fmt.Errorf("unknown stage kind %q", t.StageKind)
}
