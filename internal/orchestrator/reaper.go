package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/buildtrace/buildtrace/internal/store"
)

// ExpireOverdueTasks fails running tasks whose wall-clock budget has passed
// with budget_exceeded and advances their stages, exactly as a terminal
// failure completion would. A worker completion for an expired task arrives
// against a terminal row and is discarded. Returns how many tasks expired.
func (o *Orchestrator) ExpireOverdueTasks(ctx context.Context, now time.Time) (int, error) {
	tasks, err := o.store.OverduePageTasks(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, t := range tasks {
		job, err := o.store.GetJob(ctx, t.JobID)
		if err != nil {
			return expired, err
		}
		if job.Status.Terminal() || job.Status == store.JobCancelling {
			continue
		}

		kind := store.ErrBudgetExceeded
		msg := fmt.Sprintf("stage budget of %s exceeded", o.budget(t.StageKind))
		applied, err := o.store.SettlePageTask(ctx, t.ID, store.TaskFailed, &kind, &msg)
		if err != nil {
			return expired, err
		}
		if !applied {
			continue
		}
		expired++
		o.logger.Warn("task expired",
			"page_task_id", t.ID,
			"stage", t.StageKind,
			"job_id", t.JobID,
			"detail", store.TaskSummaryLine(t))
		if err := o.afterSettle(ctx, job, t, false, nil); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// RunReaper expires overdue tasks on a fixed interval until ctx is cancelled.
func (o *Orchestrator) RunReaper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := o.ExpireOverdueTasks(ctx, time.Now()); err != nil {
				o.logger.Error("reaper pass failed", "error", err)
			} else if n > 0 {
				o.logger.Info("reaper expired tasks", "count", n)
			}
		}
	}
}
