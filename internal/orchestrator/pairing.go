package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/buildtrace/buildtrace/internal/store"
)

// Pair is one sheet matched across the two versions by drawing name.
type Pair struct {
	DrawingName  string
	OldPageIndex int
	NewPageIndex int
}

// ResolvePairs matches baseline pages to revised pages by drawing name. Pages
// with a null or empty name never pair. A name occurring more than once on
// one side keeps the lowest page index and drops the rest with a warning.
// Output is sorted by drawing name, so the produced task set depends only on
// the (name, index) sets, not on arrival order.
func ResolvePairs(oldResults, newResults []*store.PageResult) (pairs []Pair, unmatched []string, warnings []string) {
	oldByName, oldWarnings := indexByName(oldResults, "old")
	newByName, newWarnings := indexByName(newResults, "new")
	warnings = append(oldWarnings, newWarnings...)

	for name, oldIdx := range oldByName {
		if newIdx, ok := newByName[name]; ok {
			pairs = append(pairs, Pair{DrawingName: name, OldPageIndex: oldIdx, NewPageIndex: newIdx})
		} else {
			unmatched = append(unmatched, name)
		}
	}
	for name := range newByName {
		if _, ok := oldByName[name]; !ok {
			unmatched = append(unmatched, name)
		}
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].DrawingName < pairs[j].DrawingName })
	sort.Strings(unmatched)
	return pairs, unmatched, warnings
}

func indexByName(results []*store.PageResult, side string) (map[string]int, []string) {
	byName := make(map[string]int, len(results))
	var warnings []string
	for _, r := range results {
		if r.DrawingName == nil || *r.DrawingName == "" {
			continue
		}
		name := *r.DrawingName
		prev, seen := byName[name]
		if !seen {
			byName[name] = r.PageIndex
			continue
		}
		keep, drop := prev, r.PageIndex
		if drop < keep {
			keep, drop = drop, keep
		}
		byName[name] = keep
		warnings = append(warnings, fmt.Sprintf(
			"drawing name %q appears on pages %d and %d of the %s version, keeping page %d",
			name, keep, drop, side, keep))
	}
	return byName, warnings
}

// maybeRunPairing runs the pairing resolver once both OCR stages are
// terminal. Claiming the diff stage's pending -> running transition makes the
// resolver run exactly once per job even when both OCR stages close
// concurrently.
func (o *Orchestrator) maybeRunPairing(ctx context.Context, job *store.Job) error {
	stages, err := o.store.StagesForJob(ctx, job.ID)
	if err != nil {
		return err
	}
	ocrOld, ocrNew := stages[store.StageOCROld], stages[store.StageOCRNew]
	if ocrOld == nil || ocrNew == nil ||
		!ocrOld.Status.Terminal() || !ocrNew.Status.Terminal() {
		return nil
	}

	diffStage := stages[store.StageDiff]
	claimed, err := o.store.TransitionStage(ctx, diffStage.ID, store.StagePending, store.StageRunning)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	oldResults, err := o.store.PageResultsForVersion(ctx, job.OldVersionID)
	if err != nil {
		return err
	}
	newResults, err := o.store.PageResultsForVersion(ctx, job.NewVersionID)
	if err != nil {
		return err
	}
	pairs, unmatched, warnings := ResolvePairs(oldResults, newResults)
	for _, w := range warnings {
		o.logger.Warn("pairing ambiguity", "job_id", job.ID, "detail", w)
	}

	meta := job.Meta
	meta.UnmatchedNames = unmatched
	meta.PairWarnings = warnings

	if len(pairs) == 0 {
		meta.FailureReason = "no_matched_pages"
		if err := o.store.SetJobMeta(ctx, job.ID, meta); err != nil {
			return err
		}
		job.Meta = meta
		if _, err := o.store.TransitionStage(ctx, diffStage.ID, store.StageRunning, store.StageSkipped); err != nil {
			return err
		}
		if _, err := o.store.TransitionStage(ctx, stages[store.StageSummary].ID, store.StagePending, store.StageSkipped); err != nil {
			return err
		}
		o.logger.Warn("no matched pages", "job_id", job.ID, "unmatched", len(unmatched))
		return o.finalizeJob(ctx, job)
	}

	if err := o.store.SetJobMeta(ctx, job.ID, meta); err != nil {
		return err
	}

	tasks := make([]*store.PageTask, 0, len(pairs))
	for _, p := range pairs {
		tasks = append(tasks, store.NewDiffTask(job.ID, p.DrawingName, p.OldPageIndex, p.NewPageIndex, o.maxAttempts))
	}
	if err := o.store.InsertPageTasks(ctx, tasks); err != nil {
		return err
	}
	if err := o.store.SetStageExpected(ctx, diffStage.ID, len(tasks)); err != nil {
		return err
	}

	for _, t := range tasks {
		if err := o.dispatch(ctx, t, 0); err != nil {
			return err
		}
	}

	o.logger.Info("pairing resolved",
		"job_id", job.ID,
		"pairs", len(pairs),
		"unmatched", len(unmatched))
	return nil
}
