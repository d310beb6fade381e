package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/buildtrace/buildtrace/internal/bus"
	"github.com/buildtrace/buildtrace/internal/events"
	"github.com/buildtrace/buildtrace/internal/store"
)

// harness wires an orchestrator against an in-memory store and a Recorder
// bus. Tests play the worker role: they read what the orchestrator published,
// write the store rows a worker would write, and feed completions back in by
// hand, which keeps every interleaving deterministic.
type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Store
	rec    *bus.Recorder
	feed   *events.Feed
	orc    *Orchestrator
	job    *store.Job
	oldV   *store.DrawingVersion
	newV   *store.DrawingVersion
	events <-chan events.Event

	cursor map[string]int
}

func newHarness(t *testing.T, oldPages, newPages int, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	rec := bus.NewRecorder()
	feed := events.NewFeed()
	cfg.Store = s
	cfg.Bus = rec
	cfg.Feed = feed

	p, _ := s.CreateProject(ctx, "site", "user-1")
	oldV, _ := s.CreateDrawingVersion(ctx, p.ID, "v1", "drawings/old/raw.pdf", oldPages)
	newV, _ := s.CreateDrawingVersion(ctx, p.ID, "v2", "drawings/new/raw.pdf", newPages)
	j, err := s.CreateJob(ctx, p.ID, oldV.ID, newV.ID, "user-1")
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	ch, cancel := feed.Subscribe(j.ID)
	t.Cleanup(cancel)

	return &harness{
		t:      t,
		ctx:    ctx,
		store:  s,
		rec:    rec,
		feed:   feed,
		orc:    New(cfg),
		job:    j,
		oldV:   oldV,
		newV:   newV,
		events: ch,
		cursor: make(map[string]int),
	}
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.orc.StartJob(h.ctx, h.job.ID); err != nil {
		h.t.Fatalf("StartJob() error = %v", err)
	}
}

// pending returns topic publishes not yet consumed by the test.
func (h *harness) pending(topic string) []bus.Published {
	all := h.rec.ByTopic(topic)
	out := all[h.cursor[topic]:]
	h.cursor[topic] = len(all)
	return out
}

// complete feeds one completion for a task envelope into the orchestrator.
func (h *harness) complete(taskEnv *bus.Envelope, comp *bus.Completion) {
	h.t.Helper()
	env, err := bus.NewEnvelope(bus.KindCompletion, taskEnv.PageTaskID, taskEnv.JobID, comp)
	if err != nil {
		h.t.Fatalf("NewEnvelope() error = %v", err)
	}
	if err := h.orc.OnCompletion(h.ctx, env); err != nil {
		h.t.Fatalf("OnCompletion() error = %v", err)
	}
}

// completeOCR plays the OCR workers: each published OCR task gets a
// PageResult (with the given per-page names, "" meaning unreadable) and a
// success completion.
func (h *harness) completeOCR(oldNames, newNames []string) {
	h.t.Helper()
	for _, pub := range h.pending(bus.TopicOCR) {
		var task bus.OCRTask
		if err := pub.Envelope.DecodePayload(&task); err != nil {
			h.t.Fatalf("DecodePayload() error = %v", err)
		}

		names := oldNames
		if task.DrawingVersionID == h.newV.ID {
			names = newNames
		}
		var name *string
		if n := names[task.PageIndex]; n != "" {
			name = &n
		}

		imageRef := fmt.Sprintf("drawings/%s/pages/%d.png", task.DrawingVersionID, task.PageIndex)
		err := h.store.UpsertPageResult(h.ctx, &store.PageResult{
			DrawingVersionID: task.DrawingVersionID,
			PageIndex:        task.PageIndex,
			ImageRef:         imageRef,
			DrawingName:      name,
		})
		if err != nil {
			h.t.Fatalf("UpsertPageResult() error = %v", err)
		}
		h.complete(pub.Envelope, &bus.Completion{
			Status:  bus.StatusSuccess,
			Outputs: bus.CompletionOutputs{DrawingName: name, ImageRef: imageRef},
		})
	}
}

// completeDiffs plays the diff workers. failures maps drawing names to a
// terminal error kind; everything else succeeds with a persisted DiffResult.
func (h *harness) completeDiffs(failures map[string]store.ErrorKind) {
	h.t.Helper()
	for _, pub := range h.pending(bus.TopicDiff) {
		var task bus.DiffTask
		if err := pub.Envelope.DecodePayload(&task); err != nil {
			h.t.Fatalf("DecodePayload() error = %v", err)
		}

		if kind, ok := failures[task.DrawingName]; ok {
			h.complete(pub.Envelope, &bus.Completion{
				Status:    bus.StatusFailure,
				ErrorKind: string(kind),
			})
			continue
		}

		overlayRef := fmt.Sprintf("jobs/%s/overlays/%s.png", h.job.ID, task.DrawingName)
		count := 3
		if _, err := h.store.UpsertDiffResult(h.ctx, &store.DiffResult{
			JobID:          h.job.ID,
			DrawingName:    task.DrawingName,
			OldImageRef:    task.OldImageRef,
			NewImageRef:    task.NewImageRef,
			OverlayRef:     overlayRef,
			AlignmentScore: 0.9,
			ChangeDetected: true,
			ChangeCount:    &count,
		}); err != nil {
			h.t.Fatalf("UpsertDiffResult() error = %v", err)
		}

		name := task.DrawingName
		score := 0.9
		detected := true
		h.complete(pub.Envelope, &bus.Completion{
			Status: bus.StatusSuccess,
			Outputs: bus.CompletionOutputs{
				DrawingName:    &name,
				OverlayRef:     overlayRef,
				AlignmentScore: &score,
				ChangeDetected: &detected,
				ChangeCount:    &count,
			},
		})
	}
}

// completeSummaries plays the summary workers, failing the named sheets.
func (h *harness) completeSummaries(failures map[string]store.ErrorKind) {
	h.t.Helper()
	for _, pub := range h.pending(bus.TopicSummary) {
		var task bus.SummaryTask
		if err := pub.Envelope.DecodePayload(&task); err != nil {
			h.t.Fatalf("DecodePayload() error = %v", err)
		}

		if kind, ok := failures[task.DrawingName]; ok {
			h.complete(pub.Envelope, &bus.Completion{
				Status:    bus.StatusFailure,
				ErrorKind: string(kind),
			})
			continue
		}

		if err := h.store.UpsertChangeSummary(h.ctx, &store.ChangeSummary{
			ID:           pub.Envelope.PageTaskID,
			DiffResultID: task.DiffResultID,
			JobID:        h.job.ID,
			Document:     json.RawMessage(`{"overall_summary":"wall moved","changes":[],"total_changes":1}`),
			FreeText:     "wall moved",
			Model:        "mock",
			Source:       store.SourceMachine,
		}); err != nil {
			h.t.Fatalf("UpsertChangeSummary() error = %v", err)
		}

		name := task.DrawingName
		h.complete(pub.Envelope, &bus.Completion{
			Status: bus.StatusSuccess,
			Outputs: bus.CompletionOutputs{
				DrawingName: &name,
				SummaryID:   pub.Envelope.PageTaskID,
			},
		})
	}
}

func (h *harness) reloadJob() *store.Job {
	h.t.Helper()
	j, err := h.store.GetJob(h.ctx, h.job.ID)
	if err != nil {
		h.t.Fatalf("GetJob() error = %v", err)
	}
	return j
}

func (h *harness) stage(kind store.StageKind) *store.JobStage {
	h.t.Helper()
	st, err := h.store.GetStage(h.ctx, h.job.ID, kind)
	if err != nil {
		h.t.Fatalf("GetStage(%s) error = %v", kind, err)
	}
	return st
}

// drainEvents counts the feed events received so far by type.
func (h *harness) drainEvents() map[string]int {
	counts := make(map[string]int)
	for {
		select {
		case ev := <-h.events:
			counts[ev.Type]++
		default:
			return counts
		}
	}
}

// assertStageAccounting checks that every stage settled exactly its expected
// count and reached a terminal status.
func (h *harness) assertStageAccounting() {
	h.t.Helper()
	stages, err := h.store.StagesForJob(h.ctx, h.job.ID)
	if err != nil {
		h.t.Fatalf("StagesForJob() error = %v", err)
	}
	for kind, st := range stages {
		if !st.Status.Terminal() {
			h.t.Errorf("stage %s not terminal: %s", kind, st.Status)
		}
		if st.SettledCount() != st.ExpectedCount {
			h.t.Errorf("stage %s settled %d of expected %d", kind, st.SettledCount(), st.ExpectedCount)
		}
	}
}

func TestSinglePageMatched(t *testing.T) {
	h := newHarness(t, 1, 1, Config{})
	h.start()

	if got := h.reloadJob().Status; got != store.JobRunning {
		t.Fatalf("job status = %s, want running", got)
	}
	ocrTasks := h.pending(bus.TopicOCR)
	if len(ocrTasks) != 2 {
		t.Fatalf("ocr tasks = %d, want 2", len(ocrTasks))
	}
	h.cursor[bus.TopicOCR] = 0 // hand them back for completeOCR

	h.completeOCR([]string{"A-101"}, []string{"A-101"})

	diffStage := h.stage(store.StageDiff)
	if diffStage.ExpectedCount != 1 || diffStage.Status != store.StageRunning {
		t.Fatalf("diff stage = %+v, want expected=1 running", diffStage)
	}

	h.completeDiffs(nil)
	h.completeSummaries(nil)

	job := h.reloadJob()
	if job.Status != store.JobCompleted {
		t.Fatalf("job status = %s, want completed", job.Status)
	}
	if job.CompletedAt == nil {
		t.Error("completed_at should be stamped")
	}

	diffStage = h.stage(store.StageDiff)
	if diffStage.Status != store.StageCompleted || diffStage.CompletedCount != 1 {
		t.Errorf("diff stage = %+v", diffStage)
	}
	h.assertStageAccounting()

	counts := h.drainEvents()
	want := map[string]int{
		events.TypePageOCRComplete:  2,
		events.TypePairDiffComplete: 1,
		events.TypeSummaryComplete:  1,
		events.TypeJobComplete:      1,
	}
	for typ, n := range want {
		if counts[typ] != n {
			t.Errorf("events[%s] = %d, want %d", typ, counts[typ], n)
		}
	}

	summaries, err := h.store.SummariesForJob(h.ctx, h.job.ID)
	if err != nil || len(summaries) != 1 {
		t.Errorf("summaries = %d (%v), want 1", len(summaries), err)
	}
}

func TestTenPageMultiSheet(t *testing.T) {
	names := make([]string, 10)
	for i := range names {
		names[i] = fmt.Sprintf("A-%d", 101+i)
	}

	h := newHarness(t, 10, 10, Config{})
	h.start()

	h.completeOCR(names, names)

	if st := h.stage(store.StageDiff); st.ExpectedCount != 10 {
		t.Fatalf("diff expected = %d, want 10", st.ExpectedCount)
	}
	h.completeDiffs(nil)

	if st := h.stage(store.StageSummary); st.ExpectedCount != 10 {
		t.Fatalf("summary expected = %d, want 10", st.ExpectedCount)
	}
	h.completeSummaries(nil)

	if got := h.reloadJob().Status; got != store.JobCompleted {
		t.Fatalf("job status = %s, want completed", got)
	}
	h.assertStageAccounting()

	counts := h.drainEvents()
	if counts[events.TypePairDiffComplete] != 10 || counts[events.TypeSummaryComplete] != 10 {
		t.Errorf("events = %v, want 10 diff and 10 summary", counts)
	}
	if counts[events.TypeJobComplete] != 1 {
		t.Errorf("job_complete events = %d, want 1", counts[events.TypeJobComplete])
	}
}

func TestPartialMismatch(t *testing.T) {
	h := newHarness(t, 3, 2, Config{})
	h.start()

	h.completeOCR([]string{"A-101", "A-102", "A-103"}, []string{"A-101", "A-104"})

	if st := h.stage(store.StageDiff); st.ExpectedCount != 1 {
		t.Fatalf("diff expected = %d, want 1", st.ExpectedCount)
	}
	h.completeDiffs(nil)
	h.completeSummaries(nil)

	job := h.reloadJob()
	if job.Status != store.JobCompleted {
		t.Fatalf("job status = %s, want completed", job.Status)
	}
	wantUnmatched := []string{"A-102", "A-103", "A-104"}
	if len(job.Meta.UnmatchedNames) != 3 {
		t.Fatalf("unmatched = %v, want %v", job.Meta.UnmatchedNames, wantUnmatched)
	}
	for i, name := range wantUnmatched {
		if job.Meta.UnmatchedNames[i] != name {
			t.Errorf("unmatched[%d] = %s, want %s", i, job.Meta.UnmatchedNames[i], name)
		}
	}
	h.assertStageAccounting()
}

func TestZeroMatches(t *testing.T) {
	h := newHarness(t, 1, 1, Config{})
	h.start()

	h.completeOCR([]string{"X-1"}, []string{"Y-1"})

	job := h.reloadJob()
	if job.Status != store.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if job.Meta.FailureReason != "no_matched_pages" {
		t.Errorf("failure reason = %q, want no_matched_pages", job.Meta.FailureReason)
	}
	if st := h.stage(store.StageDiff); st.Status != store.StageSkipped {
		t.Errorf("diff stage = %s, want skipped", st.Status)
	}
	if st := h.stage(store.StageSummary); st.Status != store.StageSkipped {
		t.Errorf("summary stage = %s, want skipped", st.Status)
	}
	if len(h.pending(bus.TopicDiff)) != 0 {
		t.Error("no diff tasks should be published")
	}
	h.assertStageAccounting()

	if counts := h.drainEvents(); counts[events.TypeJobComplete] != 1 {
		t.Errorf("job_complete events = %d, want 1", counts[events.TypeJobComplete])
	}
}

func TestSummaryFailureOnOnePage(t *testing.T) {
	names := []string{"A-101", "A-102", "A-103"}
	h := newHarness(t, 3, 3, Config{})
	h.start()

	h.completeOCR(names, names)
	h.completeDiffs(nil)
	h.completeSummaries(map[string]store.ErrorKind{"A-102": store.ErrSchemaParse})

	job := h.reloadJob()
	if job.Status != store.JobPartiallyFailed {
		t.Fatalf("job status = %s, want partially_failed", job.Status)
	}

	st := h.stage(store.StageSummary)
	if st.Status != store.StagePartiallyCompleted || st.CompletedCount != 2 || st.FailedCount != 1 {
		t.Errorf("summary stage = %+v", st)
	}

	summaries, _ := h.store.SummariesForJob(h.ctx, h.job.ID)
	if len(summaries) != 2 {
		t.Errorf("summaries = %d, want 2", len(summaries))
	}

	tasks, _ := h.store.TasksForStage(h.ctx, h.job.ID, store.StageSummary)
	var failed *store.PageTask
	for _, pt := range tasks {
		if pt.Status == store.TaskFailed {
			failed = pt
		}
	}
	if failed == nil || failed.ErrorKind == nil || *failed.ErrorKind != store.ErrSchemaParse {
		t.Errorf("failed task = %+v, want schema_parse_error", failed)
	}

	if counts := h.drainEvents(); counts[events.TypeSummaryComplete] != 2 {
		t.Errorf("summary_complete events = %d, want 2", counts[events.TypeSummaryComplete])
	}
	h.assertStageAccounting()
}

func TestDiffFailureStillSummarizesSiblings(t *testing.T) {
	names := []string{"A-101", "A-102"}
	h := newHarness(t, 2, 2, Config{})
	h.start()

	h.completeOCR(names, names)
	h.completeDiffs(map[string]store.ErrorKind{"A-101": store.ErrAlignmentFailed})

	// Only the surviving pair gets a summary task.
	if st := h.stage(store.StageSummary); st.ExpectedCount != 1 {
		t.Fatalf("summary expected = %d, want 1", st.ExpectedCount)
	}
	h.completeSummaries(nil)

	job := h.reloadJob()
	if job.Status != store.JobPartiallyFailed {
		t.Fatalf("job status = %s, want partially_failed", job.Status)
	}
	if st := h.stage(store.StageDiff); st.Status != store.StagePartiallyCompleted {
		t.Errorf("diff stage = %s", st.Status)
	}
	if st := h.stage(store.StageSummary); st.Status != store.StageCompleted {
		t.Errorf("summary stage = %s, want completed", st.Status)
	}
	h.assertStageAccounting()
}

func TestDuplicateDiffCompletion(t *testing.T) {
	h := newHarness(t, 1, 1, Config{})
	h.start()
	h.completeOCR([]string{"A-101"}, []string{"A-101"})

	diffPubs := h.pending(bus.TopicDiff)
	if len(diffPubs) != 1 {
		t.Fatalf("diff tasks = %d, want 1", len(diffPubs))
	}
	pub := diffPubs[0]

	var task bus.DiffTask
	pub.Envelope.DecodePayload(&task)
	if _, err := h.store.UpsertDiffResult(h.ctx, &store.DiffResult{
		JobID:          h.job.ID,
		DrawingName:    task.DrawingName,
		OldImageRef:    task.OldImageRef,
		NewImageRef:    task.NewImageRef,
		OverlayRef:     "jobs/x/overlays/A-101.png",
		AlignmentScore: 0.8,
		ChangeDetected: true,
	}); err != nil {
		t.Fatalf("UpsertDiffResult() error = %v", err)
	}

	name := task.DrawingName
	comp := &bus.Completion{
		Status:  bus.StatusSuccess,
		Outputs: bus.CompletionOutputs{DrawingName: &name, OverlayRef: "jobs/x/overlays/A-101.png"},
	}
	h.complete(pub.Envelope, comp)
	h.complete(pub.Envelope, comp) // duplicate delivery

	if got := len(h.pending(bus.TopicSummary)); got != 1 {
		t.Errorf("summary tasks = %d, want exactly 1", got)
	}
	if st := h.stage(store.StageDiff); st.CompletedCount != 1 {
		t.Errorf("diff completed_count = %d, want 1", st.CompletedCount)
	}
	diffs, _ := h.store.DiffResultsForJob(h.ctx, h.job.ID)
	if len(diffs) != 1 {
		t.Errorf("diff results = %d, want 1", len(diffs))
	}
	if counts := h.drainEvents(); counts[events.TypePairDiffComplete] != 1 {
		t.Errorf("pair_diff_complete events = %d, want 1", counts[events.TypePairDiffComplete])
	}
}

func TestDiffCompletionRedeliveryRecoversEffects(t *testing.T) {
	h := newHarness(t, 1, 1, Config{})
	h.start()
	h.completeOCR([]string{"A-101"}, []string{"A-101"})

	diffPubs := h.pending(bus.TopicDiff)
	if len(diffPubs) != 1 {
		t.Fatalf("diff tasks = %d, want 1", len(diffPubs))
	}
	pub := diffPubs[0]
	var task bus.DiffTask
	pub.Envelope.DecodePayload(&task)

	name := task.DrawingName
	comp := &bus.Completion{
		Status:  bus.StatusSuccess,
		Outputs: bus.CompletionOutputs{DrawingName: &name, OverlayRef: "jobs/x/overlays/A-101.png"},
	}
	env, err := bus.NewEnvelope(bus.KindCompletion, pub.Envelope.PageTaskID, pub.Envelope.JobID, comp)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}

	// First delivery: the DiffResult row is not visible yet, so the task
	// settles but the downstream effects abort and the message stays queued
	// for redelivery.
	if err := h.orc.OnCompletion(h.ctx, env); err == nil {
		t.Fatal("OnCompletion() should error while the diff result is missing")
	}
	pt, _ := h.store.GetPageTask(h.ctx, pub.Envelope.PageTaskID)
	if pt.Status != store.TaskCompleted || pt.EffectsDone {
		t.Fatalf("task after first delivery = %+v, want completed with effects outstanding", pt)
	}
	if got := len(h.pending(bus.TopicSummary)); got != 0 {
		t.Fatalf("summary tasks before recovery = %d, want 0", got)
	}

	if _, err := h.store.UpsertDiffResult(h.ctx, &store.DiffResult{
		JobID:          h.job.ID,
		DrawingName:    task.DrawingName,
		OldImageRef:    task.OldImageRef,
		NewImageRef:    task.NewImageRef,
		OverlayRef:     "jobs/x/overlays/A-101.png",
		AlignmentScore: 0.8,
		ChangeDetected: true,
	}); err != nil {
		t.Fatalf("UpsertDiffResult() error = %v", err)
	}

	// Redelivery finds the settled task with effects outstanding and finishes
	// them: summary scheduled, counters synced, stage closed.
	if err := h.orc.OnCompletion(h.ctx, env); err != nil {
		t.Fatalf("OnCompletion() redelivery error = %v", err)
	}
	if got := len(h.pending(bus.TopicSummary)); got != 1 {
		t.Errorf("summary tasks = %d, want 1", got)
	}
	st := h.stage(store.StageDiff)
	if !st.Status.Terminal() || st.CompletedCount != 1 {
		t.Errorf("diff stage = %+v, want terminal with completed=1", st)
	}
	pt, _ = h.store.GetPageTask(h.ctx, pub.Envelope.PageTaskID)
	if !pt.EffectsDone {
		t.Error("effects should be marked after recovery")
	}

	// A third delivery is a plain duplicate now.
	if err := h.orc.OnCompletion(h.ctx, env); err != nil {
		t.Fatalf("OnCompletion() duplicate error = %v", err)
	}
	if got := len(h.pending(bus.TopicSummary)); got != 0 {
		t.Errorf("summary tasks after duplicate = %d, want 0", got)
	}
	tasks, _ := h.store.TasksForStage(h.ctx, h.job.ID, store.StageSummary)
	if len(tasks) != 1 {
		t.Errorf("summary task rows = %d, want 1", len(tasks))
	}

	h.cursor[bus.TopicSummary] = 0 // hand the publish back for completeSummaries
	h.completeSummaries(nil)
	if got := h.reloadJob().Status; got != store.JobCompleted {
		t.Fatalf("job status = %s, want completed", got)
	}
	if counts := h.drainEvents(); counts[events.TypePairDiffComplete] != 1 {
		t.Errorf("pair_diff_complete events = %d, want 1", counts[events.TypePairDiffComplete])
	}
}

func TestRetryableFailureRequeuesWithBackoff(t *testing.T) {
	h := newHarness(t, 1, 1, Config{})
	h.start()

	ocrPubs := h.pending(bus.TopicOCR)
	var oldPub bus.Published
	for _, pub := range ocrPubs {
		var task bus.OCRTask
		pub.Envelope.DecodePayload(&task)
		if task.DrawingVersionID == h.oldV.ID {
			oldPub = pub
		}
	}

	fail := &bus.Completion{Status: bus.StatusFailure, ErrorKind: string(store.ErrRasterization)}

	// Two retries consume attempts and republish with growing delays.
	h.complete(oldPub.Envelope, fail)
	h.complete(oldPub.Envelope, fail)

	retries := h.pending(bus.TopicOCR)
	if len(retries) != 2 {
		t.Fatalf("retry publishes = %d, want 2", len(retries))
	}
	if retries[0].Delay <= 0 || retries[1].Delay <= retries[0].Delay {
		t.Errorf("delays = %v, %v, want growing backoff", retries[0].Delay, retries[1].Delay)
	}

	pt, _ := h.store.GetPageTask(h.ctx, oldPub.Envelope.PageTaskID)
	if pt.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", pt.Attempts)
	}

	// Third failure exhausts the attempt cap.
	h.complete(oldPub.Envelope, fail)
	if got := len(h.pending(bus.TopicOCR)); got != 0 {
		t.Errorf("publishes after exhaustion = %d, want 0", got)
	}
	pt, _ = h.store.GetPageTask(h.ctx, oldPub.Envelope.PageTaskID)
	if pt.Status != store.TaskFailed || pt.ErrorKind == nil || *pt.ErrorKind != store.ErrRasterization {
		t.Errorf("task = %+v, want failed with rasterization_error", pt)
	}
}

func TestRateLimitRetryDoesNotConsumeAttempts(t *testing.T) {
	h := newHarness(t, 1, 1, Config{})
	h.start()

	pub := h.pending(bus.TopicOCR)[0]
	fail := &bus.Completion{Status: bus.StatusFailure, ErrorKind: string(store.ErrLLMRateLimited)}

	for i := 0; i < 5; i++ {
		h.complete(pub.Envelope, fail)
	}

	pt, _ := h.store.GetPageTask(h.ctx, pub.Envelope.PageTaskID)
	if pt.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 for rate-limit retries", pt.Attempts)
	}
	if pt.Status.Terminal() {
		t.Errorf("task status = %s, rate limiting must never exhaust a task", pt.Status)
	}
	if got := len(h.pending(bus.TopicOCR)); got != 5 {
		t.Errorf("retry publishes = %d, want 5", got)
	}
}

func TestStartJobIdempotent(t *testing.T) {
	h := newHarness(t, 2, 2, Config{})
	h.start()

	published := len(h.rec.All())
	if err := h.orc.StartJob(h.ctx, h.job.ID); err != nil {
		t.Fatalf("second StartJob() error = %v", err)
	}
	if got := len(h.rec.All()); got != published {
		t.Errorf("publishes after re-invocation = %d, want %d", got, published)
	}
	n, _ := h.store.CountTasksForJob(h.ctx, h.job.ID)
	if n != 4 {
		t.Errorf("task count = %d, want 4", n)
	}
}

func TestStartJobZeroPagesFailsJob(t *testing.T) {
	h := newHarness(t, 0, 1, Config{})

	if err := h.orc.StartJob(h.ctx, h.job.ID); err == nil {
		t.Fatal("StartJob() should fail for a zero-page version")
	}
	job := h.reloadJob()
	if job.Status != store.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if job.Meta.FailureReason == "" {
		t.Error("failure reason should be recorded")
	}
	if got := len(h.rec.All()); got != 0 {
		t.Errorf("publishes = %d, want none before preconditions hold", got)
	}
}

func TestCancelJob(t *testing.T) {
	h := newHarness(t, 2, 2, Config{})
	h.start()

	ocrPubs := h.pending(bus.TopicOCR)
	if err := h.orc.CancelJob(h.ctx, h.job.ID); err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}

	job := h.reloadJob()
	if job.Status != store.JobCancelled {
		t.Fatalf("job status = %s, want cancelled", job.Status)
	}
	h.assertStageAccounting()

	for _, kind := range []store.StageKind{store.StageOCROld, store.StageOCRNew} {
		st := h.stage(kind)
		if st.SkippedCount != 2 {
			t.Errorf("stage %s skipped = %d, want 2", kind, st.SkippedCount)
		}
	}

	// A worker finishing after cancellation is discarded.
	name := "A-101"
	h.complete(ocrPubs[0].Envelope, &bus.Completion{
		Status:  bus.StatusSuccess,
		Outputs: bus.CompletionOutputs{DrawingName: &name},
	})
	if st := h.stage(store.StageOCROld); st.CompletedCount != 0 {
		t.Errorf("late completion advanced a cancelled stage: %+v", st)
	}

	if counts := h.drainEvents(); counts[events.TypeJobComplete] != 1 {
		t.Errorf("job_complete events = %d, want 1", counts[events.TypeJobComplete])
	}
}

func TestRegenerateSummaryReopensJob(t *testing.T) {
	h := newHarness(t, 1, 1, Config{})
	h.start()
	h.completeOCR([]string{"A-101"}, []string{"A-101"})
	h.completeDiffs(nil)
	h.completeSummaries(nil)

	if got := h.reloadJob().Status; got != store.JobCompleted {
		t.Fatalf("job status = %s, want completed", got)
	}

	d, err := h.store.GetDiffResultByPair(h.ctx, h.job.ID, "A-101")
	if err != nil {
		t.Fatalf("GetDiffResultByPair() error = %v", err)
	}
	if _, err := h.orc.RegenerateSummary(h.ctx, d.ID); err != nil {
		t.Fatalf("RegenerateSummary() error = %v", err)
	}

	if got := h.reloadJob().Status; got != store.JobRunning {
		t.Fatalf("job status = %s, want running while regenerating", got)
	}
	st := h.stage(store.StageSummary)
	if st.Status != store.StageRunning || st.ExpectedCount != 2 {
		t.Fatalf("summary stage = %+v, want running expected=2", st)
	}

	h.completeSummaries(nil)

	if got := h.reloadJob().Status; got != store.JobCompleted {
		t.Fatalf("job status = %s, want completed after regeneration", got)
	}
	st = h.stage(store.StageSummary)
	if st.Status != store.StageCompleted || st.CompletedCount != 2 {
		t.Errorf("summary stage = %+v", st)
	}
}

func TestExpireOverdueTasks(t *testing.T) {
	h := newHarness(t, 1, 1, Config{OCRBudget: time.Millisecond})
	h.start()

	expired, err := h.orc.ExpireOverdueTasks(h.ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ExpireOverdueTasks() error = %v", err)
	}
	if expired != 2 {
		t.Fatalf("expired = %d, want 2", expired)
	}

	tasks, _ := h.store.TasksForStage(h.ctx, h.job.ID, store.StageOCROld)
	if len(tasks) != 1 || tasks[0].Status != store.TaskFailed ||
		tasks[0].ErrorKind == nil || *tasks[0].ErrorKind != store.ErrBudgetExceeded {
		t.Errorf("task = %+v, want failed with budget_exceeded", tasks[0])
	}

	// Both OCR stages failed entirely, so pairing finds nothing.
	job := h.reloadJob()
	if job.Status != store.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	h.assertStageAccounting()

	// The worker's completion arrives after expiry and is discarded.
	pub := h.pending(bus.TopicOCR)[0]
	name := "A-101"
	h.complete(pub.Envelope, &bus.Completion{
		Status:  bus.StatusSuccess,
		Outputs: bus.CompletionOutputs{DrawingName: &name},
	})
	if st := h.stage(store.StageOCROld); st.CompletedCount != 0 {
		t.Errorf("late completion advanced an expired stage: %+v", st)
	}
}
