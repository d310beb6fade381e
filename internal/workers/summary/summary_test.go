package summary

import (
	"context"
	"testing"
	"time"

	"github.com/buildtrace/buildtrace/internal/bus"
	"github.com/buildtrace/buildtrace/internal/home"
	"github.com/buildtrace/buildtrace/internal/providers"
	"github.com/buildtrace/buildtrace/internal/store"
)

func validDoc() Document {
	loc := "grid C-4"
	return Document{
		OverallSummary: "Conference room wall moved east.",
		Changes: []ChangeItem{
			{ID: "c1", Title: "Wall relocated", Description: "Partition moved 600mm east", ChangeType: "modified", Location: &loc},
		},
		TotalChanges: 1,
	}
}

type fixture struct {
	worker *Worker
	store  *store.Store
	home   *home.Dir
	job    *store.Job
	diff   *store.DiffResult
}

func newFixture(t *testing.T, client providers.LLMClient) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h, err := home.New(t.TempDir())
	if err != nil {
		t.Fatalf("home.New() error = %v", err)
	}
	h.EnsureExists()

	reg := providers.NewRegistry()
	reg.Register(SummarizerClientName, client, 6000)

	p, _ := s.CreateProject(ctx, "site", "user-1")
	oldV, _ := s.CreateDrawingVersion(ctx, p.ID, "v1", "drawings/o/raw.pdf", 1)
	newV, _ := s.CreateDrawingVersion(ctx, p.ID, "v2", "drawings/n/raw.pdf", 1)
	j, _ := s.CreateJob(ctx, p.ID, oldV.ID, newV.ID, "user-1")

	d, err := s.UpsertDiffResult(ctx, &store.DiffResult{
		JobID:          j.ID,
		DrawingName:    "A-101",
		OldImageRef:    "drawings/o/pages/0.png",
		NewImageRef:    "drawings/n/pages/0.png",
		OverlayRef:     home.OverlayRef(j.ID, "A-101"),
		AlignmentScore: 0.9,
		ChangeDetected: true,
	})
	if err != nil {
		t.Fatalf("UpsertDiffResult() error = %v", err)
	}
	for _, ref := range []string{d.OldImageRef, d.NewImageRef, d.OverlayRef} {
		h.WriteBlob(ref, []byte("png"))
	}

	return &fixture{
		worker: New(Config{Store: s, Home: h, Registry: reg}),
		store:  s,
		home:   h,
		job:    j,
		diff:   d,
	}
}

func (f *fixture) envelope(t *testing.T, taskID string) *bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(bus.KindSummary, taskID, f.job.ID, bus.SummaryTask{
		DiffResultID: f.diff.ID,
		DrawingName:  "A-101",
	})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return env
}

func TestProcessSuccess(t *testing.T) {
	client := providers.NewMockClient(providers.JSONResponse(validDoc()))
	f := newFixture(t, client)

	comp, err := f.worker.Process(context.Background(), f.envelope(t, "task-1"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if comp.Status != bus.StatusSuccess || comp.Outputs.SummaryID != "task-1" {
		t.Fatalf("completion = %+v", comp)
	}

	cs, err := f.store.GetChangeSummary(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("summary row missing: %v", err)
	}
	if cs.Source != store.SourceMachine || cs.DiffResultID != f.diff.ID {
		t.Errorf("summary = %+v", cs)
	}
	if cs.FreeText == "" {
		t.Error("free text rendering should not be empty")
	}
	if !f.home.BlobExists(home.SummaryRef(f.job.ID, "A-101")) {
		t.Error("summary blob should be written")
	}
}

func TestProcessRepairsOnce(t *testing.T) {
	client := providers.NewMockClient(
		providers.MockResponse{Content: "sure, the changes are significant"},
		providers.JSONResponse(validDoc()),
	)
	f := newFixture(t, client)

	comp, err := f.worker.Process(context.Background(), f.envelope(t, "task-1"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if comp.Status != bus.StatusSuccess {
		t.Fatalf("completion = %+v", comp)
	}
	if got := len(client.Requests()); got != 2 {
		t.Errorf("llm calls = %d, want 2 (original + repair)", got)
	}
}

func TestProcessSchemaParseError(t *testing.T) {
	client := providers.NewMockClient(
		providers.MockResponse{Content: "not json"},
		providers.MockResponse{Content: "still not json"},
	)
	f := newFixture(t, client)

	comp, err := f.worker.Process(context.Background(), f.envelope(t, "task-1"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if comp.Status != bus.StatusFailure || comp.ErrorKind != string(store.ErrSchemaParse) {
		t.Errorf("completion = %+v, want schema_parse_error", comp)
	}
}

func TestProcessRateLimited(t *testing.T) {
	client := providers.NewMockClient(
		providers.MockResponse{Err: &providers.RateLimitError{RetryAfter: 5 * time.Second}},
	)
	f := newFixture(t, client)

	comp, err := f.worker.Process(context.Background(), f.envelope(t, "task-1"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if comp.ErrorKind != string(store.ErrLLMRateLimited) {
		t.Errorf("error kind = %s, want llm_rate_limited", comp.ErrorKind)
	}
}

func TestProcessRefused(t *testing.T) {
	client := providers.NewMockClient(
		providers.MockResponse{Err: &providers.RefusalError{Reason: "policy"}},
	)
	f := newFixture(t, client)

	comp, err := f.worker.Process(context.Background(), f.envelope(t, "task-1"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if comp.ErrorKind != string(store.ErrLLMRefused) {
		t.Errorf("error kind = %s, want llm_refused", comp.ErrorKind)
	}
}

func TestProcessUsesManualOverlay(t *testing.T) {
	client := providers.NewMockClient(providers.JSONResponse(validDoc()))
	f := newFixture(t, client)
	ctx := context.Background()

	manualRef := home.ManualOverlayRef(f.job.ID, "A-101")
	f.home.WriteBlob(manualRef, []byte("manual-png"))
	if _, err := f.store.CreateManualOverlay(ctx, f.diff.ID, manualRef, "user-2"); err != nil {
		t.Fatalf("CreateManualOverlay() error = %v", err)
	}

	if _, err := f.worker.Process(ctx, f.envelope(t, "task-2")); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	reqs := client.Requests()
	if len(reqs) != 1 {
		t.Fatalf("llm calls = %d", len(reqs))
	}
	images := reqs[0].Messages[1].Images
	if len(images) != 3 || string(images[2]) != "manual-png" {
		t.Error("manual overlay should replace the generated one in the prompt")
	}
}

func TestProcessMissingDiffResult(t *testing.T) {
	client := providers.NewMockClient(providers.JSONResponse(validDoc()))
	f := newFixture(t, client)

	env, _ := bus.NewEnvelope(bus.KindSummary, "task-1", f.job.ID, bus.SummaryTask{
		DiffResultID: "no-such-diff",
		DrawingName:  "A-101",
	})
	comp, err := f.worker.Process(context.Background(), env)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if comp.ErrorKind != string(store.ErrPreconditionMissing) {
		t.Errorf("error kind = %s, want precondition_missing", comp.ErrorKind)
	}
}
