package diff

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"testing"

	"github.com/buildtrace/buildtrace/internal/bus"
	"github.com/buildtrace/buildtrace/internal/home"
	"github.com/buildtrace/buildtrace/internal/store"
)

// drawing paints black rectangles on a white page.
func drawing(w, h int, rects ...image.Rectangle) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	for _, r := range rects {
		draw.Draw(img, r, image.NewUniform(color.Black), image.Point{}, draw.Src)
	}
	return img
}

func TestAlignRecoversTranslation(t *testing.T) {
	// Same floor plan, shifted 6px right and 4px down on the revised scan.
	shapes := []image.Rectangle{
		image.Rect(40, 40, 200, 44),
		image.Rect(40, 40, 44, 160),
		image.Rect(120, 80, 180, 140),
	}
	oldImg := drawing(256, 256, shapes...)

	shifted := make([]image.Rectangle, len(shapes))
	for i, r := range shapes {
		shifted[i] = r.Add(image.Pt(6, 4))
	}
	newImg := drawing(256, 256, shifted...)

	tr, score, err := Align(oldImg, newImg)
	if err != nil {
		t.Fatalf("Align() error = %v", err)
	}
	if tr.DX < 4 || tr.DX > 8 || tr.DY < 2 || tr.DY > 6 {
		t.Errorf("transform = %+v, want ~(6,4)", tr)
	}
	if score < 0.5 {
		t.Errorf("alignment score = %f, want high overlap after shift", score)
	}
}

func TestAlignDegenerateInput(t *testing.T) {
	blank := drawing(128, 128)
	inked := drawing(128, 128, image.Rect(10, 10, 100, 100))

	if _, _, err := Align(blank, inked); err == nil {
		t.Fatal("blank page should fail alignment")
	}
	if _, _, err := Align(inked, blank); err == nil {
		t.Fatal("blank revised page should fail alignment")
	}
}

func TestComposeColors(t *testing.T) {
	// Shared wall, one removed room, one added room.
	oldImg := drawing(128, 128,
		image.Rect(10, 10, 118, 14), // shared
		image.Rect(20, 40, 60, 80),  // removed
	)
	newImg := drawing(128, 128,
		image.Rect(10, 10, 118, 14), // shared
		image.Rect(70, 40, 110, 80), // added
	)

	overlay := Compose(oldImg, newImg, Transform{})

	if c := overlay.RGBAAt(40, 60); c != colorRemoved {
		t.Errorf("removed region = %v, want pure red", c)
	}
	if c := overlay.RGBAAt(90, 60); c != colorAdded {
		t.Errorf("added region = %v, want pure green", c)
	}
	// Interior of the shared wall is gray; its boundary is black.
	if c := overlay.RGBAAt(64, 12); c != colorCommon && c != colorEdge {
		t.Errorf("shared ink = %v, want gray or edge black", c)
	}
	if c := overlay.RGBAAt(64, 10); c != colorEdge {
		t.Errorf("shared ink boundary = %v, want black", c)
	}
	if c := overlay.RGBAAt(5, 120); c != colorPaper {
		t.Errorf("background = %v, want white", c)
	}
}

func TestCountChanges(t *testing.T) {
	base := []image.Rectangle{image.Rect(10, 10, 200, 14)}
	oldImg := drawing(256, 256, base...)
	newImg := drawing(256, 256, append(base, image.Rect(60, 100, 140, 180))...)

	count, detected := CountChanges(oldImg, newImg, Transform{})
	if !detected || count == 0 {
		t.Fatalf("count=%d detected=%v, want changes", count, detected)
	}

	same, detectedSame := CountChanges(oldImg, oldImg, Transform{})
	if detectedSame || same != 0 {
		t.Errorf("identical pages: count=%d detected=%v", same, detectedSame)
	}
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func newTestWorker(t *testing.T) (*Worker, *store.Store, *home.Dir) {
	t.Helper()
	s, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h, err := home.New(t.TempDir())
	if err != nil {
		t.Fatalf("home.New() error = %v", err)
	}
	if err := h.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists() error = %v", err)
	}

	w := New(Config{Store: s, Home: h, Logger: slog.Default()})
	return w, s, h
}

func seedPairJob(t *testing.T, s *store.Store) *store.Job {
	t.Helper()
	ctx := context.Background()
	p, _ := s.CreateProject(ctx, "site", "user-1")
	oldV, _ := s.CreateDrawingVersion(ctx, p.ID, "v1", "drawings/o/raw.pdf", 1)
	newV, _ := s.CreateDrawingVersion(ctx, p.ID, "v2", "drawings/n/raw.pdf", 1)
	j, err := s.CreateJob(ctx, p.ID, oldV.ID, newV.ID, "user-1")
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	return j
}

func TestProcessSuccess(t *testing.T) {
	w, s, h := newTestWorker(t)
	ctx := context.Background()
	j := seedPairJob(t, s)

	oldRef := "drawings/o/pages/0.png"
	newRef := "drawings/n/pages/0.png"
	h.WriteBlob(oldRef, encodePNG(t, drawing(256, 256, image.Rect(20, 20, 200, 24), image.Rect(30, 60, 90, 120))))
	h.WriteBlob(newRef, encodePNG(t, drawing(256, 256, image.Rect(20, 20, 200, 24), image.Rect(120, 60, 180, 120))))

	env, _ := bus.NewEnvelope(bus.KindDiff, "task-1", j.ID, bus.DiffTask{
		DrawingName: "A-101",
		OldImageRef: oldRef,
		NewImageRef: newRef,
	})

	comp, err := w.Process(ctx, env)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if comp.Status != bus.StatusSuccess {
		t.Fatalf("completion = %+v", comp)
	}
	if comp.Outputs.OverlayRef == "" || comp.Outputs.AlignmentScore == nil {
		t.Errorf("outputs = %+v", comp.Outputs)
	}
	if comp.Outputs.ChangeDetected == nil || !*comp.Outputs.ChangeDetected {
		t.Error("changes should be detected")
	}

	if !h.BlobExists(comp.Outputs.OverlayRef) {
		t.Error("overlay blob should be written")
	}
	d, err := s.GetDiffResultByPair(ctx, j.ID, "A-101")
	if err != nil {
		t.Fatalf("diff result missing: %v", err)
	}
	if d.OverlayRef != comp.Outputs.OverlayRef {
		t.Errorf("overlay ref mismatch: %s vs %s", d.OverlayRef, comp.Outputs.OverlayRef)
	}
}

func TestProcessDegeneratePair(t *testing.T) {
	w, s, h := newTestWorker(t)
	ctx := context.Background()
	j := seedPairJob(t, s)

	oldRef := "drawings/o/pages/0.png"
	newRef := "drawings/n/pages/0.png"
	h.WriteBlob(oldRef, encodePNG(t, drawing(128, 128))) // blank
	h.WriteBlob(newRef, encodePNG(t, drawing(128, 128, image.Rect(10, 10, 100, 100))))

	env, _ := bus.NewEnvelope(bus.KindDiff, "task-1", j.ID, bus.DiffTask{
		DrawingName: "A-101",
		OldImageRef: oldRef,
		NewImageRef: newRef,
	})

	comp, err := w.Process(ctx, env)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if comp.Status != bus.StatusFailure || comp.ErrorKind != string(store.ErrAlignmentFailed) {
		t.Errorf("completion = %+v, want alignment_failed", comp)
	}
}

func TestProcessMissingRaster(t *testing.T) {
	w, s, _ := newTestWorker(t)
	ctx := context.Background()
	j := seedPairJob(t, s)

	env, _ := bus.NewEnvelope(bus.KindDiff, "task-1", j.ID, bus.DiffTask{
		DrawingName: "A-101",
		OldImageRef: "drawings/missing/pages/0.png",
		NewImageRef: "drawings/missing/pages/1.png",
	})

	comp, err := w.Process(ctx, env)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if comp.ErrorKind != string(store.ErrPreconditionMissing) {
		t.Errorf("error kind = %s, want precondition_missing", comp.ErrorKind)
	}
}
