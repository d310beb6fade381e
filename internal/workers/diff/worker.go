// Package diff is the diff stage worker: it aligns the two page rasters of
// one matched pair, composes the change overlay, and writes the DiffResult.
package diff

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"

	"github.com/buildtrace/buildtrace/internal/bus"
	"github.com/buildtrace/buildtrace/internal/home"
	"github.com/buildtrace/buildtrace/internal/store"
)

// Worker processes diff tasks.
type Worker struct {
	store  *store.Store
	home   *home.Dir
	logger *slog.Logger
}

// Config wires the worker's collaborators.
type Config struct {
	Store  *store.Store
	Home   *home.Dir
	Logger *slog.Logger
}

// New creates a diff worker.
func New(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		store:  cfg.Store,
		home:   cfg.Home,
		logger: cfg.Logger.With("worker", "diff"),
	}
}

// Topic implements workers.Processor.
func (w *Worker) Topic() string {
	return bus.TopicDiff
}

// Process aligns the pair, writes the overlay blob, and upserts the
// DiffResult keyed by (job, drawing name).
func (w *Worker) Process(ctx context.Context, env *bus.Envelope) (*bus.Completion, error) {
	var task bus.DiffTask
	if err := env.DecodePayload(&task); err != nil {
		return failure(store.ErrPreconditionMissing, err.Error()), nil
	}

	oldImg, err := w.loadImage(task.OldImageRef)
	if err != nil {
		return failure(store.ErrPreconditionMissing,
			fmt.Sprintf("old raster unreadable: %v", err)), nil
	}
	newImg, err := w.loadImage(task.NewImageRef)
	if err != nil {
		return failure(store.ErrPreconditionMissing,
			fmt.Sprintf("new raster unreadable: %v", err)), nil
	}

	transform, score, err := Align(oldImg, newImg)
	if err != nil {
		return failure(store.ErrAlignmentFailed, err.Error()), nil
	}

	overlay := Compose(oldImg, newImg, transform)
	changeCount, changeDetected := CountChanges(oldImg, newImg, transform)

	overlayRef := home.OverlayRef(env.JobID, task.DrawingName)
	var buf bytes.Buffer
	if err := png.Encode(&buf, overlay); err != nil {
		return failure(store.ErrOverlayIO, err.Error()), nil
	}
	if err := w.home.WriteBlob(overlayRef, buf.Bytes()); err != nil {
		return failure(store.ErrOverlayIO, err.Error()), nil
	}

	result, err := w.store.UpsertDiffResult(ctx, &store.DiffResult{
		JobID:          env.JobID,
		DrawingName:    task.DrawingName,
		OldImageRef:    task.OldImageRef,
		NewImageRef:    task.NewImageRef,
		OverlayRef:     overlayRef,
		AlignmentScore: score,
		ChangeDetected: changeDetected,
		ChangeCount:    &changeCount,
	})
	if err != nil {
		// Store write failure is infrastructure, not a task outcome.
		return nil, err
	}

	w.logger.Debug("pair compared",
		"job_id", env.JobID,
		"drawing_name", task.DrawingName,
		"alignment_score", score,
		"change_count", changeCount)

	name := task.DrawingName
	return &bus.Completion{
		Status: bus.StatusSuccess,
		Outputs: bus.CompletionOutputs{
			DrawingName:    &name,
			OverlayRef:     result.OverlayRef,
			AlignmentScore: &score,
			ChangeDetected: &changeDetected,
			ChangeCount:    &changeCount,
		},
	}, nil
}

func (w *Worker) loadImage(ref string) (image.Image, error) {
	data, err := w.home.ReadBlob(ref)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", ref, err)
	}
	return img, nil
}

func failure(kind store.ErrorKind, message string) *bus.Completion {
	return &bus.Completion{
		Status:       bus.StatusFailure,
		ErrorKind:    string(kind),
		ErrorMessage: message,
	}
}
