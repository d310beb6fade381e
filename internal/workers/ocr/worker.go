// Package ocr is the OCR stage worker: it rasterizes one PDF page, stores
// the page image, and reads the title block with a vision model to detect
// the sheet's drawing name. A page without a legible drawing name is still a
// success; it records a null name and drops out at pairing.
package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/buildtrace/buildtrace/internal/bus"
	"github.com/buildtrace/buildtrace/internal/home"
	"github.com/buildtrace/buildtrace/internal/providers"
	"github.com/buildtrace/buildtrace/internal/store"
)

// ExtractorClientName is the registry entry the OCR worker resolves.
const ExtractorClientName = "extractor"

const extractPrompt = `You are reading one sheet of an architectural drawing set.
Find the title block (usually bottom-right) and extract the sheet identifiers.
If the sheet number is not legible, return null for drawing_name.`

// extractSchema constrains the extractor's structured output.
var extractSchema = json.RawMessage(`{
	"name": "sheet_identity",
	"strict": true,
	"schema": {
		"type": "object",
		"required": ["drawing_name"],
		"properties": {
			"drawing_name": {"type": ["string", "null"]},
			"sheet_title": {"type": ["string", "null"]},
			"discipline": {"type": ["string", "null"]}
		},
		"additionalProperties": false
	}
}`)

type sheetIdentity struct {
	DrawingName *string `json:"drawing_name"`
	SheetTitle  *string `json:"sheet_title"`
	Discipline  *string `json:"discipline"`
}

// Worker processes OCR tasks.
type Worker struct {
	store      *store.Store
	home       *home.Dir
	registry   *providers.Registry
	rasterizer Rasterizer
	logger     *slog.Logger
}

// Config wires the worker's collaborators.
type Config struct {
	Store      *store.Store
	Home       *home.Dir
	Registry   *providers.Registry
	Rasterizer Rasterizer
	Logger     *slog.Logger
}

// New creates an OCR worker.
func New(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Rasterizer == nil {
		cfg.Rasterizer = &Pdftoppm{}
	}
	return &Worker{
		store:      cfg.Store,
		home:       cfg.Home,
		registry:   cfg.Registry,
		rasterizer: cfg.Rasterizer,
		logger:     cfg.Logger.With("worker", "ocr"),
	}
}

// Topic implements workers.Processor.
func (w *Worker) Topic() string {
	return bus.TopicOCR
}

// Process rasterizes the page, extracts the drawing name, and writes the
// PageResult. Task-level faults map to the error taxonomy on the completion.
func (w *Worker) Process(ctx context.Context, env *bus.Envelope) (*bus.Completion, error) {
	var task bus.OCRTask
	if err := env.DecodePayload(&task); err != nil {
		return failure(store.ErrPreconditionMissing, err.Error()), nil
	}

	pdfPath := w.home.Abs(task.StorageRef)
	if !w.home.BlobExists(task.StorageRef) {
		return failure(store.ErrPreconditionMissing,
			fmt.Sprintf("source PDF missing: %s", task.StorageRef)), nil
	}

	png, err := w.rasterizer.RenderPage(ctx, pdfPath, task.PageIndex)
	if err != nil {
		return failure(store.ErrRasterization, err.Error()), nil
	}

	imageRef := home.PageImageRef(task.DrawingVersionID, task.PageIndex)
	if err := w.home.WriteBlob(imageRef, png); err != nil {
		return failure(store.ErrOverlayIO, err.Error()), nil
	}

	identity, meta, err := w.extract(ctx, png)
	if err != nil {
		if after, ok := providers.IsRateLimited(err); ok {
			return failure(store.ErrLLMRateLimited,
				fmt.Sprintf("extractor throttled, retry after %s", after)), nil
		}
		if providers.IsRefusal(err) {
			return failure(store.ErrLLMRefused, err.Error()), nil
		}
		return failure(store.ErrExtractorUnavailable, err.Error()), nil
	}

	result := &store.PageResult{
		DrawingVersionID: task.DrawingVersionID,
		PageIndex:        task.PageIndex,
		ImageRef:         imageRef,
		DrawingName:      identity.DrawingName,
		Metadata:         meta,
	}
	if err := w.store.UpsertPageResult(ctx, result); err != nil {
		// Store write failure is infrastructure, not a task outcome.
		return nil, err
	}

	if identity.DrawingName != nil {
		w.logger.Debug("page read",
			"drawing_version_id", task.DrawingVersionID,
			"page_index", task.PageIndex,
			"drawing_name", *identity.DrawingName)
	}

	return &bus.Completion{
		Status: bus.StatusSuccess,
		Outputs: bus.CompletionOutputs{
			DrawingName: identity.DrawingName,
			ImageRef:    imageRef,
		},
	}, nil
}

// extract reads the title block. A structured parse failure is treated as an
// unreadable title block (null name), not a task failure.
func (w *Worker) extract(ctx context.Context, png []byte) (*sheetIdentity, json.RawMessage, error) {
	client, err := w.registry.Get(ExtractorClientName)
	if err != nil {
		return nil, nil, err
	}
	if limiter, err := w.registry.Limiter(ExtractorClientName); err == nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}

	res, err := client.Chat(ctx, &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: extractPrompt},
			{Role: "user", Content: "Extract the sheet identity from this page.", Images: [][]byte{png}},
		},
		ResponseFormat: &providers.ResponseFormat{Type: "json_schema", JSONSchema: extractSchema},
	})
	if err != nil {
		return nil, nil, err
	}

	parsed := res.ParsedJSON
	if parsed == nil {
		var perr error
		parsed, perr = providers.ParseStructuredJSON(res.Content)
		if perr != nil {
			w.logger.Warn("unreadable title block response, recording null name")
			return &sheetIdentity{}, nil, nil
		}
	}

	var identity sheetIdentity
	if err := json.Unmarshal(parsed, &identity); err != nil {
		return &sheetIdentity{}, nil, nil
	}
	return &identity, parsed, nil
}

func failure(kind store.ErrorKind, message string) *bus.Completion {
	return &bus.Completion{
		Status:       bus.StatusFailure,
		ErrorKind:    string(kind),
		ErrorMessage: message,
	}
}
