// Package summary is the summary stage worker: it shows an LLM the old
// raster, the new raster, and the overlay for one matched pair and persists
// the structured change description it returns.
package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/buildtrace/buildtrace/internal/bus"
	"github.com/buildtrace/buildtrace/internal/home"
	"github.com/buildtrace/buildtrace/internal/providers"
	"github.com/buildtrace/buildtrace/internal/store"
)

// SummarizerClientName is the registry entry the summary worker resolves.
const SummarizerClientName = "summarizer"

const summaryPrompt = `You are comparing two revisions of one architectural drawing sheet.
You are given three images: the previous revision, the current revision, and
a change overlay where red ink was removed, green ink was added, and gray
ink is unchanged. Describe the changes for a construction team. Be concrete
about locations and building elements. Return structured JSON only.`

// Worker processes summary tasks.
type Worker struct {
	store    *store.Store
	home     *home.Dir
	registry *providers.Registry
	logger   *slog.Logger
}

// Config wires the worker's collaborators.
type Config struct {
	Store    *store.Store
	Home     *home.Dir
	Registry *providers.Registry
	Logger   *slog.Logger
}

// New creates a summary worker.
func New(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		store:    cfg.Store,
		home:     cfg.Home,
		registry: cfg.Registry,
		logger:   cfg.Logger.With("worker", "summary"),
	}
}

// Topic implements workers.Processor.
func (w *Worker) Topic() string {
	return bus.TopicSummary
}

// Process summarizes one DiffResult. Validation failures get one stricter
// re-prompt before the task fails with schema_parse_error. A manual overlay,
// when present, replaces the generated one in the prompt.
func (w *Worker) Process(ctx context.Context, env *bus.Envelope) (*bus.Completion, error) {
	var task bus.SummaryTask
	if err := env.DecodePayload(&task); err != nil {
		return failure(store.ErrPreconditionMissing, err.Error()), nil
	}

	diff, err := w.store.GetDiffResult(ctx, task.DiffResultID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failure(store.ErrPreconditionMissing, err.Error()), nil
		}
		return nil, err
	}

	overlayRef := diff.OverlayRef
	if manual, err := w.store.LatestManualOverlay(ctx, diff.ID); err == nil {
		overlayRef = manual.OverlayRef
	}

	images := make([][]byte, 0, 3)
	for _, ref := range []string{diff.OldImageRef, diff.NewImageRef, overlayRef} {
		data, err := w.home.ReadBlob(ref)
		if err != nil {
			return failure(store.ErrPreconditionMissing,
				fmt.Sprintf("image missing: %s", ref)), nil
		}
		images = append(images, data)
	}

	doc, raw, err := w.summarize(ctx, task.DrawingName, images)
	if err != nil {
		if after, ok := providers.IsRateLimited(err); ok {
			return failure(store.ErrLLMRateLimited,
				fmt.Sprintf("summarizer throttled, retry after %s", after)), nil
		}
		if providers.IsRefusal(err) {
			return failure(store.ErrLLMRefused, err.Error()), nil
		}
		var sp *schemaParseError
		if errors.As(err, &sp) {
			return failure(store.ErrSchemaParse, sp.Error()), nil
		}
		// Transport faults are not task outcomes; let the bus redeliver.
		return nil, err
	}

	summaryRef := home.SummaryRef(env.JobID, task.DrawingName)
	if err := w.home.WriteBlob(summaryRef, raw); err != nil {
		return failure(store.ErrOverlayIO, err.Error()), nil
	}

	// Keyed by the task id so a duplicate delivery rewrites the same row.
	cs := &store.ChangeSummary{
		ID:           env.PageTaskID,
		DiffResultID: diff.ID,
		JobID:        env.JobID,
		Document:     raw,
		FreeText:     renderFreeText(doc),
		Model:        w.modelName(),
		Source:       store.SourceMachine,
	}
	if err := w.store.UpsertChangeSummary(ctx, cs); err != nil {
		return nil, err
	}

	name := task.DrawingName
	return &bus.Completion{
		Status: bus.StatusSuccess,
		Outputs: bus.CompletionOutputs{
			DrawingName: &name,
			SummaryID:   cs.ID,
		},
	}, nil
}

type schemaParseError struct {
	issue error
}

func (e *schemaParseError) Error() string {
	return fmt.Sprintf("response failed schema validation after re-prompt: %v", e.issue)
}

// summarize calls the model, validating structured output and re-prompting
// once on a validation failure.
func (w *Worker) summarize(ctx context.Context, drawingName string, images [][]byte) (*Document, json.RawMessage, error) {
	client, err := w.registry.Get(SummarizerClientName)
	if err != nil {
		return nil, nil, err
	}

	messages := []providers.Message{
		{Role: "system", Content: summaryPrompt},
		{
			Role:    "user",
			Content: fmt.Sprintf("Sheet %s: previous revision, current revision, change overlay.", drawingName),
			Images:  images,
		},
	}

	var lastIssue error
	for attempt := 0; attempt < 2; attempt++ {
		if limiter, err := w.registry.Limiter(SummarizerClientName); err == nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, nil, err
			}
		}

		res, err := client.Chat(ctx, &providers.ChatRequest{
			Messages:       messages,
			ResponseFormat: &providers.ResponseFormat{Type: "json_schema", JSONSchema: changeSummarySchema},
		})
		if err != nil {
			return nil, nil, err
		}

		parsed := res.ParsedJSON
		if parsed == nil {
			parsed, err = providers.ParseStructuredJSON(res.Content)
			if err != nil {
				lastIssue = err
				messages = appendRepair(messages, res.Content, err)
				continue
			}
		}
		if err := providers.ValidateStructuredJSON(changeSummarySchema, parsed); err != nil {
			lastIssue = err
			messages = appendRepair(messages, res.Content, err)
			continue
		}

		var doc Document
		if err := json.Unmarshal(parsed, &doc); err != nil {
			lastIssue = err
			messages = appendRepair(messages, res.Content, err)
			continue
		}
		return &doc, parsed, nil
	}

	return nil, nil, &schemaParseError{issue: lastIssue}
}

func appendRepair(messages []providers.Message, lastOutput string, issue error) []providers.Message {
	return append(messages,
		providers.Message{Role: "assistant", Content: lastOutput},
		providers.Message{Role: "user", Content: providers.RepairPrompt(changeSummarySchema, lastOutput, issue)},
	)
}

// renderFreeText flattens the document into the human-readable rendering
// stored alongside the structured JSON.
func renderFreeText(doc *Document) string {
	var b strings.Builder
	b.WriteString(doc.OverallSummary)
	for _, c := range doc.Changes {
		b.WriteString(fmt.Sprintf("\n- [%s] %s: %s", c.ChangeType, c.Title, c.Description))
		if c.Location != nil {
			b.WriteString(fmt.Sprintf(" (at %s)", *c.Location))
		}
	}
	if len(doc.Recommendations) > 0 {
		b.WriteString("\nRecommendations:")
		for _, r := range doc.Recommendations {
			b.WriteString("\n- " + r)
		}
	}
	return b.String()
}

func (w *Worker) modelName() string {
	client, err := w.registry.Get(SummarizerClientName)
	if err != nil {
		return ""
	}
	return client.Name()
}

func failure(kind store.ErrorKind, message string) *bus.Completion {
	return &bus.Completion{
		Status:       bus.StatusFailure,
		ErrorKind:    string(kind),
		ErrorMessage: message,
	}
}
