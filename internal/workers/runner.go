// Package workers holds the shared worker loop. Each stage worker is a
// Processor plugged into a Runner: the Runner subscribes to the stage's task
// topic, the Processor turns one task into a completion, and the Runner
// publishes the completion before acking the task message. A task message is
// acked only after its completion is on the bus, so a crash between the two
// redelivers the task rather than losing the outcome.
package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/buildtrace/buildtrace/internal/bus"
)

// Processor turns one task envelope into a completion. Task-level outcomes
// (including failures from the error taxonomy) are encoded in the returned
// Completion; a non-nil error means the attempt could not run at all and the
// message should be redelivered.
type Processor interface {
	// Topic is the task topic this processor consumes.
	Topic() string

	// Process handles one task.
	Process(ctx context.Context, env *bus.Envelope) (*bus.Completion, error)
}

// Runner drives one Processor against the bus.
type Runner struct {
	bus         bus.Bus
	logger      *slog.Logger
	concurrency int
}

// NewRunner builds a Runner with the given per-pod concurrency cap.
func NewRunner(b bus.Bus, concurrency int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{bus: b, logger: logger, concurrency: concurrency}
}

// Run consumes the processor's topic until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, p Processor) error {
	logger := r.logger.With("topic", p.Topic())
	logger.Info("worker started", "concurrency", r.concurrency)

	return r.bus.Run(ctx, p.Topic(), r.concurrency, func(ctx context.Context, env *bus.Envelope) error {
		comp, err := p.Process(ctx, env)
		if err != nil {
			return fmt.Errorf("processing failed: %w", err)
		}

		out, err := bus.NewEnvelope(bus.KindCompletion, env.PageTaskID, env.JobID, comp)
		if err != nil {
			return err
		}
		if err := r.bus.Publish(ctx, bus.TopicCompletions, out); err != nil {
			return fmt.Errorf("failed to publish completion: %w", err)
		}

		logger.Debug("task processed",
			"page_task_id", env.PageTaskID,
			"job_id", env.JobID,
			"status", comp.Status,
			"error_kind", comp.ErrorKind)
		return nil
	})
}
