// Package orchestrator owns the job and stage state machines. It publishes
// task messages, consumes worker completions, gates stage transitions (OCR on
// both sides before pairing, diff before summary), and finalizes jobs. It has
// no knowledge of image processing or LLM internals; workers report outcomes
// and the orchestrator decides what they mean for the job.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/buildtrace/buildtrace/internal/bus"
	"github.com/buildtrace/buildtrace/internal/events"
	"github.com/buildtrace/buildtrace/internal/store"
)

const (
	// DefaultMaxAttempts bounds retryable task failures.
	DefaultMaxAttempts = 3

	// DefaultRetryBackoff is the base delay before a retried task message
	// becomes visible again; it doubles per consumed attempt.
	DefaultRetryBackoff = 5 * time.Second

	maxRetryBackoff = 5 * time.Minute

	// Per-task wall-clock budgets. A running task past its budget is failed
	// by the reaper with budget_exceeded.
	DefaultOCRBudget     = 10 * time.Minute
	DefaultDiffBudget    = 10 * time.Minute
	DefaultSummaryBudget = 5 * time.Minute
)

// Orchestrator is the sole writer of Job and JobStage state.
type Orchestrator struct {
	store  *store.Store
	bus    bus.Bus
	feed   *events.Feed
	logger *slog.Logger

	maxAttempts   int
	retryBackoff  time.Duration
	ocrBudget     time.Duration
	diffBudget    time.Duration
	summaryBudget time.Duration
}

// Config wires the orchestrator's collaborators. Zero durations and counts
// take the defaults.
type Config struct {
	Store  *store.Store
	Bus    bus.Bus
	Feed   *events.Feed
	Logger *slog.Logger

	MaxAttempts   int
	RetryBackoff  time.Duration
	OCRBudget     time.Duration
	DiffBudget    time.Duration
	SummaryBudget time.Duration
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Feed == nil {
		cfg.Feed = events.NewFeed()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.OCRBudget <= 0 {
		cfg.OCRBudget = DefaultOCRBudget
	}
	if cfg.DiffBudget <= 0 {
		cfg.DiffBudget = DefaultDiffBudget
	}
	if cfg.SummaryBudget <= 0 {
		cfg.SummaryBudget = DefaultSummaryBudget
	}
	return &Orchestrator{
		store:         cfg.Store,
		bus:           cfg.Bus,
		feed:          cfg.Feed,
		logger:        cfg.Logger.With("component", "orchestrator"),
		maxAttempts:   cfg.MaxAttempts,
		retryBackoff:  cfg.RetryBackoff,
		ocrBudget:     cfg.OCRBudget,
		diffBudget:    cfg.DiffBudget,
		summaryBudget: cfg.SummaryBudget,
	}
}

// Feed returns the progress feed the orchestrator publishes to.
func (o *Orchestrator) Feed() *events.Feed {
	return o.feed
}

// Run consumes the completions topic until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, concurrency int) error {
	o.logger.Info("orchestrator started", "concurrency", concurrency)
	return o.bus.Run(ctx, bus.TopicCompletions, concurrency, o.OnCompletion)
}

func (o *Orchestrator) budget(kind store.StageKind) time.Duration {
	switch kind {
	case store.StageDiff:
		return o.diffBudget
	case store.StageSummary:
		return o.summaryBudget
	default:
		return o.ocrBudget
	}
}

func (o *Orchestrator) backoff(attempts int) time.Duration {
	d := o.retryBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return d
}
