// Package bus is the durable message layer between the orchestrator and the
// stage workers. Delivery is at-least-once with per-message acknowledgement:
// a handler returning nil acks (deletes) the message; a handler returning an
// error leaves it for redelivery after the visibility timeout. Messages that
// keep failing past the delivery cap move to a per-topic dead-letter queue.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topics carried by the bus. Each stage has its own task topic; all workers
// report to the shared completions topic.
const (
	TopicOCR         = "tasks.ocr"
	TopicDiff        = "tasks.diff"
	TopicSummary     = "tasks.summary"
	TopicCompletions = "completions"
)

// DeadTopic returns the dead-letter topic for a task topic.
func DeadTopic(topic string) string {
	return topic + ".dead"
}

// Message kinds. Task kinds match the stage the message feeds.
const (
	KindOCR        = "ocr"
	KindDiff       = "diff"
	KindSummary    = "summary"
	KindCompletion = "completion"
)

// Envelope is the wire frame around every message.
type Envelope struct {
	Version    int             `json:"version"`
	MessageID  string          `json:"message_id"`
	PageTaskID string          `json:"page_task_id"`
	JobID      string          `json:"job_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope frames a payload for one page task.
func NewEnvelope(kind, pageTaskID, jobID string, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return &Envelope{
		Version:    1,
		MessageID:  uuid.NewString(),
		PageTaskID: pageTaskID,
		JobID:      jobID,
		Kind:       kind,
		Payload:    body,
	}, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// OCRTask asks the OCR worker to rasterize and read one page.
type OCRTask struct {
	DrawingVersionID string `json:"drawing_version_id"`
	PageIndex        int    `json:"page_index"`
	StorageRef       string `json:"storage_ref"`
}

// DiffTask asks the diff worker to compare one matched pair.
type DiffTask struct {
	DrawingName  string `json:"drawing_name"`
	OldPageIndex int    `json:"old_page_index"`
	NewPageIndex int    `json:"new_page_index"`
	OldImageRef  string `json:"old_image_ref"`
	NewImageRef  string `json:"new_image_ref"`
}

// SummaryTask asks the summary worker to describe one DiffResult.
type SummaryTask struct {
	DiffResultID string `json:"diff_result_id"`
	DrawingName  string `json:"drawing_name"`
}

// CompletionOutputs carries the stage-specific outputs of a successful task.
type CompletionOutputs struct {
	DrawingName    *string  `json:"drawing_name,omitempty"`
	ImageRef       string   `json:"image_ref,omitempty"`
	OverlayRef     string   `json:"overlay_ref,omitempty"`
	AlignmentScore *float64 `json:"alignment_score,omitempty"`
	ChangeDetected *bool    `json:"change_detected,omitempty"`
	ChangeCount    *int     `json:"change_count,omitempty"`
	SummaryID      string   `json:"summary_id,omitempty"`
}

// Completion is a worker's report of one page task's terminal outcome.
type Completion struct {
	Status       string            `json:"status"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Outputs      CompletionOutputs `json:"outputs"`
}

// Completion statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Handler processes one delivered envelope. Returning nil acks the message;
// returning an error leaves it for redelivery.
type Handler func(ctx context.Context, env *Envelope) error

// Bus is the transport contract shared by the durable and in-memory
// implementations.
type Bus interface {
	// Publish enqueues an envelope on a topic.
	Publish(ctx context.Context, topic string, env *Envelope) error

	// PublishAfter enqueues an envelope that becomes visible after delay.
	PublishAfter(ctx context.Context, topic string, env *Envelope, delay time.Duration) error

	// Run consumes a topic with the given handler until ctx is cancelled,
	// processing at most concurrency messages at a time.
	Run(ctx context.Context, topic string, concurrency int, h Handler) error
}
