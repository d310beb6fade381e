package store

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a comparison job.
type JobStatus string

const (
	JobQueued          JobStatus = "queued"
	JobRunning         JobStatus = "running"
	JobCompleted       JobStatus = "completed"
	JobPartiallyFailed JobStatus = "partially_failed"
	JobFailed          JobStatus = "failed"
	JobCancelling      JobStatus = "cancelling"
	JobCancelled       JobStatus = "cancelled"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobPartiallyFailed, JobFailed, JobCancelled:
		return true
	}
	return false
}

// StageKind identifies one of the four logical stages of a job.
type StageKind string

const (
	StageOCROld  StageKind = "ocr_old"
	StageOCRNew  StageKind = "ocr_new"
	StageDiff    StageKind = "diff"
	StageSummary StageKind = "summary"
)

// StageKinds lists all stage kinds in pipeline order.
var StageKinds = []StageKind{StageOCROld, StageOCRNew, StageDiff, StageSummary}

// StageStatus is the lifecycle state of a JobStage.
type StageStatus string

const (
	StagePending            StageStatus = "pending"
	StageRunning            StageStatus = "running"
	StageCompleted          StageStatus = "completed"
	StagePartiallyCompleted StageStatus = "partially_completed"
	StageFailed             StageStatus = "failed"
	StageSkipped            StageStatus = "skipped"
)

// Terminal reports whether the stage can no longer change state.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageCompleted, StagePartiallyCompleted, StageFailed, StageSkipped:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a PageTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the task can no longer change state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// ErrorKind is the closed taxonomy of worker failure causes reported on
// completion events and persisted on PageTask rows.
type ErrorKind string

const (
	ErrRasterization        ErrorKind = "rasterization_error"
	ErrExtractorUnavailable ErrorKind = "extractor_unavailable"
	ErrAlignmentFailed      ErrorKind = "alignment_failed"
	ErrOverlayIO            ErrorKind = "overlay_io_error"
	ErrLLMRateLimited       ErrorKind = "llm_rate_limited"
	ErrLLMRefused           ErrorKind = "llm_refused"
	ErrSchemaParse          ErrorKind = "schema_parse_error"
	ErrPreconditionMissing  ErrorKind = "precondition_missing"
	ErrCancelled            ErrorKind = "cancelled"
	ErrBudgetExceeded       ErrorKind = "budget_exceeded"
)

// Retryable reports whether a task failing with this kind may be attempted
// again (subject to the attempt cap).
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrRasterization, ErrExtractorUnavailable, ErrOverlayIO, ErrLLMRateLimited:
		return true
	}
	return false
}

// CountsAttempt reports whether a retry for this kind consumes one of the
// task's bounded attempts. Rate limiting is external backpressure, not a
// fault of the task, so it never exhausts the task.
func (k ErrorKind) CountsAttempt() bool {
	return k != ErrLLMRateLimited
}

// SummarySource records whether a ChangeSummary came from the model or was
// corrected by a person.
type SummarySource string

const (
	SourceMachine        SummarySource = "machine"
	SourceHumanCorrected SummarySource = "human_corrected"
)

// Project is a container for drawing versions, owned by a user.
type Project struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

// DrawingVersion is one uploaded multi-sheet PDF. Immutable once created.
type DrawingVersion struct {
	ID         string
	ProjectID  string
	Label      string
	StorageRef string
	PageCount  int
	CreatedAt  time.Time
}

// JobMeta carries job-level output metadata persisted as JSON: pairing
// leftovers, warnings, and the terminal failure reason if any.
type JobMeta struct {
	UnmatchedNames []string `json:"unmatched_names,omitempty"`
	PairWarnings   []string `json:"pair_warnings,omitempty"`
	FailureReason  string   `json:"failure_reason,omitempty"`
}

// Job is a comparison between two DrawingVersions of the same project.
type Job struct {
	ID           string
	ProjectID    string
	OldVersionID string
	NewVersionID string
	CreatedBy    string
	Status       JobStatus
	Meta         JobMeta
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// JobStage tracks aggregate progress of one stage kind within a job.
// The stage is terminal when completed+failed+skipped = expected.
type JobStage struct {
	ID             string
	JobID          string
	Kind           StageKind
	Status         StageStatus
	ExpectedCount  int
	CompletedCount int
	FailedCount    int
	SkippedCount   int
}

// SettledCount is the number of tasks that reached a terminal state.
func (s *JobStage) SettledCount() int {
	return s.CompletedCount + s.FailedCount + s.SkippedCount
}

// Settled reports whether every expected task has reached a terminal state.
func (s *JobStage) Settled() bool {
	return s.SettledCount() >= s.ExpectedCount
}

// TerminalStatus derives the stage status once all tasks are settled.
func (s *JobStage) TerminalStatus() StageStatus {
	switch {
	case s.FailedCount == 0:
		return StageCompleted
	case s.FailedCount >= s.ExpectedCount:
		return StageFailed
	default:
		return StagePartiallyCompleted
	}
}

// PageTask is the unit of durable, retryable work carried by one bus message.
// OCR tasks reference a drawing version and page; diff and summary tasks
// reference a matched pair by drawing name. EffectsDone records that the
// orchestrator committed the task's downstream effects after settling it, so
// a completion redelivery knows whether anything is left to repair.
type PageTask struct {
	ID               string
	JobID            string
	StageKind        StageKind
	DrawingVersionID *string
	PageIndex        *int
	DrawingName      *string
	OldPageIndex     *int
	NewPageIndex     *int
	DiffResultID     *string
	Status           TaskStatus
	EffectsDone      bool
	Attempts         int
	MaxAttempts      int
	ErrorKind        *ErrorKind
	ErrorMessage     *string
	Deadline         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PageResult is per-page OCR output, keyed by (drawing_version_id, page_index).
type PageResult struct {
	DrawingVersionID string
	PageIndex        int
	ImageRef         string
	DrawingName      *string
	Metadata         json.RawMessage
	CreatedAt        time.Time
}

// DiffResult is the per-matched-pair comparison output.
type DiffResult struct {
	ID             string
	JobID          string
	DrawingName    string
	OldImageRef    string
	NewImageRef    string
	OverlayRef     string
	AlignmentScore float64
	ChangeDetected bool
	ChangeCount    *int
	CreatedAt      time.Time
}

// ChangeSummary is the structured LLM description of one DiffResult.
// Its id equals the summary PageTask id, which makes worker writes
// idempotent under duplicate delivery.
type ChangeSummary struct {
	ID           string
	DiffResultID string
	JobID        string
	Document     json.RawMessage
	FreeText     string
	Model        string
	Source       SummarySource
	CreatedAt    time.Time
}

// ManualOverlay is a user-supplied overlay attached to a DiffResult.
// Its presence triggers a regenerated summary for that pair.
type ManualOverlay struct {
	ID           string
	DiffResultID string
	OverlayRef   string
	UploadedBy   string
	CreatedAt    time.Time
}
