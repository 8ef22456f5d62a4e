package models

import (
	"time"
)

// Job lifecycle states persisted in Redis.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job tracks one submitted email analysis request through its lifecycle.
// Status transitions are monotonic: pending -> processing -> completed|failed.
// A failed job may be requeued as pending only through the bounded retry path.
type Job struct {
	ID            string     `json:"job_id"`
	ClientID      string     `json:"client_id"`
	Status        string     `json:"status"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	WorkerID      string     `json:"worker_id,omitempty"`
	Error         *Error     `json:"error,omitempty"`
	ResultRef     *string    `json:"result_ref,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// AttachmentTask states.
const (
	TaskPending   = "pending"
	TaskExtracted = "extracted"
	TaskAnalyzed  = "analyzed"
	TaskFailed    = "failed"
)

// AttachmentTask is the per-attachment unit of work inside a processing job.
// Tasks exist only for the lifetime of the job; the aggregator folds them
// into the stored result in input order.
type AttachmentTask struct {
	JobID         string              `json:"job_id"`
	Index         int                 `json:"index"`
	Filename      string              `json:"filename"`
	DeclaredMIME  string              `json:"declared_mime"`
	DetectedMIME  string              `json:"detected_mime,omitempty"`
	Size          int                 `json:"size"`
	Status        string              `json:"status"`
	ExtractedText string              `json:"-"`
	TokensUsed    int                 `json:"-"`
	Analysis      *AttachmentAnalysis `json:"analysis,omitempty"`
	Err           *Error              `json:"error,omitempty"`
}
