package entity

import (
	"time"

	"github.com/joseph-ayodele/filextract/constants"
)

// JobStatusView is the reconciled, caller-facing view of a job.
// Callers must check Status before reading Result or Error.
type JobStatusView struct {
	JobID       string              `json:"job_id"`
	Status      constants.JobStatus `json:"status"`
	Priority    constants.Priority  `json:"priority"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Progress    float64             `json:"progress"`
	Result      *ExtractionResult   `json:"result,omitempty"`
	Error       *JobError           `json:"error,omitempty"`
	// StartedAtEstimated is true when StartedAt was derived rather than recorded.
	StartedAtEstimated bool `json:"started_at_estimated,omitempty"`
}

// SubmitResponse is returned by job submission.
// EstimatedCompletion is a heuristic keyed by priority, not a guarantee.
type SubmitResponse struct {
	JobID               string              `json:"job_id"`
	Status              constants.JobStatus `json:"status"`
	EstimatedCompletion time.Time           `json:"estimated_completion"`
}

// QueueStats are approximate gauges derived from a scan of live records.
type QueueStats struct {
	Queued     int `json:"queued_jobs"`
	Processing int `json:"active_jobs"`
	Completed  int `json:"completed_jobs"`
	Failed     int `json:"failed_jobs"`
	Cancelled  int `json:"cancelled_jobs"`
	Unknown    int `json:"unknown_jobs"`
	Total      int `json:"total_jobs"`
	// Backlog is the number of tasks waiting in the execution backend.
	Backlog   int `json:"backlog"`
	QueueSize int `json:"queue_size"`
	Workers   int `json:"worker_concurrency"`
}
