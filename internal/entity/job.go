package entity

import (
	"time"

	"github.com/joseph-ayodele/filextract/constants"
)

// Options is the immutable snapshot of inclusion flags taken at submission.
type Options struct {
	IncludeMetadata  bool   `json:"include_metadata"`
	IncludeText      bool   `json:"include_text"`
	IncludeStructure bool   `json:"include_structure"`
	IncludeImages    bool   `json:"include_images"`
	IncludeMedia     bool   `json:"include_media"`
	Language         string `json:"language,omitempty"`
}

// DefaultOptions mirrors the defaults of the extraction API: metadata and text only.
func DefaultOptions() Options {
	return Options{IncludeMetadata: true, IncludeText: true}
}

// JobError is the persisted cause of a failed job.
type JobError struct {
	Message string              `json:"message"`
	Kind    constants.ErrorKind `json:"kind"`
}

// Job is the durable record of one extraction request.
type Job struct {
	ID          string              `json:"job_id"`
	FilePath    string              `json:"file_path"`
	Options     Options             `json:"options"`
	Priority    constants.Priority  `json:"priority"`
	CallbackURL string              `json:"callback_url,omitempty"`
	Status      constants.JobStatus `json:"status"`
	Progress    float64             `json:"progress"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Result      *ExtractionResult   `json:"result,omitempty"`
	Error       *JobError           `json:"error,omitempty"`
	// TaskID is a weak reference to the execution backend's handle.
	TaskID string `json:"task_handle_id,omitempty"`
}

// JobUpdate is a partial update; nil fields are left untouched.
type JobUpdate struct {
	Status      *constants.JobStatus
	Progress    *float64
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      *ExtractionResult
	Error       *JobError
	TaskID      *string
}

// IsEmpty reports whether the update carries no fields.
func (u JobUpdate) IsEmpty() bool {
	return u.Status == nil && u.Progress == nil && u.StartedAt == nil && u.CompletedAt == nil &&
		u.Result == nil && u.Error == nil && u.TaskID == nil
}

// Ptr is a small helper for building JobUpdate literals.
func Ptr[T any](v T) *T { return &v }
