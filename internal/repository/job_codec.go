package repository

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

// Field names of the flat job record layout shared by the stores.
const (
	fieldJobID            = "job_id"
	fieldStatus           = "status"
	fieldFilePath         = "file_path"
	fieldIncludeMetadata  = "include_metadata"
	fieldIncludeText      = "include_text"
	fieldIncludeStructure = "include_structure"
	fieldIncludeImages    = "include_images"
	fieldIncludeMedia     = "include_media"
	fieldLanguage         = "language"
	fieldPriority         = "priority"
	fieldCallbackURL      = "callback_url"
	fieldProgress         = "progress"
	fieldCreatedAt        = "created_at"
	fieldStartedAt        = "started_at"
	fieldCompletedAt      = "completed_at"
	fieldTaskID           = "task_handle_id"
	fieldResult           = "result"
	fieldError            = "error"
	fieldErrorKind        = "error_kind"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// jobFields flattens a full record into field/value pairs.
func jobFields(job *entity.Job) ([]any, error) {
	out := []any{
		fieldJobID, job.ID,
		fieldStatus, string(job.Status),
		fieldFilePath, job.FilePath,
		fieldIncludeMetadata, strconv.FormatBool(job.Options.IncludeMetadata),
		fieldIncludeText, strconv.FormatBool(job.Options.IncludeText),
		fieldIncludeStructure, strconv.FormatBool(job.Options.IncludeStructure),
		fieldIncludeImages, strconv.FormatBool(job.Options.IncludeImages),
		fieldIncludeMedia, strconv.FormatBool(job.Options.IncludeMedia),
		fieldLanguage, job.Options.Language,
		fieldPriority, string(job.Priority),
		fieldCallbackURL, job.CallbackURL,
		fieldProgress, strconv.FormatFloat(job.Progress, 'f', -1, 64),
		fieldCreatedAt, formatTime(job.CreatedAt),
	}
	more, err := updateFields(entity.JobUpdate{
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Result:      job.Result,
		Error:       job.Error,
		TaskID:      nonEmpty(job.TaskID),
	})
	if err != nil {
		return nil, err
	}
	return append(out, more...), nil
}

// updateFields flattens the non-nil parts of a partial update.
func updateFields(upd entity.JobUpdate) ([]any, error) {
	var out []any
	if upd.Status != nil {
		out = append(out, fieldStatus, string(*upd.Status))
	}
	if upd.Progress != nil {
		out = append(out, fieldProgress, strconv.FormatFloat(*upd.Progress, 'f', -1, 64))
	}
	if upd.StartedAt != nil {
		out = append(out, fieldStartedAt, formatTime(*upd.StartedAt))
	}
	if upd.CompletedAt != nil {
		out = append(out, fieldCompletedAt, formatTime(*upd.CompletedAt))
	}
	if upd.TaskID != nil {
		out = append(out, fieldTaskID, *upd.TaskID)
	}
	if upd.Result != nil {
		b, err := json.Marshal(upd.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		out = append(out, fieldResult, string(b))
	}
	if upd.Error != nil {
		out = append(out, fieldError, upd.Error.Message, fieldErrorKind, string(upd.Error.Kind))
	}
	return out, nil
}

// decodeJob rebuilds a record from its flat field map.
func decodeJob(m map[string]string) (*entity.Job, error) {
	job := &entity.Job{
		ID:       m[fieldJobID],
		Status:   constants.JobStatus(m[fieldStatus]),
		FilePath: m[fieldFilePath],
		Options: entity.Options{
			IncludeMetadata:  m[fieldIncludeMetadata] == "true",
			IncludeText:      m[fieldIncludeText] == "true",
			IncludeStructure: m[fieldIncludeStructure] == "true",
			IncludeImages:    m[fieldIncludeImages] == "true",
			IncludeMedia:     m[fieldIncludeMedia] == "true",
			Language:         m[fieldLanguage],
		},
		Priority:    constants.ParsePriority(m[fieldPriority]),
		CallbackURL: m[fieldCallbackURL],
		TaskID:      m[fieldTaskID],
	}
	if job.ID == "" {
		return nil, fmt.Errorf("record has no %s", fieldJobID)
	}
	if p := m[fieldProgress]; p != "" {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("parse progress: %w", err)
		}
		job.Progress = v
	}
	created, err := parseTime(m[fieldCreatedAt])
	if err != nil || created == nil {
		return nil, fmt.Errorf("parse created_at %q: %v", m[fieldCreatedAt], err)
	}
	job.CreatedAt = *created
	if job.StartedAt, err = parseTime(m[fieldStartedAt]); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if job.CompletedAt, err = parseTime(m[fieldCompletedAt]); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	if raw := m[fieldResult]; raw != "" {
		var res entity.ExtractionResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &res
	}
	if msg, kind := m[fieldError], m[fieldErrorKind]; msg != "" || kind != "" {
		job.Error = &entity.JobError{Message: msg, Kind: constants.ErrorKind(kind)}
	}
	return job, nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
