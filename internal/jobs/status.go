package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/async"
	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

// taskStatus translates the broker's vocabulary. States missing from the
// table surface as unknown, which callers treat as non-terminal.
var taskStatus = map[async.TaskState]constants.JobStatus{
	async.StatePending:  constants.JobStatusQueued,
	async.StateStarted:  constants.JobStatusProcessing,
	async.StateProgress: constants.JobStatusProcessing,
	async.StateRetry:    constants.JobStatusProcessing,
	async.StateSuccess:  constants.JobStatusCompleted,
	async.StateFailure:  constants.JobStatusFailed,
	async.StateRevoked:  constants.JobStatusCancelled,
}

func statusForTask(s async.TaskState) constants.JobStatus {
	if st, ok := taskStatus[s]; ok {
		return st
	}
	return constants.JobStatusUnknown
}

// Status returns the reconciled view of a job, or nil when no live record exists.
func (p *Pipeline) Status(ctx context.Context, jobID string) (*entity.JobStatusView, error) {
	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, common.ErrJobNotFound) {
			return nil, nil
		}
		return nil, err
	}

	view := &entity.JobStatusView{
		JobID:       job.ID,
		Status:      job.Status,
		Priority:    job.Priority,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Progress:    job.Progress,
		Result:      job.Result,
		Error:       job.Error,
	}

	if !job.Status.IsTerminal() && job.TaskID != "" {
		info, err := p.broker.State(ctx, job.TaskID)
		if err != nil {
			p.logger.Warn("backend state unavailable, using stored status", "job_id", jobID, "task_id", job.TaskID, "error", err)
		} else {
			p.mergeTaskInfo(view, info)
		}
	}

	if view.StartedAt == nil && view.Status != constants.JobStatusQueued && view.Status != constants.JobStatusCancelled {
		est := job.CreatedAt.Add(p.cfg.StartedAtOffset)
		view.StartedAt = &est
		view.StartedAtEstimated = true
	}
	return view, nil
}

// mergeTaskInfo folds the backend's view into a non-terminal stored view.
// A terminal backend state wins outright; otherwise the more advanced of the
// two statuses is kept and progress never goes backwards.
func (p *Pipeline) mergeTaskInfo(view *entity.JobStatusView, info async.TaskInfo) {
	backend := statusForTask(info.State)
	switch {
	case backend == constants.JobStatusUnknown:
		p.logger.Warn("unrecognized backend state", "job_id", view.JobID, "state", info.State)
		view.Status = constants.JobStatusUnknown
	case backend == constants.JobStatusCompleted:
		var res entity.ExtractionResult
		if len(info.Result) == 0 || json.Unmarshal(info.Result, &res) != nil {
			// without a readable result the store's view stands
			p.logger.Warn("backend reports success without a readable result", "job_id", view.JobID)
			return
		}
		view.Status = backend
		view.Result = &res
		view.Error = nil
		view.Progress = progressDone
		view.CompletedAt = backendTime(info)
	case backend.IsTerminal():
		view.Status = backend
		view.Result = nil
		view.CompletedAt = backendTime(info)
		if backend == constants.JobStatusFailed {
			kind := info.ErrorKind
			if kind == "" {
				kind = constants.ErrorKindInternal
			}
			view.Error = &entity.JobError{Message: info.Error, Kind: kind}
		}
	case backend.Rank() > view.Status.Rank():
		view.Status = backend
	}
	if !view.Status.IsTerminal() {
		view.Progress = max(view.Progress, info.Progress)
	}
}

func backendTime(info async.TaskInfo) *time.Time {
	if info.UpdatedAt.IsZero() {
		return nil
	}
	t := info.UpdatedAt.UTC()
	return &t
}
