package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/async"
	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

// SubmitRequest describes one extraction request. FilePath must point at a
// staged file the pipeline may delete once the job is done with it.
type SubmitRequest struct {
	FilePath    string
	Options     entity.Options
	Priority    string // low | normal | high; anything else means normal
	CallbackURL string
}

// Submit persists a queued job and hands it to the broker. It never waits for
// execution to start.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*entity.SubmitResponse, error) {
	v := common.NewValidator().
		Field("file_path", req.FilePath, common.Required, common.MaxLength(4096)).
		Field("callback_url", req.CallbackURL, common.OptionalHTTPURL, common.MaxLength(2048))
	if err := v.Error(); err != nil {
		p.logger.Warn("rejected job submission", "error", err)
		return nil, err
	}

	now := p.now().UTC()
	priority := constants.ParsePriority(req.Priority)
	job := &entity.Job{
		ID:          uuid.NewString(),
		FilePath:    req.FilePath,
		Options:     req.Options,
		Priority:    priority,
		CallbackURL: req.CallbackURL,
		Status:      constants.JobStatusQueued,
		CreatedAt:   now,
	}
	if err := p.store.Create(ctx, job, p.recordTTL()); err != nil {
		return nil, err
	}

	taskID, err := p.broker.Dispatch(ctx, async.Task{
		JobID:       job.ID,
		Priority:    priority.Value(),
		SubmittedAt: now,
		FilePath:    job.FilePath,
	})
	if err != nil {
		p.logger.Error("dispatch failed, removing job record", "job_id", job.ID, "error", err)
		dctx, cancel := p.detached(ctx)
		defer cancel()
		if derr := p.store.Delete(dctx, job.ID); derr != nil {
			p.logger.Error("failed to remove undispatched job", "job_id", job.ID, "error", derr)
		}
		return nil, fmt.Errorf("dispatch job: %w", err)
	}

	if err := p.store.Update(ctx, job.ID, entity.JobUpdate{TaskID: &taskID}); err != nil {
		// The task is queued; the worker only needs the job ID, so status
		// queries simply lose the backend view for this job.
		p.logger.Warn("failed to record task handle", "job_id", job.ID, "task_id", taskID, "error", err)
	}

	p.logger.Info("job submitted", "job_id", job.ID, "task_id", taskID, "priority", priority)
	return &entity.SubmitResponse{
		JobID:               job.ID,
		Status:              constants.JobStatusQueued,
		EstimatedCompletion: priority.EstimatedCompletion(now),
	}, nil
}
