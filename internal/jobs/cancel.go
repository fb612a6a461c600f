package jobs

import (
	"context"
	"errors"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

// Cancel marks a job cancelled and tells the broker to stop it. It returns
// false only when no live record exists. Cancelling a terminal job is a
// no-op that still returns true.
//
// The store is updated before the broker is signalled, so a worker that is
// interrupted by the revocation can no longer record its own outcome. A
// result that races in after the status change is discarded.
func (p *Pipeline) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, common.ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	if job.Status.IsTerminal() {
		p.logger.Debug("cancel of terminal job ignored", "job_id", jobID, "status", job.Status)
		return true, nil
	}

	now := p.now().UTC()
	upd := entity.JobUpdate{Status: entity.Ptr(constants.JobStatusCancelled), CompletedAt: &now}

	// A queued job has not been claimed, so its file is ours to remove.
	applied, err := p.store.Transition(ctx, jobID, []constants.JobStatus{constants.JobStatusQueued}, upd)
	if err != nil {
		return notFoundAsFalse(err)
	}
	if applied {
		p.removeFile(jobID, job.FilePath)
	} else {
		// A running job keeps its file; the worker removes it on exit.
		applied, err = p.store.Transition(ctx, jobID, processingOnly, upd)
		if err != nil {
			return notFoundAsFalse(err)
		}
	}

	if job.TaskID != "" {
		if err := p.broker.Revoke(ctx, job.TaskID); err != nil {
			p.logger.Warn("failed to revoke task", "job_id", jobID, "task_id", job.TaskID, "error", err)
		}
	}
	if applied {
		p.refreshTTL(ctx, jobID)
		p.logger.Info("job cancelled", "job_id", jobID, "was", job.Status)
	} else {
		p.logger.Info("job finished before cancellation took effect", "job_id", jobID)
	}
	return true, nil
}

func notFoundAsFalse(err error) (bool, error) {
	if errors.Is(err, common.ErrJobNotFound) {
		return false, nil
	}
	return false, err
}
