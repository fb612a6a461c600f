package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/async"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

// Reconcile fails jobs that will never finish on their own:
//   - processing jobs that started more than the hard limit plus grace ago,
//     or whose worker the backend reports lost;
//   - queued jobs whose task the backend has already finished with, or that
//     were never handed a task and are older than the same deadline.
//
// Queued jobs lose their staged file here. A processing job's file is left to
// its worker unless that worker is known to be gone.
// It returns how many jobs were failed.
func (p *Pipeline) Reconcile(ctx context.Context) (int, error) {
	now := p.now()
	deadline := p.cfg.ExtractTimeout + p.cfg.ReconcileGrace
	failed := 0

	for job, err := range p.store.Scan(ctx) {
		if err != nil {
			return failed, err
		}
		var (
			reason   string
			orphaned bool
		)
		switch job.Status {
		case constants.JobStatusProcessing:
			reason, orphaned = p.stuckReason(ctx, job, now, deadline)
		case constants.JobStatusQueued:
			reason = p.lostReason(ctx, job, now.Sub(job.CreatedAt) > deadline)
		}
		if reason == "" {
			continue
		}

		done := now.UTC()
		applied, err := p.store.Transition(ctx, job.ID, []constants.JobStatus{job.Status}, entity.JobUpdate{
			Status:      entity.Ptr(constants.JobStatusFailed),
			Error:       &entity.JobError{Message: reason, Kind: constants.ErrorKindTimeout},
			CompletedAt: &done,
		})
		if err != nil {
			p.logger.Warn("reconcile transition failed", "job_id", job.ID, "error", err)
			continue
		}
		if !applied {
			continue
		}
		failed++
		p.refreshTTL(ctx, job.ID)
		if job.Status == constants.JobStatusQueued || orphaned {
			p.abandon(ctx, job)
		} else {
			p.revokeTask(ctx, job)
		}
		p.logger.Warn("job reconciled as failed", "job_id", job.ID, "was", job.Status, "reason", reason)
	}
	if failed > 0 {
		p.logger.Info("reconcile finished", "failed", failed)
	}
	return failed, nil
}

// stuckReason explains why a processing job will never finish, or returns "".
// The deadline runs from started_at, so time spent waiting in the queue does
// not count against the job. orphaned reports that no worker will release
// the job's file.
func (p *Pipeline) stuckReason(ctx context.Context, job *entity.Job, now time.Time, deadline time.Duration) (reason string, orphaned bool) {
	if job.TaskID != "" {
		info, err := p.broker.State(ctx, job.TaskID)
		if err == nil && info.State == async.StateFailure && info.ErrorKind == constants.ErrorKindWorkerLost {
			return info.Error, true
		}
	}
	since := job.CreatedAt
	if job.StartedAt != nil {
		since = *job.StartedAt
	}
	if now.Sub(since) > deadline {
		return fmt.Sprintf("job exceeded hard time limit of %s", p.cfg.ExtractTimeout), false
	}
	return "", false
}

// lostReason explains why a queued job will never be picked up, or returns "".
func (p *Pipeline) lostReason(ctx context.Context, job *entity.Job, overdue bool) string {
	if job.TaskID == "" {
		if overdue {
			return "job was never dispatched"
		}
		return ""
	}
	info, err := p.broker.State(ctx, job.TaskID)
	if err != nil {
		return ""
	}
	if info.State.Ready() && info.State != async.StateRevoked {
		return fmt.Sprintf("task finished as %s without running the job", info.State)
	}
	return ""
}
