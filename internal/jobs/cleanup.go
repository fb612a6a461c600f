package jobs

import (
	"context"
	"math"
	"time"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

// MaxAgeHours converts an hour count to a cleanup age. Values too large to
// represent, including +Inf, mean "never".
func MaxAgeHours(hours float64) time.Duration {
	if math.IsNaN(hours) || hours <= 0 {
		return 0
	}
	if hours >= float64(math.MaxInt64)/float64(time.Hour) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(hours * float64(time.Hour))
}

// Cleanup deletes every record created at least maxAge ago, whatever its
// status. A zero maxAge deletes everything. Queued jobs also lose their task
// and staged file; running jobs keep theirs until the worker exits.
// The sweep is not transactional: on error the count so far is returned.
func (p *Pipeline) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	now := p.now()
	deleted := 0
	for job, err := range p.store.Scan(ctx) {
		if err != nil {
			p.logger.Error("cleanup scan failed", "deleted", deleted, "error", err)
			return deleted, err
		}
		if maxAge > 0 && now.Sub(job.CreatedAt) < maxAge {
			continue
		}
		if err := p.store.Delete(ctx, job.ID); err != nil {
			p.logger.Error("cleanup delete failed", "job_id", job.ID, "deleted", deleted, "error", err)
			return deleted, err
		}
		deleted++
		if job.Status == constants.JobStatusQueued {
			p.abandon(ctx, job)
		}
	}
	p.logger.Info("cleanup finished", "deleted", deleted, "max_age", maxAge)
	return deleted, nil
}

// abandon releases what an unclaimed job holds outside the store.
func (p *Pipeline) abandon(ctx context.Context, job *entity.Job) {
	p.revokeTask(ctx, job)
	p.removeFile(job.ID, job.FilePath)
}

func (p *Pipeline) revokeTask(ctx context.Context, job *entity.Job) {
	if job.TaskID == "" {
		return
	}
	if err := p.broker.Revoke(ctx, job.TaskID); err != nil {
		p.logger.Warn("failed to revoke task", "job_id", job.ID, "task_id", job.TaskID, "error", err)
	}
}
