package jobs

import (
	"context"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

// Stats tallies live records by status. The numbers are gauges: records keep
// moving while the scan runs.
func (p *Pipeline) Stats(ctx context.Context) (*entity.QueueStats, error) {
	stats := &entity.QueueStats{QueueSize: p.cfg.QueueSize, Workers: p.cfg.Workers}
	for job, err := range p.store.Scan(ctx) {
		if err != nil {
			return nil, err
		}
		stats.Total++
		switch job.Status {
		case constants.JobStatusQueued:
			stats.Queued++
		case constants.JobStatusProcessing:
			stats.Processing++
		case constants.JobStatusCompleted:
			stats.Completed++
		case constants.JobStatusFailed:
			stats.Failed++
		case constants.JobStatusCancelled:
			stats.Cancelled++
		default:
			stats.Unknown++
		}
	}
	if n, err := p.broker.Len(ctx); err == nil {
		stats.Backlog = n
	} else {
		p.logger.Warn("backend queue length unavailable", "error", err)
	}
	return stats, nil
}
