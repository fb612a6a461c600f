package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/async"
	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/entity"
	"github.com/joseph-ayodele/filextract/internal/notify"
)

// Progress checkpoints reported while a job runs.
const (
	progressClaimed    = 10.0
	progressLoaded     = 30.0
	progressExtracting = 50.0
	progressExtracted  = 90.0
	progressDone       = 100.0
)

var processingOnly = []constants.JobStatus{constants.JobStatusProcessing}

// Failure is returned by Run when a job fails. Kind is what was persisted on
// the record, so the broker's bookkeeping agrees with the store.
type Failure struct {
	kind constants.ErrorKind
	err  error
}

func (f *Failure) Error() string             { return f.err.Error() }
func (f *Failure) Unwrap() error             { return f.err }
func (f *Failure) Kind() constants.ErrorKind { return f.kind }

// handle adapts Run to the broker's handler signature.
func (p *Pipeline) handle(ctx context.Context, task async.Task, rep async.Reporter) ([]byte, error) {
	res, err := p.Run(ctx, task, rep)
	if err != nil || res == nil {
		return nil, err
	}
	return json.Marshal(res)
}

// Run executes the job behind task. The staged file is removed exactly once by
// whoever moves the job out of queued: Run does it for every job it claims,
// whatever the outcome, and for tasks whose record expired before pickup.
// A nil result with a nil error means the job was not ours to run (cancelled
// before start) or its result was discarded by a concurrent cancel.
func (p *Pipeline) Run(ctx context.Context, task async.Task, rep async.Reporter) (*entity.ExtractionResult, error) {
	jobID := task.JobID
	log := p.logger.With("job_id", jobID)
	ctx = common.WithLogger(ctx, log)

	sctx, cancel := p.detached(ctx)
	job, err := p.store.Get(sctx, jobID)
	cancel()
	if err != nil {
		if errors.Is(err, common.ErrJobNotFound) {
			log.Error("job record missing, nothing to run")
			// a revoked task's file belongs to whoever revoked it
			if !errors.Is(context.Cause(ctx), async.ErrTaskRevoked) {
				p.removeFile(jobID, task.FilePath)
			}
			return nil, &Failure{kind: constants.ErrorKindInternal, err: err}
		}
		return nil, &Failure{kind: constants.ErrorKindPersistence, err: err}
	}
	if job.Status != constants.JobStatusQueued {
		log.Info("job no longer queued, skipping", "status", job.Status)
		return nil, nil
	}

	if errors.Is(context.Cause(ctx), async.ErrTaskRevoked) {
		// revoked before a cancel reached the store; finish the cancellation
		sctx, cancel := p.detached(ctx)
		defer cancel()
		now := p.now().UTC()
		applied, err := p.store.Transition(sctx, jobID, []constants.JobStatus{constants.JobStatusQueued},
			entity.JobUpdate{Status: entity.Ptr(constants.JobStatusCancelled), CompletedAt: &now})
		if err != nil {
			return nil, &Failure{kind: constants.ErrorKindPersistence, err: err}
		}
		if applied {
			p.removeFile(jobID, job.FilePath)
			p.refreshTTL(sctx, jobID)
		}
		log.Info("revoked job not started")
		return nil, nil
	}

	started := p.now().UTC()
	sctx, cancel = p.detached(ctx)
	claimed, err := p.store.Transition(sctx, jobID, []constants.JobStatus{constants.JobStatusQueued}, entity.JobUpdate{
		Status:    entity.Ptr(constants.JobStatusProcessing),
		StartedAt: &started,
		Progress:  entity.Ptr(progressClaimed),
	})
	cancel()
	if err != nil {
		return nil, &Failure{kind: constants.ErrorKindPersistence, err: err}
	}
	if !claimed {
		log.Info("job claimed elsewhere, skipping")
		return nil, nil
	}
	defer p.removeFile(jobID, job.FilePath)
	log.Info("job started", "priority", job.Priority)

	for _, pct := range []float64{progressLoaded, progressExtracting} {
		if ok, err := p.progress(ctx, jobID, pct, rep); err != nil {
			return nil, p.fail(ctx, job, err)
		} else if !ok {
			log.Info("job cancelled while running")
			return nil, nil
		}
	}

	res, err := p.extractor.Extract(ctx, job.FilePath, job.Options)
	if err != nil {
		return nil, p.fail(ctx, job, err)
	}
	if ok, err := p.progress(ctx, jobID, progressExtracted, rep); err != nil {
		return nil, p.fail(ctx, job, err)
	} else if !ok {
		log.Info("job cancelled after extraction, result discarded")
		return nil, nil
	}
	return p.complete(ctx, job, res)
}

// progress records a checkpoint. It reports false once the job has left processing.
func (p *Pipeline) progress(ctx context.Context, jobID string, pct float64, rep async.Reporter) (bool, error) {
	sctx, cancel := p.detached(ctx)
	defer cancel()
	ok, err := p.store.Transition(sctx, jobID, processingOnly, entity.JobUpdate{Progress: &pct})
	if err != nil {
		return false, err
	}
	if ok && rep != nil {
		if err := rep.Progress(sctx, pct); err != nil {
			p.logger.Debug("backend progress update failed", "job_id", jobID, "error", err)
		}
	}
	return ok, nil
}

func (p *Pipeline) complete(ctx context.Context, job *entity.Job, res *entity.ExtractionResult) (*entity.ExtractionResult, error) {
	sctx, cancel := p.detached(ctx)
	defer cancel()
	done := p.now().UTC()
	applied, err := p.store.Transition(sctx, job.ID, processingOnly, entity.JobUpdate{
		Status:      entity.Ptr(constants.JobStatusCompleted),
		Progress:    entity.Ptr(progressDone),
		Result:      res,
		CompletedAt: &done,
	})
	if err != nil {
		return nil, p.fail(ctx, job, err)
	}
	if !applied {
		p.logger.Info("job cancelled before completion, result discarded", "job_id", job.ID)
		return nil, nil
	}
	p.refreshTTL(sctx, job.ID)
	p.logger.Info("job completed", "job_id", job.ID, "duration_ms", done.Sub(job.CreatedAt).Milliseconds())
	p.callback(ctx, job, notify.Payload{JobID: job.ID, Status: constants.JobStatusCompleted, Result: res})
	return res, nil
}

// fail persists the failure and returns the error for the broker.
func (p *Pipeline) fail(ctx context.Context, job *entity.Job, cause error) error {
	kind := classify(ctx, cause)
	msg := cause.Error()
	if kind == constants.ErrorKindTimeout && !errors.Is(cause, async.ErrSoftTimeLimit) {
		msg = fmt.Sprintf("%s: %v", async.ErrSoftTimeLimit, cause)
	}

	sctx, cancel := p.detached(ctx)
	defer cancel()
	done := p.now().UTC()
	jobErr := &entity.JobError{Message: msg, Kind: kind}
	applied, err := p.store.Transition(sctx, job.ID, processingOnly, entity.JobUpdate{
		Status:      entity.Ptr(constants.JobStatusFailed),
		Error:       jobErr,
		CompletedAt: &done,
	})
	if err != nil {
		p.logger.Error("failed to persist job failure", "job_id", job.ID, "cause", cause, "error", err)
		return &Failure{kind: constants.ErrorKindPersistence, err: errors.Join(cause, err)}
	}
	if !applied {
		p.logger.Info("job left processing before failure was recorded", "job_id", job.ID, "cause", cause)
		return &Failure{kind: kind, err: cause}
	}
	p.refreshTTL(sctx, job.ID)
	p.logger.Error("job failed", "job_id", job.ID, "kind", kind, "error", cause)
	p.callback(ctx, job, notify.Payload{JobID: job.ID, Status: constants.JobStatusFailed, Error: msg, ErrorKind: kind})
	return &Failure{kind: kind, err: cause}
}

// classify maps a worker error onto the persisted error kind.
func classify(ctx context.Context, err error) constants.ErrorKind {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(err, async.ErrSoftTimeLimit), errors.Is(cause, async.ErrSoftTimeLimit):
		return constants.ErrorKindTimeout
	case errors.Is(err, async.ErrTaskRevoked), errors.Is(cause, async.ErrTaskRevoked):
		return constants.ErrorKindCancelled
	case errors.Is(err, common.ErrUnsupportedFormat):
		return constants.ErrorKindUnsupportedFormat
	case errors.Is(err, common.ErrDatabase), errors.Is(err, common.ErrJobNotFound):
		return constants.ErrorKindPersistence
	default:
		return constants.ErrorKindExtraction
	}
}

// refreshTTL keeps a terminal record readable for the retention window.
func (p *Pipeline) refreshTTL(ctx context.Context, jobID string) {
	if err := p.store.SetTTL(ctx, jobID, p.cfg.RetentionBuffer); err != nil {
		p.logger.Warn("failed to refresh job ttl", "job_id", jobID, "error", err)
	}
}

func (p *Pipeline) callback(ctx context.Context, job *entity.Job, payload notify.Payload) {
	if p.notifier == nil || job.CallbackURL == "" {
		return
	}
	p.notifier.Notify(ctx, job.CallbackURL, payload)
}
