package jobs

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joseph-ayodele/filextract/internal/async"
	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/entity"
	"github.com/joseph-ayodele/filextract/internal/notify"
	"github.com/joseph-ayodele/filextract/internal/repository"
)

// Extractor is the unit of work run for every job.
type Extractor interface {
	Extract(ctx context.Context, path string, opts entity.Options) (*entity.ExtractionResult, error)
}

type Config struct {
	ExtractTimeout  time.Duration // hard limit enforced by the broker
	RetentionBuffer time.Duration // how long records outlive the extraction timeout
	ReconcileGrace  time.Duration // slack past the hard limit before a job counts as stuck
	StartedAtOffset time.Duration // offset used when started_at has to be estimated
	StoreTimeout    time.Duration // bound on store writes made outside the job's context
	QueueSize       int
	Workers         int
}

func (c *Config) applyDefaults() {
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = 10 * time.Minute
	}
	if c.RetentionBuffer <= 0 {
		c.RetentionBuffer = time.Hour
	}
	if c.ReconcileGrace <= 0 {
		c.ReconcileGrace = 5 * time.Minute
	}
	if c.StartedAtOffset <= 0 {
		c.StartedAtOffset = 5 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
}

// Pipeline owns the job lifecycle: submission, execution, status,
// cancellation and retention. Every instance is independent; the store is
// the only state shared between instances.
type Pipeline struct {
	cfg       Config
	store     repository.JobStore
	broker    async.Broker
	extractor Extractor
	notifier  notify.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Pipeline)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithNotifier sets the callback notifier. Without one callbacks are skipped.
func WithNotifier(n notify.Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

func NewPipeline(
	cfg Config,
	store repository.JobStore,
	broker async.Broker,
	extractor Extractor,
	logger *slog.Logger,
	opts ...Option,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	p := &Pipeline{
		cfg:       cfg,
		store:     store,
		broker:    broker,
		extractor: extractor,
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// StartWorkers registers the job handler with the broker and starts consuming.
func (p *Pipeline) StartWorkers() error {
	return p.broker.Start(p.handle)
}

// Shutdown stops the broker's workers.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	return p.broker.Shutdown(ctx)
}

// detached bounds store writes that must happen even after ctx is cancelled.
func (p *Pipeline) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return common.Detached(ctx, p.cfg.StoreTimeout)
}

// recordTTL is the TTL given to a record at creation.
func (p *Pipeline) recordTTL() time.Duration {
	return p.cfg.ExtractTimeout + p.cfg.RetentionBuffer
}

// removeFile deletes a staged input file; a file that is already gone is not an error.
func (p *Pipeline) removeFile(jobID, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("failed to remove job file", "job_id", jobID, "path", path, "error", err)
		return
	}
	p.logger.Debug("removed job file", "job_id", jobID, "path", path)
}
