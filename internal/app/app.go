// Package app wires the configured store, broker and pipeline together for
// the command-line entry points.
package app

import (
	"context"
	"fmt"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/filextract/internal/async"
	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/extract"
	"github.com/joseph-ayodele/filextract/internal/jobs"
	"github.com/joseph-ayodele/filextract/internal/notify"
	"github.com/joseph-ayodele/filextract/internal/repository"
)

// App holds the live components and the connections behind them.
type App struct {
	Config   *common.Config
	Store    repository.JobStore
	Broker   async.Broker
	Notifier *notify.CloudEventsNotifier
	Pipeline *jobs.Pipeline

	rdb    *redis.Client
	drv    *entsql.Driver
	pool   *pgxpool.Pool
	sqlDB  repository.SQLJobStore
	logger *slog.Logger
}

// New opens every backend named by cfg. On error, whatever was opened is closed.
func New(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}
	if err := a.open(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) (err error) {
	cfg, logger := a.Config, a.logger

	if cfg.Store.Backend == "redis" || cfg.Broker.Backend == "redis" {
		if a.rdb, err = repository.OpenRedis(ctx, cfg.Store.RedisURL, logger); err != nil {
			return err
		}
	}

	switch cfg.Store.Backend {
	case "redis":
		a.Store = repository.NewRedisJobStore(a.rdb, logger)
	case "postgres", "sqlite":
		if cfg.Store.Backend == "postgres" {
			a.drv, a.pool, err = repository.OpenPostgres(ctx, repository.Config{
				DSN:              cfg.Database.DSN,
				MaxConns:         cfg.Database.MaxConns,
				MinConns:         cfg.Database.MinConns,
				MaxConnLifetime:  cfg.Database.MaxConnLifetime,
				MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
				DialTimeout:      cfg.Database.DialTimeout,
				StatementTimeout: cfg.Database.StatementTimeout,
			}, logger)
		} else {
			a.drv, err = repository.OpenSQLite(ctx, cfg.Database.DSN, logger)
		}
		if err != nil {
			return err
		}
		a.sqlDB = repository.NewSQLJobStore(a.drv, logger)
		if err = a.sqlDB.Migrate(ctx); err != nil {
			return err
		}
		a.Store = a.sqlDB
	default:
		return fmt.Errorf("%w: store %q", common.ErrUnsupportedBackend, cfg.Store.Backend)
	}

	if err = repository.HealthCheck(ctx, a.Store, cfg.Database.DialTimeout, logger); err != nil {
		return err
	}

	brokerOpts := []async.Option{
		async.WithWorkers(cfg.Broker.Workers),
		async.WithQueueSize(cfg.Broker.QueueSize),
		async.WithTimeLimits(cfg.Jobs.ExtractTimeout, cfg.Jobs.SoftTimeoutMargin),
		async.WithResultTTL(cfg.Jobs.ExtractTimeout + cfg.Jobs.RetentionBuffer),
		async.WithPollInterval(cfg.Broker.PollInterval),
	}
	switch cfg.Broker.Backend {
	case "redis":
		a.Broker = async.NewRedisBroker(a.rdb, logger, brokerOpts...)
	case "local":
		a.Broker = async.NewLocalBroker(logger, brokerOpts...)
	default:
		return fmt.Errorf("%w: broker %q", common.ErrUnsupportedBackend, cfg.Broker.Backend)
	}

	if a.Notifier, err = notify.NewCloudEventsNotifier(cfg.Jobs.CallbackTimeout, logger); err != nil {
		return err
	}

	registry := extract.NewRegistry(extract.Config{
		Pdftotext:     cfg.Extract.Pdftotext,
		Tesseract:     cfg.Extract.Tesseract,
		TesseractLang: cfg.Extract.TesseractLang,
		HeicConverter: cfg.Extract.HeicConverter,
	}, nil, logger)

	a.Pipeline = jobs.NewPipeline(jobs.Config{
		ExtractTimeout:  cfg.Jobs.ExtractTimeout,
		RetentionBuffer: cfg.Jobs.RetentionBuffer,
		ReconcileGrace:  cfg.Jobs.ReconcileGrace,
		QueueSize:       cfg.Broker.QueueSize,
		Workers:         cfg.Broker.Workers,
	}, a.Store, a.Broker, registry, logger, jobs.WithNotifier(a.Notifier))

	logger.Info("pipeline ready",
		"store", cfg.Store.Backend,
		"broker", cfg.Broker.Backend,
		"workers", cfg.Broker.Workers,
		"extract_timeout", cfg.Jobs.ExtractTimeout,
		"formats", registry.Supported(),
	)
	return nil
}

// PurgeExpired drops expired rows from SQL stores. Redis expires keys itself.
func (a *App) PurgeExpired(ctx context.Context) (int64, error) {
	if a.sqlDB == nil {
		return 0, nil
	}
	return a.sqlDB.DeleteExpired(ctx)
}

// Close stops the broker, waits for pending callbacks and closes connections.
func (a *App) Close(ctx context.Context) {
	if a.Pipeline != nil {
		if err := a.Pipeline.Shutdown(ctx); err != nil {
			a.logger.Warn("broker shutdown incomplete", "error", err)
		}
	}
	if a.Notifier != nil {
		if err := a.Notifier.Wait(ctx); err != nil {
			a.logger.Warn("pending callbacks abandoned", "error", err)
		}
	}
	if a.drv != nil || a.pool != nil {
		repository.Close(a.drv, a.pool, a.logger)
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
}
