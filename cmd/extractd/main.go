package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/filextract/internal/app"
	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/ingest"
	"github.com/joseph-ayodele/filextract/internal/repository"
)

const serviceName = "filextract.Extractor"

func main() {
	cfg := common.LoadConfig()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	if err := os.MkdirAll(cfg.Files.TempDir, 0o750); err != nil {
		logger.Error("failed to create temp dir", "dir", cfg.Files.TempDir, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start pipeline", "error", err)
		os.Exit(1)
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
		a.Close(context.Background())
		os.Exit(1)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	if err := a.Pipeline.StartWorkers(); err != nil {
		logger.Error("failed to start workers", "error", err)
		a.Close(context.Background())
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("grpc health listening", "addr", cfg.Server.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})
	g.Go(func() error {
		watchHealth(gctx, a, healthServer, logger)
		return nil
	})
	g.Go(func() error {
		every(gctx, cfg.Sweeper.ReconcileInterval, func(ctx context.Context) {
			if _, err := a.Pipeline.Reconcile(ctx); err != nil {
				logger.Error("reconcile failed", "error", err)
			}
		})
		return nil
	})
	g.Go(func() error {
		every(gctx, cfg.Sweeper.CleanupInterval, func(ctx context.Context) {
			if _, err := a.Pipeline.Cleanup(ctx, cfg.Sweeper.CleanupMaxAge); err != nil {
				logger.Error("cleanup failed", "error", err)
			}
			if n, err := a.PurgeExpired(ctx); err != nil {
				logger.Error("expired row purge failed", "error", err)
			} else if n > 0 {
				logger.Info("purged expired rows", "count", n)
			}
		})
		return nil
	})
	if cfg.Files.InboxDir != "" {
		inbox, err := ingest.NewInbox(ingest.Config{
			Dir:         cfg.Files.InboxDir,
			StagingDir:  cfg.Files.TempDir,
			InitialScan: true,
			SkipHidden:  true,
		}, a.Pipeline, logger)
		if err != nil {
			logger.Error("failed to set up inbox", "error", err)
		} else {
			g.Go(func() error { return inbox.Watch(gctx) })
		}
	}

	logger.Info("filextract daemon started",
		"workers", cfg.Broker.Workers,
		"temp_dir", cfg.Files.TempDir,
		"inbox_dir", cfg.Files.InboxDir,
	)
	if err := g.Wait(); err != nil {
		logger.Error("daemon stopped with error", "error", err)
	}

	logger.Info("shutting down, draining workers", "timeout", cfg.Jobs.ExtractTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Jobs.ExtractTimeout)
	defer cancel()
	a.Close(shutdownCtx)
	logger.Info("stopped")
}

// watchHealth mirrors store reachability into the gRPC health service.
func watchHealth(ctx context.Context, a *app.App, hs *health.Server, logger *slog.Logger) {
	check := func(ctx context.Context) {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if err := repository.HealthCheck(ctx, a.Store, 3*time.Second, logger); err != nil {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(serviceName, status)
	}
	check(ctx)
	every(ctx, 15*time.Second, check)
}

// every runs fn on each tick until ctx is done. A non-positive interval disables it.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}
