package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/app"
	"github.com/joseph-ayodele/filextract/internal/common"
	"github.com/joseph-ayodele/filextract/internal/entity"
	"github.com/joseph-ayodele/filextract/internal/export"
	"github.com/joseph-ayodele/filextract/internal/ingest"
	"github.com/joseph-ayodele/filextract/internal/jobs"
	"github.com/joseph-ayodele/filextract/internal/repository"
)

const usage = `usage: jobctl <command> [flags]

commands:
  submit     -file PATH [-priority low|normal|high] [-callback URL] [-no-text] [-no-metadata] [-structure] [-wait]
  status     JOB_ID
  cancel     JOB_ID
  stats
  cleanup    [-max-age-hours N]
  reconcile
  export     -out FILE.xlsx [-status STATUS] [-since-hours N]
  health

The backends are configured through the same environment as extractd.
`

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	if len(os.Args) < 2 {
		printError("%s", usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	cfg := common.LoadConfig()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: max(cfg.LogLevel, slog.LevelWarn)}))
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		printError("Error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var run func(context.Context, *app.App, []string) error
	switch cmd {
	case "submit":
		run = submit
	case "status":
		run = status
	case "cancel":
		run = cancel
	case "stats":
		run = stats
	case "cleanup":
		run = cleanup
	case "reconcile":
		run = reconcile
	case "export":
		run = exportJobs
	case "health":
		run = health
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		printError("Error: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	err = run(ctx, a, args)

	closeCtx, cancelClose := context.WithTimeout(context.Background(), cfg.Jobs.CallbackTimeout)
	a.Close(closeCtx)
	cancelClose()
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
}

func submit(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	var (
		file       = fs.String("file", "", "file to extract (required); a copy is staged in TEMP_DIR")
		priority   = fs.String("priority", "normal", "low, normal or high")
		callback   = fs.String("callback", "", "http(s) URL notified when the job finishes")
		noText     = fs.Bool("no-text", false, "skip text extraction")
		noMetadata = fs.Bool("no-metadata", false, "skip file metadata")
		structure  = fs.Bool("structure", false, "include tables, headings and links")
		lang       = fs.String("lang", "", "OCR language hint")
		wait       = fs.Bool("wait", false, "poll until the job reaches a terminal state")
	)
	_ = fs.Parse(args)
	if strings.TrimSpace(*file) == "" {
		return fmt.Errorf("-file is required")
	}

	staged, err := ingest.Stage(*file, a.Config.Files.TempDir, false)
	if err != nil {
		return err
	}
	resp, err := a.Pipeline.Submit(ctx, jobs.SubmitRequest{
		FilePath: staged,
		Options: entity.Options{
			IncludeMetadata:  !*noMetadata,
			IncludeText:      !*noText,
			IncludeStructure: *structure,
			Language:         *lang,
		},
		Priority:    *priority,
		CallbackURL: *callback,
	})
	if err != nil {
		_ = os.Remove(staged)
		return err
	}
	if !*wait {
		return printJSON(resp)
	}

	if a.Config.Broker.Backend == "local" {
		// nothing else can see an in-process queue
		if err := a.Pipeline.StartWorkers(); err != nil {
			return err
		}
	}
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		view, err := a.Pipeline.Status(ctx, resp.JobID)
		if err != nil {
			return err
		}
		if view == nil {
			return fmt.Errorf("job %s expired while waiting", resp.JobID)
		}
		if view.Status.IsTerminal() {
			return printJSON(view)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func status(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("status takes exactly one JOB_ID")
	}
	view, err := a.Pipeline.Status(ctx, args[0])
	if err != nil {
		return err
	}
	if view == nil {
		return fmt.Errorf("%w: %s", common.ErrJobNotFound, args[0])
	}
	return printJSON(view)
}

func cancel(ctx context.Context, a *app.App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("cancel takes exactly one JOB_ID")
	}
	ok, err := a.Pipeline.Cancel(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"job_id": args[0], "cancelled": ok})
}

func stats(ctx context.Context, a *app.App, _ []string) error {
	s, err := a.Pipeline.Stats(ctx)
	if err != nil {
		return err
	}
	return printJSON(s)
}

func cleanup(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	hours := fs.Float64("max-age-hours", 24, "delete jobs created at least this many hours ago; 0 deletes all")
	_ = fs.Parse(args)

	n, err := a.Pipeline.Cleanup(ctx, jobs.MaxAgeHours(*hours))
	if err != nil {
		return err
	}
	purged, err := a.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"deleted": n, "expired_purged": purged})
}

func reconcile(ctx context.Context, a *app.App, _ []string) error {
	n, err := a.Pipeline.Reconcile(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"failed": n})
}

func exportJobs(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	var (
		out   = fs.String("out", "jobs.xlsx", "output XLSX file path")
		st    = fs.String("status", "", "only jobs in this status")
		since = fs.Float64("since-hours", 0, "only jobs created in the last N hours; 0 means all")
	)
	_ = fs.Parse(args)

	filter := export.Filter{Status: constants.JobStatus(strings.ToLower(*st))}
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("unknown status %q", *st)
	}
	if *since > 0 {
		filter.Since = time.Now().Add(-jobs.MaxAgeHours(*since))
	}
	data, err := export.NewService(a.Store, slog.Default()).ExportJobsXLSX(ctx, filter)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	return printJSON(map[string]any{"out": *out, "bytes": len(data)})
}

func health(ctx context.Context, a *app.App, _ []string) error {
	start := time.Now()
	if err := repository.HealthCheck(ctx, a.Store, 5*time.Second, slog.Default()); err != nil {
		return fmt.Errorf("store unhealthy: %w", err)
	}
	storeLatency := time.Since(start)
	backlog, err := a.Broker.Len(ctx)
	if err != nil {
		return fmt.Errorf("broker unhealthy: %w", err)
	}
	return printJSON(map[string]any{
		"store":            a.Config.Store.Backend,
		"broker":           a.Config.Broker.Backend,
		"store_latency_ms": storeLatency.Milliseconds(),
		"backlog":          backlog,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
