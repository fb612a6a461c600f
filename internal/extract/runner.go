package extract

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/joseph-ayodele/filextract/internal/common"
)

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// execRunner runs commands for real. The command is killed when ctx ends,
// which is how job cancellation and time limits reach external tools.
type execRunner struct {
	logger *slog.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	log := common.LoggerFromContext(ctx, r.logger).With("cmd", name)
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		log.Debug("command finished", "duration_ms", elapsed, "stdout_bytes", out.Len())
	case ctx.Err() != nil:
		log.Info("command interrupted", "duration_ms", elapsed, "cause", context.Cause(ctx))
	case errors.As(err, &exitErr):
		log.Error("command failed",
			"args", strings.Join(args, " "),
			"exit_code", exitErr.ExitCode(),
			"duration_ms", elapsed,
			"stderr", truncate(errb.String(), 8<<10),
		)
	default:
		log.Error("command could not start", "error", err)
	}
	return out.Bytes(), errb.Bytes(), err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
