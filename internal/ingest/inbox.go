package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/entity"
	"github.com/joseph-ayodele/filextract/internal/jobs"
)

// Submitter is the part of the pipeline the inbox feeds.
type Submitter interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*entity.SubmitResponse, error)
}

type Config struct {
	Dir         string // inbox directory, watched recursively
	StagingDir  string // where files are moved before submission (TEMP_DIR)
	Priority    string // priority given to every inbox job
	Options     entity.Options
	AllowedExts map[string]struct{} // nil means every supported extension
	InitialScan bool                // submit files already present at start
	SkipHidden  bool
	Debounce    time.Duration // quiet period before a written file is picked up
}

// Inbox turns files dropped into a directory into extraction jobs. Each file
// is moved into the staging directory first; from then on the pipeline owns
// and deletes it.
type Inbox struct {
	cfg    Config
	sub    Submitter
	logger *slog.Logger
}

func NewInbox(cfg Config, sub Submitter, logger *slog.Logger) (*Inbox, error) {
	if cfg.Dir == "" || cfg.StagingDir == "" {
		return nil, errors.New("inbox and staging directories are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AllowedExts == nil {
		cfg.AllowedExts = constants.SupportedExtensions()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.Options == (entity.Options{}) {
		cfg.Options = entity.DefaultOptions()
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Inbox{cfg: cfg, sub: sub, logger: logger.With("component", "inbox")}, nil
}

// Accept stages one file and submits it. It returns the job ID.
func (in *Inbox) Accept(ctx context.Context, path string) (string, error) {
	if !in.allowed(path) {
		return "", fmt.Errorf("extension not accepted: %s", path)
	}
	staged, err := Stage(path, in.cfg.StagingDir, true)
	if err != nil {
		return "", err
	}
	resp, err := in.sub.Submit(ctx, jobs.SubmitRequest{
		FilePath: staged,
		Options:  in.cfg.Options,
		Priority: in.cfg.Priority,
	})
	if err != nil {
		// nobody owns the staged copy yet
		_ = os.Remove(staged)
		return "", fmt.Errorf("submit %s: %w", path, err)
	}
	in.logger.Info("inbox file submitted", "source", path, "staged", staged, "job_id", resp.JobID)
	return resp.JobID, nil
}

func (in *Inbox) allowed(path string) bool {
	if in.cfg.SkipHidden && isHidden(path) {
		return false
	}
	_, ok := in.cfg.AllowedExts[constants.NormalizeExt(filepath.Ext(path))]
	return ok
}

// Stage places src under dir with a collision-free name and returns the new
// path. With move set the source is renamed (or copied then removed when the
// directories sit on different filesystems); otherwise it is copied.
func Stage(src, dir string, move bool) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", src)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	dst := filepath.Join(dir, uuid.NewString()+"_"+filepath.Base(src))

	if move {
		err := os.Rename(src, dst)
		if err == nil {
			return dst, nil
		}
		if !errors.Is(err, syscall.EXDEV) {
			return "", fmt.Errorf("move %s: %w", src, err)
		}
	}
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	if move {
		if err := os.Remove(src); err != nil {
			return dst, fmt.Errorf("remove %s after copy: %w", src, err)
		}
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func(f *os.File) { _ = f.Close() }(in)

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}
