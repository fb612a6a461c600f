package ingest

import (
	"context"
	"io/fs"
	"path/filepath"
)

// DirStats summarizes one directory sweep.
type DirStats struct {
	Scanned   uint32
	Matched   uint32
	Submitted uint32
	Failed    uint32
}

// ScanDirectory submits every accepted file currently under the inbox.
// Per-file failures are logged and counted; the walk continues.
func (in *Inbox) ScanDirectory(ctx context.Context) (DirStats, error) {
	var stats DirStats
	err := filepath.WalkDir(in.cfg.Dir, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			in.logger.Warn("inbox walk error", "path", path, "error", walkErr)
			stats.Failed++
			return nil
		}
		if d.IsDir() {
			if path != in.cfg.Dir && in.cfg.SkipHidden && isHidden(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !in.allowed(path) {
			return nil
		}
		stats.Matched++
		if _, err := in.Accept(ctx, path); err != nil {
			in.logger.Error("inbox file rejected", "path", path, "error", err)
			stats.Failed++
			return nil
		}
		stats.Submitted++
		return nil
	})
	in.logger.Info("inbox scan finished", "scanned", stats.Scanned, "matched", stats.Matched,
		"submitted", stats.Submitted, "failed", stats.Failed)
	return stats, err
}
