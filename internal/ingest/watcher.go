package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch submits files as they land in the inbox until ctx is done. Bursts of
// create/write events for a path are coalesced: a file is picked up once it
// has been quiet for the debounce period.
func (in *Inbox) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		in.logger.Error("failed to create fsnotify watcher", "error", err)
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func(w *fsnotify.Watcher) {
		if err := w.Close(); err != nil {
			in.logger.Warn("failed to close watcher", "error", err)
		}
	}(w)

	if err := in.addTree(w, in.cfg.Dir); err != nil {
		return err
	}
	in.logger.Info("watching inbox", "dir", in.cfg.Dir, "staging_dir", in.cfg.StagingDir)

	if in.cfg.InitialScan {
		if _, err := in.ScanDirectory(ctx); err != nil && ctx.Err() == nil {
			in.logger.Warn("initial inbox scan failed", "error", err)
		}
	}

	pending := map[string]time.Time{}
	ticker := time.NewTicker(flushInterval(in.cfg.Debounce))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			in.logger.Info("inbox watcher stopped")
			return nil
		case e, ok := <-w.Events:
			if !ok {
				return nil
			}
			if e.Has(fsnotify.Create) {
				// new subdirectories are watched too; files fail to add and are ignored
				if err := in.addTree(w, e.Name); err == nil {
					continue
				}
			}
			if e.Has(fsnotify.Create) || e.Has(fsnotify.Write) {
				if in.allowed(e.Name) {
					pending[e.Name] = time.Now()
				}
			}
			if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
				delete(pending, e.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.logger.Error("watcher error", "error", err)
		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < in.cfg.Debounce {
					continue
				}
				delete(pending, path)
				if _, err := in.Accept(ctx, path); err != nil {
					in.logger.Error("inbox file rejected", "path", path, "error", err)
				}
			}
		}
	}
}

// addTree watches dir and every directory below it. It fails when dir is not
// a directory.
func (in *Inbox) addTree(w *fsnotify.Watcher, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		if path != in.cfg.Dir && in.cfg.SkipHidden && isHidden(path) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

const minFlushInterval = 10 * time.Millisecond

// flushInterval is how often pending paths are checked: half the debounce,
// but never a busy loop.
func flushInterval(debounce time.Duration) time.Duration {
	return max(debounce/2, minFlushInterval)
}
