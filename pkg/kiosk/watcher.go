package kiosk

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kioskd/kioskd/pkg/telemetry"
)

// debounceWindow coalesces the burst of events editors and atomic renames
// produce for a single logical change.
const debounceWindow = 500 * time.Millisecond

// Watcher triggers a runtime reload when the configuration or credential
// files change on disk.
type Watcher struct {
	paths    []string
	onChange func(ctx context.Context) error
	log      *telemetry.Logger
}

// NewWatcher creates a watcher over the given files. onChange runs after the
// debounce window closes.
func NewWatcher(paths []string, onChange func(ctx context.Context) error, log *telemetry.Logger) *Watcher {
	return &Watcher{
		paths:    paths,
		onChange: onChange,
		log:      log,
	}
}

// Run watches until the context is cancelled. Watching the parent directory
// rather than the file itself survives the delete-and-rename dance most
// editors and config management tools do.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	watched := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, p := range w.paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		watched[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.log.WithField("dir", dir).WithError(err).Warn("failed to watch directory")
		}
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !watched[abs] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.log.WithField("path", abs).Debug("change detected")
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.onChange(ctx); err != nil {
				w.log.WithError(err).Error("reload failed")
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("watch error")
		}
	}
}
