package utils // import "github.com/whisthq/whist/backend/workspaces/utils"

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitForFileCreation blocks until the file at absPath exists, the timeout
// elapses, or ctx is cancelled. If the file already exists it returns
// immediately. A context.DeadlineExceeded error is returned on timeout.
//
// We watch the parent directory rather than the file itself, since inotify
// can't watch paths that don't exist yet. The pod agent uses this to wait for
// the Docker socket on machines where the engine starts after us.
func WaitForFileCreation(ctx context.Context, absPath string, timeout time.Duration) error {
	if !filepath.IsAbs(absPath) {
		return MakeError("can't pass non-absolute path %s into WaitForFileCreation", absPath)
	}
	parent := filepath.Dir(absPath)

	if _, err := os.Stat(absPath); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return MakeError("couldn't create new fsnotify.Watcher: %s", err)
	}
	defer watcher.Close()

	if err := watcher.Add(parent); err != nil {
		return MakeError("error adding dir %s to fsnotify.Watcher: %s", parent, err)
	}

	// The file may have shown up between the first stat and the watch.
	if _, err := os.Stat(absPath); err == nil {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer StopAndDrainTimer(timer)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			return context.DeadlineExceeded

		case err, ok := <-watcher.Errors:
			if !ok {
				return MakeError("fsnotify.Watcher error channel closed")
			}
			return MakeError("error watching %s: %w", parent, err)

		case ev, ok := <-watcher.Events:
			if !ok {
				return MakeError("fsnotify.Watcher events channel closed")
			}
			if ev.Op&fsnotify.Create == fsnotify.Create && ev.Name == absPath {
				return nil
			}
		}
	}
}

// StopAndDrainTimer stops and drains a time.Timer object, so that a stopped
// timer never leaves a pending value in its channel.
func StopAndDrainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
