// Package trigger turns the appearance of a request file into a solve request.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/w1xm/platesolve/internal/log"
)

// DefaultPath is the file an operator (or another program) touches to ask for
// a solve.
const DefaultPath = "solve.requested"

// Watch calls fire each time path is created, deleting it so the next request
// can be made the same way. A request file already present when Watch starts
// is honoured. Watch returns when ctx is cancelled.
func Watch(ctx context.Context, path string, fire func()) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	log.Debug("watching for solve requests", "path", path)

	consume(path, fire)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				continue
			}
			consume(path, fire)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error(err, "watching for solve requests", "path", path)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consume removes the request file and fires if it was there.
func consume(path string, fire func()) {
	err := os.Remove(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return
	case err != nil:
		log.Error(err, "removing solve request", "path", path)
		return
	}
	log.Info("solve requested", "path", path)
	fire()
}
