package vault

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow batches rapid-fire filesystem events (editors write
// files in several steps) into a single change notification.
const debounceWindow = 500 * time.Millisecond

// Watch monitors the content root for markdown changes and invokes
// onChange after each debounced burst of events. It blocks until the
// context is cancelled.
func (l *FSLoader) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := l.addRecursive(watcher); err != nil {
		return fmt.Errorf("adding content root to watcher: %w", err)
	}

	var timer *time.Timer

	pending := make(chan struct{}, 1)

	fire := func() {
		select {
		case pending <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-pending:
			onChange()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if !l.relevantEvent(watcher, event) {
				continue
			}

			if timer != nil {
				timer.Stop()
			}

			timer = time.AfterFunc(debounceWindow, fire)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			if l.logger != nil {
				l.logger.Warn("watcher error", slog.String("error", err.Error()))
			}
		}
	}
}

// relevantEvent filters events down to markdown changes, and registers
// newly created directories with the watcher.
func (l *FSLoader) relevantEvent(watcher *fsnotify.Watcher, event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if shouldSkipDir(name) {
		return false
	}

	if event.Has(fsnotify.Create) {
		// Use Lstat so symlinks to directories outside the root are not
		// followed.
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			_ = watcher.Add(event.Name)
			return false
		}
	}

	if !strings.HasSuffix(event.Name, ".md") {
		return false
	}

	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

// addRecursive registers the root and every subdirectory.
func (l *FSLoader) addRecursive(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != l.root && shouldSkipDir(d.Name()) {
			return filepath.SkipDir
		}

		return watcher.Add(path)
	})
}
