package killsignal

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chr1sbest/pipetrack/internal/logger"
)

// Watcher wakes the reconciler as soon as the termination signal file is
// created or rewritten, instead of waiting for the next poll.
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	wake     chan struct{}
	debounce time.Duration
	logger   logger.Logger
}

// NewWatcher creates a watcher for logDir.
func NewWatcher(logDir string, log logger.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		dir:      logDir,
		watcher:  fsWatcher,
		wake:     make(chan struct{}, 1),
		debounce: 100 * time.Millisecond,
		logger:   logger.Component(log, "killsignal"),
	}, nil
}

// Wake delivers at most one pending notification at a time.
func (w *Watcher) Wake() <-chan struct{} {
	return w.wake
}

// Start begins watching. The watcher stops when ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", w.dir, err)
	}
	go w.run(ctx)
	return nil
}

// Close releases the underlying watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	var pending time.Time
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != FileName {
				continue
			}
			// Writers rename a temp file into place, which shows up as Create.
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Termination file watch error", logger.F("error", err))

		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) >= w.debounce {
				pending = time.Time{}
				select {
				case w.wake <- struct{}{}:
				default:
				}
			}
		}
	}
}
