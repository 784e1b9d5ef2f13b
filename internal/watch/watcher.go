// Package watch re-triggers work when protocol sources in a directory change.
package watch

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"rtpfuzz/internal/extract"
	"rtpfuzz/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a path must stay quiet before it is reported.
const DefaultDebounce = 500 * time.Millisecond

// ChangeFunc receives the settled paths of one batch, sorted.
type ChangeFunc func(ctx context.Context, paths []string)

// Stats counts watcher activity.
type Stats struct {
	Created  int
	Modified int
	Removed  int
	Batches  int
	Errors   int
}

// Watcher debounces protocol file events in one directory.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	dir      string
	onChange ChangeFunc
	debounce time.Duration
	tick     time.Duration
	pending  map[string]time.Time
	stats    Stats
}

// New creates a Watcher for dir. A debounce of zero uses DefaultDebounce.
func New(dir string, debounce time.Duration, onChange ChangeFunc) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("watch: nil change callback")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		dir:      dir,
		onChange: onChange,
		debounce: debounce,
		tick:     min(100*time.Millisecond, debounce/2),
		pending:  make(map[string]time.Time),
	}, nil
}

// Run delivers batches until ctx is cancelled, then closes the watcher.
// The callback runs on the Run goroutine, so batches never overlap.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	logging.Watch("watching %s", w.dir)

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.WatchDebug("stopped watching %s", w.dir)
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logging.WatchError("watch error on %s: %v", w.dir, err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			if paths := w.settled(time.Now()); len(paths) > 0 {
				w.mu.Lock()
				w.stats.Batches++
				w.mu.Unlock()
				logging.Watch("%d protocol(s) changed", len(paths))
				w.onChange(ctx, paths)
			}
		}
	}
}

// Stats returns a snapshot of the counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !extract.IsProtocolFile(filepath.Base(event.Name)) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case event.Has(fsnotify.Create):
		w.stats.Created++
	case event.Has(fsnotify.Write):
		w.stats.Modified++
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.stats.Removed++
	default:
		return // chmod
	}
	logging.WatchDebug("%s: %s", event.Op, event.Name)
	w.pending[event.Name] = time.Now()
}

// settled removes and returns the paths quiet for at least the debounce window.
func (w *Watcher) settled(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			out = append(out, path)
			delete(w.pending, path)
		}
	}
	sort.Strings(out)
	return out
}
