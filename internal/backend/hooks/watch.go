package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pbs-plus/pbx-backup/internal/syslog"
)

// WatchedCollector caches the directory scan of a Collector and drops the
// cache whenever the hook directory changes. Configured lists are read on
// every call.
type WatchedCollector struct {
	*Collector

	mu       sync.Mutex
	cached   []taggedHook
	valid    bool
	watching bool
}

func NewWatchedCollector(c *Collector) *WatchedCollector {
	return &WatchedCollector{Collector: c}
}

func (w *WatchedCollector) Collect(phase Phase) ([]string, error) {
	tagged, err := w.scan()
	if err != nil {
		return nil, err
	}

	queue := w.envEntries(phase)
	for _, entry := range tagged {
		if entry.phase == phase {
			queue = append(queue, entry.path)
		}
	}
	return queue, nil
}

func (w *WatchedCollector) scan() ([]taggedHook, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watching && w.valid {
		return w.cached, nil
	}

	tagged, err := scanDir(w.Dir)
	if err != nil {
		return nil, err
	}
	w.cached, w.valid = tagged, w.watching
	return tagged, nil
}

func (w *WatchedCollector) setWatching(on bool) {
	w.mu.Lock()
	w.watching, w.valid = on, false
	w.mu.Unlock()
}

func (w *WatchedCollector) Invalidate() {
	w.mu.Lock()
	w.valid = false
	w.mu.Unlock()
}

// Serve watches the hook directory until ctx ends. It satisfies
// suture.Service. The scan is only cached while a watch is active, so a
// missing directory means every Collect scans again.
func (w *WatchedCollector) Serve(ctx context.Context) error {
	if _, err := os.Stat(w.Dir); errors.Is(err, os.ErrNotExist) {
		syslog.L.Warn().
			WithMessage("hook directory does not exist, watching disabled").
			WithField("dir", w.Dir).
			Write()
		<-ctx.Done()
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create hook watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.Dir, err)
	}
	w.setWatching(true)
	defer w.setWatching(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("hook watcher closed")
			}
			syslog.L.Debug().
				WithMessage("hook directory changed").
				WithFields(map[string]interface{}{"path": ev.Name, "op": ev.Op.String()}).
				Write()
			w.Invalidate()
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("hook watcher closed")
			}
			w.Invalidate()
			syslog.L.Error(err).WithMessage("hook watcher error").Write()
		}
	}
}
