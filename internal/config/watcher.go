package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config when the file changes on disk. Reloads swap the
// data fields in place so long-lived holders of *Config see the new values.
type Watcher struct {
	path     string
	cfg      *Config
	onReload []func(*Config)
}

// NewWatcher creates a watcher for path that updates cfg in place.
func NewWatcher(path string, cfg *Config) *Watcher {
	return &Watcher{path: path, cfg: cfg}
}

// OnReload registers a callback invoked after each successful reload.
// Must be called before Run.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.onReload = append(w.onReload, fn)
}

// Run watches until ctx is done. Editors replace files rather than write them
// in place, so the parent directory is watched and events are debounced.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}

	var debounce *time.Timer
	reload := func() {
		fresh, err := Load(w.path)
		if err != nil {
			slog.Error("config reload failed, keeping previous", "path", w.path, "error", err)
			return
		}
		w.cfg.ReplaceFrom(fresh)
		slog.Info("config reloaded", "path", w.path, "agents", len(fresh.Agents))
		for _, fn := range w.onReload {
			fn(w.cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
