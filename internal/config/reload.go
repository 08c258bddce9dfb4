package config

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"texbot/internal/infra/logging"
)

// Watcher keeps the current plugin settings and swaps them when the config
// file changes. Readers never block; an invalid file leaves the previous
// settings in place.
type Watcher struct {
	path     string
	interval time.Duration

	current atomic.Pointer[PluginConfig]

	mu      sync.Mutex
	modTime time.Time
}

// NewWatcher starts from the already validated initial settings.
func NewWatcher(path string, initial PluginConfig, interval time.Duration) *Watcher {
	w := &Watcher{path: path, interval: interval}
	w.current.Store(&initial)
	if info, err := os.Stat(path); err == nil {
		w.modTime = info.ModTime()
	}
	return w
}

// Plugin returns the current snapshot.
func (w *Watcher) Plugin() PluginConfig {
	return *w.current.Load()
}

// Reload re-reads the file unconditionally.
func (w *Watcher) Reload() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloadLocked()
}

func (w *Watcher) reloadLocked() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	cfg, err := Read(w.path)
	w.modTime = info.ModTime()
	if err != nil {
		return err
	}
	prev := w.current.Swap(&cfg.Plugin)
	if *prev != cfg.Plugin {
		logging.Info("Plugin config reloaded",
			"mode", cfg.Plugin.Mode,
			"command", cfg.Plugin.Command,
			"use_tex", cfg.Plugin.UseTex,
			"font_size", cfg.Plugin.FontSize,
			"thumbnail_dpi", cfg.Plugin.ThumbnailDPI,
		)
	}
	return nil
}

// reloadIfChanged reloads only when the file's modification time moved.
func (w *Watcher) reloadIfChanged() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	if info.ModTime().Equal(w.modTime) {
		return nil
	}
	return w.reloadLocked()
}

// Run polls the file every interval and reloads on each value received from
// force (typically SIGHUP). It returns when ctx is done.
func (w *Watcher) Run(ctx context.Context, force <-chan os.Signal) {
	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-tick:
			if err := w.reloadIfChanged(); err != nil {
				logging.Error("Failed to reload config", "path", w.path, "error", err)
			}
		case <-force:
			if err := w.Reload(); err != nil {
				logging.Error("Failed to reload config", "path", w.path, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
