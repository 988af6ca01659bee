package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay is how long the watcher waits for writes to settle.
const DefaultReloadDelay = 500 * time.Millisecond

// ReloadFunc receives every descriptor that loads and validates after a
// change. Descriptors that fail validation are logged and skipped.
type ReloadFunc func(ctx context.Context, desc *ParsedDescriptor) error

// Watcher reloads a descriptor when its source files change.
type Watcher struct {
	loader *Loader
	path   string
	delay  time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
}

// NewWatcher creates a watcher for the descriptor at path, which may be a
// file or a CUE package directory.
func NewWatcher(loader *Loader, path string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader: loader,
		path:   path,
		delay:  DefaultReloadDelay,
		logger: logger.With().Str("component", "descriptor_watcher").Str("path", path).Logger(),
	}
}

// SetDelay overrides the debounce delay.
func (w *Watcher) SetDelay(d time.Duration) {
	w.delay = d
}

// Start begins watching. Events are processed until ctx is cancelled or Stop
// is called.
func (w *Watcher) Start(ctx context.Context, reload ReloadFunc) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	info, err := os.Stat(w.path)
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to stat descriptor: %w", err)
	}

	// Editors replace files on save, so watch the parent directory of a file.
	dir := w.path
	if !info.IsDir() {
		dir = filepath.Dir(w.path)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	go w.processEvents(ctx, fw, info.IsDir(), reload)

	w.logger.Info().Msg("Started watching descriptor")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, fw *fsnotify.Watcher, isDir bool, reload ReloadFunc) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !w.relevant(event.Name, isDir) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Descriptor file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.delay, func() {
				w.triggerReload(ctx, reload)
			})
			w.mu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) relevant(name string, isDir bool) bool {
	if !isDir {
		return filepath.Clean(name) == filepath.Clean(w.path)
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cue", ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func (w *Watcher) triggerReload(ctx context.Context, reload ReloadFunc) {
	if ctx.Err() != nil {
		return
	}

	desc, err := w.loader.Load(ctx, w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Descriptor reload failed")
		return
	}
	if err := reload(ctx, desc); err != nil {
		w.logger.Error().Err(err).Msg("Failed to apply reloaded descriptor")
		return
	}

	w.logger.Info().
		Str("cluster_id", desc.Descriptor.Cluster.ID).
		Msg("Descriptor reloaded")
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
