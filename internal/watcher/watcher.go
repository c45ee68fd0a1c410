// Package watcher reloads the watchdog configuration when its file changes.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadHandler applies a changed configuration file
type ReloadHandler func() error

// Watcher watches the directory of a configuration file so that editors
// replacing the file by rename are noticed, and calls the handler once a
// burst of changes has settled.
type Watcher struct {
	configPath string
	handler    ReloadHandler
	logger     *slog.Logger
	debounce   time.Duration
	fsw        *fsnotify.Watcher

	mu       sync.Mutex
	timer    *time.Timer
	reloads  int
	failures int
	done     chan struct{}
}

// Config holds watcher settings
type Config struct {
	ConfigPath string
	Handler    ReloadHandler
	Logger     *slog.Logger
	Debounce   time.Duration // quiet period before a reload fires
}

// New creates a watcher for cfg.ConfigPath
func New(cfg Config) (*Watcher, error) {
	if cfg.ConfigPath == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("reload handler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Second
	}

	absPath, err := filepath.Abs(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		configPath: filepath.Clean(absPath),
		handler:    cfg.Handler,
		logger:     cfg.Logger.With("component", "watcher"),
		debounce:   cfg.Debounce,
		fsw:        fsw,
		done:       make(chan struct{}),
	}, nil
}

// Start begins watching until ctx is done or Stop is called
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.configPath)
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}
	w.logger.Info("Config watcher started", "path", w.configPath, "debounce", w.debounce)

	go w.watchLoop(ctx)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				w.cancelPending()
				return
			}
			if w.relevant(event) {
				w.schedule(event)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

// relevant reports whether event may have changed the content of the config file
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.configPath {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

// schedule (re)arms the debounce timer
func (w *Watcher) schedule(event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.logger.Debug("Config file changed", "event", event.Op.String())
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.logger.Info("Reloading configuration", "path", w.configPath)
	err := w.handler()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.failures++
		w.logger.Error("Config reload failed", "error", err)
		return
	}
	w.reloads++
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Stats returns how many reloads succeeded and failed
func (w *Watcher) Stats() (reloads, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.failures
}

// Stop closes the watcher and waits for the event loop to exit
func (w *Watcher) Stop() error {
	err := w.fsw.Close()
	select {
	case <-w.done:
	case <-time.After(time.Second):
	}
	return err
}
