package model

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce is how long the watcher waits for writes to settle.
const DefaultReloadDebounce = 250 * time.Millisecond

// Watcher reloads a registry from its JSON file whenever the file changes.
// An invalid file is logged and ignored; the registry keeps its last good
// configuration.
type Watcher struct {
	path     string
	registry *Registry
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	pending  bool

	// reloaded receives one value per applied reload; used by tests.
	reloaded chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithDebounce sets how long to wait after the last change before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher that applies changes from path to registry.
func NewWatcher(path string, registry *Registry, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve registry path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	w := &Watcher{
		path:     abs,
		registry: registry,
		watcher:  fsw,
		logger:   slog.Default(),
		debounce: DefaultReloadDebounce,
		reloaded: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	if data, err := os.ReadFile(abs); err == nil {
		w.lastHash = sha256.Sum256(data)
	}
	return w, nil
}

// Start watches the registry file's directory until ctx is done. Editors
// often replace files rather than write them, so the directory is watched
// and events are filtered by name.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.watcher.Close()
		return fmt.Errorf("watch registry directory: %w", err)
	}

	go w.processEvents(ctx)

	w.logger.Info("Model registry watcher started", "path", w.path)
	return nil
}

// Stop closes the underlying file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.mu.Lock()
				w.pending = true
				w.mu.Unlock()
				ticker.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Registry watcher error", "error", err)

		case <-ticker.C:
			w.mu.Lock()
			pending := w.pending
			w.pending = false
			w.mu.Unlock()
			if pending {
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("Failed to read model registry", "path", w.path, "error", err)
		return
	}

	hash := sha256.Sum256(data)
	w.mu.Lock()
	unchanged := hash == w.lastHash
	w.mu.Unlock()
	if unchanged {
		return
	}

	next, err := LoadFromJSON(data)
	if err != nil {
		w.logger.Warn("Ignoring invalid model registry", "path", w.path, "error", err)
		return
	}

	w.registry.Replace(next)
	w.mu.Lock()
	w.lastHash = hash
	w.mu.Unlock()

	w.logger.Info("Model registry reloaded",
		"path", w.path,
		"capabilities", len(next.ListCapabilities()),
		"endpoints", len(next.ListEndpoints()))

	select {
	case w.reloaded <- struct{}{}:
	default:
	}
}
