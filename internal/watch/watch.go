// Package watch reloads the credentials document when it changes on disk.
package watch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/accounts"
)

// Config configures the credentials watcher.
type Config struct {
	// Path is the credentials document to watch.
	Path string

	// Debounce is how long to wait after the last change before reloading.
	// Editors and atomic renames produce bursts of events; the burst is
	// coalesced into one reload. Default: 250ms.
	Debounce time.Duration

	// MarkerTTL bounds how long a self-write marker can suppress events.
	// After the TTL any change is treated as a foreign edit. Default: 5s.
	MarkerTTL time.Duration

	// OnReload receives each successfully parsed document along with its
	// content hash.
	OnReload func(doc *accounts.Document, hash string)

	// OnError is called when a reload attempt fails. The current pool is
	// left untouched in that case.
	OnError func(err error)

	// Logger for structured logging.
	Logger *slog.Logger
}

// Watcher monitors one credentials document.
//
// The parent directory is watched rather than the file itself so that
// atomic replace (write temp, rename over) and recreate after delete are
// both observed.
type Watcher struct {
	config  Config
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu       sync.Mutex
	pending  time.Time
	marker   string
	markerAt time.Time
	watching bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a watcher for the credentials document at config.Path.
func New(config Config) (*Watcher, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("watch path is required")
	}
	if config.Debounce <= 0 {
		config.Debounce = 250 * time.Millisecond
	}
	if config.MarkerTTL <= 0 {
		config.MarkerTTL = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		config:  config,
		watcher: fsWatcher,
		logger:  config.Logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. Call Stop to halt.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.watching = true
	w.mu.Unlock()

	dir := filepath.Dir(w.config.Path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create watch dir: %w", err)
		}
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("add watch on %s: %w", dir, err)
	}
	w.logger.Debug("watching credentials", "path", w.config.Path)

	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop halts the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

// Path returns the watched file path.
func (w *Watcher) Path() string {
	return w.config.Path
}

// MarkSelfWrite registers the content hash of a write this process just
// performed. The next change event whose content matches the hash is
// dropped instead of triggering a reload. The marker is single-shot: any
// processed event consumes it, so a foreign edit right after a self-write
// still reloads.
func (w *Watcher) MarkSelfWrite(hash string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.marker = hash
	w.markerAt = time.Now()
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.stopCh:
			close(w.doneCh)
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.config.Path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()
			w.logger.Debug("credentials changed", "op", event.Op.String())
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", "error", err)
			if w.config.OnError != nil {
				w.config.OnError(err)
			}
		}
	}
}

func (w *Watcher) debounceLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			due := !w.pending.IsZero() && time.Since(w.pending) >= w.config.Debounce
			if due {
				w.pending = time.Time{}
			}
			w.mu.Unlock()
			if due {
				w.processChange()
			}
		}
	}
}

func (w *Watcher) processChange() {
	data, err := os.ReadFile(w.config.Path)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleting the file does not empty the pool; a later create
			// will reload.
			w.logger.Warn("credentials file removed, keeping current accounts", "path", w.config.Path)
			return
		}
		w.reloadFailed(fmt.Errorf("read credentials: %w", err))
		return
	}

	hash := accounts.HashBytes(data)
	if w.consumeMarker(hash) {
		w.logger.Debug("ignoring self-write", "path", w.config.Path)
		return
	}

	doc, err := accounts.Parse(data)
	if err != nil {
		w.reloadFailed(err)
		return
	}

	w.logger.Info("credentials changed on disk", "accounts", len(doc.Accounts))
	if w.config.OnReload != nil {
		w.config.OnReload(doc, hash)
	}
}

// consumeMarker reports whether hash matches an unexpired self-write
// marker, clearing the marker either way.
func (w *Watcher) consumeMarker(hash string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	marker, markerAt := w.marker, w.markerAt
	w.marker = ""
	w.markerAt = time.Time{}

	if marker == "" {
		return false
	}
	if time.Since(markerAt) > w.config.MarkerTTL {
		return false
	}
	return marker == hash
}

func (w *Watcher) reloadFailed(err error) {
	w.logger.Warn("credentials reload failed, keeping current accounts", "error", err)
	if w.config.OnError != nil {
		w.config.OnError(err)
	}
}
