// Package watcher registers files as they appear under a set of roots.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sameehj/nova/pkg/scan"
)

// State is the watcher lifecycle: idle, then watching once every root is
// subscribed, then stopped.
type State string

const (
	StateIdle     State = "idle"
	StateWatching State = "watching"
	StateStopped  State = "stopped"
)

var ErrAlreadyStarted = errors.New("watcher already started")

// Watcher feeds file and directory creation events to a Scanner. Events are
// handled one at a time on the goroutine that called Start.
type Watcher struct {
	scanner *scan.Scanner
	roots   []string
	settle  time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	ready   chan struct{}
	watcher *fsnotify.Watcher
	pending map[string]time.Time
}

func New(scanner *scan.Scanner, roots ...string) *Watcher {
	clean := make([]string, 0, len(roots))
	for _, root := range roots {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		clean = append(clean, filepath.Clean(root))
	}
	return &Watcher{
		scanner: scanner,
		roots:   clean,
		state:   StateIdle,
		ready:   make(chan struct{}),
		pending: make(map[string]time.Time),
	}
}

func (w *Watcher) SetLogger(logger *slog.Logger) {
	w.logger = logger
}

// SetSettle sets how long a new file must go without writes before it is
// registered. Zero registers on the creation event itself.
func (w *Watcher) SetSettle(d time.Duration) {
	w.settle = d
}

func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Ready is closed once every root is subscribed.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Start subscribes to every root and processes events until ctx is done.
// The subscription is closed before Start returns.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateIdle {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.state = StateStopped
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.mu.Unlock()

	for _, root := range w.roots {
		if err := w.addRecursive(root); err != nil {
			w.stop()
			return err
		}
	}

	w.setState(StateWatching)
	close(w.ready)
	w.logInfo("watcher_started", "roots", strings.Join(w.roots, ","))

	var tick <-chan time.Time
	if w.settle > 0 {
		interval := w.settle / 2
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			w.stop()
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.stop()
				return nil
			}
			if ctx.Err() != nil {
				continue
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.stop()
				return nil
			}
			w.logError("watcher_error", "error", err)
		case now := <-tick:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	path := event.Name
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			w.logDebug("watch_entry_vanished", "path", path)
			return
		}
		if info.IsDir() && filepath.Base(path) == scan.MarkerDir {
			w.handleMarker(ctx, path)
			return
		}
		if w.skip(path, info.IsDir()) {
			return
		}
		if info.IsDir() {
			w.handleDir(ctx, path)
			return
		}
		if !info.Mode().IsRegular() {
			return
		}
		w.queue(ctx, path)
	case event.Has(fsnotify.Write):
		if _, ok := w.pending[path]; ok {
			w.pending[path] = time.Now().Add(w.settle)
		}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		delete(w.pending, path)
	}
}

func (w *Watcher) handleDir(ctx context.Context, dir string) {
	if err := w.addRecursive(dir); err != nil {
		w.logError("watch_add_failed", "path", dir, "error", err)
	}
	if scan.IsRepository(dir) {
		w.scanRepository(ctx, dir)
		return
	}
	w.queueContents(ctx, dir)
}

// handleMarker handles a .git directory appearing inside an existing
// directory, which is the order git clone creates them in.
func (w *Watcher) handleMarker(ctx context.Context, marker string) {
	repo := filepath.Dir(marker)
	if w.skip(repo, true) {
		return
	}
	if !w.skip(marker, true) {
		if err := w.addRecursive(marker); err != nil {
			w.logError("watch_add_failed", "path", marker, "error", err)
		}
	}
	w.scanRepository(ctx, repo)
}

func (w *Watcher) scanRepository(ctx context.Context, dir string) {
	w.logInfo("repository_detected", "path", dir)
	if _, err := w.scanner.ScanRepository(ctx, dir); err != nil {
		w.logError("repository_scan_failed", "path", dir, "error", err)
	}
}

// queueContents registers files that were already inside dir when its
// creation event arrived: a directory moved in, or written to before its
// watch was added.
func (w *Watcher) queueContents(ctx context.Context, dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return filepath.SkipDir
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path == dir {
				return nil
			}
			if w.skip(path, true) {
				return filepath.SkipDir
			}
			if scan.IsRepository(path) {
				w.scanRepository(ctx, path)
				return filepath.SkipDir
			}
			return nil
		}
		if w.skip(path, false) {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		w.queue(ctx, path)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		w.logWarn("watch_dir_unreadable", "path", dir, "error", err)
	}
}

// queue registers path now, or once it has been quiet for the settle window.
func (w *Watcher) queue(ctx context.Context, path string) {
	if w.settle <= 0 {
		w.register(ctx, path)
		return
	}
	w.pending[path] = time.Now().Add(w.settle)
}

func (w *Watcher) register(ctx context.Context, path string) {
	if _, err := w.scanner.Registrar().Register(ctx, path, w.repoURLFor(path)); err != nil {
		w.logError("watch_register_failed", "path", path, "error", err)
	}
}

// flush registers pending files whose settle window has passed.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	var due []string
	for path, deadline := range w.pending {
		if !now.Before(deadline) {
			due = append(due, path)
		}
	}
	sort.Strings(due)
	for _, path := range due {
		if ctx.Err() != nil {
			return
		}
		delete(w.pending, path)
		w.register(ctx, path)
	}
}

// repoURLFor returns the remote URL of the nearest repository enclosing path
// within its watch root, or "".
func (w *Watcher) repoURLFor(path string) string {
	root := w.rootFor(path)
	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if scan.IsRepository(dir) {
			return scan.InspectRepository(dir).RemoteURL
		}
		if dir == root || dir == filepath.Dir(dir) {
			return ""
		}
	}
}

func (w *Watcher) addRecursive(root string) error {
	if _, err := os.Stat(root); err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			w.logWarn("watch_dir_unreadable", "path", path, "error", err)
			return filepath.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.skip(path, true) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			if path == root {
				return err
			}
			w.logWarn("watch_add_failed", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) skip(path string, isDir bool) bool {
	return w.scanner.Skip(w.rootFor(path), path, isDir)
}

func (w *Watcher) rootFor(path string) string {
	best := ""
	for _, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			if len(root) > len(best) {
				best = root
			}
		}
	}
	if best == "" {
		return filepath.Dir(path)
	}
	return best
}

func (w *Watcher) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		_ = w.watcher.Close()
		w.watcher = nil
	}
	if w.state != StateStopped {
		dropped := len(w.pending)
		w.pending = make(map[string]time.Time)
		w.state = StateStopped
		w.logInfo("watcher_stopped", "dropped", dropped)
	}
}

func (w *Watcher) logDebug(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Debug(msg, args...)
	}
}

func (w *Watcher) logInfo(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Info(msg, args...)
	}
}

func (w *Watcher) logWarn(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Warn(msg, args...)
	}
}

func (w *Watcher) logError(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Error(msg, args...)
	}
}
