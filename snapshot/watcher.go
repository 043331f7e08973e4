// Package snapshot provides an fsnotify-driven directory watcher that
// debounces filesystem events and triggers the next catalog snapshot of
// whichever file settled.
package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"nithronos/backupengine/catalog"
)

// Config holds watcher configuration.
type Config struct {
	RootPath        string
	ExcludePatterns []string
	DebounceTime    time.Duration
	BufferSize      int
}

// DefaultConfig returns a default configuration for watching rootPath.
func DefaultConfig(rootPath string) Config {
	return Config{
		RootPath: rootPath,
		ExcludePatterns: []string{
			"*.tmp",
			"*.temp",
			"~$*",
			".DS_Store",
			"Thumbs.db",
			".git/**",
			".svn/**",
			"node_modules/**",
			"__pycache__/**",
			"*.pyc",
		},
		DebounceTime: 500 * time.Millisecond,
		BufferSize:   1000,
	}
}

// Result is reported for each settled snapshot attempt.
type Result struct {
	Path    string
	Version *catalog.VersionInfo
	Err     error
}

// Watcher watches a directory tree and snapshots files into a Catalog as
// they settle after changing.
type Watcher struct {
	fsw     *fsnotify.Watcher
	cat     *catalog.Catalog
	cfg     Config
	logger  zerolog.Logger
	results chan Result

	pending   map[string]*time.Timer
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watcher over cfg.RootPath that snapshots into cat.
func New(cfg Config, cat *catalog.Catalog, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		fsw:     fsw,
		cat:     cat,
		cfg:     cfg,
		logger:  logger.With().Str("component", "snapshot.Watcher").Logger(),
		results: make(chan Result, cfg.BufferSize),
		pending: make(map[string]*time.Timer),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins watching the root directory and its subdirectories.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.cfg.RootPath); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.processEvents()
	w.logger.Info().Str("path", w.cfg.RootPath).Msg("snapshot watcher started")
	return nil
}

// Stop stops the watcher and waits for in-flight debounce timers to drain.
func (w *Watcher) Stop() error {
	w.cancel()
	w.wg.Wait()
	close(w.results)
	return w.fsw.Close()
}

// Results returns the channel of settled snapshot outcomes.
func (w *Watcher) Results() <-chan Result {
	return w.results
}

func (w *Watcher) addRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				w.logger.Warn().Str("path", walkPath).Msg("permission denied, skipping")
				return nil
			}
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if w.shouldExclude(walkPath) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(walkPath); err != nil {
			w.logger.Warn().Err(err).Str("path", walkPath).Msg("failed to watch directory")
		}
		return nil
	})
}

func (w *Watcher) shouldExclude(path string) bool {
	relPath, err := filepath.Rel(w.cfg.RootPath, path)
	if err != nil {
		return false
	}
	name := filepath.Base(path)
	for _, pattern := range w.cfg.ExcludePatterns {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
		if strings.Contains(pattern, "**") {
			simplePattern := strings.ReplaceAll(pattern, "**", "*")
			if matched, _ := filepath.Match(simplePattern, relPath); matched {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.pendingMu.Lock()
			for _, t := range w.pending {
				t.Stop()
			}
			w.pending = nil
			w.pendingMu.Unlock()
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.shouldExclude(event.Name) {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				w.logger.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
			}
			return
		}
	}
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.fsw.Remove(event.Name)
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if info, err := os.Stat(event.Name); err != nil || info.IsDir() {
		return
	}
	w.debounce(event.Name)
}

// debounce resets the settle timer for path, (re)scheduling a snapshot
// attempt debounceTime after the most recent event.
func (w *Watcher) debounce(path string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	if t, exists := w.pending[path]; exists {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.cfg.DebounceTime, func() {
		w.pendingMu.Lock()
		if w.pending == nil {
			// Stop has already begun; this snapshot is cancelled.
			w.pendingMu.Unlock()
			return
		}
		delete(w.pending, path)
		w.wg.Add(1)
		w.pendingMu.Unlock()
		defer w.wg.Done()
		w.settle(path)
	})
}

func (w *Watcher) settle(path string) {
	lineageID, err := w.cat.LineageForPath(path)
	if err != nil {
		w.emit(Result{Path: path, Err: err})
		return
	}
	version, err := w.cat.Snapshot(lineageID, path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", path).Msg("snapshot failed")
	}
	w.emit(Result{Path: path, Version: version, Err: err})
}

func (w *Watcher) emit(r Result) {
	select {
	case w.results <- r:
	default:
		w.logger.Warn().Str("path", r.Path).Msg("results channel full, dropping result")
	}
}
