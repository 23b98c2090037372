package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 250 * time.Millisecond

// Update is one reload attempt. Exactly one of Manifest and Err is set.
type Update struct {
	Manifest *Manifest
	Err      error
}

// Watcher reloads a manifest when it, or a script it references, changes.
type Watcher struct {
	path     string
	loader   *Loader
	debounce time.Duration
	logger   zerolog.Logger

	watcher *fsnotify.Watcher
	updates chan Update

	mu      sync.Mutex
	tracked map[string]bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the debounce interval.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(logger zerolog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// WithLoader sets the loader used for reloads.
func WithLoader(l *Loader) WatcherOption {
	return func(w *Watcher) { w.loader = l }
}

// NewWatcher watches the manifest at path. current is the manifest already
// loaded from path and is used to discover referenced script files.
func NewWatcher(path string, current *Manifest, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		logger:   zerolog.Nop(),
		watcher:  fw,
		updates:  make(chan Update, 1),
		tracked:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.loader == nil {
		w.loader = defaultLoader()
	}
	w.logger = w.logger.With().Str("component", "manifest-watcher").Logger()

	// Editors often replace files by rename, so directories are watched
	// rather than the files themselves.
	if err := w.track(current); err != nil {
		_ = fw.Close()
		return nil, err
	}

	return w, nil
}

// Updates delivers reload results. Only the latest undelivered update is kept.
func (w *Watcher) Updates() <-chan Update {
	return w.updates
}

// Run processes file events until ctx is done. It closes Updates on return.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.updates)
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !w.isTracked(event.Name) {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Manifest input changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload() {
	m, err := w.loader.Load(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Manifest reload failed")
		w.publish(Update{Err: err})
		return
	}

	if err := w.track(m); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to watch manifest sources")
	}

	w.logger.Info().
		Str("manifest", m.Name).
		Int("systems", m.SystemCount()).
		Msg("Manifest reloaded")
	w.publish(Update{Manifest: m})
}

// publish replaces any undelivered update with u.
func (w *Watcher) publish(u Update) {
	for {
		select {
		case w.updates <- u:
			return
		default:
		}
		select {
		case <-w.updates:
		default:
		}
	}
}

// track records the manifest and its script sources and watches their directories.
func (w *Watcher) track(m *Manifest) error {
	files := []string{w.path}
	if m != nil {
		files = append(files, SourceFiles(m)...)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	dirs := make(map[string]bool)
	for _, f := range files {
		w.tracked[filepath.Clean(f)] = true
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	return nil
}

func (w *Watcher) isTracked(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tracked[abs]
}

// SourceFiles returns the absolute paths of every script or module the
// manifest references.
func SourceFiles(m *Manifest) []string {
	var files []string
	for _, st := range m.Stages {
		for _, sys := range st.Systems {
			if sys.Source != "" {
				files = append(files, ResolveSource(m, sys.Source))
			}
		}
	}
	return files
}

// ResolveSource resolves a system source path relative to the manifest's directory.
func ResolveSource(m *Manifest, source string) string {
	if filepath.IsAbs(source) {
		return source
	}
	base := "."
	if m.Path != "" {
		base = filepath.Dir(m.Path)
	}
	abs, err := filepath.Abs(filepath.Join(base, source))
	if err != nil {
		return filepath.Join(base, source)
	}
	return abs
}
