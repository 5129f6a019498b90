package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store holds the manifest currently in effect behind an atomically
// published pointer, so readers never observe a partially-loaded
// manifest (spec.md §5: "policy manifest: loaded once; hot-reload, if
// supported, swaps an atomically-published immutable snapshot").
type Store struct {
	path string
	v    atomic.Pointer[Manifest]
	hash atomic.Pointer[string]
}

// NewStore loads path once and returns a Store wrapping the result.
func NewStore(path string) (*Store, error) {
	m, hash, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.v.Store(m)
	s.hash.Store(&hash)
	return s, nil
}

// NewStoreWithManifest wraps an already-built manifest in a Store with
// no backing file, for programmatic bring-up (tests, scenario harnesses,
// or a process that builds its manifest purely from flags). Reload and
// NewReloader are no-ops against such a Store since there is no path to
// re-read.
func NewStoreWithManifest(m *Manifest) *Store {
	s := &Store{}
	s.v.Store(m)
	empty := ""
	s.hash.Store(&empty)
	return s
}

// Set atomically swaps in a new manifest snapshot, bypassing the file
// loader. Intended for tests and for the default-manifest fallback path.
func (s *Store) Set(m *Manifest) {
	s.v.Store(m)
}

// Manifest returns the currently active manifest snapshot.
func (s *Store) Manifest() *Manifest {
	return s.v.Load()
}

// Hash returns the SHA-256 of the manifest file currently loaded
// (empty when no file backs the Store).
func (s *Store) Hash() string {
	if h := s.hash.Load(); h != nil {
		return *h
	}
	return ""
}

// Reload re-reads the manifest file and swaps it in atomically. A
// malformed manifest is rejected and the previous snapshot stays active.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	m, hash, err := LoadManifest(s.path)
	if err != nil {
		return err
	}
	s.v.Store(m)
	s.hash.Store(&hash)
	return nil
}

// Reloader watches the manifest file for changes and hot-reloads the
// Store, debouncing bursts of writes from editors/deploy tooling.
type Reloader struct {
	watcher *fsnotify.Watcher
	store   *Store
	logger  *slog.Logger
}

// NewReloader creates a file watcher for the Store's manifest path. If
// the file does not yet exist, the reloader is still created (watching
// nothing) so callers don't have to special-case a missing manifest.
func NewReloader(store *Store, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy: create file watcher: %w", err)
	}
	if _, err := os.Stat(store.path); err == nil {
		if err := watcher.Add(store.path); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("policy: watch %q: %w", store.path, err)
		}
	}
	return &Reloader{watcher: watcher, store: store, logger: logger}, nil
}

// Run watches for file changes and reloads the manifest. Blocks until
// ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					if err := r.store.Reload(); err != nil {
						r.logger.Error("policy hot-reload failed", "error", err)
						return
					}
					r.logger.Info("policy manifest reloaded", "path", r.store.path, "hash", r.store.Hash())
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("policy file watcher error", "error", err)
		}
	}
}
