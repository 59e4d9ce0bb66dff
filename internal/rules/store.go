package rules

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Store holds the active rules and swaps them when the backing file changes.
type Store struct {
	path    string
	current atomic.Pointer[Set]
	logger  *slog.Logger
}

// NewStore loads the rules at path (embedded defaults when empty).
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	set, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, logger: logger}
	s.current.Store(set)
	return s, nil
}

// NewStaticStore wraps a fixed set. Watch is a no-op on it.
func NewStaticStore(set *Set) *Store {
	s := &Store{logger: slog.Default()}
	s.current.Store(set)
	return s
}

// Current returns the active rules. Callers must treat it as read-only.
func (s *Store) Current() *Set {
	return s.current.Load()
}

// Reload re-reads the file. On error the previous rules stay active.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	set, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(set)
	s.logger.Info("rules reloaded",
		"path", s.path,
		"emergency", len(set.Emergency),
		"crisis", len(set.Crisis),
		"system_groups", len(set.SystemGroups),
	)
	return nil
}

// Watch reloads the rules whenever the file is written or replaced, until ctx
// is cancelled. The parent directory is watched so editors that save through
// a rename are picked up too.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating rules watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", s.path, err)
	}

	target := filepath.Clean(s.path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Error("rules reload failed, keeping previous rules", "path", s.path, "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("rules watcher error", "error", err)
			}
		}
	}()
	return nil
}
