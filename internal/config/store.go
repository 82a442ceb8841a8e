package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrInvalid marks a snapshot that failed validation; the Store keeps
// serving the previous snapshot when this is returned from a reload attempt.
var ErrInvalid = errors.New("CONFIG_INVALID")

// MinReloadInterval is the wall-clock floor between reloads regardless of
// how many fsnotify events arrive in between.
const MinReloadInterval = 30 * time.Second

// Store holds the live configuration snapshot behind an atomic pointer so
// readers never block on the reload goroutine.
type Store struct {
	path   string
	logger *zap.Logger

	current    atomic.Pointer[Snapshot]
	lastReload time.Time
	generation uint64

	subsMu sync.Mutex
	subs   []func(*Snapshot)
}

// Subscribe registers fn to run synchronously every time a new snapshot is
// published by a successful reload. Used by cmd/relay to keep the Endpoint
// Registry's URL table, the Balancer's latency threshold, and the Health
// Monitor's interval/maxBlocksBehind in lockstep with the Store without
// those consumers polling Generation() themselves. fn must not block.
func (s *Store) Subscribe(fn func(*Snapshot)) {
	s.subsMu.Lock()
	s.subs = append(s.subs, fn)
	s.subsMu.Unlock()
}

func (s *Store) notify(snap *Snapshot) {
	s.subsMu.Lock()
	subs := append([]func(*Snapshot){}, s.subs...)
	s.subsMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

// NewStore loads the initial snapshot synchronously; a startup failure here
// is fatal to the process (there is no "previous" snapshot to fall back to).
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	snap, err := Load(path, logger)
	if err != nil {
		return nil, err
	}
	snap.Generation = 1

	s := &Store{path: path, logger: logger, lastReload: time.Now(), generation: 1}
	s.current.Store(snap)
	return s, nil
}

// NewStoreFromSnapshot builds a Store around an already-parsed snapshot,
// with no backing file and no reload loop. Used by other packages' tests
// that need a *Store without touching disk.
func NewStoreFromSnapshot(snap *Snapshot) *Store {
	if snap.Generation == 0 {
		snap.Generation = 1
	}
	s := &Store{logger: zap.NewNop(), lastReload: time.Now(), generation: snap.Generation}
	s.current.Store(snap)
	return s
}

// Current returns the snapshot in effect right now. Safe for concurrent use.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Watch runs the hot-reload loop until ctx is cancelled. It is driven by a
// ticker (the wall-clock floor) and additionally woken early by fsnotify
// write events on the config file's directory — the floor is still enforced
// inside reloadIfDue regardless of which trigger fired, so a storm of writes
// can never cause more than one reload per MinReloadInterval.
func (s *Store) Watch(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("fsnotify unavailable, falling back to ticker-only reload", zap.Error(err))
		watcher = nil
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(s.path)); err != nil {
			s.logger.Warn("fsnotify watch failed", zap.Error(err))
		}
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reloadIfDue(time.Now())
		case ev, ok := <-events:
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 && filepath.Clean(ev.Name) == filepath.Clean(s.path) {
				s.reloadIfDue(time.Now())
			}
		case err, ok := <-errs:
			if !ok {
				continue
			}
			s.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}

// reloadIfDue enforces the MinReloadInterval floor, then parses and
// validates the file; a parse/validation failure logs a warning and leaves
// Current() untouched.
func (s *Store) reloadIfDue(now time.Time) {
	if now.Sub(s.lastReload) < MinReloadInterval {
		return
	}
	s.lastReload = now

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("config reload: read failed, keeping current snapshot", zap.Error(err))
		return
	}

	snap, err := Parse(data)
	if err != nil {
		s.logger.Warn("config reload: invalid snapshot, keeping current snapshot", zap.Error(err))
		return
	}

	s.generation++
	snap.Generation = s.generation
	s.current.Store(snap)
	s.logger.Info("config reloaded", zap.Uint64("generation", snap.Generation), zap.Int("endpoints", len(snap.Endpoints)))
	s.notify(snap)
}
