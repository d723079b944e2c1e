package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Snapshot is an immutable published configuration. Readers hold one
// pointer for the whole request so a mid-flight swap never mixes versions.
type Snapshot struct {
	Config     *Config
	Generation uint64
	LoadedAt   time.Time
}

// Store publishes config snapshots. Reads are lock-free; writers serialize
// on a mutex, mutate a deep copy, validate, and atomically swap.
type Store struct {
	cur  atomic.Pointer[Snapshot]
	path string // source file for Reload; empty disables file reload

	mu sync.Mutex // serializes Update and Reload
}

// NewStore publishes cfg as generation 1.
func NewStore(cfg *Config, path string) *Store {
	s := &Store{path: path}
	s.cur.Store(&Snapshot{Config: cfg, Generation: 1, LoadedAt: time.Now().UTC()})
	return s
}

// Current returns the live snapshot. The returned value must be treated as
// read-only.
func (s *Store) Current() *Snapshot {
	return s.cur.Load()
}

// Generation returns the live snapshot's generation number.
func (s *Store) Generation() uint64 {
	return s.cur.Load().Generation
}

// Update applies mutate to a deep copy of the live config, validates it,
// and publishes the result as a new generation. The live snapshot is
// untouched if mutate or validation fails.
func (s *Store) Update(mutate func(*Config) error) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cur.Load()
	next := old.Config.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("config update rejected: %w", err)
	}

	snap := &Snapshot{
		Config:     next,
		Generation: old.Generation + 1,
		LoadedAt:   time.Now().UTC(),
	}
	s.cur.Store(snap)
	return snap, nil
}

// Reload re-reads the source file and publishes it as a new generation.
// A file that fails to parse or validate leaves the live snapshot in place.
func (s *Store) Reload() (*Snapshot, error) {
	if s.path == "" {
		return nil, fmt.Errorf("no config file to reload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := Load(s.path)
	if err != nil {
		return nil, fmt.Errorf("reload rejected: %w", err)
	}

	old := s.cur.Load()
	snap := &Snapshot{
		Config:     cfg,
		Generation: old.Generation + 1,
		LoadedAt:   time.Now().UTC(),
	}
	s.cur.Store(snap)
	return snap, nil
}

// WatchSignals reloads on SIGHUP until ctx is cancelled. Reload failures
// are logged and the previous snapshot stays live.
func (s *Store) WatchSignals(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			snap, err := s.Reload()
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			slog.Info("config reloaded", "generation", snap.Generation)
		}
	}
}
