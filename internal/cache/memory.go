package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// stored wraps an Entry with its expiration time for per-entry TTL on top
// of otter's write-based expiry.
type stored struct {
	entry     Entry
	expiresAt time.Time
}

// Memory is an in-memory W-TinyLFU cache backed by otter.
type Memory struct {
	cache *otter.Cache[string, stored]
}

// NewMemory creates an in-memory cache with the given max entry count and default TTL.
func NewMemory(maxSize int, defaultTTL time.Duration) (*Memory, error) {
	c, err := otter.New[string, stored](&otter.Options[string, stored]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, stored](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory{cache: c}, nil
}

// Get retrieves an entry from the cache if present and not expired.
func (m *Memory) Get(_ context.Context, key string) (Entry, bool) {
	s, ok := m.cache.GetIfPresent(key)
	if !ok {
		return Entry{}, false
	}
	if time.Now().After(s.expiresAt) {
		m.cache.Invalidate(key)
		return Entry{}, false
	}
	return s.entry, true
}

// Set stores an entry with per-entry TTL.
func (m *Memory) Set(_ context.Context, key string, e Entry, ttl time.Duration) {
	m.cache.Set(key, stored{
		entry:     e,
		expiresAt: time.Now().Add(ttl),
	})
}

// Delete removes an entry from the cache.
func (m *Memory) Delete(_ context.Context, key string) {
	m.cache.Invalidate(key)
}

// Purge removes all entries from the cache.
func (m *Memory) Purge(_ context.Context) {
	m.cache.InvalidateAll()
}
