// Package cache provides fingerprint-keyed response caching with stampede
// protection for the gateway data path.
package cache

import (
	"context"
	"time"
)

// Entry is a stored response plus the provenance analytics needs to account
// a cache hit as a saving.
type Entry struct {
	Data     []byte
	Provider string
	Model    string
	Cost     float64 // upstream cost of the original computation, USD
	StoredAt time.Time
}

// Cache is the interface for response caching.
type Cache interface {
	// Get retrieves a cached entry by fingerprint.
	Get(ctx context.Context, key string) (Entry, bool)
	// Set stores an entry with the given TTL.
	Set(ctx context.Context, key string, e Entry, ttl time.Duration)
	// Delete removes a cached entry.
	Delete(ctx context.Context, key string)
	// Purge removes all cached entries.
	Purge(ctx context.Context)
}
