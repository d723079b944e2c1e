// Package auth implements tenant key authentication for the Palisade
// gateway. Keys are validated against the store and cached in a W-TinyLFU
// cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// HeaderName is the data-plane credential header.
const HeaderName = "x-api-key"

// TenantKeyAuth authenticates requests using tenant keys with the "pal_"
// prefix. Resolved keys are cached in an otter W-TinyLFU cache for fast
// lookups.
type TenantKeyAuth struct {
	store       storage.TenantKeyStore
	cache       *otter.Cache[string, *gateway.TenantKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// NewTenantKeyAuth returns a new TenantKeyAuth backed by store.
func NewTenantKeyAuth(store storage.TenantKeyStore) (*TenantKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.TenantKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.TenantKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &TenantKeyAuth{store: store, cache: c}, nil
}

// Authenticate reads the x-api-key header, validates it against the store,
// and returns the caller's Identity. A missing header maps to auth.missing;
// everything else that fails maps to auth.invalid so probing reveals
// nothing about which keys exist.
func (a *TenantKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	raw := r.Header.Get(HeaderName)
	if raw == "" {
		return nil, gateway.E(gateway.CodeAuthMissing, "missing %s header", HeaderName)
	}
	if !strings.HasPrefix(raw, gateway.TenantKeyPrefix) {
		return nil, gateway.E(gateway.CodeAuthInvalid, "invalid api key")
	}

	hash := gateway.HashKey(raw)

	// Check cache first.
	if key, ok := a.cache.GetIfPresent(hash); ok {
		if err := usable(key); err != nil {
			a.cache.Invalidate(hash)
			return nil, err
		}
		return buildIdentity(key), nil
	}

	key, err := a.store.GetTenantKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.E(gateway.CodeAuthInvalid, "invalid api key")
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.E(gateway.CodeAuthInvalid, "invalid api key")
	}

	if err := usable(key); err != nil {
		return nil, err
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchTenantKeyUsed(ctx, key.ID) //nolint:errcheck
	}()

	return buildIdentity(key), nil
}

// InvalidateByKeyID removes a cached tenant key by its key ID.
// Used when control-plane operations (disable, update, delete) modify a key.
func (a *TenantKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// usable rejects disabled and expired keys.
func usable(key *gateway.TenantKey) error {
	if key.Disabled {
		return gateway.E(gateway.CodeAuthInvalid, "api key disabled")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return gateway.E(gateway.CodeAuthInvalid, "api key expired")
	}
	return nil
}

// buildIdentity constructs an Identity from a validated tenant key.
func buildIdentity(key *gateway.TenantKey) *gateway.Identity {
	return &gateway.Identity{
		KeyID:            key.ID,
		Tenant:           key.Tenant,
		AllowedProviders: key.AllowedProviders,
		AllowedModels:    key.AllowedModels,
		Quota:            key.Quota,
		Prefs:            key.Prefs,
	}
}
