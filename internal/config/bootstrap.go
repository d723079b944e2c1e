package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/storage"
)

// Bootstrap seeds the database from the config file on first run. Existing
// records are left alone so reload and restart are idempotent.
func Bootstrap(ctx context.Context, cfg *Config, cip *Cipher, store storage.Store) error {
	// Tenant keys: plaintext from the file is hashed, never persisted.
	for _, t := range cfg.Tenants {
		if t.Key == "" {
			continue
		}
		hash := gateway.HashKey(t.Key.Reveal())
		if existing, _ := store.GetTenantKeyByHash(ctx, hash); existing != nil {
			continue
		}

		prefix := t.Key.Reveal()
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}
		tk := &gateway.TenantKey{
			ID:               uuid.Must(uuid.NewV7()).String(),
			KeyHash:          hash,
			KeyPrefix:        prefix,
			Tenant:           t.Tenant,
			Name:             t.Name,
			AllowedProviders: t.AllowedProviders,
			AllowedModels:    t.AllowedModels,
			Quota:            t.Quota,
			Prefs:            t.Prefs,
			CreatedAt:        time.Now().UTC(),
		}
		if err := store.CreateTenantKey(ctx, tk); err != nil {
			return err
		}
		slog.Info("bootstrapped tenant key", "name", t.Name, "tenant", t.Tenant, "prefix", prefix)
	}

	// Upstream keys: encrypted at rest under SECRETS_KEY.
	existing, err := store.ListUpstreamKeys(ctx, "")
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, k := range existing {
		have[k.Provider+"/"+k.Name] = true
	}
	for _, k := range cfg.Keys {
		if k.Key == "" || have[k.Provider+"/"+k.Name] {
			continue
		}
		enc, err := cip.Encrypt(k.Key.Reveal())
		if err != nil {
			return err
		}
		uk := &gateway.UpstreamKey{
			ID:              uuid.Must(uuid.NewV7()).String(),
			Provider:        k.Provider,
			Name:            k.Name,
			EncryptedSecret: enc,
			Status:          gateway.UpstreamActive,
			Quota:           k.Quota,
			CreatedAt:       time.Now().UTC(),
		}
		if err := store.CreateUpstreamKey(ctx, uk); err != nil {
			return err
		}
		slog.Info("bootstrapped upstream key", "provider", k.Provider, "name", k.Name)
	}

	return nil
}

// GenerateTenantKey creates a random tenant key and returns the plaintext.
// The caller shows it once; only the hash is stored.
func GenerateTenantKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return gateway.TenantKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
