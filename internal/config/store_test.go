package config

import (
	"errors"
	"os"
	"testing"
)

func TestStoreUpdateSwapsGeneration(t *testing.T) {
	t.Parallel()
	store := NewStore(Default(), "")

	if store.Generation() != 1 {
		t.Fatalf("initial generation = %d, want 1", store.Generation())
	}

	before := store.Current()
	snap, err := store.Update(func(c *Config) error {
		c.Routing.DefaultStrategy = "cost_first"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if snap.Generation != 2 {
		t.Errorf("generation = %d, want 2", snap.Generation)
	}
	if store.Current().Config.Routing.DefaultStrategy != "cost_first" {
		t.Error("update should be visible in the live snapshot")
	}
	// The previously held snapshot is untouched: in-flight requests keep
	// their config version.
	if before.Config.Routing.DefaultStrategy != "balanced" {
		t.Error("old snapshot mutated")
	}
}

func TestStoreUpdateRejectedLeavesLive(t *testing.T) {
	t.Parallel()
	store := NewStore(Default(), "")

	_, err := store.Update(func(c *Config) error {
		c.Routing.DefaultStrategy = "no-such-strategy"
		return nil
	})
	if err == nil {
		t.Fatal("invalid update should be rejected")
	}
	if store.Generation() != 1 {
		t.Errorf("generation advanced to %d on rejected update", store.Generation())
	}
	if store.Current().Config.Routing.DefaultStrategy != "balanced" {
		t.Error("live config changed despite rejection")
	}

	wantErr := errors.New("mutate failed")
	if _, err := store.Update(func(*Config) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("mutate error = %v, want passthrough", err)
	}
}

func TestStoreReload(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "routing:\n  default_strategy: balanced\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	store := NewStore(cfg, path)

	if err := os.WriteFile(path, []byte("routing:\n  default_strategy: latency_first\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	snap, err := store.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Generation != 2 {
		t.Errorf("generation = %d, want 2", snap.Generation)
	}
	if snap.Config.Routing.DefaultStrategy != "latency_first" {
		t.Errorf("strategy = %q", snap.Config.Routing.DefaultStrategy)
	}

	// A broken file leaves the live snapshot alone.
	if err := os.WriteFile(path, []byte("routing: [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Reload(); err == nil {
		t.Fatal("broken reload should fail")
	}
	if store.Current().Config.Routing.DefaultStrategy != "latency_first" {
		t.Error("failed reload replaced live config")
	}
}

func TestStoreReloadWithoutPath(t *testing.T) {
	t.Parallel()
	store := NewStore(Default(), "")
	if _, err := store.Reload(); err == nil {
		t.Error("reload without a source file should fail")
	}
}
