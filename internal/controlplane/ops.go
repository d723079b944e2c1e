package controlplane

import (
	"context"
	"net/http"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/palisade-ai/palisade/internal"
)

// handleHealth reports the live state an operator checks first: config
// generation, breaker states, stream count, and database reachability.
func (cp *controlPlane) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := cp.deps.Config.Current()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	dbOK := cp.deps.Store.Ping(ctx) == nil
	cancel()

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	cp.writeData(w, status, map[string]any{
		"database_ok":       dbOK,
		"config_generation": snap.Generation,
		"config_loaded_at":  snap.LoadedAt,
		"breakers":          cp.deps.Breakers.States(),
		"open_streams":      cp.deps.Hub.Len(),
		"uptime_seconds":    int64(time.Since(cp.started).Seconds()),
	})
}

// handleConfigExport dumps the live config as YAML. Secrets marshal
// redacted, so the export is safe to paste into a ticket.
func (cp *controlPlane) handleConfigExport(w http.ResponseWriter, _ *http.Request) {
	snap := cp.deps.Config.Current()
	out, err := yaml.Marshal(snap.Config)
	if err != nil {
		cp.writeError(w, err)
		return
	}
	w.Header()["Content-Type"] = []string{"application/yaml"}
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// handleConfigReload re-reads the config file and swaps the snapshot, the
// same path SIGHUP takes.
func (cp *controlPlane) handleConfigReload(w http.ResponseWriter, _ *http.Request) {
	snap, err := cp.deps.Config.Reload()
	if err != nil {
		cp.writeError(w, gateway.E(gateway.CodeValidationInvalid, "reload failed: %s", err.Error()))
		return
	}
	cp.writeData(w, http.StatusOK, map[string]any{
		"generation": snap.Generation,
		"loaded_at":  snap.LoadedAt,
	})
}
