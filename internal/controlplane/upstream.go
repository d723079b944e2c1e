package controlplane

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/ratelimit"
)

// upstreamKeyView decorates the stored record with the live counters the
// keyring tracks in memory.
type upstreamKeyView struct {
	*gateway.UpstreamKey
	Usage    ratelimit.Counts `json:"usage"`
	InFlight int64            `json:"in_flight"`
}

func (cp *controlPlane) upstreamView(key *gateway.UpstreamKey) upstreamKeyView {
	return upstreamKeyView{
		UpstreamKey: key,
		Usage:       cp.deps.Keyring.Usage(key.ID),
		InFlight:    cp.deps.Keyring.InFlight(key.ID),
	}
}

func (cp *controlPlane) handleListUpstreamKeys(w http.ResponseWriter, r *http.Request) {
	keys := cp.deps.Keyring.List(r.URL.Query().Get("provider"))
	views := make([]upstreamKeyView, len(keys))
	for i, k := range keys {
		views[i] = cp.upstreamView(k)
	}
	cp.writeData(w, http.StatusOK, listResponse{
		Items:      views,
		Pagination: pagination{Limit: len(views), Total: len(views)},
	})
}

type createUpstreamKeyRequest struct {
	Provider string        `json:"provider"`
	Name     string        `json:"name"`
	Secret   string        `json:"secret"`
	Quota    gateway.Quota `json:"quota"`
}

func (cp *controlPlane) handleCreateUpstreamKey(w http.ResponseWriter, r *http.Request) {
	var req createUpstreamKeyRequest
	if !cp.decodeJSON(w, r, &req) {
		return
	}
	if req.Provider == "" || req.Secret == "" {
		cp.writeError(w, gateway.E(gateway.CodeValidationInvalid, "provider and secret are required"))
		return
	}
	key, err := cp.deps.Keyring.Create(r.Context(), req.Provider, req.Name, req.Secret, req.Quota)
	if err != nil {
		cp.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/upstream-keys/"+key.ID)
	cp.writeData(w, http.StatusCreated, key)
}

func (cp *controlPlane) handleGetUpstreamKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, k := range cp.deps.Keyring.List("") {
		if k.ID == id {
			cp.writeData(w, http.StatusOK, cp.upstreamView(k))
			return
		}
	}
	cp.writeError(w, gateway.ErrNotFound)
}

type rotateUpstreamKeyRequest struct {
	Secret       string `json:"secret"`
	GraceSeconds int    `json:"grace_seconds"` // old key keeps serving this long
}

// handleRotateUpstreamKey swaps in a replacement credential. The old key
// drains for the grace period before it is disabled, so in-flight and
// cached selections finish cleanly.
func (cp *controlPlane) handleRotateUpstreamKey(w http.ResponseWriter, r *http.Request) {
	var req rotateUpstreamKeyRequest
	if !cp.decodeJSON(w, r, &req) {
		return
	}
	if req.Secret == "" {
		cp.writeError(w, gateway.E(gateway.CodeValidationInvalid, "secret is required"))
		return
	}
	grace := time.Duration(req.GraceSeconds) * time.Second
	key, err := cp.deps.Keyring.Rotate(r.Context(), chi.URLParam(r, "id"), req.Secret, grace)
	if err != nil {
		cp.writeError(w, err)
		return
	}
	cp.writeData(w, http.StatusOK, key)
}

func (cp *controlPlane) handleDisableUpstreamKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := cp.deps.Keyring.Disable(r.Context(), id); err != nil {
		cp.writeError(w, err)
		return
	}
	cp.writeData(w, http.StatusOK, map[string]any{"id": id, "status": gateway.UpstreamDisabled})
}

func (cp *controlPlane) handleEnableUpstreamKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := cp.deps.Keyring.Enable(r.Context(), id); err != nil {
		cp.writeError(w, err)
		return
	}
	cp.writeData(w, http.StatusOK, map[string]any{"id": id, "status": gateway.UpstreamActive})
}

func (cp *controlPlane) handleDeleteUpstreamKey(w http.ResponseWriter, r *http.Request) {
	if err := cp.deps.Keyring.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		cp.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSelectPreview reports which key the ring would hand to a request
// for (provider, model) right now, without consuming a slot.
func (cp *controlPlane) handleSelectPreview(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		cp.writeError(w, gateway.E(gateway.CodeValidationInvalid, "provider is required"))
		return
	}
	model := r.URL.Query().Get("model")

	keyID, ok := cp.deps.Keyring.Preview(provider, model)
	if !ok {
		cp.writeError(w, gateway.E(gateway.CodeNoCandidate, "no eligible key for provider %q", provider))
		return
	}
	cp.writeData(w, http.StatusOK, map[string]any{
		"provider": provider,
		"model":    model,
		"key_id":   keyID,
	})
}
