package controlplane

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/app"
)

type createTenantKeyRequest struct {
	Tenant           string              `json:"tenant"`
	Name             string              `json:"name"`
	AllowedProviders []string            `json:"allowed_providers"`
	AllowedModels    []string            `json:"allowed_models"`
	Quota            gateway.Quota       `json:"quota"`
	Prefs            gateway.Preferences `json:"prefs"`
	ExpiresAt        string              `json:"expires_at"` // RFC3339, optional
}

// createTenantKeyResponse carries the plaintext key. It appears here and
// nowhere else; only the hash is stored.
type createTenantKeyResponse struct {
	Key    string             `json:"key"`
	Record *gateway.TenantKey `json:"record"`
}

func (cp *controlPlane) handleCreateTenantKey(w http.ResponseWriter, r *http.Request) {
	var req createTenantKeyRequest
	if !cp.decodeJSON(w, r, &req) {
		return
	}
	opts := app.CreateKeyOpts{
		Tenant:           req.Tenant,
		Name:             req.Name,
		AllowedProviders: req.AllowedProviders,
		AllowedModels:    req.AllowedModels,
		Quota:            req.Quota,
		Prefs:            req.Prefs,
	}
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			cp.writeError(w, gateway.E(gateway.CodeValidationInvalid, "invalid expires_at: %q", req.ExpiresAt))
			return
		}
		opts.ExpiresAt = &t
	}

	plaintext, key, err := cp.deps.TenantKeys.CreateKey(r.Context(), opts)
	if err != nil {
		cp.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/admin/v1/api-keys/"+key.ID)
	cp.writeData(w, http.StatusCreated, createTenantKeyResponse{Key: plaintext, Record: key})
}

func (cp *controlPlane) handleListTenantKeys(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	tenant := r.URL.Query().Get("tenant")

	keys, err := cp.deps.TenantKeys.ListKeys(r.Context(), tenant, offset, limit)
	if err != nil {
		cp.writeError(w, err)
		return
	}
	cp.writeData(w, http.StatusOK, listResponse{
		Items:      keys,
		Pagination: pagination{Offset: offset, Limit: limit, Total: len(keys)},
	})
}

func (cp *controlPlane) handleGetTenantKey(w http.ResponseWriter, r *http.Request) {
	key, err := cp.deps.TenantKeys.GetKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		cp.writeError(w, err)
		return
	}
	cp.writeData(w, http.StatusOK, key)
}

type updateTenantKeyRequest struct {
	Name             *string              `json:"name"`
	AllowedProviders *[]string            `json:"allowed_providers"`
	AllowedModels    *[]string            `json:"allowed_models"`
	Quota            *gateway.Quota       `json:"quota"`
	Prefs            *gateway.Preferences `json:"prefs"`
}

// handleUpdateTenantKey applies a partial update: only the fields present
// in the body change, so operators can adjust a quota without re-sending
// the permission lists.
func (cp *controlPlane) handleUpdateTenantKey(w http.ResponseWriter, r *http.Request) {
	var req updateTenantKeyRequest
	if !cp.decodeJSON(w, r, &req) {
		return
	}
	key, err := cp.deps.TenantKeys.GetKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		cp.writeError(w, err)
		return
	}
	if req.Name != nil {
		key.Name = *req.Name
	}
	if req.AllowedProviders != nil {
		key.AllowedProviders = *req.AllowedProviders
	}
	if req.AllowedModels != nil {
		key.AllowedModels = *req.AllowedModels
	}
	if req.Quota != nil {
		key.Quota = *req.Quota
	}
	if req.Prefs != nil {
		key.Prefs = *req.Prefs
	}
	if err := cp.deps.TenantKeys.UpdateKey(r.Context(), key); err != nil {
		cp.writeError(w, err)
		return
	}
	cp.writeData(w, http.StatusOK, key)
}

func (cp *controlPlane) handleDisableTenantKey(w http.ResponseWriter, r *http.Request) {
	cp.setTenantKeyDisabled(w, r, true)
}

func (cp *controlPlane) handleEnableTenantKey(w http.ResponseWriter, r *http.Request) {
	cp.setTenantKeyDisabled(w, r, false)
}

func (cp *controlPlane) setTenantKeyDisabled(w http.ResponseWriter, r *http.Request, disabled bool) {
	id := chi.URLParam(r, "id")
	if err := cp.deps.TenantKeys.SetDisabled(r.Context(), id, disabled); err != nil {
		cp.writeError(w, err)
		return
	}
	cp.writeData(w, http.StatusOK, map[string]any{"id": id, "disabled": disabled})
}

func (cp *controlPlane) handleDeleteTenantKey(w http.ResponseWriter, r *http.Request) {
	if err := cp.deps.TenantKeys.DeleteKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		cp.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
