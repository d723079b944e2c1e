// Package controlplane is the admin HTTP surface. It runs on its own
// listener, authenticates with the configured admin key, and wraps every
// response in a {success, data, error} envelope so operator tooling can
// branch on one field.
package controlplane

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/analyze"
	"github.com/palisade-ai/palisade/internal/app"
	"github.com/palisade-ai/palisade/internal/circuitbreaker"
	"github.com/palisade-ai/palisade/internal/config"
	"github.com/palisade-ai/palisade/internal/keyring"
	"github.com/palisade-ai/palisade/internal/route"
	"github.com/palisade-ai/palisade/internal/storage"
	"github.com/palisade-ai/palisade/internal/stream"
	"github.com/palisade-ai/palisade/internal/usage"
)

// Deps wires the control plane to the rest of the gateway.
type Deps struct {
	Config     *config.Store
	TenantKeys *app.TenantKeyService
	Keyring    *keyring.Manager
	Usage      *usage.Engine
	Hub        *stream.Hub
	Breakers   *circuitbreaker.Registry
	Router     *route.Router
	Analyzer   *analyze.Analyzer
	Store      storage.Store
}

type controlPlane struct {
	deps    Deps
	started time.Time
}

// New builds the admin router. Every /admin/v1 route requires the
// configured admin key as a bearer token.
func New(deps Deps) http.Handler {
	cp := &controlPlane{deps: deps, started: time.Now()}

	r := chi.NewRouter()
	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(cp.authenticate)

		r.Route("/api-keys", func(r chi.Router) {
			r.Get("/", cp.handleListTenantKeys)
			r.Post("/", cp.handleCreateTenantKey)
			r.Get("/{id}", cp.handleGetTenantKey)
			r.Put("/{id}", cp.handleUpdateTenantKey)
			r.Delete("/{id}", cp.handleDeleteTenantKey)
			r.Post("/{id}/disable", cp.handleDisableTenantKey)
			r.Post("/{id}/enable", cp.handleEnableTenantKey)
		})

		r.Route("/upstream-keys", func(r chi.Router) {
			r.Get("/", cp.handleListUpstreamKeys)
			r.Post("/", cp.handleCreateUpstreamKey)
			r.Get("/select", cp.handleSelectPreview)
			r.Get("/{id}", cp.handleGetUpstreamKey)
			r.Delete("/{id}", cp.handleDeleteUpstreamKey)
			r.Post("/{id}/rotate", cp.handleRotateUpstreamKey)
			r.Post("/{id}/disable", cp.handleDisableUpstreamKey)
			r.Post("/{id}/enable", cp.handleEnableUpstreamKey)
		})

		r.Route("/routing", func(r chi.Router) {
			r.Get("/strategies", cp.handleListStrategies)
			r.Get("/strategy", cp.handleGetStrategy)
			r.Put("/strategy", cp.handleSetStrategy)
			r.Post("/preview", cp.handleRoutePreview)
		})

		r.Route("/prices", func(r chi.Router) {
			r.Get("/", cp.handleGetPrices)
			r.Put("/", cp.handleSetPrices)
			r.Get("/history", cp.handlePriceHistory)
			r.Get("/alerts", cp.handlePriceAlerts)
			r.Get("/optimal-route", cp.handleOptimalRoute)
		})

		r.Route("/streams", func(r chi.Router) {
			r.Get("/", cp.handleListStreams)
			r.Post("/broadcast", cp.handleBroadcast)
			r.Get("/{id}", cp.handleGetStream)
			r.Delete("/{id}", cp.handleCloseStream)
		})

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/stats", cp.handleStats)
			r.Get("/tenants", cp.handleTenantStats)
			r.Get("/targets", cp.handleTargetStats)
			r.Get("/performance", cp.handlePerformance)
			r.Get("/usage", cp.handleUsageQuery)
			r.Get("/summary", cp.handleUsageSummary)
		})

		r.Get("/health", cp.handleHealth)
		r.Get("/config", cp.handleConfigExport)
		r.Post("/config/reload", cp.handleConfigReload)
	})
	return r
}

// authenticate checks the bearer token against the configured admin key.
// An unset admin key disables the control plane rather than leaving it
// open.
func (cp *controlPlane) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := cp.deps.Config.Current().Config.Auth.AdminKey.Reveal()
		if want == "" {
			cp.writeError(w, gateway.E(gateway.CodeAuthInvalid, "control plane disabled: no admin key configured"))
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" {
			cp.writeError(w, gateway.E(gateway.CodeAuthMissing, "missing admin bearer token"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			cp.writeError(w, gateway.E(gateway.CodeAuthInvalid, "invalid admin key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Response envelope ---

type envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header()["Content-Type"] = []string{"application/json"}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func (cp *controlPlane) writeData(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Success: true, Data: data})
}

// writeError renders the failure envelope. Sentinel errors from the
// storage and keyring layers map to their natural statuses; anything
// unrecognized is sanitized to internal.unexpected.
func (cp *controlPlane) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeEnvelope(w, http.StatusNotFound, envelope{
			Error: &envelopeError{Code: "not_found", Message: "resource not found"},
		})
		return
	case errors.Is(err, gateway.ErrConflict):
		writeEnvelope(w, http.StatusConflict, envelope{
			Error: &envelopeError{Code: "conflict", Message: "resource already exists"},
		})
		return
	case errors.Is(err, gateway.ErrKeyInFlight):
		writeEnvelope(w, http.StatusConflict, envelope{
			Error: &envelopeError{Code: "key_in_flight", Message: "key has in-flight requests; disable it first"},
		})
		return
	}
	ae := gateway.AsAPIError(err)
	writeEnvelope(w, ae.HTTPStatus(), envelope{
		Error: &envelopeError{Code: string(ae.Code), Message: ae.Message},
	})
}

// --- Request parsing ---

const maxAdminBody = 1 << 20

func (cp *controlPlane) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		cp.writeError(w, gateway.E(gateway.CodeValidationInvalid, "invalid request body: %s", err.Error()))
		return false
	}
	return true
}

// pagination is the offset/limit/total triple attached to list responses.
type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Items      any        `json:"items"`
	Pagination pagination `json:"pagination"`
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return offset, limit
}

// parseSinceUntil validates RFC3339 time bounds up front. SQLite's
// datetime() silently returns NULL on malformed strings, which would turn
// a typo into an empty result set instead of a 400.
func parseSinceUntil(r *http.Request) (since, until time.Time, err error) {
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, gateway.E(gateway.CodeValidationInvalid, "invalid since: %q", raw)
		}
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		until, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, gateway.E(gateway.CodeValidationInvalid, "invalid until: %q", raw)
		}
	}
	return since, until, nil
}
