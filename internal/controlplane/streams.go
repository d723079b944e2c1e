package controlplane

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/palisade-ai/palisade/internal"
)

func (cp *controlPlane) handleListStreams(w http.ResponseWriter, r *http.Request) {
	infos := cp.deps.Hub.List(r.URL.Query().Get("tenant"))
	cp.writeData(w, http.StatusOK, map[string]any{
		"streams":       infos,
		"total":         cp.deps.Hub.Len(),
		"tenant_counts": cp.deps.Hub.TenantCounts(),
	})
}

func (cp *controlPlane) handleGetStream(w http.ResponseWriter, r *http.Request) {
	info, err := cp.deps.Hub.Get(chi.URLParam(r, "id"))
	if err != nil {
		cp.writeError(w, err)
		return
	}
	cp.writeData(w, http.StatusOK, info)
}

type closeStreamRequest struct {
	Reason string `json:"reason"`
}

// handleCloseStream terminates one stream. The client sees an admin.close
// notice before its connection drops.
func (cp *controlPlane) handleCloseStream(w http.ResponseWriter, r *http.Request) {
	reason := "closed by operator"
	if r.Body != nil && r.ContentLength > 0 {
		var req closeStreamRequest
		if !cp.decodeJSON(w, r, &req) {
			return
		}
		if req.Reason != "" {
			reason = req.Reason
		}
	}
	if err := cp.deps.Hub.Close(chi.URLParam(r, "id"), reason); err != nil {
		cp.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type broadcastRequest struct {
	Tenant  string `json:"tenant"` // empty broadcasts to everyone
	Message string `json:"message"`
}

func (cp *controlPlane) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if !cp.decodeJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		cp.writeError(w, gateway.E(gateway.CodeValidationInvalid, "message is required"))
		return
	}
	delivered, dropped := cp.deps.Hub.Broadcast(req.Tenant, req.Message)
	cp.writeData(w, http.StatusOK, map[string]any{
		"delivered": delivered,
		"dropped":   dropped,
	})
}
