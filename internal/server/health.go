package server

import "net/http"

// Probe responses are pre-built so the liveness hot path allocates
// nothing; plainCT skips the []string{v} alloc inside Header.Set the same
// way respond.go's jsonCT does.
var (
	liveBody     = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func writePlain(w http.ResponseWriter, status int, body []byte) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(status)
	w.Write(body)
}

// handleLiveness reports process health only; it never touches storage.
func (s *server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writePlain(w, http.StatusOK, liveBody)
}

// handleReadiness additionally runs the wired readiness check (the storage
// ping), so a gateway with an unreachable database drops out of rotation
// while staying alive for inspection.
func (s *server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			writePlain(w, http.StatusServiceUnavailable, notReadyBody)
			return
		}
	}
	writePlain(w, http.StatusOK, liveBody)
}
