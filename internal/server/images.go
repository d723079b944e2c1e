package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/palisade-ai/palisade/internal"
)

// imageJobView is the client-facing shape of an image job. Response and
// Error are populated once the job settles.
type imageJobView struct {
	ID       string                 `json:"id"`
	Status   string                 `json:"status"`
	Created  int64                  `json:"created"`
	Response *gateway.ImageResponse `json:"response,omitempty"`
	Error    *imageJobError         `json:"error,omitempty"`
}

type imageJobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleImageGeneration accepts an image request and dispatches it in the
// background, returning 202 with a job id to poll.
func (s *server) handleImageGeneration(w http.ResponseWriter, r *http.Request) {
	var req gateway.ImageRequest
	if !s.decodeRequestBody(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		s.writeError(w, gateway.E(gateway.CodeValidationInvalid, "prompt is required"))
		return
	}

	identity := gateway.IdentityFromContext(r.Context())
	job, err := s.jobs.create(identity.Tenant, time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}

	// The handler returns before the upstream call finishes; detach from
	// the request context but keep its identity and request-id values.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), jobTimeout)
	go func() {
		defer cancel()
		resp, meta, err := s.deps.Dispatcher.ImageGenerate(ctx, &req)
		s.observeMeta(meta)
		s.jobs.settle(job.ID, resp, meta, err)
	}()

	w.Header()["Location"] = []string{"/api/v1/ai/images/generations/" + job.ID}
	writeJSON(w, http.StatusAccepted, imageJobView{
		ID: job.ID, Status: job.Status, Created: job.Created.Unix(),
	})
}

// handleImageJob reports job progress. Settled jobs carry the canonical
// response or error plus the usual serving-metadata headers.
func (s *server) handleImageJob(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	job, ok := s.jobs.get(chi.URLParam(r, "id"), identity.Tenant)
	if !ok {
		s.writeError(w, gateway.E(gateway.CodeNotFound, "unknown job id"))
		return
	}

	view := imageJobView{
		ID: job.ID, Status: job.Status, Created: job.Created.Unix(),
		Response: job.Resp,
	}
	if job.Err != nil {
		view.Error = &imageJobError{Code: string(job.Err.Code), Message: job.Err.Message}
	}
	if job.Meta != nil {
		setMetaHeaders(w, job.Meta)
	}
	writeJSON(w, http.StatusOK, view)
}
