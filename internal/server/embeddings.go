package server

import (
	"net/http"

	gateway "github.com/palisade-ai/palisade/internal"
)

// handleEmbeddings decodes an embedding request and dispatches it.
func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req gateway.EmbeddingRequest
	if !s.decodeRequestBody(w, r, &req) {
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	resp, meta, err := s.deps.Dispatcher.Embed(ctx, &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	setMetaHeaders(w, meta)
	s.observeMeta(meta)
	writeJSON(w, http.StatusOK, resp)
}
