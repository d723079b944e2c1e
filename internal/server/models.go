package server

import (
	"net/http"
	"sort"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
)

// handleListModels returns the models the caller may route to, in
// OpenAI-compatible list form. A model served by several providers
// appears once, owned by the first enabled provider that lists it.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	id := gateway.IdentityFromContext(r.Context())
	snap := s.deps.Config.Current()

	now := time.Now().Unix()
	seen := make(map[string]bool)
	data := make([]modelEntry, 0, 16)
	for _, p := range snap.Config.Providers {
		if !p.IsEnabled() {
			continue
		}
		if id != nil && !id.AllowsProvider(p.Name) {
			continue
		}
		for _, m := range p.Models {
			if seen[m.Name] {
				continue
			}
			if id != nil && !id.AllowsModel(m.Name) {
				continue
			}
			seen[m.Name] = true
			data = append(data, modelEntry{
				ID:      m.Name,
				Object:  "model",
				Created: now,
				OwnedBy: p.Name,
			})
		}
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
