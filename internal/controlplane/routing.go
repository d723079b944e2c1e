package controlplane

import (
	"net/http"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/config"
	"github.com/palisade-ai/palisade/internal/route"
)

// strategyInfo documents one routing strategy for the strategies listing.
type strategyInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var strategies = []strategyInfo{
	{Name: "cost_first", Description: "cheapest estimated cost wins; latency breaks ties"},
	{Name: "latency_first", Description: "lowest observed p50 wins; cost breaks ties"},
	{Name: "quality_first", Description: "highest quality tier wins; cost breaks ties"},
	{Name: "balanced", Description: "weighted blend of cost, latency, and quality"},
}

func (cp *controlPlane) handleListStrategies(w http.ResponseWriter, _ *http.Request) {
	cp.writeData(w, http.StatusOK, strategies)
}

func (cp *controlPlane) handleGetStrategy(w http.ResponseWriter, _ *http.Request) {
	snap := cp.deps.Config.Current()
	cp.writeData(w, http.StatusOK, map[string]any{
		"default_strategy": snap.Config.Routing.DefaultStrategy,
		"generation":       snap.Generation,
	})
}

type setStrategyRequest struct {
	DefaultStrategy string `json:"default_strategy"`
}

// handleSetStrategy swaps the default routing strategy via the config
// store, so validation and generation bumping work the same as any other
// config change.
func (cp *controlPlane) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	var req setStrategyRequest
	if !cp.decodeJSON(w, r, &req) {
		return
	}
	snap, err := cp.deps.Config.Update(func(c *config.Config) error {
		c.Routing.DefaultStrategy = req.DefaultStrategy
		return nil
	})
	if err != nil {
		cp.writeError(w, gateway.E(gateway.CodeValidationInvalid, "%s", err.Error()))
		return
	}
	cp.writeData(w, http.StatusOK, map[string]any{
		"default_strategy": snap.Config.Routing.DefaultStrategy,
		"generation":       snap.Generation,
	})
}

type routePreviewRequest struct {
	Model    string            `json:"model"`
	Strategy string            `json:"strategy"`
	Messages []gateway.Message `json:"messages"`
}

// handleRoutePreview runs a dry routing decision: same analyzer and
// scorer as the data path, but nothing is dispatched and no decision is
// cached (the fingerprint is left empty).
func (cp *controlPlane) handleRoutePreview(w http.ResponseWriter, r *http.Request) {
	var req routePreviewRequest
	if !cp.decodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" {
		cp.writeError(w, gateway.E(gateway.CodeValidationInvalid, "model is required"))
		return
	}

	chatReq := &gateway.ChatRequest{Model: req.Model, Messages: req.Messages}
	hint := cp.deps.Analyzer.Analyze(chatReq)

	decision, err := cp.deps.Router.Decide(cp.deps.Config.Current(), route.Request{
		Model:    req.Model,
		Kind:     gateway.KindChat,
		Strategy: req.Strategy,
		Hint:     hint,
	})
	if err != nil {
		cp.writeError(w, err)
		return
	}
	cp.writeData(w, http.StatusOK, map[string]any{
		"decision": decision,
		"hint":     hint,
	})
}
