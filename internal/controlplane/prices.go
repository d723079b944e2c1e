package controlplane

import (
	"net/http"
	"sort"
	"strconv"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/circuitbreaker"
	"github.com/palisade-ai/palisade/internal/usage"
)

func (cp *controlPlane) handleGetPrices(w http.ResponseWriter, _ *http.Request) {
	table := cp.deps.Usage.Prices()
	rates := table.Rates()
	sort.Slice(rates, func(i, j int) bool {
		if rates[i].Provider != rates[j].Provider {
			return rates[i].Provider < rates[j].Provider
		}
		return rates[i].Model < rates[j].Model
	})
	cp.writeData(w, http.StatusOK, map[string]any{
		"version":    table.Version,
		"swapped_at": table.SwappedAt,
		"rates":      rates,
	})
}

type setPricesRequest struct {
	Rates []usage.Rate `json:"rates"`
}

// handleSetPrices replaces the whole price table. Partial updates are
// deliberately unsupported: the table is small and versioned, and a full
// replace keeps history rows self-contained.
func (cp *controlPlane) handleSetPrices(w http.ResponseWriter, r *http.Request) {
	var req setPricesRequest
	if !cp.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Rates) == 0 {
		cp.writeError(w, gateway.E(gateway.CodeValidationInvalid, "rates must not be empty"))
		return
	}
	for _, rate := range req.Rates {
		if rate.Provider == "" || rate.Model == "" {
			cp.writeError(w, gateway.E(gateway.CodeValidationInvalid, "every rate needs provider and model"))
			return
		}
		if rate.InputPer1K < 0 || rate.OutputPer1K < 0 || rate.PerImage < 0 || rate.PerMinute < 0 {
			cp.writeError(w, gateway.E(gateway.CodeValidationInvalid,
				"negative price for %s/%s", rate.Provider, rate.Model))
			return
		}
	}

	table, alerts, err := cp.deps.Usage.SetPrices(r.Context(), req.Rates)
	if err != nil {
		cp.writeError(w, err)
		return
	}
	cp.writeData(w, http.StatusOK, map[string]any{
		"version": table.Version,
		"alerts":  alerts,
	})
}

func (cp *controlPlane) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	points, err := cp.deps.Store.PriceHistory(r.Context(), q.Get("provider"), q.Get("model"), limit)
	if err != nil {
		cp.writeError(w, err)
		return
	}
	cp.writeData(w, http.StatusOK, points)
}

func (cp *controlPlane) handlePriceAlerts(w http.ResponseWriter, _ *http.Request) {
	cp.writeData(w, http.StatusOK, cp.deps.Usage.Alerts())
}

type optimalRoute struct {
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	CostUSD  float64 `json:"cost_usd"`
	Quality  float64 `json:"quality_score"`
	Breaker  string  `json:"breaker"`
}

// handleOptimalRoute ranks the enabled providers serving a model by
// estimated request cost at the given token counts. The live price table
// wins; targets it does not cover fall back to the configured model rates.
func (cp *controlPlane) handleOptimalRoute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	model := q.Get("model")
	if model == "" {
		cp.writeError(w, gateway.E(gateway.CodeValidationInvalid, "model is required"))
		return
	}
	promptTokens := positiveIntOr(q.Get("prompt_tokens"), 1000)
	completionTokens := positiveIntOr(q.Get("completion_tokens"), 1000)
	units := usage.Units{PromptTokens: promptTokens, CompletionTokens: completionTokens}

	snap := cp.deps.Config.Current()
	states := cp.deps.Breakers.States()

	var routes []optimalRoute
	for _, p := range snap.Config.Providers {
		if !p.IsEnabled() {
			continue
		}
		m, ok := p.Model(model)
		if !ok {
			continue
		}
		cost := cp.deps.Usage.Cost(p.Name, model, units)
		if cost == 0 {
			cost = float64(promptTokens)/1000*m.InputPer1K +
				float64(completionTokens)/1000*m.OutputPer1K
		}
		state := states[circuitbreaker.Key(p.Name, model)]
		if state == "" {
			state = "closed"
		}
		routes = append(routes, optimalRoute{
			Provider: p.Name,
			Model:    model,
			CostUSD:  cost,
			Quality:  m.QualityScore,
			Breaker:  state,
		})
	}
	if len(routes) == 0 {
		cp.writeError(w, gateway.E(gateway.CodeNoCandidate, "no enabled provider serves model %q", model))
		return
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].CostUSD != routes[j].CostUSD {
			return routes[i].CostUSD < routes[j].CostUSD
		}
		return routes[i].Provider < routes[j].Provider
	})
	cp.writeData(w, http.StatusOK, map[string]any{
		"model":             model,
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"routes":            routes,
	})
}

func positiveIntOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
