package route

import "sort"

// Strategy names accepted by the router.
const (
	StrategyCostFirst    = "cost_first"
	StrategyLatencyFirst = "latency_first"
	StrategyQualityFirst = "quality_first"
	StrategyBalanced     = "balanced"
)

// defaultP50Ms stands in for candidates with no latency samples yet, so
// unknown providers rank behind measured-fast ones but ahead of slow ones.
const defaultP50Ms = 1500.0

// scoreCandidates assigns a score to each candidate (lower is better) and
// sorts the pool best-first. Ties fall back to provider/model name so the
// ordering is deterministic.
func scoreCandidates(pool []*candidate, strategy string, req Request) {
	var prefs struct {
		speed     string
		preferred map[string]bool
	}
	if req.Identity != nil {
		prefs.speed = req.Identity.Prefs.SpeedPreference
		prefs.preferred = make(map[string]bool, len(req.Identity.Prefs.PreferredProviders))
		for _, p := range req.Identity.Prefs.PreferredProviders {
			prefs.preferred[p] = true
		}
	}

	switch strategy {
	case StrategyCostFirst:
		for _, c := range pool {
			// Cost leads; the error rate breaks near-ties between
			// similarly priced models.
			c.score = c.estCost * (1 + c.stats.ErrorRate)
		}
	case StrategyLatencyFirst:
		for _, c := range pool {
			c.score = p50(c) * (1 + c.stats.ErrorRate)
		}
	case StrategyQualityFirst:
		for _, c := range pool {
			c.score = -c.meta.QualityScore
		}
	default: // balanced
		maxCost, maxLat := 0.0, 0.0
		for _, c := range pool {
			if c.estCost > maxCost {
				maxCost = c.estCost
			}
			if p := p50(c); p > maxLat {
				maxLat = p
			}
		}
		wCost, wLat, wErr := 0.35, 0.35, 0.30
		switch prefs.speed {
		case "fast":
			wCost, wLat, wErr = 0.15, 0.60, 0.25
		case "quality":
			wCost, wLat, wErr = 0.20, 0.20, 0.25
		}
		for _, c := range pool {
			c.score = wErr * c.stats.ErrorRate
			if maxCost > 0 {
				c.score += wCost * (c.estCost / maxCost)
			}
			if maxLat > 0 {
				c.score += wLat * (p50(c) / maxLat)
			}
			if prefs.speed == "quality" {
				// Quality scores are 0..1 in config; invert so higher
				// quality lowers the score.
				c.score += 0.35 * (1 - c.meta.QualityScore)
			}
		}
	}

	// Preferred providers win near-ties without overriding a clear gap.
	if len(prefs.preferred) > 0 {
		for _, c := range pool {
			if prefs.preferred[c.provider] {
				c.score -= 0.05 * abs(c.score)
				if c.score == 0 {
					c.score = -0.01
				}
			}
		}
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score < pool[j].score
		}
		if pool[i].provider != pool[j].provider {
			return pool[i].provider < pool[j].provider
		}
		return pool[i].model < pool[j].model
	})
}

func p50(c *candidate) float64 {
	if c.stats.Samples == 0 || c.stats.P50LatencyMs <= 0 {
		return defaultP50Ms
	}
	return c.stats.P50LatencyMs
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
