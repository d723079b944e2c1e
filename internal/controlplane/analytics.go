package controlplane

import (
	"net/http"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
	"github.com/palisade-ai/palisade/internal/storage"
)

// handleStats returns process-lifetime totals from the in-memory
// aggregates, plus the durable-queue drop counter. Historical queries go
// through /analytics/usage and /analytics/summary instead.
func (cp *controlPlane) handleStats(w http.ResponseWriter, _ *http.Request) {
	cp.writeData(w, http.StatusOK, map[string]any{
		"totals":         cp.deps.Usage.Total(),
		"dropped_usage":  cp.deps.Usage.Dropped(),
		"open_streams":   cp.deps.Hub.Len(),
		"uptime_seconds": int64(time.Since(cp.started).Seconds()),
	})
}

func (cp *controlPlane) handleTenantStats(w http.ResponseWriter, _ *http.Request) {
	cp.writeData(w, http.StatusOK, cp.deps.Usage.TenantTotals())
}

func (cp *controlPlane) handleTargetStats(w http.ResponseWriter, _ *http.Request) {
	cp.writeData(w, http.StatusOK, cp.deps.Usage.TargetTotals())
}

func (cp *controlPlane) handlePerformance(w http.ResponseWriter, _ *http.Request) {
	cp.writeData(w, http.StatusOK, cp.deps.Usage.Performance())
}

// handleUsageQuery pages through raw usage records with optional tenant,
// provider, model, and time filters.
func (cp *controlPlane) handleUsageQuery(w http.ResponseWriter, r *http.Request) {
	since, until, err := parseSinceUntil(r)
	if err != nil {
		cp.writeError(w, err)
		return
	}
	offset, limit := parsePagination(r)
	q := r.URL.Query()
	filter := storage.UsageFilter{
		Tenant:      q.Get("tenant"),
		TenantKeyID: q.Get("key_id"),
		Provider:    q.Get("provider"),
		Model:       q.Get("model"),
		Since:       since,
		Until:       until,
		Offset:      offset,
		Limit:       limit,
	}

	records, err := cp.deps.Store.QueryUsage(r.Context(), filter)
	if err != nil {
		cp.writeError(w, err)
		return
	}
	total, err := cp.deps.Store.CountUsage(r.Context(), filter)
	if err != nil {
		cp.writeError(w, err)
		return
	}
	cp.writeData(w, http.StatusOK, listResponse{
		Items:      records,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

// handleUsageSummary serves pre-aggregated rollup buckets; period defaults
// to hourly.
func (cp *controlPlane) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	period := q.Get("period")
	if period == "" {
		period = "hour"
	}
	switch period {
	case "minute", "hour", "day":
	default:
		cp.writeError(w, gateway.E(gateway.CodeValidationInvalid, "invalid period %q", period))
		return
	}

	rollups, err := cp.deps.Store.QueryRollups(r.Context(), storage.RollupFilter{
		Tenant:      q.Get("tenant"),
		TenantKeyID: q.Get("key_id"),
		Provider:    q.Get("provider"),
		Model:       q.Get("model"),
		Period:      period,
		Since:       q.Get("since"),
		Until:       q.Get("until"),
	})
	if err != nil {
		cp.writeError(w, err)
		return
	}
	cp.writeData(w, http.StatusOK, rollups)
}
