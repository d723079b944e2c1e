package usage

import (
	"time"
)

// Rate is the price table row for one (provider, model). Token rates are
// USD per 1K tokens; images are flat per image; audio is per minute.
type Rate struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
	PerImage    float64 `json:"per_image,omitempty"`
	PerMinute   float64 `json:"per_minute,omitempty"`
}

// PriceTable is an immutable price snapshot. Requests dispatched after a
// swap see the new table; in-flight requests keep the one they captured.
type PriceTable struct {
	Version   uint64
	SwappedAt time.Time

	rates map[string]Rate // provider/model
}

func rateKey(provider, model string) string { return provider + "/" + model }

func newPriceTable(version uint64, rates []Rate, at time.Time) *PriceTable {
	t := &PriceTable{Version: version, SwappedAt: at, rates: make(map[string]Rate, len(rates))}
	for _, r := range rates {
		t.rates[rateKey(r.Provider, r.Model)] = r
	}
	return t
}

// Rate looks up the price row for a (provider, model). A provider-agnostic
// row under provider "*" acts as a fallback.
func (t *PriceTable) Rate(provider, model string) (Rate, bool) {
	if r, ok := t.rates[rateKey(provider, model)]; ok {
		return r, true
	}
	r, ok := t.rates[rateKey("*", model)]
	return r, ok
}

// Rates returns all rows, for the control-plane current-prices endpoint.
func (t *PriceTable) Rates() []Rate {
	out := make([]Rate, 0, len(t.rates))
	for _, r := range t.rates {
		out = append(out, r)
	}
	return out
}

// Alert records a price change beyond the configured threshold.
type Alert struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Field     string    `json:"field"` // "input_per_1k", "output_per_1k", ...
	Old       float64   `json:"old"`
	New       float64   `json:"new"`
	ChangePct float64   `json:"change_pct"`
	Version   uint64    `json:"version"`
	At        time.Time `json:"at"`
}

// diffRates compares two tables field by field and returns the changes that
// exceed thresholdPct. New rows never alert; removed rows alert at 100%.
func diffRates(old, next *PriceTable, thresholdPct float64, version uint64, at time.Time) []Alert {
	if old == nil {
		return nil
	}
	var alerts []Alert
	emit := func(provider, model, field string, o, n float64) {
		if o == 0 {
			return
		}
		pct := (n - o) / o * 100
		if pct < 0 {
			pct = -pct
		}
		if pct < thresholdPct {
			return
		}
		alerts = append(alerts, Alert{
			Provider: provider, Model: model, Field: field,
			Old: o, New: n, ChangePct: pct, Version: version, At: at,
		})
	}
	for key, o := range old.rates {
		n, ok := next.rates[key]
		if !ok {
			n = Rate{Provider: o.Provider, Model: o.Model}
		}
		emit(o.Provider, o.Model, "input_per_1k", o.InputPer1K, n.InputPer1K)
		emit(o.Provider, o.Model, "output_per_1k", o.OutputPer1K, n.OutputPer1K)
		emit(o.Provider, o.Model, "per_image", o.PerImage, n.PerImage)
		emit(o.Provider, o.Model, "per_minute", o.PerMinute, n.PerMinute)
	}
	return alerts
}

// Units are the billable quantities of one request.
type Units struct {
	PromptTokens     int
	CompletionTokens int
	Images           int
	AudioSeconds     float64
}

// cost prices the units against a rate row.
func (r Rate) cost(u Units) float64 {
	c := float64(u.PromptTokens)/1000*r.InputPer1K +
		float64(u.CompletionTokens)/1000*r.OutputPer1K
	if u.Images > 0 {
		c += float64(u.Images) * r.PerImage
	}
	if u.AudioSeconds > 0 {
		c += u.AudioSeconds / 60 * r.PerMinute
	}
	return c
}
