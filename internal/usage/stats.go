package usage

import "sort"

// statsRingSize bounds per-target memory; 256 samples is enough for a
// stable p50 while staying responsive to regressions.
const statsRingSize = 256

// targetStats keeps a bounded ring of recent request outcomes for one
// (provider, model). Guarded by the engine's statsMu.
type targetStats struct {
	latencies [statsRingSize]float64
	errs      [statsRingSize]bool
	next      int
	filled    int
	total     int64
}

func (s *targetStats) record(latencyMs float64, isErr bool) {
	s.latencies[s.next] = latencyMs
	s.errs[s.next] = isErr
	s.next = (s.next + 1) % statsRingSize
	if s.filled < statsRingSize {
		s.filled++
	}
	s.total++
}

// snapshot returns the median latency and error rate over the ring, plus
// the lifetime sample count.
func (s *targetStats) snapshot() (p50 float64, errRate float64, samples int64) {
	if s.filled == 0 {
		return 0, 0, 0
	}
	lats := make([]float64, s.filled)
	copy(lats, s.latencies[:s.filled])
	sort.Float64s(lats)
	p50 = lats[s.filled/2]

	errs := 0
	for _, e := range s.errs[:s.filled] {
		if e {
			errs++
		}
	}
	return p50, float64(errs) / float64(s.filled), s.total
}
