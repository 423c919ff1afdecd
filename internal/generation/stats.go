package generation

import (
	"slices"
	"sync"
	"time"
)

type sample struct {
	at      time.Time
	latency time.Duration
}

// StatsSnapshot aggregates the generation latencies still inside the window.
type StatsSnapshot struct {
	Count int     `json:"count"`
	MinMs int64   `json:"min_ms"`
	MaxMs int64   `json:"max_ms"`
	AvgMs float64 `json:"avg_ms"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

// Stats keeps a rolling window of successful generation latencies.
type Stats struct {
	mu      sync.Mutex
	samples []sample
	window  time.Duration
}

func NewStats(window time.Duration) *Stats {
	if window <= 0 {
		window = time.Hour
	}
	return &Stats{
		samples: make([]sample, 0, 128),
		window:  window,
	}
}

func (s *Stats) Record(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(now)
	s.samples = append(s.samples, sample{at: now, latency: latency})
}

func (s *Stats) Snapshot() StatsSnapshot {
	now := time.Now()

	s.mu.Lock()
	s.expireLocked(now)
	ms := make([]int64, len(s.samples))
	for i, sm := range s.samples {
		ms[i] = sm.latency.Milliseconds()
	}
	s.mu.Unlock()

	if len(ms) == 0 {
		return StatsSnapshot{}
	}
	slices.Sort(ms)

	var total int64
	for _, v := range ms {
		total += v
	}
	return StatsSnapshot{
		Count: len(ms),
		MinMs: ms[0],
		MaxMs: ms[len(ms)-1],
		AvgMs: float64(total) / float64(len(ms)),
		P50Ms: interpolate(ms, 50),
		P95Ms: interpolate(ms, 95),
		P99Ms: interpolate(ms, 99),
	}
}

// expireLocked drops samples older than the window. Samples are appended in
// time order, so the live ones form a suffix.
func (s *Stats) expireLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.samples) && s.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = append(s.samples[:0], s.samples[i:]...)
	}
}

// interpolate returns the pct-th percentile of sorted using linear
// interpolation between closest ranks.
func interpolate(sorted []int64, pct float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case pct <= 0:
		return float64(sorted[0])
	case pct >= 100:
		return float64(sorted[len(sorted)-1])
	}
	pos := float64(len(sorted)-1) * pct / 100
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return float64(sorted[lo])
	}
	frac := pos - float64(lo)
	return float64(sorted[lo]) + float64(sorted[lo+1]-sorted[lo])*frac
}
