package audit

import (
	"math"
	"sort"
)

// ActionStats summarises the entries recorded for one action.
type ActionStats struct {
	Action   string  `json:"action"`
	Total    int     `json:"total"`
	Allowed  int     `json:"allowed"`
	Denied   int     `json:"denied"`
	Errors   int     `json:"errors"`
	DenyRate float64 `json:"deny_rate"`
	// Latency is computed from details.duration_ms when present.
	Latency *LatencyStats `json:"latency,omitempty"`
}

// LatencyStats holds duration percentiles in milliseconds.
type LatencyStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	Max    float64 `json:"max"`
}

// Summarize groups entries by action, sorted by action name.
func Summarize(entries []Entry) []ActionStats {
	byAction := make(map[string]*ActionStats)
	durations := make(map[string][]float64)

	for _, e := range entries {
		s, ok := byAction[e.Action]
		if !ok {
			s = &ActionStats{Action: e.Action}
			byAction[e.Action] = s
		}
		s.Total++
		switch e.Result {
		case ResultAllowed:
			s.Allowed++
		case ResultDenied:
			s.Denied++
		case ResultError:
			s.Errors++
		}
		if ms, ok := durationMs(e.Details); ok {
			durations[e.Action] = append(durations[e.Action], ms)
		}
	}

	out := make([]ActionStats, 0, len(byAction))
	for action, s := range byAction {
		s.DenyRate = float64(s.Denied) / float64(s.Total)
		s.Latency = latency(durations[action])
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

func durationMs(details map[string]any) (float64, bool) {
	switch v := details["duration_ms"].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func latency(values []float64) *LatencyStats {
	n := len(values)
	if n == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	var variance float64
	for _, v := range sorted {
		variance += (v - mean) * (v - mean)
	}

	return &LatencyStats{
		Count:  n,
		Mean:   mean,
		StdDev: math.Sqrt(variance / float64(n)),
		P50:    percentile(sorted, 0.50),
		P95:    percentile(sorted, 0.95),
		Max:    sorted[n-1],
	}
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
