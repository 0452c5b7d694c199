package audit

import (
	"fmt"
	"math"
	"sort"
)

// AnomalyLevel indicates severity of detected anomaly.
type AnomalyLevel string

const (
	AnomalyNone     AnomalyLevel = "none"
	AnomalyLow      AnomalyLevel = "low"      // 1.5-2 sigma
	AnomalyMedium   AnomalyLevel = "medium"   // 2-3 sigma
	AnomalyHigh     AnomalyLevel = "high"     // 3+ sigma
	AnomalyCritical AnomalyLevel = "critical" // 4+ sigma or threshold breach
)

func (l AnomalyLevel) rank() int {
	switch l {
	case AnomalyCritical:
		return 4
	case AnomalyHigh:
		return 3
	case AnomalyMedium:
		return 2
	case AnomalyLow:
		return 1
	}
	return 0
}

// Metric names the measured quantity.
type Metric string

const (
	MetricDenyRate  Metric = "deny_rate"
	MetricErrorRate Metric = "error_rate"
	MetricLatency   Metric = "latency"
)

// Anomaly is one suspicious pattern in the log.
type Anomaly struct {
	Level       AnomalyLevel `json:"level"`
	Metric      Metric       `json:"metric"`
	Action      string       `json:"action"`
	EntryID     string       `json:"entry_id,omitempty"`
	Value       float64      `json:"value"`
	Expected    float64      `json:"expected"`
	ZScore      float64      `json:"z_score,omitempty"`
	Description string       `json:"description"`
}

// Thresholds for anomaly detection.
type Thresholds struct {
	DenyRatePercent  float64 // share of denied calls per action
	ErrorRatePercent float64 // share of failed calls per action
	LatencyMs        float64 // any single call slower than this
	MinSamples       int     // actions with fewer entries are not rated
}

// DefaultThresholds provides sensible defaults.
var DefaultThresholds = Thresholds{
	DenyRatePercent:  25,
	ErrorRatePercent: 20,
	LatencyMs:        30000,
	MinSamples:       5,
}

// DetectAnomalies rates every action in entries against th. Results are
// ordered most severe first.
func DetectAnomalies(entries []Entry, th Thresholds) []Anomaly {
	var out []Anomaly
	byAction := make(map[string][]Entry)
	for _, e := range entries {
		byAction[e.Action] = append(byAction[e.Action], e)
	}

	for _, s := range Summarize(entries) {
		if s.Total >= th.MinSamples {
			if a := rateAnomaly(MetricDenyRate, s.Action, s.Denied, s.Total, th.DenyRatePercent); a != nil {
				out = append(out, *a)
			}
			if a := rateAnomaly(MetricErrorRate, s.Action, s.Errors, s.Total, th.ErrorRatePercent); a != nil {
				out = append(out, *a)
			}
		}
		out = append(out, latencyAnomalies(s, byAction[s.Action], th)...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Level.rank() != out[j].Level.rank() {
			return out[i].Level.rank() > out[j].Level.rank()
		}
		return out[i].Action < out[j].Action
	})
	return out
}

func rateAnomaly(m Metric, action string, n, total int, limitPercent float64) *Anomaly {
	if limitPercent <= 0 || total == 0 {
		return nil
	}
	rate := float64(n) / float64(total) * 100
	if rate <= limitPercent {
		return nil
	}
	level := AnomalyMedium
	switch {
	case rate >= 2*limitPercent:
		level = AnomalyCritical
	case rate >= 1.5*limitPercent:
		level = AnomalyHigh
	}
	return &Anomaly{
		Level:       level,
		Metric:      m,
		Action:      action,
		Value:       rate,
		Expected:    limitPercent,
		Description: fmt.Sprintf("%.1f%% %s (%d/%d), limit %.0f%%", rate, describeMetric(m), n, total, limitPercent),
	}
}

func latencyAnomalies(s ActionStats, entries []Entry, th Thresholds) []Anomaly {
	if s.Latency == nil {
		return nil
	}
	var out []Anomaly
	for _, e := range entries {
		ms, ok := durationMs(e.Details)
		if !ok {
			continue
		}
		if th.LatencyMs > 0 && ms > th.LatencyMs {
			out = append(out, Anomaly{
				Level:       AnomalyCritical,
				Metric:      MetricLatency,
				Action:      s.Action,
				EntryID:     e.ID,
				Value:       ms,
				Expected:    th.LatencyMs,
				Description: fmt.Sprintf("%.0fms exceeds the %.0fms threshold", ms, th.LatencyMs),
			})
			continue
		}
		if s.Latency.Count < th.MinSamples || s.Latency.StdDev == 0 {
			continue
		}
		z := (ms - s.Latency.Mean) / s.Latency.StdDev
		level := zScoreToLevel(z)
		if level == AnomalyNone || z < 0 {
			continue
		}
		out = append(out, Anomaly{
			Level:       level,
			Metric:      MetricLatency,
			Action:      s.Action,
			EntryID:     e.ID,
			Value:       ms,
			Expected:    s.Latency.Mean,
			ZScore:      z,
			Description: fmt.Sprintf("%.0fms is higher than the usual %.0fms", ms, s.Latency.Mean),
		})
	}
	return out
}

func zScoreToLevel(z float64) AnomalyLevel {
	absZ := math.Abs(z)
	switch {
	case absZ >= 4:
		return AnomalyCritical
	case absZ >= 3:
		return AnomalyHigh
	case absZ >= 2:
		return AnomalyMedium
	case absZ >= 1.5:
		return AnomalyLow
	default:
		return AnomalyNone
	}
}

func describeMetric(m Metric) string {
	switch m {
	case MetricDenyRate:
		return "denied"
	case MetricErrorRate:
		return "failed"
	}
	return string(m)
}
