// Package trust computes device trust scores and owns the device state
// machine driven by them.
package trust

import "time"

const (
	MaxScore = 100.0
	MinScore = 0.0

	// StaleAfter is the silence after which a heartbeat is penalized.
	StaleAfter   = 2 * time.Minute
	StalePenalty = 20.0

	// AnomalyPercent is the cpu/memory utilization above which telemetry is
	// considered suspicious.
	AnomalyPercent = 95.0
	AnomalyPenalty = 30.0

	DegradeThreshold = 40.0
	DisableThreshold = 20.0
)

// Suspicious reports whether reported utilization is anomalous.
func Suspicious(cpuPercent, memoryPercent float64) bool {
	return cpuPercent > AnomalyPercent || memoryPercent > AnomalyPercent
}

// Recompute applies the staleness and anomaly penalties to current. A zero
// lastSeen means the device was never seen and is not penalized for it.
func Recompute(current float64, lastSeen, now time.Time, suspicious bool) float64 {
	score := Clamp(current)
	if !lastSeen.IsZero() && now.Sub(lastSeen) > StaleAfter {
		score -= StalePenalty
	}
	if suspicious {
		score -= AnomalyPenalty
	}
	return Clamp(score)
}

// Clamp bounds v to [MinScore, MaxScore].
func Clamp(v float64) float64 {
	switch {
	case v != v: // NaN
		return MinScore
	case v < MinScore:
		return MinScore
	case v > MaxScore:
		return MaxScore
	}
	return v
}
