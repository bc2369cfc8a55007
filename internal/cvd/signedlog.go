// Package cvd implements per-aggregator incremental cumulative-volume-delta
// statistics and the signed-log alert gating transform (spec.md §4.9).
// Grounded on 19947626_FOTONPHOTOS-PULSEINTEL__go_Stream's window-based CVD
// concept, rewritten as an O(1)-amortized incremental design (see
// DESIGN.md's Open Question 1 decision) rather than that file's full
// per-window rescan.
package cvd

import "math"

// SignedLog implements spec.md's GLOSSARY definition: sign(v)*ln(|v|) when
// |v| >= 1, else 0.
func SignedLog(v float64) float64 {
	abs := math.Abs(v)
	if abs < 1 {
		return 0
	}
	sign := 1.0
	if v < 0 {
		sign = -1.0
	}
	return sign * math.Log(abs)
}

// GateConfig parameterizes the alert gating decision of spec.md §4.9.
type GateConfig struct {
	// ThresholdLog is T_log, interpreted in the log domain.
	ThresholdLog float64
	// StrictRawThreshold, when true, additionally requires the raw
	// trigger z-score magnitude to clear T_raw=exp(T_log) directly,
	// rather than relying solely on the signed-log comparison (spec.md
	// §9 Open Question 2's optional strict-raw-threshold mode).
	StrictRawThreshold bool
}

// RawThreshold returns T_raw = exp(T_log).
func (c GateConfig) RawThreshold() float64 {
	return math.Exp(c.ThresholdLog)
}

// ShouldAlert evaluates the gating predicate of spec.md §4.9: alert iff
// |signedLog(triggerZScore)| >= T_log (and, in strict-raw mode, also
// |triggerZScore| >= T_raw).
func (c GateConfig) ShouldAlert(triggerZScore float64) bool {
	logMagnitude := math.Abs(SignedLog(triggerZScore))
	if logMagnitude < c.ThresholdLog {
		return false
	}
	if c.StrictRawThreshold && math.Abs(triggerZScore) < c.RawThreshold() {
		return false
	}
	return true
}
