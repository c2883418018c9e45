// Package sanitize maps non-finite floating point values to a JSON-safe
// representation. JSON has no literal for NaN or +/-Inf, so anything
// leaving the adapter towards the dashboard must pass through here first.
package sanitize

import "math"

// Value returns (v, true) if v is finite, or (0, false) otherwise. The
// bool return doubles as the "is this JSON null" flag for callers that
// build a schema.DataPoint directly from it.
func Value(v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
