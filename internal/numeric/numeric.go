// Package numeric holds the finite-number guards applied at every external
// boundary. NaN or Inf coming from a venue or an HTTP client must surface as
// an error (or fall back to a default), never flow into position math.
package numeric

import (
	"fmt"
	"math"
)

// Finite returns v unchanged or an error naming the offending field.
func Finite(name string, v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%s is not finite: %v", name, v)
	}
	return v, nil
}

// FiniteOr returns v, or def when v is NaN/Inf.
func FiniteOr(v, def float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return v
}

// IsFinite reports whether v is a usable number.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// InRange reports whether v is finite and within (min, max).
func InRange(v, min, max float64) bool {
	return IsFinite(v) && v > min && v < max
}
