// Package numeric holds the tolerances and probability bounds shared by the
// pricing packages. Every floating comparison in the engine goes through the
// helpers here so that edge cases are decided the same way everywhere.
package numeric

import "math"

const (
	// Epsilon is the absolute tolerance for floating equality.
	Epsilon = 1e-9

	// MinProb and MaxProb bound every probability the engine reports.
	// Trades that would move a pool past them are rejected.
	MinProb = 1e-6
	MaxProb = 1 - 1e-6

	// SumToOneEpsilon is the allowed drift of a sum-to-one answer set.
	SumToOneEpsilon = 1e-7

	// DefaultFeeCapFraction caps the total fee of a fill segment as a
	// fraction of its notional.
	DefaultFeeCapFraction = 0.1
)

// Equal reports whether a and b are within Epsilon of each other.
func Equal(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// IsZero reports whether a is within Epsilon of zero.
func IsZero(a float64) bool {
	return math.Abs(a) < Epsilon
}

// GreaterEqual is a >= b with tolerance.
func GreaterEqual(a, b float64) bool {
	return a > b || Equal(a, b)
}

// LessEqual is a <= b with tolerance.
func LessEqual(a, b float64) bool {
	return a < b || Equal(a, b)
}

// ClampProb clamps p into [MinProb, MaxProb]. NaN maps to MinProb.
func ClampProb(p float64) float64 {
	if math.IsNaN(p) || p < MinProb {
		return MinProb
	}
	if p > MaxProb {
		return MaxProb
	}
	return p
}

// InProbBounds reports whether p lies inside [MinProb, MaxProb], allowing
// Epsilon of slack at either end.
func InProbBounds(p float64) bool {
	return p >= MinProb-Epsilon && p <= MaxProb+Epsilon
}

// Finite reports whether x is neither NaN nor infinite.
func Finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
