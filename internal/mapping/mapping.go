// Package mapping converts pool probabilities into the values a market
// displays: a probability for binary markets, a number in [min, max] for
// pseudo-numeric markets and an unbounded price for stonks.
package mapping

import (
	"fmt"
	"math"

	"github.com/playmoney/market-engine/internal/cpmm"
	"github.com/playmoney/market-engine/internal/model"
)

const (
	// StonkBasePrice is the price of a stonk at probability 0.5.
	StonkBasePrice = 50.0

	// stonkProbCap keeps stonk prices finite.
	stonkProbCap = 1e-4
)

// DisplayValue maps the current state of a single-pool mechanism to its
// display value. Multi-answer markets have no single value.
func DisplayValue(m model.Mechanism) (float64, error) {
	switch v := m.(type) {
	case model.Binary:
		return cpmm.Probability(v.State), nil
	case model.PseudoNumeric:
		return PseudoNumericValue(cpmm.Probability(v.State), v.Min, v.Max, v.IsLogScale), nil
	case model.Stonk:
		return StonkPrice(cpmm.Probability(v.State)), nil
	default:
		return 0, fmt.Errorf("%w: no display value for %s", model.ErrUnsupportedMechanism, m.Type())
	}
}

// ProbabilityForValue is the inverse of DisplayValue: it converts a
// display value into the probability that would show it.
func ProbabilityForValue(m model.Mechanism, value float64) (float64, error) {
	switch v := m.(type) {
	case model.Binary:
		return value, nil
	case model.PseudoNumeric:
		return PseudoNumericProb(value, v.Min, v.Max, v.IsLogScale), nil
	case model.Stonk:
		return StonkProb(value), nil
	default:
		return 0, fmt.Errorf("%w: no display value for %s", model.ErrUnsupportedMechanism, m.Type())
	}
}

// PseudoNumericValue maps prob onto [min, max], linearly or on a log scale.
func PseudoNumericValue(prob, min, max float64, isLogScale bool) float64 {
	if isLogScale {
		logValue := prob * math.Log10(max-min+1)
		return math.Pow(10, logValue) + min - 1
	}
	return prob*(max-min) + min
}

// PseudoNumericProb maps value in [min, max] back to a probability.
func PseudoNumericProb(value, min, max float64, isLogScale bool) float64 {
	value = math.Min(math.Max(value, min), max)
	if isLogScale {
		return math.Log10(value-min+1) / math.Log10(max-min+1)
	}
	return (value - min) / (max - min)
}

// StonkPrice maps prob to StonkBasePrice times the odds of YES.
func StonkPrice(prob float64) float64 {
	p := math.Min(math.Max(prob, stonkProbCap), 1-stonkProbCap)
	return StonkBasePrice * p / (1 - p)
}

// StonkProb is the inverse of StonkPrice.
func StonkProb(price float64) float64 {
	if price <= 0 {
		return stonkProbCap
	}
	p := price / (price + StonkBasePrice)
	return math.Min(math.Max(p, stonkProbCap), 1-stonkProbCap)
}
