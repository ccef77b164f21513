// Package cpmm implements the weighted constant-product market maker that
// prices every pool in the engine.
//
// A pool holds YES and NO share reserves (y, n) and a weight p. Trades keep
// y^p * n^(1-p) constant and the probability of YES is
//
//	prob = p*n / ((1-p)*y + p*n)
//
// Buying with mana mints complete sets: the mana is added to both reserves
// and the bought outcome's shares are taken back out. Selling k shares of an
// outcome is priced as buying k shares of the opposite outcome and redeeming
// the resulting complete sets.
//
// Functions are pure: pool state is passed in and new state returned.
package cpmm

import (
	"fmt"
	"math"

	"github.com/playmoney/market-engine/internal/model"
	"github.com/playmoney/market-engine/internal/numeric"
)

// ErrInvalidPool is returned for non-positive reserves or p outside (0, 1).
var ErrInvalidPool = fmt.Errorf("cpmm: invalid pool: %w", model.ErrInvariantViolation)

// bisectIterations bounds the inverse searches. Each halves the bracket, so
// the result is exact to float64 precision well before the limit.
const bisectIterations = 200

// Validate checks that s is a usable pool.
func Validate(s model.PoolState) error {
	y, n, p := s.Pool.Yes, s.Pool.No, s.P
	if !numeric.Finite(y) || !numeric.Finite(n) || y <= 0 || n <= 0 {
		return fmt.Errorf("%w: reserves yes=%v no=%v", ErrInvalidPool, y, n)
	}
	if !numeric.Finite(p) || p <= 0 || p >= 1 {
		return fmt.Errorf("%w: p=%v", ErrInvalidPool, p)
	}
	return nil
}

// RawProbability returns the unclamped YES probability of s.
func RawProbability(s model.PoolState) float64 {
	y, n, p := s.Pool.Yes, s.Pool.No, s.P
	return p * n / ((1-p)*y + p*n)
}

// Probability returns the YES probability of s clamped into
// [numeric.MinProb, numeric.MaxProb].
func Probability(s model.PoolState) float64 {
	return numeric.ClampProb(RawProbability(s))
}

// OutcomeProbability returns the probability of o.
func OutcomeProbability(s model.PoolState, o model.Outcome) float64 {
	if o == model.OutcomeYes {
		return Probability(s)
	}
	return 1 - Probability(s)
}

// Liquidity returns y^p * n^(1-p), the quantity every trade preserves.
func Liquidity(s model.PoolState) float64 {
	return math.Pow(s.Pool.Yes, s.P) * math.Pow(s.Pool.No, 1-s.P)
}

// Shares returns how many o shares amount buys from s, ignoring bounds.
func Shares(s model.PoolState, o model.Outcome, amount float64) float64 {
	if amount <= 0 {
		return 0
	}
	y, n, p := s.Pool.Yes, s.Pool.No, s.P
	if o == model.OutcomeYes {
		newY := y * math.Pow(n/(n+amount), (1-p)/p)
		return y + amount - newY
	}
	newN := n * math.Pow(y/(y+amount), p/(1-p))
	return n + amount - newN
}

// after returns the pool once amount was paid for shares of o.
func after(s model.PoolState, o model.Outcome, amount, shares float64) model.PoolState {
	next := s
	if o == model.OutcomeYes {
		next.Pool.Yes = s.Pool.Yes - shares + amount
		next.Pool.No = s.Pool.No + amount
	} else {
		next.Pool.Yes = s.Pool.Yes + amount
		next.Pool.No = s.Pool.No - shares + amount
	}
	return next
}

// bound is the probability a purchase of o can move the pool towards.
func bound(o model.Outcome) float64 {
	if o == model.OutcomeYes {
		return numeric.MaxProb
	}
	return numeric.MinProb
}

func inBounds(s model.PoolState) bool {
	return s.Pool.Yes > 0 && s.Pool.No > 0 && numeric.InProbBounds(RawProbability(s))
}

// Buy spends amount on o and returns the new pool and the shares bought.
// Purchases that would leave the probability bounds fail with a
// *model.SizeError carrying the largest amount that fits.
func Buy(s model.PoolState, o model.Outcome, amount float64) (model.PoolState, float64, error) {
	if !numeric.Finite(amount) || amount < 0 {
		return s, 0, fmt.Errorf("%w: amount %v", model.ErrInvalidTradeSize, amount)
	}
	if amount == 0 {
		return s, 0, nil
	}
	shares := Shares(s, o, amount)
	next := after(s, o, amount, shares)
	if !inBounds(next) {
		return s, 0, &model.SizeError{Err: model.ErrInvalidTradeSize, Max: MaxAmount(s, o)}
	}
	return next, shares, nil
}

// AmountToProb returns the mana that moves the YES probability of s to
// prob by buying o. It is zero when the pool is already at or past prob.
func AmountToProb(s model.PoolState, o model.Outcome, prob float64) float64 {
	q := numeric.ClampProb(prob)
	y, n, p := s.Pool.Yes, s.Pool.No, s.P
	lnK := p*math.Log(y) + (1-p)*math.Log(n)

	var amount float64
	if o == model.OutcomeYes {
		// At the target y/n = c, so n = k / c^p.
		c := p * (1 - q) / ((1 - p) * q)
		amount = math.Exp(lnK-p*math.Log(c)) - n
	} else {
		// At the target n/y = d, so y = k / d^(1-p).
		d := (1 - p) * q / (p * (1 - q))
		amount = math.Exp(lnK-(1-p)*math.Log(d)) - y
	}
	if amount < 0 || !numeric.Finite(amount) {
		return 0
	}
	return amount
}

// MaxAmount is the largest purchase of o that keeps s inside the bounds.
func MaxAmount(s model.PoolState, o model.Outcome) float64 {
	return AmountToProb(s, o, bound(o))
}

// MaxShares is the most o shares the pool can sell before reaching the
// bound.
func MaxShares(s model.PoolState, o model.Outcome) float64 {
	return Shares(s, o, MaxAmount(s, o))
}

// CostOfShares returns the mana needed to buy exactly shares of o.
func CostOfShares(s model.PoolState, o model.Outcome, shares float64) (float64, error) {
	if !numeric.Finite(shares) || shares < 0 {
		return 0, fmt.Errorf("%w: shares %v", model.ErrInvalidTradeSize, shares)
	}
	if shares == 0 {
		return 0, nil
	}
	y, n := s.Pool.Yes, s.Pool.No
	if o == model.OutcomeNo {
		y, n = n, y
	}
	if s.P == 0.5 {
		// (y + a - s)(n + a) = y*n solved for a.
		b := y + n - shares
		disc := math.Sqrt(b*b + 4*n*shares)
		if b > 0 {
			return 2 * n * shares / (b + disc), nil
		}
		return (disc - b) / 2, nil
	}

	// Shares is increasing in amount and never below it, so the cost of
	// shares lies in [0, shares].
	lo, hi := 0.0, shares
	for i := 0; i < bisectIterations; i++ {
		mid := (lo + hi) / 2
		if mid == lo || mid == hi {
			break
		}
		if Shares(s, o, mid) < shares {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi, nil
}

// BuyShares buys exactly shares of o and returns the new pool and the cost.
func BuyShares(s model.PoolState, o model.Outcome, shares float64) (model.PoolState, float64, error) {
	amount, err := CostOfShares(s, o, shares)
	if err != nil {
		return s, 0, err
	}
	if shares == 0 {
		return s, 0, nil
	}
	next := after(s, o, amount, shares)
	if !inBounds(next) {
		return s, 0, &model.SizeError{Err: model.ErrInvalidTradeSize, Max: MaxShares(s, o)}
	}
	return next, amount, nil
}

// Sell sells shares of o back to the pool and returns the new pool and the
// mana received. The pool buys the opposite outcome for shares and the
// resulting complete sets pay out one each.
func Sell(s model.PoolState, o model.Outcome, shares float64) (model.PoolState, float64, error) {
	next, cost, err := BuyShares(s, o.Opposite(), shares)
	if err != nil {
		if max, ok := model.MaxSize(err); ok {
			return s, 0, &model.SizeError{Err: model.ErrInsufficientShares, Max: max}
		}
		return s, 0, err
	}
	return next, math.Max(shares-cost, 0), nil
}

// SetProbability returns a pool with the same p and liquidity whose YES
// probability is prob.
func SetProbability(s model.PoolState, prob float64) model.PoolState {
	q := numeric.ClampProb(prob)
	p := s.P
	l := Liquidity(s)
	r := q * (1 - p) / (p * (1 - q)) // n / y at the target
	y := l / math.Pow(r, 1-p)
	return model.PoolState{Pool: model.Pool{Yes: y, No: r * y}, P: p}
}

// PoolForProbability builds a pool with weight p, liquidity l and YES
// probability prob.
func PoolForProbability(l, p, prob float64) model.PoolState {
	return SetProbability(model.PoolState{Pool: model.Pool{Yes: l, No: l}, P: p}, prob)
}
