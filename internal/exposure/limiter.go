// Package exposure enforces position limits that account for the
// correlation between answers of the same market.
//
// A user buying YES on every answer of a multiple-choice market holds
// correlated risk: at most one of those answers can resolve YES in a
// sum-to-one market. The limiter bounds both the net position in any single
// answer and the aggregate exposure across all answers of a market.
package exposure

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/playmoney/market-engine/internal/model"
	"github.com/playmoney/market-engine/internal/position"
)

var (
	// ErrPerAnswerLimitExceeded is returned when a trade would push the net
	// position in one answer (or one single-pool market) past the maximum.
	ErrPerAnswerLimitExceeded = errors.New("exposure: per-answer position limit exceeded")

	// ErrPerMarketLimitExceeded is returned when a trade would push the
	// aggregate exposure across the answers of a market past the maximum.
	ErrPerMarketLimitExceeded = errors.New("exposure: per-market exposure limit exceeded")
)

// Limiter enforces per-answer and per-market share limits. A zero limit
// disables that check.
type Limiter struct {
	MaxPerAnswer decimal.Decimal
	MaxPerMarket decimal.Decimal
}

// NewLimiter creates a limiter with the given limits.
func NewLimiter(maxPerAnswer, maxPerMarket decimal.Decimal) *Limiter {
	return &Limiter{MaxPerAnswer: maxPerAnswer, MaxPerMarket: maxPerMarket}
}

// Net returns the signed exposure of pos: YES shares minus NO shares.
func Net(pos model.Position) decimal.Decimal {
	return pos.YesShares.Sub(pos.NoShares)
}

// Delta is the signed exposure change of acquiring shares of o.
// Negative shares dispose.
func Delta(o model.Outcome, shares decimal.Decimal) decimal.Decimal {
	if o == model.OutcomeNo {
		return shares.Neg()
	}
	return shares
}

// Exposures maps position.Key(market, answer) to the net exposure of every
// position held by userID.
func Exposures(userID string, positions []model.Position) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, p := range positions {
		if p.UserID != userID {
			continue
		}
		out[position.Key(p.MarketID, p.AnswerID)] = Net(p)
	}
	return out
}

// CheckLimit validates whether a trade respects position limits.
//
// Parameters:
//   - marketID, answerID: the pool being traded ("" answer for single-pool markets)
//   - delta: signed change in exposure (+YES / -NO direction)
//   - existing: position.Key → current net exposure for this user
//
// Returns nil if the trade is within limits, or an error describing the violation.
func (l *Limiter) CheckLimit(marketID, answerID string, delta decimal.Decimal, existing map[string]decimal.Decimal) error {
	target := position.Key(marketID, answerID)
	current := existing[target]
	next := current.Add(delta)

	// Trades that shrink the position are always allowed.
	if next.Abs().LessThanOrEqual(current.Abs()) {
		return nil
	}

	if l.MaxPerAnswer.IsPositive() && next.Abs().GreaterThan(l.MaxPerAnswer) {
		return ErrPerAnswerLimitExceeded
	}

	if !l.MaxPerMarket.IsPositive() {
		return nil
	}
	total := next.Abs()
	for k, exposure := range existing {
		if k == target {
			continue // already counted via next above
		}
		if sameMarket(k, marketID) {
			total = total.Add(exposure.Abs())
		}
	}
	if total.GreaterThan(l.MaxPerMarket) {
		return ErrPerMarketLimitExceeded
	}
	return nil
}

func sameMarket(key, marketID string) bool {
	return key == marketID || strings.HasPrefix(key, marketID+"/")
}
