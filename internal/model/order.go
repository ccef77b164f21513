package model

import (
	"time"

	"github.com/playmoney/market-engine/internal/numeric"
)

// LimitOrder is a resting order to buy Outcome shares once the market
// reaches LimitProb. LimitProb is always expressed as a YES probability.
// Remaining counts unfilled shares.
type LimitOrder struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	MarketID  string     `json:"market_id"`
	AnswerID  string     `json:"answer_id,omitempty"`
	Outcome   Outcome    `json:"outcome"`
	LimitProb float64    `json:"limit_prob"`
	Shares    float64    `json:"shares"`
	Remaining float64    `json:"remaining"`
	Cancelled bool       `json:"cancelled"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Open reports whether the order can still be filled.
func (o LimitOrder) Open() bool {
	return !o.Cancelled && o.Remaining > numeric.Epsilon
}

// Expired reports whether the order has expired at asOf.
func (o LimitOrder) Expired(asOf time.Time) bool {
	return o.ExpiresAt != nil && !asOf.IsZero() && !asOf.Before(*o.ExpiresAt)
}

// Price is what the maker pays per share.
func (o LimitOrder) Price() float64 {
	if o.Outcome == OutcomeYes {
		return o.LimitProb
	}
	return 1 - o.LimitProb
}
