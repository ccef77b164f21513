// Package model defines the domain types shared across the market engine.
// Pool reserves and probabilities are float64 pricing state; mana that
// leaves or enters a user's balance is persisted as shopspring/decimal.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Market lifecycle states.
const (
	StatusOpen     = "open"
	StatusClosed   = "closed"
	StatusResolved = "resolved"
)

// Market is the persisted state of one market. Single-pool markets use
// Pool and P; multiple-choice markets keep one pool per answer.
// Version increases with every committed state change.
type Market struct {
	ID            string          `json:"id" db:"id"`
	Slug          string          `json:"slug" db:"slug"`
	Question      string          `json:"question" db:"question"`
	CreatorID     string          `json:"creator_id" db:"creator_id"`
	OutcomeType   OutcomeType     `json:"outcome_type" db:"outcome_type"`
	Pool          Pool            `json:"pool"`
	P             float64         `json:"p" db:"p"`
	Min           float64         `json:"min,omitempty" db:"min"`
	Max           float64         `json:"max,omitempty" db:"max"`
	IsLogScale    bool            `json:"is_log_scale,omitempty" db:"is_log_scale"`
	SumsToOne     bool            `json:"sums_to_one,omitempty" db:"sums_to_one"`
	Answers       []Answer        `json:"answers,omitempty"`
	CollectedFees Fees            `json:"collected_fees"`
	Volume        decimal.Decimal `json:"volume" db:"volume"`
	Status        string          `json:"status" db:"status"`
	Version       int64           `json:"version" db:"version"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Mechanism returns the pricing mechanism described by the market.
func (m *Market) Mechanism() (Mechanism, error) {
	state := PoolState{Pool: m.Pool, P: m.P}
	switch m.OutcomeType {
	case OutcomeTypeBinary:
		return Binary{State: state}, nil
	case OutcomeTypePseudoNumeric:
		return PseudoNumeric{State: state, Min: m.Min, Max: m.Max, IsLogScale: m.IsLogScale}, nil
	case OutcomeTypeStonk:
		return Stonk{State: state}, nil
	case OutcomeTypeMultipleChoice:
		answers := make([]Answer, len(m.Answers))
		copy(answers, m.Answers)
		return MultiAnswer{Answers: answers, SumsToOne: m.SumsToOne}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMechanism, m.OutcomeType)
	}
}

// SetMechanism writes the pool state of mech back onto the market.
func (m *Market) SetMechanism(mech Mechanism) error {
	if mech.Type() != m.OutcomeType {
		return fmt.Errorf("%w: market is %s, state is %s", ErrUnsupportedMechanism, m.OutcomeType, mech.Type())
	}
	if v, ok := mech.(MultiAnswer); ok {
		m.Answers = make([]Answer, len(v.Answers))
		copy(m.Answers, v.Answers)
		return nil
	}
	s, _ := SingleState(mech)
	m.Pool = s.Pool
	m.P = s.P
	return nil
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() *Market {
	c := *m
	if m.Answers != nil {
		c.Answers = make([]Answer, len(m.Answers))
		copy(c.Answers, m.Answers)
	}
	return &c
}

// EntryKind classifies ledger entries.
type EntryKind string

const (
	EntryBet           EntryKind = "bet"
	EntrySale          EntryKind = "sale"
	EntryMakerFill     EntryKind = "maker_fill"
	EntryRedemption    EntryKind = "redemption"
	EntryLiquidity     EntryKind = "liquidity"
	EntryLiquidityExit EntryKind = "liquidity_withdrawal"
)

// LedgerEntry is an immutable record of a share or mana movement.
// Once created, entries are never modified or deleted.
type LedgerEntry struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	MarketID   string          `json:"market_id" db:"market_id"`
	AnswerID   string          `json:"answer_id,omitempty" db:"answer_id"`
	Kind       EntryKind       `json:"kind" db:"kind"`
	Outcome    Outcome         `json:"outcome,omitempty" db:"outcome"`
	Shares     decimal.Decimal `json:"shares" db:"shares"` // signed: +acquired, -disposed
	Amount     decimal.Decimal `json:"amount" db:"amount"` // signed: +paid, -received
	Fees       decimal.Decimal `json:"fees" db:"fees"`
	ProbBefore decimal.Decimal `json:"prob_before" db:"prob_before"`
	ProbAfter  decimal.Decimal `json:"prob_after" db:"prob_after"`
	OrderID    string          `json:"order_id,omitempty" db:"order_id"`
	LoanAmount decimal.Decimal `json:"loan_amount" db:"loan_amount"` // signed: +borrowed, -repaid
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// LiquidityProvision records mana added to (positive) or withdrawn from
// (negative) a market's pool by one user.
type LiquidityProvision struct {
	ID        string    `json:"id" db:"id"`
	MarketID  string    `json:"market_id" db:"market_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Amount    float64   `json:"amount" db:"amount"`
	Liquidity float64   `json:"liquidity" db:"liquidity"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Position is a user's holdings in one market, or one answer of a
// multiple-choice market.
type Position struct {
	UserID        string          `json:"user_id"`
	MarketID      string          `json:"market_id"`
	AnswerID      string          `json:"answer_id,omitempty"`
	YesShares     decimal.Decimal `json:"yes_shares"`
	NoShares      decimal.Decimal `json:"no_shares"`
	YesCost       decimal.Decimal `json:"yes_cost"` // average-cost basis of YesShares
	NoCost        decimal.Decimal `json:"no_cost"`
	Invested      decimal.Decimal `json:"invested"` // YesCost + NoCost
	Loan          decimal.Decimal `json:"loan"`
	CurrentValue  decimal.Decimal `json:"current_value"`  // mark-to-market
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // currentValue - invested
}

// Shares returns the holding for o.
func (p Position) Shares(o Outcome) decimal.Decimal {
	if o == OutcomeYes {
		return p.YesShares
	}
	return p.NoShares
}

// Portfolio aggregates all positions for a user.
type Portfolio struct {
	UserID           string                     `json:"user_id"`
	Balance          decimal.Decimal            `json:"balance"`
	Positions        []Position                 `json:"positions"`
	TotalValue       decimal.Decimal            `json:"total_value"`
	TotalPnL         decimal.Decimal            `json:"total_pnl"`
	ExposureByMarket map[string]decimal.Decimal `json:"exposure_by_market"` // marketID → shares held
}
