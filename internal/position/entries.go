package position

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playmoney/market-engine/internal/model"
)

// TradeEntry records the taker side of res. Sales carry negative shares
// and a negative amount.
func TradeEntry(userID, marketID, answerID string, res model.TradeResult, at time.Time) model.LedgerEntry {
	kind := model.EntryBet
	shares := decimal.NewFromFloat(res.Shares)
	amount := decimal.NewFromFloat(res.Amount)
	if res.IsSale {
		kind = model.EntrySale
		shares = shares.Neg()
		amount = amount.Neg()
	}
	return model.LedgerEntry{
		ID:         uuid.New().String(),
		UserID:     userID,
		MarketID:   marketID,
		AnswerID:   answerID,
		Kind:       kind,
		Outcome:    res.Outcome,
		Shares:     shares,
		Amount:     amount,
		Fees:       decimal.NewFromFloat(res.Fees.Total()),
		ProbBefore: decimal.NewFromFloat(res.ProbBefore),
		ProbAfter:  decimal.NewFromFloat(res.ProbAfter),
		Timestamp:  at,
	}
}

// MakerEntry records a resting order being filled. The maker pays their
// limit price and no fee.
func MakerEntry(marketID, answerID string, f model.MakerFill, res model.TradeResult, at time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		ID:         uuid.New().String(),
		UserID:     f.UserID,
		MarketID:   marketID,
		AnswerID:   answerID,
		Kind:       model.EntryMakerFill,
		Outcome:    f.Outcome,
		Shares:     decimal.NewFromFloat(f.Shares),
		Amount:     decimal.NewFromFloat(f.Amount),
		ProbBefore: decimal.NewFromFloat(res.ProbBefore),
		ProbAfter:  decimal.NewFromFloat(res.ProbAfter),
		OrderID:    f.OrderID,
		Timestamp:  at,
	}
}

// BalanceDeltas returns the mana each participant of res gains (positive)
// or spends (negative).
func BalanceDeltas(userID string, res model.TradeResult) map[string]decimal.Decimal {
	deltas := make(map[string]decimal.Decimal)
	amount := decimal.NewFromFloat(res.Amount)
	if res.IsSale {
		deltas[userID] = amount
	} else {
		deltas[userID] = amount.Neg()
	}
	for _, f := range res.MakerFills {
		deltas[f.UserID] = deltas[f.UserID].Sub(decimal.NewFromFloat(f.Amount))
	}
	return deltas
}
