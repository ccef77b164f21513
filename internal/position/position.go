// Package position derives user holdings from the ledger. Positions are
// never stored: they are a fold of a user's ledger entries, with cost
// tracked per outcome at average price.
package position

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playmoney/market-engine/internal/model"
	"github.com/playmoney/market-engine/internal/numeric"
)

// dust is the share amount below which a holding counts as zero.
var dust = decimal.NewFromFloat(numeric.Epsilon)

// Apply folds one ledger entry into pos. Acquisitions add their amount to
// the cost of the outcome; disposals remove cost at the average price of
// the holding.
func Apply(pos model.Position, e model.LedgerEntry) model.Position {
	if e.Shares.Abs().LessThan(dust) && e.LoanAmount.IsZero() {
		return pos
	}
	shares, cost := pos.YesShares, pos.YesCost
	if e.Outcome == model.OutcomeNo {
		shares, cost = pos.NoShares, pos.NoCost
	}

	if e.Amount.GreaterThanOrEqual(decimal.Zero) && e.Shares.IsPositive() {
		cost = cost.Add(e.Amount)
	} else if !shares.Abs().LessThan(dust) {
		avg := cost.Div(shares)
		cost = cost.Add(avg.Mul(e.Shares))
	}
	shares = shares.Add(e.Shares)
	if shares.Abs().LessThan(dust) {
		shares, cost = decimal.Zero, decimal.Zero
	}

	if e.Outcome == model.OutcomeNo {
		pos.NoShares, pos.NoCost = shares, cost
	} else {
		pos.YesShares, pos.YesCost = shares, cost
	}
	pos.Invested = pos.YesCost.Add(pos.NoCost)
	pos.Loan = pos.Loan.Add(e.LoanAmount)
	return pos
}

type key struct {
	user, market, answer string
}

// Aggregate folds entries into one position per user, market and answer,
// in timestamp order. Redemptions at the same instant apply after trades.
// The result is sorted by market, answer and user.
func Aggregate(entries []model.LedgerEntry) []model.Position {
	ordered := make([]model.LedgerEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Kind != model.EntryRedemption && b.Kind == model.EntryRedemption
	})

	byKey := make(map[key]model.Position)
	for _, e := range ordered {
		if e.Kind == model.EntryLiquidity {
			continue
		}
		k := key{e.UserID, e.MarketID, e.AnswerID}
		pos, ok := byKey[k]
		if !ok {
			pos = model.Position{UserID: e.UserID, MarketID: e.MarketID, AnswerID: e.AnswerID}
		}
		byKey[k] = Apply(pos, e)
	}

	out := make([]model.Position, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		if a.AnswerID != b.AnswerID {
			return a.AnswerID < b.AnswerID
		}
		return a.UserID < b.UserID
	})
	return out
}

// Find returns the position for market and answer, or an empty one.
func Find(positions []model.Position, userID, marketID, answerID string) model.Position {
	for _, p := range positions {
		if p.UserID == userID && p.MarketID == marketID && p.AnswerID == answerID {
			return p
		}
	}
	return model.Position{UserID: userID, MarketID: marketID, AnswerID: answerID}
}

// Empty reports whether pos holds no shares and no loan.
func Empty(pos model.Position) bool {
	return pos.YesShares.Abs().LessThan(dust) && pos.NoShares.Abs().LessThan(dust) && pos.Loan.IsZero()
}

// Mark values pos at the YES probability prob.
func Mark(pos model.Position, prob float64) model.Position {
	p := decimal.NewFromFloat(prob)
	pos.CurrentValue = pos.YesShares.Mul(p).Add(pos.NoShares.Mul(decimal.NewFromInt(1).Sub(p)))
	pos.UnrealizedPnL = pos.CurrentValue.Sub(pos.Invested)
	return pos
}

// Redeemable is the number of complete YES+NO sets in pos.
func Redeemable(pos model.Position) decimal.Decimal {
	n := decimal.Min(pos.YesShares, pos.NoShares)
	if n.LessThan(dust) {
		return decimal.Zero
	}
	return n
}

// Redemption is the outcome of redeeming complete sets.
type Redemption struct {
	Shares     decimal.Decimal     `json:"shares"`
	Payout     decimal.Decimal     `json:"payout"`
	LoanRepaid decimal.Decimal     `json:"loan_repaid"`
	Entries    []model.LedgerEntry `json:"entries"`
}

// Redeem converts every complete set in pos into one mana each. The
// outstanding loan is repaid first and the rest is paid out. The two
// entries split the mana between outcomes at the YES probability prob.
// ok is false when there is nothing to redeem.
func Redeem(pos model.Position, prob float64, at time.Time) (Redemption, bool) {
	n := Redeemable(pos)
	if n.IsZero() {
		return Redemption{}, false
	}
	repaid := decimal.Zero
	if pos.Loan.IsPositive() {
		repaid = decimal.Min(pos.Loan, n)
	}

	p := decimal.NewFromFloat(numeric.ClampProb(prob))
	q := decimal.NewFromInt(1).Sub(p)
	entry := func(o model.Outcome, weight decimal.Decimal) model.LedgerEntry {
		return model.LedgerEntry{
			ID:         uuid.New().String(),
			UserID:     pos.UserID,
			MarketID:   pos.MarketID,
			AnswerID:   pos.AnswerID,
			Kind:       model.EntryRedemption,
			Outcome:    o,
			Shares:     n.Neg(),
			Amount:     n.Mul(weight).Neg(),
			ProbBefore: p,
			ProbAfter:  p,
			LoanAmount: repaid.Mul(weight).Neg(),
			Timestamp:  at,
		}
	}
	return Redemption{
		Shares:     n,
		Payout:     n.Sub(repaid),
		LoanRepaid: repaid,
		Entries:    []model.LedgerEntry{entry(model.OutcomeYes, p), entry(model.OutcomeNo, q)},
	}, true
}

// Portfolio builds the portfolio of userID from positions marked at probs,
// which maps market id and answer id (joined by Key) to the YES probability.
// Positions without a probability are valued at their cost.
func Portfolio(userID string, balance decimal.Decimal, positions []model.Position, probs map[string]float64) model.Portfolio {
	pf := model.Portfolio{
		UserID:           userID,
		Balance:          balance,
		Positions:        []model.Position{},
		TotalValue:       balance,
		ExposureByMarket: make(map[string]decimal.Decimal),
	}
	for _, pos := range positions {
		if pos.UserID != userID || Empty(pos) {
			continue
		}
		if prob, ok := probs[Key(pos.MarketID, pos.AnswerID)]; ok {
			pos = Mark(pos, prob)
		} else {
			pos.CurrentValue = pos.Invested
		}
		pf.Positions = append(pf.Positions, pos)
		pf.TotalValue = pf.TotalValue.Add(pos.CurrentValue).Sub(pos.Loan)
		pf.TotalPnL = pf.TotalPnL.Add(pos.UnrealizedPnL)
		held := pos.YesShares.Add(pos.NoShares)
		pf.ExposureByMarket[pos.MarketID] = pf.ExposureByMarket[pos.MarketID].Add(held)
	}
	return pf
}

// Key joins a market id and an answer id.
func Key(marketID, answerID string) string {
	if answerID == "" {
		return marketID
	}
	return marketID + "/" + answerID
}
