package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/playmoney/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(kind model.EntryKind, o model.Outcome, shares, amount float64, at time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		UserID: "alice", MarketID: "m1", Kind: kind, Outcome: o,
		Shares: d(shares), Amount: d(amount), Timestamp: at,
	}
}

func TestApply_BuyAddsCost(t *testing.T) {
	pos := Apply(model.Position{}, entry(model.EntryBet, model.OutcomeYes, 20, 10, t0))
	if !pos.YesShares.Equal(d(20)) {
		t.Errorf("expected 20 YES shares, got %s", pos.YesShares)
	}
	if !pos.Invested.Equal(d(10)) {
		t.Errorf("expected invested=10, got %s", pos.Invested)
	}
}

func TestApply_SaleRemovesAverageCost(t *testing.T) {
	pos := Apply(model.Position{}, entry(model.EntryBet, model.OutcomeYes, 20, 10, t0))
	pos = Apply(pos, entry(model.EntryBet, model.OutcomeYes, 10, 8, t0))
	// Average cost is 18/30 = 0.6; selling 15 removes 9 of cost.
	pos = Apply(pos, entry(model.EntrySale, model.OutcomeYes, -15, -12, t0))

	if !pos.YesShares.Equal(d(15)) {
		t.Errorf("expected 15 shares left, got %s", pos.YesShares)
	}
	if !pos.YesCost.Equal(d(9)) {
		t.Errorf("expected cost=9, got %s", pos.YesCost)
	}
}

func TestApply_SellingEverythingZeroesCost(t *testing.T) {
	pos := Apply(model.Position{}, entry(model.EntryBet, model.OutcomeNo, 7, 3, t0))
	pos = Apply(pos, entry(model.EntrySale, model.OutcomeNo, -7, -4, t0))
	if !pos.NoShares.IsZero() || !pos.NoCost.IsZero() || !pos.Invested.IsZero() {
		t.Errorf("expected empty position, got %+v", pos)
	}
	if !Empty(pos) {
		t.Error("expected Empty to report true")
	}
}

func TestAggregate_GroupsAndOrders(t *testing.T) {
	later := t0.Add(time.Minute)
	entries := []model.LedgerEntry{
		entry(model.EntrySale, model.OutcomeYes, -5, -3, later),
		entry(model.EntryBet, model.OutcomeYes, 10, 5, t0),
		{UserID: "bob", MarketID: "m1", Kind: model.EntryBet, Outcome: model.OutcomeNo, Shares: d(4), Amount: d(2), Timestamp: t0},
		{UserID: "alice", MarketID: "m1", Kind: model.EntryLiquidity, Amount: d(100), Timestamp: t0},
	}

	got := Aggregate(entries)
	if len(got) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(got))
	}
	alice := Find(got, "alice", "m1", "")
	if !alice.YesShares.Equal(d(5)) {
		t.Errorf("alice: expected 5 YES shares, got %s", alice.YesShares)
	}
	if !alice.Invested.Equal(d(2.5)) {
		t.Errorf("alice: expected invested=2.5, got %s", alice.Invested)
	}
	bob := Find(got, "bob", "m1", "")
	if !bob.NoShares.Equal(d(4)) {
		t.Errorf("bob: expected 4 NO shares, got %s", bob.NoShares)
	}
}

func TestMark(t *testing.T) {
	pos := model.Position{YesShares: d(10), NoShares: d(4), Invested: d(6)}
	pos = Mark(pos, 0.75)
	if !pos.CurrentValue.Equal(d(8.5)) {
		t.Errorf("expected value=8.5, got %s", pos.CurrentValue)
	}
	if !pos.UnrealizedPnL.Equal(d(2.5)) {
		t.Errorf("expected pnl=2.5, got %s", pos.UnrealizedPnL)
	}
}

func TestRedeem_RepaysLoanFirst(t *testing.T) {
	pos := model.Position{UserID: "alice", MarketID: "m1", YesShares: d(10), NoShares: d(4), Loan: d(1)}

	r, ok := Redeem(pos, 0.5, t0)
	if !ok {
		t.Fatal("expected a redemption")
	}
	if !r.Shares.Equal(d(4)) || !r.LoanRepaid.Equal(d(1)) || !r.Payout.Equal(d(3)) {
		t.Errorf("unexpected redemption: shares=%s repaid=%s payout=%s", r.Shares, r.LoanRepaid, r.Payout)
	}
	if len(r.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(r.Entries))
	}
	total := r.Entries[0].Amount.Add(r.Entries[1].Amount)
	if !total.Equal(d(-4)) {
		t.Errorf("entry amounts should sum to -4, got %s", total)
	}

	for _, e := range r.Entries {
		pos = Apply(pos, e)
	}
	if !pos.YesShares.Equal(d(6)) || !pos.NoShares.IsZero() {
		t.Errorf("unexpected shares after redemption: yes=%s no=%s", pos.YesShares, pos.NoShares)
	}
	if !pos.Loan.IsZero() {
		t.Errorf("expected loan repaid, got %s", pos.Loan)
	}
}

func TestRedeem_NothingToRedeem(t *testing.T) {
	if _, ok := Redeem(model.Position{YesShares: d(3)}, 0.5, t0); ok {
		t.Error("expected no redemption without NO shares")
	}
}

func TestTradeEntryAndDeltas(t *testing.T) {
	res := model.TradeResult{
		Outcome: model.OutcomeYes, Amount: 11, Shares: 20,
		Fees:       model.Fees{Creator: 0.1},
		MakerFills: []model.MakerFill{{OrderID: "o1", UserID: "bob", Outcome: model.OutcomeNo, Shares: 20, Amount: 9}},
	}

	e := TradeEntry("alice", "m1", "", res, t0)
	if e.Kind != model.EntryBet || !e.Shares.Equal(d(20)) || !e.Amount.Equal(d(11)) {
		t.Errorf("unexpected taker entry: %+v", e)
	}
	me := MakerEntry("m1", "", res.MakerFills[0], res, t0)
	if me.UserID != "bob" || me.OrderID != "o1" || me.Outcome != model.OutcomeNo {
		t.Errorf("unexpected maker entry: %+v", me)
	}

	deltas := BalanceDeltas("alice", res)
	if !deltas["alice"].Equal(d(-11)) || !deltas["bob"].Equal(d(-9)) {
		t.Errorf("unexpected deltas: %v", deltas)
	}

	res.IsSale = true
	res.MakerFills = nil
	if e := TradeEntry("alice", "m1", "", res, t0); e.Kind != model.EntrySale || !e.Shares.IsNegative() {
		t.Errorf("sale entry should be negative: %+v", e)
	}
	if deltas := BalanceDeltas("alice", res); !deltas["alice"].Equal(d(11)) {
		t.Errorf("seller should receive 11, got %s", deltas["alice"])
	}
}

func TestPortfolio(t *testing.T) {
	positions := []model.Position{
		{UserID: "alice", MarketID: "m1", YesShares: d(10), Invested: d(5)},
		{UserID: "alice", MarketID: "m2", AnswerID: "a", NoShares: d(4), Invested: d(2)},
		{UserID: "bob", MarketID: "m1", YesShares: d(1)},
	}
	probs := map[string]float64{Key("m1", ""): 0.6, Key("m2", "a"): 0.5}

	pf := Portfolio("alice", d(100), positions, probs)
	if len(pf.Positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(pf.Positions))
	}
	if !pf.TotalValue.Equal(d(108)) {
		t.Errorf("expected total value 108, got %s", pf.TotalValue)
	}
	if !pf.TotalPnL.Equal(d(1)) {
		t.Errorf("expected pnl=1, got %s", pf.TotalPnL)
	}
	if !pf.ExposureByMarket["m2"].Equal(d(4)) {
		t.Errorf("expected m2 exposure=4, got %s", pf.ExposureByMarket["m2"])
	}
}
