package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/playmoney/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T) (*MemoryStore, *model.Market) {
	t.Helper()
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.EnsureUser(ctx, "alice", d(1000)); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	m := &model.Market{
		ID: "m1", Slug: "rain-m1", CreatorID: "alice", OutcomeType: model.OutcomeTypeBinary,
		Pool: model.Pool{Yes: 100, No: 100}, P: 0.5, Status: model.StatusOpen, Version: 1, CreatedAt: t0,
	}
	prov := model.LiquidityProvision{ID: "p1", MarketID: "m1", UserID: "alice", Amount: 100, CreatedAt: t0}
	if err := s.CreateMarket(ctx, m, prov); err != nil {
		t.Fatalf("create market: %v", err)
	}
	return s, m
}

func TestCreateMarket_DebitsAnte(t *testing.T) {
	s, _ := seed(t)
	balances, _ := s.GetBalances(context.Background(), []string{"alice", "nobody"})
	if !balances["alice"].Equal(d(900)) {
		t.Errorf("expected 900 after ante, got %s", balances["alice"])
	}
	if _, ok := balances["nobody"]; ok {
		t.Error("unknown users should be omitted")
	}
	provs, _ := s.GetProvisions(context.Background(), "m1")
	if len(provs) != 1 {
		t.Errorf("expected 1 provision, got %d", len(provs))
	}
}

func TestCreateMarket_InsufficientBalance(t *testing.T) {
	s := NewMemoryStore()
	m := &model.Market{ID: "m2", Slug: "x", CreatorID: "broke"}
	err := s.CreateMarket(context.Background(), m, model.LiquidityProvision{Amount: 10})
	if !errors.Is(err, model.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestGetMarket_NotFoundAndCopies(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()

	if _, err := s.GetMarket(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	m, _ := s.GetMarket(ctx, "m1")
	m.Pool.Yes = 1
	again, _ := s.GetMarketBySlug(ctx, "rain-m1")
	if again.Pool.Yes != 100 {
		t.Error("stored market was mutated through a returned copy")
	}
}

func TestCommitTrade_AppliesAtomically(t *testing.T) {
	s, m := seed(t)
	ctx := context.Background()
	s.EnsureUser(ctx, "bob", d(50))

	order := model.LimitOrder{ID: "o1", UserID: "bob", MarketID: "m1", Outcome: model.OutcomeNo, LimitProb: 0.55, Shares: 20, Remaining: 20, CreatedAt: t0}
	next := m.Clone()
	if err := s.CommitTrade(ctx, Commit{Market: next, ExpectedVersion: 1, NewOrders: []model.LimitOrder{order}}); err != nil {
		t.Fatalf("commit order: %v", err)
	}
	if next.Version != 2 {
		t.Errorf("expected version 2 on the committed market, got %d", next.Version)
	}

	next = next.Clone()
	next.Volume = d(20)
	c := Commit{
		Market:          next,
		ExpectedVersion: 2,
		OrderUpdates:    []OrderUpdate{{ID: "o1", Remaining: 0}},
		Entries: []model.LedgerEntry{
			{ID: "e1", UserID: "alice", MarketID: "m1", Kind: model.EntryBet, Outcome: model.OutcomeYes, Shares: d(20), Amount: d(11), Timestamp: t0},
			{ID: "e2", UserID: "bob", MarketID: "m1", Kind: model.EntryMakerFill, Outcome: model.OutcomeNo, Shares: d(20), Amount: d(9), OrderID: "o1", Timestamp: t0},
		},
		BalanceDeltas: map[string]decimal.Decimal{"alice": d(-11), "bob": d(-9)},
	}
	if err := s.CommitTrade(ctx, c); err != nil {
		t.Fatalf("commit trade: %v", err)
	}

	open, _ := s.GetOpenOrders(ctx, "m1")
	if len(open) != 0 {
		t.Errorf("filled order should not be open, got %d", len(open))
	}
	balances, _ := s.GetBalances(ctx, []string{"alice", "bob"})
	if !balances["alice"].Equal(d(889)) || !balances["bob"].Equal(d(41)) {
		t.Errorf("unexpected balances: %v", balances)
	}
	positions, _ := s.GetUserPositions(ctx, "bob")
	if len(positions) != 1 || !positions[0].NoShares.Equal(d(20)) {
		t.Errorf("unexpected bob positions: %+v", positions)
	}
	stored, _ := s.GetMarket(ctx, "m1")
	if stored.Version != 3 || !stored.Volume.Equal(d(20)) {
		t.Errorf("unexpected stored market: version=%d volume=%s", stored.Version, stored.Volume)
	}
}

func TestCommitTrade_StaleVersion(t *testing.T) {
	s, m := seed(t)
	ctx := context.Background()

	err := s.CommitTrade(ctx, Commit{Market: m.Clone(), ExpectedVersion: 7})
	if !errors.Is(err, model.ErrStaleSnapshot) {
		t.Errorf("expected ErrStaleSnapshot, got %v", err)
	}
}

func TestCommitTrade_CancelledOrderIsStale(t *testing.T) {
	s, m := seed(t)
	ctx := context.Background()
	order := model.LimitOrder{ID: "o1", MarketID: "m1", Outcome: model.OutcomeYes, LimitProb: 0.4, Shares: 5, Remaining: 5}
	s.CommitTrade(ctx, Commit{Market: m.Clone(), ExpectedVersion: 1, NewOrders: []model.LimitOrder{order}})
	s.CommitTrade(ctx, Commit{Market: m.Clone(), ExpectedVersion: 2, OrderUpdates: []OrderUpdate{{ID: "o1", Remaining: 5, Cancelled: true}}})

	err := s.CommitTrade(ctx, Commit{Market: m.Clone(), ExpectedVersion: 3, OrderUpdates: []OrderUpdate{{ID: "o1", Remaining: 0}}})
	if !errors.Is(err, model.ErrStaleSnapshot) {
		t.Errorf("expected ErrStaleSnapshot, got %v", err)
	}
	got, _ := s.GetOrder(ctx, "o1")
	if !got.Cancelled || got.Remaining != 5 {
		t.Errorf("cancelled order changed: %+v", got)
	}
}

func TestCommitTrade_InsufficientBalanceWritesNothing(t *testing.T) {
	s, m := seed(t)
	ctx := context.Background()

	c := Commit{
		Market:          m.Clone(),
		ExpectedVersion: 1,
		Entries:         []model.LedgerEntry{{ID: "e1", UserID: "alice", MarketID: "m1"}},
		BalanceDeltas:   map[string]decimal.Decimal{"alice": d(-5000)},
	}
	if err := s.CommitTrade(ctx, c); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	entries, _ := s.GetLedgerEntriesByMarket(ctx, "m1")
	if len(entries) != 0 {
		t.Errorf("expected no ledger entries, got %d", len(entries))
	}
	stored, _ := s.GetMarket(ctx, "m1")
	if stored.Version != 1 {
		t.Errorf("version should not move, got %d", stored.Version)
	}
}

func TestListMarkets_NewestFirst(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()
	newer := &model.Market{ID: "m2", Slug: "later", CreatorID: "alice", CreatedAt: t0.Add(time.Hour)}
	if err := s.CreateMarket(ctx, newer, model.LiquidityProvision{Amount: 1}); err != nil {
		t.Fatalf("create market: %v", err)
	}
	markets, _ := s.ListMarkets(ctx)
	if len(markets) != 2 || markets[0].ID != "m2" {
		t.Errorf("expected m2 first, got %+v", markets)
	}
}

func sharesEntry(id string, kind model.EntryKind, o model.Outcome, shares float64) model.LedgerEntry {
	return model.LedgerEntry{
		ID: id, UserID: "alice", MarketID: "m1", Kind: kind,
		Outcome: o, Shares: d(shares), Amount: d(shares / 2), Timestamp: t0,
	}
}

func TestCommitTrade_RejectsOverdrawnHolding(t *testing.T) {
	s, m := seed(t)
	ctx := context.Background()

	buy := Commit{
		Market:          m.Clone(),
		ExpectedVersion: 1,
		Entries:         []model.LedgerEntry{sharesEntry("e1", model.EntryBet, model.OutcomeYes, 10)},
	}
	if err := s.CommitTrade(ctx, buy); err != nil {
		t.Fatalf("buy: %v", err)
	}

	sale := func(id string) error {
		cur, _ := s.GetMarket(ctx, "m1")
		return s.CommitTrade(ctx, Commit{
			Market:          cur,
			ExpectedVersion: cur.Version,
			Entries:         []model.LedgerEntry{sharesEntry(id, model.EntrySale, model.OutcomeYes, -10)},
			BalanceDeltas:   map[string]decimal.Decimal{"alice": d(5)},
		})
	}
	if err := sale("s1"); err != nil {
		t.Fatalf("first sale: %v", err)
	}
	// The second sale carries a fresh version, as if its positions came
	// from a read taken before the first sale landed.
	if err := sale("s2"); !errors.Is(err, model.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}

	stored, _ := s.GetMarket(ctx, "m1")
	if stored.Version != 3 {
		t.Errorf("rejected sale should not move the version, got %d", stored.Version)
	}
	balances, _ := s.GetBalances(ctx, []string{"alice"})
	if !balances["alice"].Equal(d(905)) {
		t.Errorf("only the first sale should pay out, balance %s", balances["alice"])
	}
	positions, _ := s.GetUserPositions(ctx, "alice")
	for _, p := range positions {
		if p.YesShares.IsNegative() {
			t.Errorf("holding went negative: %s", p.YesShares)
		}
	}
}

func TestCommitTrade_HoldingIsPerOutcome(t *testing.T) {
	s, m := seed(t)
	ctx := context.Background()

	c := Commit{
		Market:          m.Clone(),
		ExpectedVersion: 1,
		Entries: []model.LedgerEntry{
			sharesEntry("e1", model.EntryBet, model.OutcomeYes, 10),
			sharesEntry("e2", model.EntrySale, model.OutcomeNo, -1),
		},
	}
	if err := s.CommitTrade(ctx, c); !errors.Is(err, model.ErrInsufficientShares) {
		t.Fatalf("YES shares must not cover a NO sale, got %v", err)
	}

	c.Entries = c.Entries[:1]
	c.Entries = append(c.Entries, sharesEntry("e2", model.EntrySale, model.OutcomeYes, -4))
	if err := s.CommitTrade(ctx, c); err != nil {
		t.Fatalf("buy and sale in one commit: %v", err)
	}
}

func TestPrimary_UnwrapsCache(t *testing.T) {
	mem := NewMemoryStore()
	if got := Primary(mem); got != Store(mem) {
		t.Errorf("a plain store is its own primary")
	}
	cached := NewCachedStore(mem, nil, time.Minute)
	if got := Primary(cached); got != Store(mem) {
		t.Errorf("expected the memory store behind the cache, got %T", got)
	}
}
