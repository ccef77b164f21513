// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/playmoney/market-engine/internal/model"
	"github.com/playmoney/market-engine/internal/numeric"
)

// OrderUpdate is the post-trade state of a resting order.
type OrderUpdate struct {
	ID        string  `json:"id"`
	Remaining float64 `json:"remaining"`
	Cancelled bool    `json:"cancelled"`
}

// Commit is everything one trade, liquidity change or redemption writes.
// It is applied atomically: either all of it lands or none does.
type Commit struct {
	// Market is the new market state. The commit fails with
	// model.ErrStaleSnapshot unless the stored version equals
	// ExpectedVersion; on success the stored version is ExpectedVersion+1.
	Market          *model.Market
	ExpectedVersion int64

	OrderUpdates []OrderUpdate
	NewOrders    []model.LimitOrder
	Provisions   []model.LiquidityProvision

	// Entries that dispose of shares fail the commit with
	// model.ErrInsufficientShares if they would leave the holding negative.
	Entries []model.LedgerEntry

	// BalanceDeltas are applied to user balances. A delta that would take
	// a balance below zero fails the commit with model.ErrInsufficientBalance.
	BalanceDeltas map[string]decimal.Decimal
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market and debits the creator's ante
	// recorded in provision.
	CreateMarket(ctx context.Context, market *model.Market, provision model.LiquidityProvision) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// GetMarketBySlug retrieves a market by its slug.
	GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// CommitTrade applies c atomically under an optimistic version check.
	CommitTrade(ctx context.Context, c Commit) error

	// --- Limit orders ---

	// GetOpenOrders returns the open orders of a market.
	GetOpenOrders(ctx context.Context, marketID string) ([]model.LimitOrder, error)

	// GetOrder retrieves an order by its ID.
	GetOrder(ctx context.Context, id string) (*model.LimitOrder, error)

	// --- Balances ---

	// EnsureUser creates the user with balance starting if absent and
	// returns the current balance.
	EnsureUser(ctx context.Context, userID string, starting decimal.Decimal) (decimal.Decimal, error)

	// GetBalances returns the balances of the given users. Unknown users
	// are omitted.
	GetBalances(ctx context.Context, userIDs []string) (map[string]decimal.Decimal, error)

	// --- Immutable ledger ---

	// GetLedgerEntriesByMarket returns all entries for a market.
	GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByUser returns all entries for a user.
	GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// GetProvisions returns the liquidity history of a market.
	GetProvisions(ctx context.Context, marketID string) ([]model.LiquidityProvision, error)

	// --- Position queries ---

	// GetUserPositions computes aggregate positions from the ledger.
	GetUserPositions(ctx context.Context, userID string) ([]model.Position, error)
}

// Unwrapper is implemented by cache decorators over a primary Store.
type Unwrapper interface {
	Unwrap() Store
}

// Primary returns the source of truth behind any cache layers of s.
// Reads that gate a commit must go through it.
func Primary(s Store) Store {
	for {
		u, ok := s.(Unwrapper)
		if !ok {
			return s
		}
		s = u.Unwrap()
	}
}

// shareDust is the tolerance below which a holding counts as zero.
var shareDust = decimal.NewFromFloat(numeric.Epsilon)

// holding identifies the shares one user holds of one outcome.
type holding struct {
	user, market, answer string
	outcome              model.Outcome
}

func holdingOf(e model.LedgerEntry) holding {
	return holding{e.UserID, e.MarketID, e.AnswerID, e.Outcome}
}

// countsShares reports whether e moves a share holding. Liquidity entries
// record mana only.
func countsShares(e model.LedgerEntry) bool {
	return e.Kind != model.EntryLiquidity
}

// disposals returns the holdings that entries reduce, in first-seen order.
func disposals(entries []model.LedgerEntry) []holding {
	seen := make(map[holding]bool)
	var out []holding
	for _, e := range entries {
		if !countsShares(e) || !e.Shares.IsNegative() {
			continue
		}
		h := holdingOf(e)
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

func overdrawn(h holding, total decimal.Decimal) error {
	if total.GreaterThanOrEqual(shareDust.Neg()) {
		return nil
	}
	return fmt.Errorf("%w: %s would hold %s %s in market %s",
		model.ErrInsufficientShares, h.user, total.StringFixed(6), h.outcome, h.market)
}
