package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/playmoney/market-engine/internal/model"
	"github.com/playmoney/market-engine/internal/position"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	markets    map[string]*model.Market
	orders     map[string]*model.LimitOrder
	balances   map[string]decimal.Decimal
	ledger     []model.LedgerEntry
	provisions []model.LiquidityProvision
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:  make(map[string]*model.Market),
		orders:   make(map[string]*model.LimitOrder),
		balances: make(map[string]decimal.Decimal),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market, provision model.LiquidityProvision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	for _, existing := range s.markets {
		if existing.Slug == m.Slug {
			return fmt.Errorf("market with slug %s already exists", m.Slug)
		}
	}

	ante := decimal.NewFromFloat(provision.Amount)
	balance := s.balances[m.CreatorID]
	if balance.LessThan(ante) {
		return fmt.Errorf("%w: %s has %s, ante is %s", model.ErrInsufficientBalance, m.CreatorID, balance, ante)
	}
	s.balances[m.CreatorID] = balance.Sub(ante)

	// Store a copy to avoid external mutation.
	s.markets[m.ID] = m.Clone()
	s.provisions = append(s.provisions, provision)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) GetMarketBySlug(_ context.Context, slug string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Slug == slug {
			return m.Clone(), nil
		}
	}
	return nil, fmt.Errorf("market with slug %s: %w", slug, model.ErrNotFound)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m.Clone())
	}
	sort.Slice(markets, func(i, j int) bool {
		if !markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].CreatedAt.After(markets[j].CreatedAt)
		}
		return markets[i].ID < markets[j].ID
	})
	return markets, nil
}

// CommitTrade validates everything before writing anything, so a failed
// commit leaves the store untouched.
func (s *MemoryStore) CommitTrade(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.markets[c.Market.ID]
	if !ok {
		return fmt.Errorf("market %s: %w", c.Market.ID, model.ErrNotFound)
	}
	if current.Version != c.ExpectedVersion {
		return fmt.Errorf("market %s at version %d, expected %d: %w",
			c.Market.ID, current.Version, c.ExpectedVersion, model.ErrStaleSnapshot)
	}

	for _, u := range c.OrderUpdates {
		o, ok := s.orders[u.ID]
		if !ok || o.MarketID != c.Market.ID {
			return fmt.Errorf("order %s: %w", u.ID, model.ErrNotFound)
		}
		if o.Cancelled {
			return fmt.Errorf("order %s already cancelled: %w", u.ID, model.ErrStaleSnapshot)
		}
	}

	next := make(map[string]decimal.Decimal, len(c.BalanceDeltas))
	for user, delta := range c.BalanceDeltas {
		b := s.balances[user].Add(delta)
		if b.IsNegative() {
			return fmt.Errorf("%w: %s would have %s", model.ErrInsufficientBalance, user, b)
		}
		next[user] = b
	}

	for _, h := range disposals(c.Entries) {
		if err := overdrawn(h, s.heldAfter(h, c.Entries)); err != nil {
			return err
		}
	}

	for user, b := range next {
		s.balances[user] = b
	}
	for _, u := range c.OrderUpdates {
		o := s.orders[u.ID]
		o.Remaining = u.Remaining
		o.Cancelled = o.Cancelled || u.Cancelled
	}
	for _, o := range c.NewOrders {
		o := o
		s.orders[o.ID] = &o
	}
	s.ledger = append(s.ledger, c.Entries...)
	s.provisions = append(s.provisions, c.Provisions...)

	m := c.Market.Clone()
	m.Version = c.ExpectedVersion + 1
	s.markets[m.ID] = m
	c.Market.Version = m.Version
	return nil
}

// heldAfter sums h over the ledger plus pending. Callers hold s.mu.
func (s *MemoryStore) heldAfter(h holding, pending []model.LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, entries := range [][]model.LedgerEntry{s.ledger, pending} {
		for _, e := range entries {
			if countsShares(e) && holdingOf(e) == h {
				total = total.Add(e.Shares)
			}
		}
	}
	return total
}

func (s *MemoryStore) GetOpenOrders(_ context.Context, marketID string) ([]model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LimitOrder
	for _, o := range s.orders {
		if o.MarketID == marketID && o.Open() {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) EnsureUser(_ context.Context, userID string, starting decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[userID]
	if !ok {
		b = starting
		s.balances[userID] = b
	}
	return b, nil
}

func (s *MemoryStore) GetBalances(_ context.Context, userIDs []string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(userIDs))
	for _, id := range userIDs {
		if b, ok := s.balances[id]; ok {
			out[id] = b
		}
	}
	return out, nil
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, marketID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.MarketID == marketID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetProvisions(_ context.Context, marketID string) ([]model.LiquidityProvision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LiquidityProvision
	for _, p := range s.provisions {
		if p.MarketID == marketID {
			result = append(result, p)
		}
	}
	return result, nil
}

// GetUserPositions aggregates ledger entries into positions per market
// and answer.
func (s *MemoryStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	entries, err := s.GetLedgerEntriesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return position.Aggregate(entries), nil
}
