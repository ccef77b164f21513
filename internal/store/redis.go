package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/playmoney/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Concurrent misses for
// the same key share one primary read.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	group   singleflight.Group
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market, provision model.LiquidityProvision) error {
	if err := s.primary.CreateMarket(ctx, m, provision); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) CommitTrade(ctx context.Context, c Commit) error {
	keys := []string{marketKey(c.Market.ID)}
	for _, e := range c.Entries {
		keys = append(keys, positionsKey(e.UserID))
	}
	// Invalidate on failure too: a rejected commit means our cached copy
	// may be stale.
	err := s.primary.CommitTrade(ctx, c)
	s.rdb.Del(ctx, keys...)
	return err
}

// Unwrap returns the primary store. A positions read that races a commit
// can repopulate the cache with pre-commit data, so reads that gate a
// commit bypass the cache.
func (s *CachedStore) Unwrap() Store {
	return s.primary
}

func (s *CachedStore) EnsureUser(ctx context.Context, userID string, starting decimal.Decimal) (decimal.Decimal, error) {
	return s.primary.EnsureUser(ctx, userID, starting)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary once per key.
	v, err, _ := s.group.Do(marketKey(id), func() (interface{}, error) {
		m, err := s.primary.GetMarket(ctx, id)
		if err != nil {
			return nil, err
		}
		s.cacheMarket(ctx, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Market).Clone(), nil
}

func (s *CachedStore) GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error) {
	// Try cache via slug→marketID mapping.
	marketID, err := s.rdb.Get(ctx, slugKey(slug)).Result()
	if err == nil {
		return s.GetMarket(ctx, marketID)
	}

	// Cache miss.
	m, err := s.primary.GetMarketBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	// Cache both the market and the slug→ID mapping.
	s.cacheMarket(ctx, m)
	s.rdb.Set(ctx, slugKey(slug), m.ID, s.ttl)
	return m, nil
}

func (s *CachedStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	v, err, _ := s.group.Do(positionsKey(userID), func() (interface{}, error) {
		positions, err := s.primary.GetUserPositions(ctx, userID)
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(positions); err == nil {
			s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
		}
		return positions, nil
	})
	if err != nil {
		return nil, err
	}
	positions := v.([]model.Position)
	out := make([]model.Position, len(positions))
	copy(out, positions)
	return out, nil
}

// --- Passthrough (not cached) ---

// Orders and balances feed the matcher and must never be served stale.

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetOpenOrders(ctx context.Context, marketID string) ([]model.LimitOrder, error) {
	return s.primary.GetOpenOrders(ctx, marketID)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) GetBalances(ctx context.Context, userIDs []string) (map[string]decimal.Decimal, error) {
	return s.primary.GetBalances(ctx, userIDs)
}

func (s *CachedStore) GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByMarket(ctx, marketID)
}

func (s *CachedStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByUser(ctx, userID)
}

func (s *CachedStore) GetProvisions(ctx context.Context, marketID string) ([]model.LiquidityProvision, error) {
	return s.primary.GetProvisions(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func slugKey(slug string) string     { return fmt.Sprintf("slug:%s", slug) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
