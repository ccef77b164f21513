// Package trade is the calling layer of the market engine: it loads a
// snapshot from the store, runs the pricing engine against it and commits
// the result atomically, retrying when another writer got there first.
//
// Balances, ledger amounts and volume are shopspring/decimal; pool state
// stays float64 inside the engine.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playmoney/market-engine/internal/contract"
	"github.com/playmoney/market-engine/internal/engine"
	"github.com/playmoney/market-engine/internal/exposure"
	"github.com/playmoney/market-engine/internal/liquidity"
	"github.com/playmoney/market-engine/internal/mapping"
	"github.com/playmoney/market-engine/internal/metrics"
	"github.com/playmoney/market-engine/internal/model"
	"github.com/playmoney/market-engine/internal/numeric"
	"github.com/playmoney/market-engine/internal/position"
	"github.com/playmoney/market-engine/internal/store"
)

var (
	ErrInvalidRequest = errors.New("trade: invalid request")
	ErrRateLimited    = errors.New("trade: rate limit exceeded")
	ErrForbidden      = errors.New("trade: not allowed")
)

// Config holds the service's trading parameters.
type Config struct {
	// StartingBalance is credited to users the first time they trade.
	StartingBalance decimal.Decimal
	// MaxCommitRetries bounds recomputation after a stale snapshot.
	MaxCommitRetries int
}

// Service executes trades against markets held in a store.Store. Writers
// to one market are serialised in-process by a keyed mutex; across
// processes the store's version check decides.
type Service struct {
	store   store.Store
	primary store.Store // uncached; gates sales and redemptions
	engine  *engine.Engine
	limiter *exposure.Limiter
	rate    *RateLimiter
	wsHub   *WSHub
	locks   *keyedMutex
	cfg     Config
	now     func() time.Time
}

// NewService creates a trade service. limiter, rl and hub may be nil.
func NewService(st store.Store, eng *engine.Engine, limiter *exposure.Limiter, rl *RateLimiter, hub *WSHub, cfg Config) *Service {
	if cfg.MaxCommitRetries < 0 {
		cfg.MaxCommitRetries = 0
	}
	return &Service{
		store:   st,
		primary: store.Primary(st),
		engine:  eng,
		limiter: limiter,
		rate:    rl,
		wsHub:   hub,
		locks:   newKeyedMutex(),
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// --- Request/Response types ---

// BetRequest spends Amount mana on Outcome. LimitProb (or LimitValue, a
// display value) turns the bet into a limit order: whatever does not fill
// at or better than the limit rests in the book until ExpiresAt.
type BetRequest struct {
	UserID     string        `json:"user_id"`
	MarketID   string        `json:"market_id"`
	AnswerID   string        `json:"answer_id,omitempty"`
	Outcome    model.Outcome `json:"outcome"`
	Amount     float64       `json:"amount"`
	LimitProb  *float64      `json:"limit_prob,omitempty"`
	LimitValue *float64      `json:"limit_value,omitempty"`
	ExpiresAt  *time.Time    `json:"expires_at,omitempty"`
}

// SharesRequest buys or sells an exact number of shares.
type SharesRequest struct {
	UserID     string        `json:"user_id"`
	MarketID   string        `json:"market_id"`
	AnswerID   string        `json:"answer_id,omitempty"`
	Outcome    model.Outcome `json:"outcome"`
	Shares     float64       `json:"shares"`
	LimitProb  *float64      `json:"limit_prob,omitempty"`
	LimitValue *float64      `json:"limit_value,omitempty"`
	ExpiresAt  *time.Time    `json:"expires_at,omitempty"`
}

// TradeResponse is returned by Bet, BuyShares and Sell.
type TradeResponse struct {
	MarketID     string            `json:"market_id"`
	AnswerID     string            `json:"answer_id,omitempty"`
	Trade        model.TradeResult `json:"trade"`
	Prob         float64           `json:"prob"`
	DisplayValue *float64          `json:"display_value,omitempty"`
	Order        *model.LimitOrder `json:"order,omitempty"`
	Balance      decimal.Decimal   `json:"balance"`
	Position     model.Position    `json:"position"`
}

// LiquidityRequest adds Amount mana, or withdraws Fraction of the caller's
// stake, from a market.
type LiquidityRequest struct {
	UserID   string  `json:"user_id"`
	Amount   float64 `json:"amount,omitempty"`
	Fraction float64 `json:"fraction,omitempty"`
}

// LiquidityResponse describes a committed liquidity change.
type LiquidityResponse struct {
	MarketID  string                `json:"market_id"`
	Amount    float64               `json:"amount"`
	Liquidity float64               `json:"liquidity"`
	Released  map[string]model.Pool `json:"released,omitempty"`
	Share     float64               `json:"share"` // caller's weight after the change
	Balance   decimal.Decimal       `json:"balance"`
}

// RedeemRequest redeems complete YES+NO sets of one position.
type RedeemRequest struct {
	UserID   string `json:"user_id"`
	MarketID string `json:"market_id"`
	AnswerID string `json:"answer_id,omitempty"`
}

// tradeOrder is the common shape of bets, share purchases and sales.
type tradeOrder struct {
	kind       string
	userID     string
	marketID   string
	answerID   string
	outcome    model.Outcome
	amount     float64
	shares     float64
	sale       bool
	limitProb  *float64
	limitValue *float64
	expiresAt  *time.Time
}

// --- Market creation ---

// CreateMarket validates p, debits the ante from the creator and stores the
// new market.
func (s *Service) CreateMarket(ctx context.Context, p contract.Params) (*model.Market, error) {
	if p.CreatorID == "" {
		return nil, fmt.Errorf("%w: creator_id is required", ErrInvalidRequest)
	}
	if err := s.allow(p.CreatorID); err != nil {
		return nil, err
	}
	if _, err := s.store.EnsureUser(ctx, p.CreatorID, s.cfg.StartingBalance); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}

	market, err := contract.NewMarket(p, s.now())
	if err != nil {
		return nil, err
	}
	mech, err := market.Mechanism()
	if err != nil {
		return nil, err
	}
	provision := model.LiquidityProvision{
		ID:        uuid.New().String(),
		MarketID:  market.ID,
		UserID:    p.CreatorID,
		Amount:    p.Ante,
		Liquidity: engine.Liquidity(mech),
		CreatedAt: market.CreatedAt,
	}
	if err := s.store.CreateMarket(ctx, market, provision); err != nil {
		return nil, err
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market created",
		"id", market.ID,
		"slug", market.Slug,
		"type", market.OutcomeType,
		"creator", p.CreatorID,
		"ante", p.Ante,
	)
	s.broadcast(WSMessage{Type: "market_created", MarketID: market.ID})
	return market, nil
}

// --- Trading ---

// Bet spends req.Amount mana on req.Outcome.
func (s *Service) Bet(ctx context.Context, req BetRequest) (*TradeResponse, error) {
	return s.execute(ctx, tradeOrder{
		kind:       "bet",
		userID:     req.UserID,
		marketID:   req.MarketID,
		answerID:   req.AnswerID,
		outcome:    req.Outcome,
		amount:     req.Amount,
		limitProb:  req.LimitProb,
		limitValue: req.LimitValue,
		expiresAt:  req.ExpiresAt,
	})
}

// BuyShares acquires exactly req.Shares shares.
func (s *Service) BuyShares(ctx context.Context, req SharesRequest) (*TradeResponse, error) {
	return s.execute(ctx, tradeOrder{
		kind:       "bet_shares",
		userID:     req.UserID,
		marketID:   req.MarketID,
		answerID:   req.AnswerID,
		outcome:    req.Outcome,
		shares:     req.Shares,
		limitProb:  req.LimitProb,
		limitValue: req.LimitValue,
		expiresAt:  req.ExpiresAt,
	})
}

// Sell disposes of req.Shares shares the user holds. Sales never rest in
// the book.
func (s *Service) Sell(ctx context.Context, req SharesRequest) (*TradeResponse, error) {
	return s.execute(ctx, tradeOrder{
		kind:       "sale",
		userID:     req.UserID,
		marketID:   req.MarketID,
		answerID:   req.AnswerID,
		outcome:    req.Outcome,
		shares:     req.Shares,
		sale:       true,
		limitProb:  req.LimitProb,
		limitValue: req.LimitValue,
	})
}

func (s *Service) execute(ctx context.Context, t tradeOrder) (*TradeResponse, error) {
	if t.userID == "" || t.marketID == "" {
		return nil, fmt.Errorf("%w: user_id and market_id are required", ErrInvalidRequest)
	}
	if !t.outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome must be YES or NO, got %q", ErrInvalidRequest, t.outcome)
	}
	if !(t.amount > 0 || t.shares > 0) {
		return nil, fmt.Errorf("%w: amount or shares must be positive", model.ErrInvalidTradeSize)
	}
	if t.limitProb != nil && t.limitValue != nil {
		return nil, fmt.Errorf("%w: limit_prob and limit_value are exclusive", ErrInvalidRequest)
	}
	if err := s.allow(t.userID); err != nil {
		return nil, err
	}

	start := time.Now()
	unlock := s.locks.Lock(t.marketID)
	defer unlock()

	balance, err := s.store.EnsureUser(ctx, t.userID, s.cfg.StartingBalance)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}

	var resp *TradeResponse
	err = s.withRetry(t.marketID, func() error {
		var err error
		resp, err = s.attemptTrade(ctx, t, balance)
		return err
	})
	if err != nil {
		if errors.Is(err, model.ErrInvariantViolation) {
			metrics.InvariantViolations.Inc()
			slog.Error("trade rejected by state check", "market", t.marketID, "user", t.userID, "err", err)
		}
		return nil, err
	}

	res := resp.Trade
	metrics.TradesTotal.WithLabelValues(t.kind, string(t.outcome)).Inc()
	metrics.TradeLatency.WithLabelValues(t.kind).Observe(time.Since(start).Seconds())
	metrics.FeesCollected.WithLabelValues("creator").Add(res.Fees.Creator)
	metrics.FeesCollected.WithLabelValues("platform").Add(res.Fees.Platform)
	metrics.FeesCollected.WithLabelValues("liquidity").Add(res.Fees.Liquidity)
	metrics.MakerFills.Add(float64(len(res.MakerFills)))
	metrics.MarketVolume.WithLabelValues(t.marketID).Add(res.Notional())

	slog.Info("trade executed",
		"kind", t.kind,
		"user", t.userID,
		"market", t.marketID,
		"answer", t.answerID,
		"outcome", t.outcome,
		"shares", res.Shares,
		"amount", res.Amount,
		"fees", res.Fees.Total(),
		"maker_fills", len(res.MakerFills),
		"prob_after", res.ProbAfter,
	)
	s.broadcast(WSMessage{
		Type:         "trade_executed",
		MarketID:     t.marketID,
		AnswerID:     t.answerID,
		Kind:         t.kind,
		Outcome:      string(t.outcome),
		Prob:         resp.Prob,
		DisplayValue: resp.DisplayValue,
		Shares:       res.Shares,
		Amount:       res.Amount,
	})
	return resp, nil
}

func (s *Service) attemptTrade(ctx context.Context, t tradeOrder, balance decimal.Decimal) (*TradeResponse, error) {
	now := s.now()
	m, err := s.openMarket(ctx, t.marketID)
	if err != nil {
		return nil, err
	}
	mech, err := m.Mechanism()
	if err != nil {
		return nil, err
	}
	if _, multi := mech.(model.MultiAnswer); !multi && t.answerID != "" {
		return nil, fmt.Errorf("%w: market %s has no answers", ErrInvalidRequest, m.ID)
	}
	limitProb, err := resolveLimit(mech, t.limitProb, t.limitValue)
	if err != nil {
		return nil, err
	}

	positions, err := s.primary.GetUserPositions(ctx, t.userID)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	held := position.Find(positions, t.userID, m.ID, t.answerID)
	if t.sale {
		owned := held.Shares(t.outcome).InexactFloat64()
		if t.shares > owned+numeric.Epsilon {
			return nil, &model.SizeError{Err: model.ErrInsufficientShares, Max: math.Max(owned, 0)}
		}
	} else if t.amount > 0 && decimal.NewFromFloat(t.amount).GreaterThan(balance) {
		return nil, &model.SizeError{Err: model.ErrInsufficientBalance, Max: balance.InexactFloat64()}
	}

	orders, err := s.store.GetOpenOrders(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	balances, err := s.makerBalances(ctx, orders)
	if err != nil {
		return nil, err
	}

	snap := engine.Snapshot{Mechanism: mech, Orders: orders, Balances: balances, AsOf: now}
	var res engine.Result
	switch {
	case t.sale:
		res, err = s.engine.ComputeSell(snap, engine.SharesRequest{
			UserID: t.userID, AnswerID: t.answerID, Outcome: t.outcome, Shares: t.shares, LimitProb: limitProb,
		})
	case t.shares > 0:
		res, err = s.engine.ComputeBuyShares(snap, engine.SharesRequest{
			UserID: t.userID, AnswerID: t.answerID, Outcome: t.outcome, Shares: t.shares, LimitProb: limitProb,
		})
	default:
		res, err = s.engine.ComputeBuy(snap, engine.BuyRequest{
			UserID: t.userID, AnswerID: t.answerID, Outcome: t.outcome, Amount: t.amount, LimitProb: limitProb,
		})
	}
	if err != nil {
		return nil, err
	}
	trade := res.Trade

	if !trade.IsSale && decimal.NewFromFloat(trade.Amount).GreaterThan(balance) {
		return nil, fmt.Errorf("%w: cost %.4f, balance %s", model.ErrInsufficientBalance, trade.Amount, balance)
	}

	if s.limiter != nil {
		delta := exposure.Delta(t.outcome, decimal.NewFromFloat(trade.Shares))
		if trade.IsSale {
			delta = delta.Neg()
		}
		if err := s.limiter.CheckLimit(m.ID, t.answerID, delta, exposure.Exposures(t.userID, positions)); err != nil {
			metrics.PositionLimitRejections.Inc()
			return nil, err
		}
	}

	next := m.Clone()
	if err := next.SetMechanism(res.Mechanism); err != nil {
		return nil, err
	}
	next.CollectedFees = next.CollectedFees.Add(trade.Fees)
	next.Volume = next.Volume.Add(decimal.NewFromFloat(trade.Notional()))

	c := store.Commit{
		Market:          next,
		ExpectedVersion: m.Version,
		OrderUpdates:    orderUpdates(trade, orders),
		BalanceDeltas:   position.BalanceDeltas(t.userID, trade),
	}
	if trade.Shares > numeric.Epsilon {
		c.Entries = append(c.Entries, position.TradeEntry(t.userID, m.ID, t.answerID, trade, now))
	}
	for _, f := range trade.MakerFills {
		c.Entries = append(c.Entries, position.MakerEntry(m.ID, t.answerID, f, trade, now))
	}

	resting := restingOrder(t, trade, limitProb, now)
	if resting != nil {
		resting.MarketID = m.ID
		c.NewOrders = append(c.NewOrders, *resting)
	}
	if len(c.Entries) == 0 && resting == nil {
		return nil, fmt.Errorf("%w: nothing to fill", model.ErrInvalidTradeSize)
	}

	if err := s.store.CommitTrade(ctx, c); err != nil {
		return nil, err
	}

	resp := &TradeResponse{
		MarketID: m.ID,
		AnswerID: t.answerID,
		Trade:    trade,
		Prob:     engine.Probabilities(res.Mechanism)[t.answerID],
		Order:    resting,
		Balance:  balance.Add(c.BalanceDeltas[t.userID]),
	}
	if v, err := engine.MapToDisplayValue(res.Mechanism); err == nil {
		resp.DisplayValue = &v
	}
	for _, e := range c.Entries {
		if e.UserID == t.userID {
			held = position.Apply(held, e)
		}
	}
	resp.Position = position.Mark(held, resp.Prob)
	return resp, nil
}

// resolveLimit converts a limit given as a display value into a YES
// probability.
func resolveLimit(mech model.Mechanism, prob, value *float64) (*float64, error) {
	if value == nil {
		return prob, nil
	}
	p, err := mapping.ProbabilityForValue(mech, *value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if p <= 0 || p >= 1 {
		return nil, fmt.Errorf("%w: limit value %v is outside the market range", ErrInvalidRequest, *value)
	}
	return &p, nil
}

// makerBalances returns the balances of everyone with an open order.
func (s *Service) makerBalances(ctx context.Context, orders []model.LimitOrder) (map[string]float64, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool)
	var ids []string
	for _, o := range orders {
		if !seen[o.UserID] {
			seen[o.UserID] = true
			ids = append(ids, o.UserID)
		}
	}
	bals, err := s.store.GetBalances(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		out[id] = bals[id].InexactFloat64()
	}
	return out, nil
}

// orderUpdates turns maker fills and cancellations into store updates. An
// order both filled and cancelled gets a single update.
func orderUpdates(res model.TradeResult, orders []model.LimitOrder) []store.OrderUpdate {
	var updates []store.OrderUpdate
	index := make(map[string]int)
	for _, f := range res.MakerFills {
		if i, ok := index[f.OrderID]; ok {
			updates[i].Remaining = f.Remaining
			continue
		}
		index[f.OrderID] = len(updates)
		updates = append(updates, store.OrderUpdate{ID: f.OrderID, Remaining: f.Remaining})
	}
	for _, id := range res.OrdersToCancel {
		if i, ok := index[id]; ok {
			updates[i].Cancelled = true
			continue
		}
		remaining := 0.0
		for _, o := range orders {
			if o.ID == id {
				remaining = o.Remaining
				break
			}
		}
		index[id] = len(updates)
		updates = append(updates, store.OrderUpdate{ID: id, Remaining: remaining, Cancelled: true})
	}
	return updates
}

// restingOrder is the unfilled part of a limit buy, or nil.
func restingOrder(t tradeOrder, res model.TradeResult, limitProb *float64, now time.Time) *model.LimitOrder {
	if t.sale || limitProb == nil || res.IsFilled || res.Unfilled <= numeric.Epsilon {
		return nil
	}
	shares := res.Unfilled
	if t.shares == 0 {
		price := *limitProb
		if t.outcome == model.OutcomeNo {
			price = 1 - price
		}
		shares = res.Unfilled / price
	}
	if shares <= numeric.Epsilon {
		return nil
	}
	return &model.LimitOrder{
		ID:        uuid.New().String(),
		UserID:    t.userID,
		AnswerID:  t.answerID,
		Outcome:   t.outcome,
		LimitProb: *limitProb,
		Shares:    shares,
		Remaining: shares,
		CreatedAt: now,
		ExpiresAt: t.expiresAt,
	}
}

// CancelOrder cancels an open order owned by userID.
func (s *Service) CancelOrder(ctx context.Context, orderID, userID string) (*model.LimitOrder, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("%w: order %s belongs to another user", ErrForbidden, orderID)
	}

	unlock := s.locks.Lock(o.MarketID)
	defer unlock()

	err = s.withRetry(o.MarketID, func() error {
		cur, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		o = cur
		if !o.Open() {
			return fmt.Errorf("%w: order %s is already closed", ErrInvalidRequest, orderID)
		}
		m, err := s.store.GetMarket(ctx, o.MarketID)
		if err != nil {
			return err
		}
		return s.store.CommitTrade(ctx, store.Commit{
			Market:          m,
			ExpectedVersion: m.Version,
			OrderUpdates:    []store.OrderUpdate{{ID: o.ID, Remaining: o.Remaining, Cancelled: true}},
		})
	})
	if err != nil {
		return nil, err
	}
	o.Cancelled = true

	slog.Info("order cancelled", "order", o.ID, "user", userID, "market", o.MarketID)
	s.broadcast(WSMessage{Type: "order_cancelled", MarketID: o.MarketID, AnswerID: o.AnswerID, Outcome: string(o.Outcome)})
	return o, nil
}

// --- Liquidity ---

// AddLiquidity deepens the pools of a market by req.Amount mana.
func (s *Service) AddLiquidity(ctx context.Context, marketID string, req LiquidityRequest) (*LiquidityResponse, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if err := s.allow(req.UserID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(marketID)
	defer unlock()

	balance, err := s.store.EnsureUser(ctx, req.UserID, s.cfg.StartingBalance)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	amount := decimal.NewFromFloat(req.Amount)
	if amount.GreaterThan(balance) {
		return nil, &model.SizeError{Err: model.ErrInsufficientBalance, Max: balance.InexactFloat64()}
	}

	var resp *LiquidityResponse
	err = s.withRetry(marketID, func() error {
		now := s.now()
		m, err := s.openMarket(ctx, marketID)
		if err != nil {
			return err
		}
		mech, err := m.Mechanism()
		if err != nil {
			return err
		}
		res, err := s.engine.ComputeAddLiquidity(mech, req.Amount)
		if err != nil {
			return err
		}
		provisions, err := s.store.GetProvisions(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("load provisions: %w", err)
		}

		next := m.Clone()
		if err := next.SetMechanism(res.Mechanism); err != nil {
			return err
		}
		prov := model.LiquidityProvision{
			ID:        uuid.New().String(),
			MarketID:  m.ID,
			UserID:    req.UserID,
			Amount:    req.Amount,
			Liquidity: res.Minted,
			CreatedAt: now,
		}
		err = s.store.CommitTrade(ctx, store.Commit{
			Market:          next,
			ExpectedVersion: m.Version,
			Entries: []model.LedgerEntry{{
				ID:        uuid.New().String(),
				UserID:    req.UserID,
				MarketID:  m.ID,
				Kind:      model.EntryLiquidity,
				Amount:    amount,
				Timestamp: now,
			}},
			Provisions:    []model.LiquidityProvision{prov},
			BalanceDeltas: map[string]decimal.Decimal{req.UserID: amount.Neg()},
		})
		if err != nil {
			return err
		}
		resp = &LiquidityResponse{
			MarketID:  m.ID,
			Amount:    req.Amount,
			Liquidity: res.Minted,
			Share:     liquidity.ProviderShare(req.UserID, append(provisions, prov)),
			Balance:   balance.Sub(amount),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("liquidity added", "market", marketID, "user", req.UserID, "amount", req.Amount, "minted", resp.Liquidity)
	s.broadcast(WSMessage{Type: "liquidity_added", MarketID: marketID, Amount: req.Amount})
	return resp, nil
}

// WithdrawLiquidity removes req.Fraction of the caller's stake from every
// pool of a market. The released shares are credited to the caller's
// position; complete sets can then be redeemed.
func (s *Service) WithdrawLiquidity(ctx context.Context, marketID string, req LiquidityRequest) (*LiquidityResponse, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if !(req.Fraction > 0 && req.Fraction <= 1) {
		return nil, fmt.Errorf("%w: fraction must be in (0, 1], got %v", ErrInvalidRequest, req.Fraction)
	}
	if err := s.allow(req.UserID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(marketID)
	defer unlock()

	var resp *LiquidityResponse
	err := s.withRetry(marketID, func() error {
		now := s.now()
		m, err := s.store.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		mech, err := m.Mechanism()
		if err != nil {
			return err
		}
		provisions, err := s.store.GetProvisions(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("load provisions: %w", err)
		}
		weight := liquidity.ProviderShare(req.UserID, provisions)
		if weight <= 0 {
			return fmt.Errorf("%w: %s has no liquidity in market %s", model.ErrInsufficientPoolDepth, req.UserID, m.ID)
		}
		var net float64
		for _, p := range provisions {
			if p.UserID == req.UserID {
				net += p.Amount
			}
		}

		res, err := s.engine.ComputeWithdrawLiquidity(mech, req.Fraction*weight)
		if err != nil {
			return err
		}
		next := m.Clone()
		if err := next.SetMechanism(res.Mechanism); err != nil {
			return err
		}

		prob := engine.Probabilities(res.Mechanism)
		var entries []model.LedgerEntry
		for answerID, pool := range res.Released {
			p := decimal.NewFromFloat(prob[answerID])
			for _, o := range []model.Outcome{model.OutcomeYes, model.OutcomeNo} {
				shares := pool.Get(o)
				if shares <= numeric.Epsilon {
					continue
				}
				entries = append(entries, model.LedgerEntry{
					ID:         uuid.New().String(),
					UserID:     req.UserID,
					MarketID:   m.ID,
					AnswerID:   answerID,
					Kind:       model.EntryLiquidityExit,
					Outcome:    o,
					Shares:     decimal.NewFromFloat(shares),
					ProbBefore: p,
					ProbAfter:  p,
					Timestamp:  now,
				})
			}
		}
		prov := model.LiquidityProvision{
			ID:        uuid.New().String(),
			MarketID:  m.ID,
			UserID:    req.UserID,
			Amount:    -req.Fraction * net,
			Liquidity: res.Minted,
			CreatedAt: now,
		}
		if err := s.store.CommitTrade(ctx, store.Commit{
			Market:          next,
			ExpectedVersion: m.Version,
			Entries:         entries,
			Provisions:      []model.LiquidityProvision{prov},
		}); err != nil {
			return err
		}

		bals, err := s.store.GetBalances(ctx, []string{req.UserID})
		if err != nil {
			return fmt.Errorf("load balance: %w", err)
		}
		resp = &LiquidityResponse{
			MarketID:  m.ID,
			Amount:    prov.Amount,
			Liquidity: res.Minted,
			Released:  res.Released,
			Share:     liquidity.ProviderShare(req.UserID, append(provisions, prov)),
			Balance:   bals[req.UserID],
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("liquidity withdrawn", "market", marketID, "user", req.UserID, "fraction", req.Fraction)
	s.broadcast(WSMessage{Type: "liquidity_withdrawn", MarketID: marketID, Amount: resp.Amount})
	return resp, nil
}

// --- Positions ---

// Redeem converts complete YES+NO sets of one position into mana.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*position.Redemption, error) {
	if req.UserID == "" || req.MarketID == "" {
		return nil, fmt.Errorf("%w: user_id and market_id are required", ErrInvalidRequest)
	}
	unlock := s.locks.Lock(req.MarketID)
	defer unlock()

	var red position.Redemption
	err := s.withRetry(req.MarketID, func() error {
		m, err := s.store.GetMarket(ctx, req.MarketID)
		if err != nil {
			return err
		}
		mech, err := m.Mechanism()
		if err != nil {
			return err
		}
		prob, ok := engine.Probabilities(mech)[req.AnswerID]
		if !ok {
			return fmt.Errorf("%w: %q", model.ErrAnswerNotFound, req.AnswerID)
		}
		positions, err := s.primary.GetUserPositions(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("load positions: %w", err)
		}
		pos := position.Find(positions, req.UserID, m.ID, req.AnswerID)
		red, ok = position.Redeem(pos, prob, s.now())
		if !ok {
			return fmt.Errorf("%w: no complete sets to redeem", model.ErrInsufficientShares)
		}
		return s.store.CommitTrade(ctx, store.Commit{
			Market:          m,
			ExpectedVersion: m.Version,
			Entries:         red.Entries,
			BalanceDeltas:   map[string]decimal.Decimal{req.UserID: red.Payout},
		})
	})
	if err != nil {
		return nil, err
	}

	slog.Info("shares redeemed",
		"market", req.MarketID,
		"answer", req.AnswerID,
		"user", req.UserID,
		"sets", red.Shares.String(),
		"payout", red.Payout.String(),
	)
	return &red, nil
}

// Portfolio values every position of userID at current probabilities.
func (s *Service) Portfolio(ctx context.Context, userID string) (model.Portfolio, error) {
	positions, err := s.store.GetUserPositions(ctx, userID)
	if err != nil {
		return model.Portfolio{}, fmt.Errorf("load positions: %w", err)
	}
	bals, err := s.store.GetBalances(ctx, []string{userID})
	if err != nil {
		return model.Portfolio{}, fmt.Errorf("load balance: %w", err)
	}

	probs := make(map[string]float64)
	loaded := make(map[string]bool)
	for _, p := range positions {
		if loaded[p.MarketID] {
			continue
		}
		loaded[p.MarketID] = true
		m, err := s.store.GetMarket(ctx, p.MarketID)
		if err != nil {
			return model.Portfolio{}, err
		}
		mech, err := m.Mechanism()
		if err != nil {
			return model.Portfolio{}, err
		}
		for answerID, prob := range engine.Probabilities(mech) {
			probs[position.Key(m.ID, answerID)] = prob
		}
	}
	return position.Portfolio(userID, bals[userID], positions, probs), nil
}

// --- helpers ---

func (s *Service) allow(userID string) error {
	if s.rate == nil || s.rate.Allow(userID) {
		return nil
	}
	metrics.RateLimited.Inc()
	return fmt.Errorf("%w: %s", ErrRateLimited, userID)
}

func (s *Service) openMarket(ctx context.Context, marketID string) (*model.Market, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusOpen {
		return nil, fmt.Errorf("%w: %s is %s", model.ErrMarketClosed, marketID, m.Status)
	}
	return m, nil
}

// withRetry runs op until it stops failing with ErrStaleSnapshot, at most
// MaxCommitRetries extra times.
func (s *Service) withRetry(marketID string, op func() error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.MaxCommitRetries; attempt++ {
		err = op()
		if !errors.Is(err, model.ErrStaleSnapshot) {
			return err
		}
		metrics.StaleRetries.Inc()
		slog.Warn("stale snapshot, retrying", "market", marketID, "attempt", attempt+1)
	}
	return err
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}
