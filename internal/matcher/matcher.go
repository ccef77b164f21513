// Package matcher executes taker orders against resting limit orders and
// the CPMM pool.
//
// Resting orders on the opposite side that fall within the taker's limit are
// consumed first in price-time priority, each at the maker's own limit
// price. Whatever remains is routed to the pool up to the taker's limit.
// The book is not compared against the pool: a market order takes every
// eligible maker even when the pool would have been cheaper, so takers who
// care about price should send a limit.
// Sales are executed as purchases of the opposite outcome whose complete
// sets are redeemed, so one walk serves buys, exact-share buys and sales.
package matcher

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/playmoney/market-engine/internal/cpmm"
	"github.com/playmoney/market-engine/internal/fee"
	"github.com/playmoney/market-engine/internal/model"
	"github.com/playmoney/market-engine/internal/numeric"
)

const bisectIterations = 200

// Request is one taker order. Exactly one of Amount or Shares is set; sales
// always use Shares.
type Request struct {
	UserID  string
	Outcome model.Outcome
	Amount  float64
	Shares  float64
	Sale    bool
	// LimitProb bounds the YES probability the order may trade at: a
	// ceiling when buying YES or selling NO, a floor when buying NO or
	// selling YES. Nil means the order trades at any price.
	LimitProb *float64
	// AsOf is compared with order expiry. The zero time disables expiry.
	AsOf time.Time
}

// Matcher is stateless apart from its fee calculator.
type Matcher struct {
	fees *fee.Calculator
}

// New returns a Matcher charging fees with c.
func New(c *fee.Calculator) *Matcher {
	return &Matcher{fees: c}
}

// Fees returns the calculator in use.
func (m *Matcher) Fees() *fee.Calculator {
	return m.fees
}

// Match executes req against orders and the pool s. balances, when non-nil,
// limits each maker to what they can pay; makers missing from the map are
// not limited. Neither orders nor balances are modified.
func (m *Matcher) Match(s model.PoolState, req Request, orders []model.LimitOrder, balances map[string]float64) (model.TradeResult, error) {
	if err := cpmm.Validate(s); err != nil {
		return model.TradeResult{}, err
	}
	if err := validate(req); err != nil {
		return model.TradeResult{}, err
	}

	x := &execution{
		fees:     m.fees,
		req:      req,
		taker:    req.Outcome,
		byShares: req.Sale || req.Shares > 0,
		state:    s,
		balances: copyBalances(balances),
	}
	if req.Sale {
		x.taker = req.Outcome.Opposite()
	}
	x.remaining = req.Amount
	if x.byShares {
		x.remaining = req.Shares
	}
	x.limit = boundFor(x.taker)
	if req.LimitProb != nil {
		x.limit = numeric.ClampProb(*req.LimitProb)
	}
	x.result = model.TradeResult{
		Outcome:    req.Outcome,
		IsSale:     req.Sale,
		State:      s,
		ProbBefore: cpmm.Probability(s),
		Fills:      []model.Fill{},
		MakerFills: []model.MakerFill{},
	}

	if x.remaining > 0 {
		makers, expired := Eligible(orders, x.taker, req.LimitProb, req.UserID, req.AsOf)
		x.result.OrdersToCancel = append(x.result.OrdersToCancel, expired...)
		for _, o := range makers {
			if x.done() {
				break
			}
			x.fillMaker(o)
		}
		if !x.done() {
			if err := x.fillPool(); err != nil {
				return model.TradeResult{}, err
			}
		}
	}
	return x.finish()
}

func validate(req Request) error {
	if !req.Outcome.Valid() {
		return fmt.Errorf("%w: outcome %q", model.ErrInvalidTradeSize, req.Outcome)
	}
	for _, v := range []float64{req.Amount, req.Shares} {
		if !numeric.Finite(v) || v < 0 {
			return fmt.Errorf("%w: %v", model.ErrInvalidTradeSize, v)
		}
	}
	if req.Amount > 0 && req.Shares > 0 {
		return fmt.Errorf("%w: amount and shares are exclusive", model.ErrInvalidTradeSize)
	}
	if req.Sale && req.Amount > 0 {
		return fmt.Errorf("%w: sales are sized in shares", model.ErrInvalidTradeSize)
	}
	if req.LimitProb != nil {
		if l := *req.LimitProb; !numeric.Finite(l) || l <= 0 || l >= 1 {
			return fmt.Errorf("%w: limit probability %v", model.ErrInvalidTradeSize, l)
		}
	}
	return nil
}

// Eligible returns the orders a taker buying outcome may fill against,
// sorted by priority, and the ids of open orders that have expired.
// Orders owned by userID are skipped.
func Eligible(orders []model.LimitOrder, outcome model.Outcome, limitProb *float64, userID string, asOf time.Time) ([]model.LimitOrder, []string) {
	var eligible []model.LimitOrder
	var expired []string
	for _, o := range orders {
		if !o.Open() {
			continue
		}
		if o.Expired(asOf) {
			expired = append(expired, o.ID)
			continue
		}
		if o.Outcome == outcome || (userID != "" && o.UserID == userID) {
			continue
		}
		if o.LimitProb <= 0 || o.LimitProb >= 1 {
			continue
		}
		if limitProb != nil {
			if outcome == model.OutcomeYes && !numeric.LessEqual(o.LimitProb, *limitProb) {
				continue
			}
			if outcome == model.OutcomeNo && !numeric.GreaterEqual(o.LimitProb, *limitProb) {
				continue
			}
		}
		eligible = append(eligible, o)
	}
	SortOrders(eligible, outcome)
	return eligible, expired
}

// SortOrders sorts makers for a taker buying outcome: best price first,
// then earliest creation, then id.
func SortOrders(orders []model.LimitOrder, outcome model.Outcome) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if a.LimitProb != b.LimitProb {
			if outcome == model.OutcomeYes {
				return a.LimitProb < b.LimitProb
			}
			return a.LimitProb > b.LimitProb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func boundFor(o model.Outcome) float64 {
	if o == model.OutcomeYes {
		return numeric.MaxProb
	}
	return numeric.MinProb
}

func copyBalances(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// execution is the running state of one Match call. remaining is mana
// for amount-sized buys and shares otherwise.
type execution struct {
	fees      *fee.Calculator
	req       Request
	taker     model.Outcome
	byShares  bool
	limit     float64
	state     model.PoolState
	balances  map[string]float64
	remaining float64

	shares   float64 // acquired, or sold for sales
	paid     float64 // buys: notional plus fees
	gross    float64 // buys: notional; sales: proceeds before fees
	received float64 // sales: proceeds after fees
	result   model.TradeResult
}

func (x *execution) done() bool {
	return x.remaining <= numeric.Epsilon
}

// takerPrice is what the internal buyer pays per share at the maker's limit.
func (x *execution) takerPrice(o model.LimitOrder) float64 {
	if x.taker == model.OutcomeYes {
		return o.LimitProb
	}
	return 1 - o.LimitProb
}

func (x *execution) fillMaker(o model.LimitOrder) {
	price := x.takerPrice(o)
	makerPrice := o.Price()

	shares := o.Remaining
	if x.byShares {
		shares = math.Min(shares, x.remaining)
	} else {
		shares = math.Min(shares, x.remaining/(price*(1+x.fees.MakerRate())))
	}

	balance, limited := 0.0, false
	if x.balances != nil {
		balance, limited = x.balances[o.UserID]
		if limited {
			shares = math.Min(shares, math.Max(balance, 0)/makerPrice)
		}
	}
	if shares <= numeric.Epsilon {
		if limited && balance <= numeric.Epsilon {
			x.result.OrdersToCancel = append(x.result.OrdersToCancel, o.ID)
		}
		return
	}

	fill := model.Fill{OrderID: o.ID, Shares: shares}
	if x.req.Sale {
		proceeds := shares * (1 - price)
		fill.Amount = proceeds
		fill.Price = 1 - price
		fill.Fees = x.fees.Maker(proceeds)
		x.received += proceeds - fill.Fees.Total()
	} else {
		notional := shares * price
		fill.Amount = notional
		fill.Price = price
		fill.Fees = x.fees.Maker(notional)
		x.paid += notional + fill.Fees.Total()
	}
	x.gross += fill.Amount
	x.shares += shares
	if x.byShares {
		x.remaining -= shares
	} else {
		x.remaining -= fill.Amount + fill.Fees.Total()
	}
	x.result.Fees = x.result.Fees.Add(fill.Fees)
	x.result.Fills = append(x.result.Fills, fill)

	left := o.Remaining - shares
	if left < numeric.Epsilon {
		left = 0
	}
	x.result.MakerFills = append(x.result.MakerFills, model.MakerFill{
		OrderID:   o.ID,
		UserID:    o.UserID,
		Outcome:   o.Outcome,
		Shares:    shares,
		Amount:    shares * makerPrice,
		LimitProb: o.LimitProb,
		Remaining: left,
	})

	if limited {
		balance -= shares * makerPrice
		x.balances[o.UserID] = balance
		if balance <= numeric.Epsilon && left > 0 {
			x.result.OrdersToCancel = append(x.result.OrdersToCancel, o.ID)
		}
	}
}

func (x *execution) impact(next model.PoolState) float64 {
	return math.Abs(cpmm.Probability(next) - cpmm.Probability(x.state))
}

func (x *execution) fillPool() error {
	if x.byShares {
		return x.fillPoolShares()
	}
	return x.fillPoolAmount()
}

func (x *execution) fillPoolShares() error {
	want := x.remaining
	capacity := cpmm.Shares(x.state, x.taker, cpmm.AmountToProb(x.state, x.taker, x.limit))
	if want > capacity+numeric.Epsilon {
		if x.req.LimitProb == nil {
			kind := model.ErrInvalidTradeSize
			if x.req.Sale {
				kind = model.ErrInsufficientShares
			}
			return &model.SizeError{Err: kind, Max: x.shares + capacity}
		}
		want = capacity
	}
	if want <= numeric.Epsilon {
		return nil
	}

	next, cost, err := cpmm.BuyShares(x.state, x.taker, want)
	if err != nil {
		return err
	}
	fill := model.Fill{Shares: want}
	impact := x.impact(next)
	if x.req.Sale {
		proceeds := math.Max(want-cost, 0)
		fill.Amount = proceeds
		fill.Fees = x.fees.Pool(proceeds, impact)
		x.received += proceeds - fill.Fees.Total()
	} else {
		fill.Amount = cost
		fill.Fees = x.fees.Pool(cost, impact)
		x.paid += cost + fill.Fees.Total()
	}
	fill.Price = fill.Amount / want
	x.record(fill, next)
	x.remaining -= want
	return nil
}

// poolCost is the bet plus its fee for a pool purchase of b.
func (x *execution) poolCost(b float64) (model.PoolState, float64, model.Fees) {
	next, shares, err := cpmm.Buy(x.state, x.taker, b)
	if err != nil {
		return x.state, 0, model.Fees{}
	}
	return next, shares, x.fees.Pool(b, x.impact(next))
}

func (x *execution) fillPoolAmount() error {
	maxBet := cpmm.AmountToProb(x.state, x.taker, x.limit)
	if maxBet <= numeric.Epsilon {
		if x.req.LimitProb == nil {
			return &model.SizeError{Err: model.ErrInvalidTradeSize, Max: x.paid}
		}
		return nil
	}

	_, _, capFees := x.poolCost(maxBet)
	hi := x.remaining
	if x.remaining >= maxBet+capFees.Total() {
		if x.req.LimitProb == nil && x.remaining > maxBet+capFees.Total()+numeric.Epsilon {
			return &model.SizeError{Err: model.ErrInvalidTradeSize, Max: x.paid + maxBet + capFees.Total()}
		}
		hi = maxBet
	} else if _, _, f := x.poolCost(hi); hi+f.Total() > x.remaining {
		// Largest bet whose cost including fees fits the remaining mana.
		lo := 0.0
		for i := 0; i < bisectIterations; i++ {
			mid := (lo + hi) / 2
			if mid == lo || mid == hi {
				break
			}
			if _, _, f := x.poolCost(mid); mid+f.Total() <= x.remaining {
				lo = mid
			} else {
				hi = mid
			}
		}
		hi = lo
	}
	if hi <= numeric.Epsilon {
		return nil
	}

	next, shares, fees := x.poolCost(hi)
	fill := model.Fill{Shares: shares, Amount: hi, Price: hi / shares, Fees: fees}
	x.paid += hi + fees.Total()
	x.record(fill, next)
	x.remaining -= hi + fees.Total()
	return nil
}

func (x *execution) record(fill model.Fill, next model.PoolState) {
	x.state = next
	x.gross += fill.Amount
	x.shares += fill.Shares
	x.result.Fees = x.result.Fees.Add(fill.Fees)
	x.result.Fills = append(x.result.Fills, fill)
}

func (x *execution) finish() (model.TradeResult, error) {
	r := x.result
	r.State = x.state
	r.ProbAfter = cpmm.Probability(x.state)
	r.Shares = x.shares
	if x.req.Sale {
		r.Amount = x.received
	} else {
		r.Amount = x.paid
	}
	if x.shares > 0 {
		r.AveragePrice = x.gross / x.shares
	}
	r.Unfilled = math.Max(x.remaining, 0)
	r.IsFilled = r.Unfilled <= numeric.Epsilon
	if r.IsFilled {
		r.Unfilled = 0
	}

	if err := cpmm.Validate(r.State); err != nil {
		return model.TradeResult{}, err
	}
	if !numeric.InProbBounds(cpmm.RawProbability(r.State)) {
		return model.TradeResult{}, model.Invariantf("probability %v out of bounds", cpmm.RawProbability(r.State))
	}
	return r, nil
}
