package matcher

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/playmoney/market-engine/internal/cpmm"
	"github.com/playmoney/market-engine/internal/fee"
	"github.com/playmoney/market-engine/internal/model"
	"github.com/playmoney/market-engine/internal/numeric"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func balanced() model.PoolState {
	return model.PoolState{Pool: model.Pool{Yes: 100, No: 100}, P: 0.5}
}

func newMatcher(t testing.TB) *Matcher {
	t.Helper()
	c, err := fee.NewCalculator(fee.DefaultConfig())
	require.NoError(t, err)
	return New(c)
}

func order(id, user string, o model.Outcome, limit, shares float64, created time.Time) model.LimitOrder {
	return model.LimitOrder{
		ID: id, UserID: user, Outcome: o, LimitProb: limit,
		Shares: shares, Remaining: shares, CreatedAt: created,
	}
}

func ptr(f float64) *float64 { return &f }

func TestMatch_FillsMakerBeforePool(t *testing.T) {
	m := newMatcher(t)
	s := balanced()
	orders := []model.LimitOrder{order("sell-yes", "maker", model.OutcomeNo, 0.55, 20, t0)}

	res, err := m.Match(s, Request{UserID: "taker", Outcome: model.OutcomeYes, Shares: 20}, orders, nil)
	require.NoError(t, err)

	require.Len(t, res.Fills, 1)
	assert.Equal(t, "sell-yes", res.Fills[0].OrderID)
	assert.InDelta(t, 0.55, res.Fills[0].Price, 1e-12)
	assert.InDelta(t, 20, res.Shares, 1e-9)
	assert.Equal(t, s, res.State, "pool must not be touched")

	require.Len(t, res.MakerFills, 1)
	assert.Zero(t, res.MakerFills[0].Remaining)
	assert.InDelta(t, 20*0.45, res.MakerFills[0].Amount, 1e-9)
	assert.True(t, res.IsFilled)
}

func TestMatch_MarketOrderTakesMakerOverCheaperPool(t *testing.T) {
	m := newMatcher(t)
	orders := []model.LimitOrder{order("dear", "maker", model.OutcomeNo, 0.99, 20, t0)}

	res, err := m.Match(balanced(), Request{UserID: "taker", Outcome: model.OutcomeYes, Amount: 10}, orders, nil)
	require.NoError(t, err)
	require.Len(t, res.MakerFills, 1)
	assert.InDelta(t, 0.99, res.AveragePrice, 1e-12)
	assert.Equal(t, balanced(), res.State)

	// A limit keeps the dear maker out and the bet goes to the pool.
	res, err = m.Match(balanced(), Request{UserID: "taker", Outcome: model.OutcomeYes, Amount: 10, LimitProb: ptr(0.6)}, orders, nil)
	require.NoError(t, err)
	assert.Empty(t, res.MakerFills)
	assert.Greater(t, res.Shares, 18.0)
	assert.Less(t, res.AveragePrice, 0.6)
}

func TestMatch_AmountSizedBuyAgainstMaker(t *testing.T) {
	m := newMatcher(t)
	orders := []model.LimitOrder{order("o1", "maker", model.OutcomeNo, 0.55, 20, t0)}
	cost := 20 * 0.55 * (1 + m.Fees().MakerRate())

	res, err := m.Match(balanced(), Request{Outcome: model.OutcomeYes, Amount: cost}, orders, nil)
	require.NoError(t, err)
	assert.InDelta(t, 20, res.Shares, 1e-9)
	assert.InDelta(t, cost, res.Amount, 1e-9)
	assert.Equal(t, balanced(), res.State)
}

func TestMatch_PriceThenTimePriority(t *testing.T) {
	m := newMatcher(t)
	orders := []model.LimitOrder{
		order("late-cheap", "a", model.OutcomeNo, 0.52, 5, t0.Add(2*time.Minute)),
		order("expensive", "b", model.OutcomeNo, 0.58, 5, t0),
		order("early-cheap", "c", model.OutcomeNo, 0.52, 5, t0.Add(time.Minute)),
	}

	res, err := m.Match(balanced(), Request{Outcome: model.OutcomeYes, Shares: 12}, orders, nil)
	require.NoError(t, err)

	var ids []string
	for _, f := range res.MakerFills {
		ids = append(ids, f.OrderID)
	}
	assert.Equal(t, []string{"early-cheap", "late-cheap", "expensive"}, ids)
	assert.InDelta(t, 2, res.MakerFills[2].Shares, 1e-9)
	assert.InDelta(t, 3, res.MakerFills[2].Remaining, 1e-9)
}

func TestMatch_TakerLimitExcludesWorseMakers(t *testing.T) {
	m := newMatcher(t)
	s := balanced()
	orders := []model.LimitOrder{order("o1", "maker", model.OutcomeNo, 0.55, 20, t0)}

	res, err := m.Match(s, Request{Outcome: model.OutcomeYes, Amount: 1000, LimitProb: ptr(0.53)}, orders, nil)
	require.NoError(t, err)

	assert.Empty(t, res.MakerFills)
	assert.InDelta(t, 0.53, res.ProbAfter, 1e-9)
	assert.False(t, res.IsFilled)
	assert.Greater(t, res.Unfilled, 0.0)
	assert.InDelta(t, 1000, res.Amount+res.Unfilled, 1e-9)
}

func TestMatch_MakerBalanceLimitsFillAndCancels(t *testing.T) {
	m := newMatcher(t)
	orders := []model.LimitOrder{order("poor", "maker", model.OutcomeNo, 0.6, 50, t0)}
	balances := map[string]float64{"maker": 4} // 10 NO shares at 0.4

	res, err := m.Match(balanced(), Request{Outcome: model.OutcomeYes, Shares: 15}, orders, balances)
	require.NoError(t, err)

	require.Len(t, res.MakerFills, 1)
	assert.InDelta(t, 10, res.MakerFills[0].Shares, 1e-9)
	assert.Contains(t, res.OrdersToCancel, "poor")
	assert.InDelta(t, 15, res.Shares, 1e-9)
	assert.Greater(t, res.ProbAfter, 0.5, "remaining 5 shares came from the pool")
	assert.Equal(t, 4.0, balances["maker"], "input balances untouched")
}

func TestMatch_SkipsExpiredAndOwnOrders(t *testing.T) {
	m := newMatcher(t)
	past := t0.Add(-time.Hour)
	expired := order("expired", "maker", model.OutcomeNo, 0.5, 10, t0.Add(-2*time.Hour))
	expired.ExpiresAt = &past
	own := order("own", "taker", model.OutcomeNo, 0.5, 10, t0)

	res, err := m.Match(balanced(), Request{UserID: "taker", Outcome: model.OutcomeYes, Amount: 5, AsOf: t0},
		[]model.LimitOrder{expired, own}, nil)
	require.NoError(t, err)

	assert.Empty(t, res.MakerFills)
	assert.Equal(t, []string{"expired"}, res.OrdersToCancel)
	require.Len(t, res.Fills, 1)
	assert.Empty(t, res.Fills[0].OrderID)
}

func TestMatch_SaleHitsRestingBuyOrders(t *testing.T) {
	m := newMatcher(t)
	orders := []model.LimitOrder{order("bid", "maker", model.OutcomeYes, 0.45, 10, t0)}

	res, err := m.Match(balanced(), Request{Outcome: model.OutcomeYes, Shares: 10, Sale: true}, orders, nil)
	require.NoError(t, err)

	require.Len(t, res.MakerFills, 1)
	assert.Equal(t, model.OutcomeYes, res.MakerFills[0].Outcome)
	assert.InDelta(t, 4.5, res.MakerFills[0].Amount, 1e-9)
	assert.InDelta(t, 4.5-res.Fees.Total(), res.Amount, 1e-9)
	assert.InDelta(t, 10, res.Shares, 1e-9)
	assert.True(t, res.IsSale)
}

func TestMatch_BuyThenSellGapEqualsFees(t *testing.T) {
	m := newMatcher(t)
	buy, err := m.Match(balanced(), Request{Outcome: model.OutcomeYes, Amount: 10}, nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, 10, buy.Amount, 1e-9)
	assert.Greater(t, buy.Shares, 10-buy.Fees.Total())

	sell, err := m.Match(buy.State, Request{Outcome: model.OutcomeYes, Shares: buy.Shares, Sale: true}, nil, nil)
	require.NoError(t, err)

	assert.Less(t, sell.Amount, 10.0)
	assert.InDelta(t, buy.Fees.Total()+sell.Fees.Total(), 10-sell.Amount, 1e-7)
	assert.InDelta(t, 0.5, sell.ProbAfter, 1e-9)
}

func TestMatch_ConservesValue(t *testing.T) {
	m := newMatcher(t)
	orders := []model.LimitOrder{
		order("o1", "a", model.OutcomeNo, 0.51, 8, t0),
		order("o2", "b", model.OutcomeNo, 0.6, 4, t0),
	}
	res, err := m.Match(balanced(), Request{Outcome: model.OutcomeYes, Amount: 40}, orders, nil)
	require.NoError(t, err)

	assert.InDelta(t, res.Notional()+res.Fees.Total(), res.Amount, 1e-9)
	assert.InDelta(t, 40, res.Amount, 1e-9)
	for _, f := range res.Fills {
		assert.LessOrEqual(t, f.Fees.Total(), numeric.DefaultFeeCapFraction*f.Amount+1e-12)
	}
}

func TestMatch_OversizedWithoutLimit(t *testing.T) {
	m := newMatcher(t)
	_, err := m.Match(balanced(), Request{Outcome: model.OutcomeYes, Amount: 1e7}, nil, nil)
	require.ErrorIs(t, err, model.ErrInvalidTradeSize)
	max, ok := model.MaxSize(err)
	require.True(t, ok)

	res, err := m.Match(balanced(), Request{Outcome: model.OutcomeYes, Amount: max * 0.999}, nil, nil)
	require.NoError(t, err)
	assert.True(t, numeric.InProbBounds(res.ProbAfter))

	_, err = m.Match(balanced(), Request{Outcome: model.OutcomeNo, Shares: 1e7, Sale: true}, nil, nil)
	assert.ErrorIs(t, err, model.ErrInsufficientShares)
}

func TestMatch_InvalidRequests(t *testing.T) {
	m := newMatcher(t)
	tests := []struct {
		name string
		req  Request
	}{
		{"negative amount", Request{Outcome: model.OutcomeYes, Amount: -1}},
		{"bad outcome", Request{Outcome: "MAYBE", Amount: 1}},
		{"amount and shares", Request{Outcome: model.OutcomeYes, Amount: 1, Shares: 1}},
		{"sale by amount", Request{Outcome: model.OutcomeYes, Amount: 1, Sale: true}},
		{"limit of one", Request{Outcome: model.OutcomeYes, Amount: 1, LimitProb: ptr(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Match(balanced(), tt.req, nil, nil)
			assert.ErrorIs(t, err, model.ErrInvalidTradeSize)
		})
	}
}

func TestMatch_ZeroSizeIsNoop(t *testing.T) {
	m := newMatcher(t)
	res, err := m.Match(balanced(), Request{Outcome: model.OutcomeNo}, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Amount)
	assert.Zero(t, res.Fees.Total())
	assert.True(t, res.IsFilled)
	assert.Equal(t, balanced(), res.State)
}

func TestProperty_Deterministic(t *testing.T) {
	m := newMatcher(t)
	rapid.Check(t, func(t *rapid.T) {
		var orders []model.LimitOrder
		n := rapid.IntRange(0, 6).Draw(t, "orders")
		for i := 0; i < n; i++ {
			orders = append(orders, order(
				string(rune('a'+i)), "maker",
				rapid.SampledFrom([]model.Outcome{model.OutcomeYes, model.OutcomeNo}).Draw(t, "side"),
				rapid.Float64Range(0.05, 0.95).Draw(t, "limit"),
				rapid.Float64Range(1, 50).Draw(t, "shares"),
				t0.Add(time.Duration(rapid.IntRange(0, 3).Draw(t, "age"))*time.Minute),
			))
		}
		req := Request{
			Outcome: rapid.SampledFrom([]model.Outcome{model.OutcomeYes, model.OutcomeNo}).Draw(t, "outcome"),
			Amount:  rapid.Float64Range(0, 200).Draw(t, "amount"),
		}
		a, errA := m.Match(balanced(), req, orders, nil)
		b, errB := m.Match(balanced(), req, orders, nil)
		if (errA == nil) != (errB == nil) || (errA != nil && errA.Error() != errB.Error()) {
			t.Fatalf("errors differ: %v vs %v", errA, errB)
		}
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("results differ:\n%+v\n%+v", a, b)
		}
	})
}

func TestProperty_NoValueCreatedAndProbabilityMonotonic(t *testing.T) {
	m := newMatcher(t)
	rapid.Check(t, func(t *rapid.T) {
		s := model.PoolState{
			Pool: model.Pool{
				Yes: rapid.Float64Range(20, 2000).Draw(t, "yes"),
				No:  rapid.Float64Range(20, 2000).Draw(t, "no"),
			},
			P: rapid.Float64Range(0.2, 0.8).Draw(t, "p"),
		}
		o := rapid.SampledFrom([]model.Outcome{model.OutcomeYes, model.OutcomeNo}).Draw(t, "outcome")
		amount := rapid.Float64Range(0.5, 200).Draw(t, "amount")

		buy, err := m.Match(s, Request{Outcome: o, Amount: amount}, nil, nil)
		if err != nil {
			return
		}
		if cpmm.OutcomeProbability(buy.State, o) < cpmm.OutcomeProbability(s, o)-numeric.Epsilon {
			t.Fatalf("buying %s lowered its probability", o)
		}
		sell, err := m.Match(buy.State, Request{Outcome: o, Shares: buy.Shares, Sale: true}, nil, nil)
		if err != nil {
			t.Fatalf("sell back failed: %v", err)
		}
		if sell.Amount > buy.Amount+1e-7 {
			t.Fatalf("round trip created value: paid %v, received %v", buy.Amount, sell.Amount)
		}
		if cpmm.OutcomeProbability(sell.State, o) > cpmm.OutcomeProbability(buy.State, o)+numeric.Epsilon {
			t.Fatalf("selling %s raised its probability", o)
		}
	})
}
