package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/playmoney/market-engine/internal/contract"
	"github.com/playmoney/market-engine/internal/engine"
	"github.com/playmoney/market-engine/internal/model"
	"github.com/playmoney/market-engine/internal/numeric"
)

// Scenario is a market, the orders resting in it and a sequence of trades
// to quote against it.
type Scenario struct {
	Market contract.Params `yaml:"market"`
	Orders []OrderSpec     `yaml:"orders"`
	Trades []TradeSpec     `yaml:"trades"`
}

// OrderSpec is a resting limit order. Answer indexes multiple-choice
// answers.
type OrderSpec struct {
	User      string        `yaml:"user"`
	Answer    int           `yaml:"answer"`
	Outcome   model.Outcome `yaml:"outcome"`
	LimitProb float64       `yaml:"limit_prob"`
	Shares    float64       `yaml:"shares"`
}

// TradeSpec is one trade. Action is bet, bet_shares or sell.
type TradeSpec struct {
	User      string        `yaml:"user"`
	Action    string        `yaml:"action"`
	Answer    int           `yaml:"answer"`
	Outcome   model.Outcome `yaml:"outcome"`
	Amount    float64       `yaml:"amount"`
	Shares    float64       `yaml:"shares"`
	LimitProb *float64      `yaml:"limit_prob"`
}

// Quote is the priced result of one TradeSpec.
type Quote struct {
	Spec     TradeSpec
	AnswerID string
	Result   model.TradeResult
	Display  *float64
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %q: %w", path, err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if sc.Market.CreatorID == "" {
		sc.Market.CreatorID = "creator"
	}
	return &sc, nil
}

// Run prices every trade in order, carrying the pool state and the book
// from one trade to the next.
func (sc *Scenario) Run(eng *engine.Engine, now time.Time) (model.Mechanism, []Quote, error) {
	m, err := contract.NewMarket(sc.Market, now)
	if err != nil {
		return nil, nil, err
	}
	mech, err := m.Mechanism()
	if err != nil {
		return nil, nil, err
	}

	var orders []model.LimitOrder
	for i, o := range sc.Orders {
		answerID, err := answerFor(m, o.Answer)
		if err != nil {
			return nil, nil, fmt.Errorf("order %d: %w", i+1, err)
		}
		orders = append(orders, model.LimitOrder{
			ID:        fmt.Sprintf("order-%d", i+1),
			UserID:    o.User,
			MarketID:  m.ID,
			AnswerID:  answerID,
			Outcome:   o.Outcome,
			LimitProb: o.LimitProb,
			Shares:    o.Shares,
			Remaining: o.Shares,
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		})
	}

	quotes := make([]Quote, 0, len(sc.Trades))
	for i, t := range sc.Trades {
		answerID, err := answerFor(m, t.Answer)
		if err != nil {
			return nil, nil, fmt.Errorf("trade %d: %w", i+1, err)
		}
		snap := engine.Snapshot{Mechanism: mech, Orders: orders, AsOf: now}
		shares := engine.SharesRequest{
			UserID: t.User, AnswerID: answerID, Outcome: t.Outcome, Shares: t.Shares, LimitProb: t.LimitProb,
		}

		var res engine.Result
		switch t.Action {
		case "bet", "":
			res, err = eng.ComputeBuy(snap, engine.BuyRequest{
				UserID: t.User, AnswerID: answerID, Outcome: t.Outcome, Amount: t.Amount, LimitProb: t.LimitProb,
			})
		case "bet_shares":
			res, err = eng.ComputeBuyShares(snap, shares)
		case "sell":
			res, err = eng.ComputeSell(snap, shares)
		default:
			err = fmt.Errorf("unknown action %q", t.Action)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("trade %d: %w", i+1, err)
		}

		mech = res.Mechanism
		orders = applyFills(orders, res.Trade)
		if rest := remainder(t, res.Trade, answerID, now, i); rest != nil {
			orders = append(orders, *rest)
		}

		q := Quote{Spec: t, AnswerID: answerID, Result: res.Trade}
		if v, err := engine.MapToDisplayValue(mech); err == nil {
			q.Display = &v
		}
		quotes = append(quotes, q)
	}
	return mech, quotes, nil
}

func answerFor(m *model.Market, index int) (string, error) {
	if m.OutcomeType != model.OutcomeTypeMultipleChoice {
		return "", nil
	}
	if index < 0 || index >= len(m.Answers) {
		return "", fmt.Errorf("%w: index %d", model.ErrAnswerNotFound, index)
	}
	return m.Answers[index].ID, nil
}

func applyFills(orders []model.LimitOrder, res model.TradeResult) []model.LimitOrder {
	out := make([]model.LimitOrder, len(orders))
	copy(out, orders)
	for i := range out {
		for _, f := range res.MakerFills {
			if f.OrderID == out[i].ID {
				out[i].Remaining = f.Remaining
			}
		}
		for _, id := range res.OrdersToCancel {
			if id == out[i].ID {
				out[i].Cancelled = true
			}
		}
	}
	return out
}

func remainder(t TradeSpec, res model.TradeResult, answerID string, now time.Time, seq int) *model.LimitOrder {
	if t.Action == "sell" || t.LimitProb == nil || res.IsFilled || res.Unfilled <= numeric.Epsilon {
		return nil
	}
	shares := res.Unfilled
	if t.Action != "bet_shares" {
		price := *t.LimitProb
		if t.Outcome == model.OutcomeNo {
			price = 1 - price
		}
		shares = res.Unfilled / price
	}
	return &model.LimitOrder{
		ID:        uuid.New().String(),
		UserID:    t.User,
		AnswerID:  answerID,
		Outcome:   t.Outcome,
		LimitProb: *t.LimitProb,
		Shares:    shares,
		Remaining: shares,
		CreatedAt: now.Add(time.Duration(seq+1) * time.Second),
	}
}
