// Package engine is the entry point of the pricing core. It dispatches buy,
// sell and liquidity computations to the right mechanism and checks the
// resulting state before handing it back. Every computation is a pure
// function of the snapshot it is given; persisting the result atomically
// is the caller's job.
package engine

import (
	"fmt"
	"time"

	"github.com/playmoney/market-engine/internal/cpmm"
	"github.com/playmoney/market-engine/internal/fee"
	"github.com/playmoney/market-engine/internal/liquidity"
	"github.com/playmoney/market-engine/internal/mapping"
	"github.com/playmoney/market-engine/internal/matcher"
	"github.com/playmoney/market-engine/internal/model"
	"github.com/playmoney/market-engine/internal/multi"
	"github.com/playmoney/market-engine/internal/numeric"
)

// Engine bundles the matcher, the multi-answer coordinator and the
// liquidity manager. It is safe for concurrent use.
type Engine struct {
	matcher     *matcher.Matcher
	coordinator *multi.Coordinator
	liquidity   *liquidity.Manager
}

// New returns an Engine charging fees with fees and enforcing the
// withdrawal floor of lm.
func New(fees *fee.Calculator, lm *liquidity.Manager) *Engine {
	m := matcher.New(fees)
	return &Engine{
		matcher:     m,
		coordinator: multi.NewCoordinator(m),
		liquidity:   lm,
	}
}

// Snapshot is the state a computation runs against. Orders are the open
// limit orders of the market; Balances, when set, cap what makers can pay.
type Snapshot struct {
	Mechanism model.Mechanism
	Orders    []model.LimitOrder
	Balances  map[string]float64
	AsOf      time.Time
}

// BuyRequest spends Amount mana on Outcome.
type BuyRequest struct {
	UserID    string
	AnswerID  string
	Outcome   model.Outcome
	Amount    float64
	LimitProb *float64
}

// SharesRequest buys or sells an exact number of shares.
type SharesRequest struct {
	UserID    string
	AnswerID  string
	Outcome   model.Outcome
	Shares    float64
	LimitProb *float64
}

// Result is a trade and the mechanism state after it.
type Result struct {
	AnswerID  string            `json:"answer_id,omitempty"`
	Trade     model.TradeResult `json:"trade"`
	Mechanism model.Mechanism   `json:"-"`
}

// ComputeBuy prices a purchase of req.Amount mana.
func (e *Engine) ComputeBuy(snap Snapshot, req BuyRequest) (Result, error) {
	return e.execute(snap, req.AnswerID, matcher.Request{
		UserID:    req.UserID,
		Outcome:   req.Outcome,
		Amount:    req.Amount,
		LimitProb: req.LimitProb,
		AsOf:      snap.AsOf,
	})
}

// ComputeBuyShares prices a purchase of exactly req.Shares shares.
func (e *Engine) ComputeBuyShares(snap Snapshot, req SharesRequest) (Result, error) {
	return e.execute(snap, req.AnswerID, matcher.Request{
		UserID:    req.UserID,
		Outcome:   req.Outcome,
		Shares:    req.Shares,
		LimitProb: req.LimitProb,
		AsOf:      snap.AsOf,
	})
}

// ComputeSell prices a sale of req.Shares shares. Whether the seller holds
// the shares is checked by the caller.
func (e *Engine) ComputeSell(snap Snapshot, req SharesRequest) (Result, error) {
	return e.execute(snap, req.AnswerID, matcher.Request{
		UserID:    req.UserID,
		Outcome:   req.Outcome,
		Shares:    req.Shares,
		Sale:      true,
		LimitProb: req.LimitProb,
		AsOf:      snap.AsOf,
	})
}

func (e *Engine) execute(snap Snapshot, answerID string, req matcher.Request) (Result, error) {
	switch m := snap.Mechanism.(type) {
	case model.Binary, model.PseudoNumeric, model.Stonk:
		state, _ := model.SingleState(m)
		trade, err := e.matcher.Match(state, req, snap.Orders, snap.Balances)
		if err != nil {
			return Result{}, err
		}
		next := model.WithState(m, trade.State)
		if err := Check(next); err != nil {
			return Result{}, err
		}
		return Result{Trade: trade, Mechanism: next}, nil

	case model.MultiAnswer:
		if answerID == "" {
			return Result{}, fmt.Errorf("%w: answer id is required", model.ErrAnswerNotFound)
		}
		res, err := e.coordinator.MatchAnswer(m, answerID, req, snap.Orders, snap.Balances)
		if err != nil {
			return Result{}, err
		}
		if err := Check(res.Market); err != nil {
			return Result{}, err
		}
		return Result{AnswerID: answerID, Trade: res.Trade, Mechanism: res.Market}, nil

	default:
		return Result{}, unsupported(snap.Mechanism)
	}
}

// LiquidityResult is the state after a liquidity change.
type LiquidityResult struct {
	Mechanism model.Mechanism
	// Minted is the growth of y^p * n^(1-p), summed over answers.
	Minted float64
	// Released maps answer ids ("" for single-pool markets) to the shares
	// returned by a withdrawal.
	Released map[string]model.Pool
}

// ComputeAddLiquidity deepens the pool(s) of m by amount without moving any
// probability.
func (e *Engine) ComputeAddLiquidity(m model.Mechanism, amount float64) (LiquidityResult, error) {
	switch v := m.(type) {
	case model.Binary, model.PseudoNumeric, model.Stonk:
		state, _ := model.SingleState(v)
		next, minted, err := e.liquidity.Add(state, amount)
		if err != nil {
			return LiquidityResult{}, err
		}
		out := model.WithState(v, next)
		if err := Check(out); err != nil {
			return LiquidityResult{}, err
		}
		return LiquidityResult{Mechanism: out, Minted: minted}, nil

	case model.MultiAnswer:
		answers, err := e.liquidity.AddToAnswers(v.Answers, amount, v.SumsToOne)
		if err != nil {
			return LiquidityResult{}, err
		}
		out := model.MultiAnswer{Answers: answers, SumsToOne: v.SumsToOne}
		if err := Check(out); err != nil {
			return LiquidityResult{}, err
		}
		var minted float64
		for i := range answers {
			minted += cpmm.Liquidity(answers[i].State) - cpmm.Liquidity(v.Answers[i].State)
		}
		return LiquidityResult{Mechanism: out, Minted: minted}, nil

	default:
		return LiquidityResult{}, unsupported(m)
	}
}

// ComputeWithdrawLiquidity removes share of every pool of m and returns the
// released shares.
func (e *Engine) ComputeWithdrawLiquidity(m model.Mechanism, share float64) (LiquidityResult, error) {
	switch v := m.(type) {
	case model.Binary, model.PseudoNumeric, model.Stonk:
		state, _ := model.SingleState(v)
		next, yes, no, err := e.liquidity.Withdraw(state, share)
		if err != nil {
			return LiquidityResult{}, err
		}
		out := model.WithState(v, next)
		if err := Check(out); err != nil {
			return LiquidityResult{}, err
		}
		return LiquidityResult{
			Mechanism: out,
			Minted:    cpmm.Liquidity(next) - cpmm.Liquidity(state),
			Released:  map[string]model.Pool{"": {Yes: yes, No: no}},
		}, nil

	case model.MultiAnswer:
		answers, released, err := e.liquidity.WithdrawFromAnswers(v.Answers, share)
		if err != nil {
			return LiquidityResult{}, err
		}
		out := model.MultiAnswer{Answers: answers, SumsToOne: v.SumsToOne}
		if err := Check(out); err != nil {
			return LiquidityResult{}, err
		}
		var minted float64
		for i := range answers {
			minted += cpmm.Liquidity(answers[i].State) - cpmm.Liquidity(v.Answers[i].State)
		}
		return LiquidityResult{Mechanism: out, Minted: minted, Released: released}, nil

	default:
		return LiquidityResult{}, unsupported(m)
	}
}

// MapToDisplayValue returns the value a single-pool market displays.
func MapToDisplayValue(m model.Mechanism) (float64, error) {
	return mapping.DisplayValue(m)
}

// Probabilities returns the YES probability of every pool of m, keyed by
// answer id ("" for single-pool markets).
func Probabilities(m model.Mechanism) map[string]float64 {
	if v, ok := m.(model.MultiAnswer); ok {
		return multi.Probabilities(v)
	}
	if s, ok := model.SingleState(m); ok {
		return map[string]float64{"": cpmm.Probability(s)}
	}
	return nil
}

// Liquidity sums y^p * n^(1-p) over every pool of m.
func Liquidity(m model.Mechanism) float64 {
	if v, ok := m.(model.MultiAnswer); ok {
		var total float64
		for _, a := range v.Answers {
			total += cpmm.Liquidity(a.State)
		}
		return total
	}
	if s, ok := model.SingleState(m); ok {
		return cpmm.Liquidity(s)
	}
	return 0
}

// Check validates every pool of m: positive reserves, p in (0, 1),
// probability inside the bounds and, for sum-to-one markets with more than
// one open answer, a total of one.
func Check(m model.Mechanism) error {
	switch v := m.(type) {
	case model.Binary, model.PseudoNumeric, model.Stonk:
		s, _ := model.SingleState(v)
		return checkPool(s)
	case model.MultiAnswer:
		open := 0
		for _, a := range v.Answers {
			if err := checkPool(a.State); err != nil {
				return fmt.Errorf("answer %s: %w", a.ID, err)
			}
			if !a.Resolved {
				open++
			}
		}
		if v.SumsToOne && open > 1 {
			return multi.CheckSumToOne(v.Answers)
		}
		return nil
	default:
		return unsupported(m)
	}
}

func checkPool(s model.PoolState) error {
	if err := cpmm.Validate(s); err != nil {
		return err
	}
	if p := cpmm.RawProbability(s); !numeric.InProbBounds(p) {
		return model.Invariantf("probability %v out of bounds", p)
	}
	return nil
}

func unsupported(m model.Mechanism) error {
	return fmt.Errorf("%w: %T", model.ErrUnsupportedMechanism, m)
}
