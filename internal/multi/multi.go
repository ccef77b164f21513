// Package multi coordinates trades on multiple-choice markets.
//
// Every answer owns an independent pool. When the answers of a market must
// sum to one, a trade on one answer is followed by a proportional rescale
// of the other open answers so that the set sums to one again: each other
// answer keeps its share of the remaining probability. Resolved answers are
// frozen and never rescaled.
package multi

import (
	"fmt"
	"math"

	"github.com/playmoney/market-engine/internal/cpmm"
	"github.com/playmoney/market-engine/internal/matcher"
	"github.com/playmoney/market-engine/internal/model"
	"github.com/playmoney/market-engine/internal/numeric"
)

// Coordinator routes trades to answer pools.
type Coordinator struct {
	matcher *matcher.Matcher
}

// NewCoordinator returns a Coordinator executing trades with m.
func NewCoordinator(m *matcher.Matcher) *Coordinator {
	return &Coordinator{matcher: m}
}

// Result is a trade on one answer plus the state of every answer after it.
type Result struct {
	AnswerID string
	Trade    model.TradeResult
	Market   model.MultiAnswer
}

// MatchAnswer executes req on answerID. orders may contain orders of other
// answers; only those for answerID are considered.
func (c *Coordinator) MatchAnswer(m model.MultiAnswer, answerID string, req matcher.Request, orders []model.LimitOrder, balances map[string]float64) (Result, error) {
	answer, idx, ok := m.Find(answerID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", model.ErrAnswerNotFound, answerID)
	}
	if answer.Resolved {
		return Result{}, fmt.Errorf("%w: answer %s is resolved", model.ErrMarketClosed, answerID)
	}
	if m.SumsToOne {
		if err := CheckSumToOne(m.Answers); err != nil {
			return Result{}, err
		}
	}

	var answerOrders []model.LimitOrder
	for _, o := range orders {
		if o.AnswerID == answerID {
			answerOrders = append(answerOrders, o)
		}
	}

	trade, err := c.matcher.Match(answer.State, req, answerOrders, balances)
	if err != nil {
		return Result{}, err
	}

	next := m.Clone()
	next.Answers[idx].State = trade.State
	if m.SumsToOne {
		next.Answers, err = Renormalize(next.Answers, answerID)
		if err != nil {
			return Result{}, err
		}
		if openOthers(next.Answers, answerID) > 0 {
			if err := CheckSumToOne(next.Answers); err != nil {
				return Result{}, err
			}
		}
		trade.State = next.Answers[idx].State
		trade.ProbAfter = cpmm.Probability(trade.State)
	}
	return Result{AnswerID: answerID, Trade: trade, Market: next}, nil
}

func openOthers(answers []model.Answer, targetID string) int {
	n := 0
	for _, a := range answers {
		if a.ID != targetID && !a.Resolved {
			n++
		}
	}
	return n
}

// Renormalize rescales every open answer other than targetID so the set
// sums to one while the target keeps its probability. When the target is
// the only open answer it absorbs the whole remainder, clamped to the
// probability bounds. The input slice is not modified.
func Renormalize(answers []model.Answer, targetID string) ([]model.Answer, error) {
	out := make([]model.Answer, len(answers))
	copy(out, answers)

	target := -1
	var resolvedSum float64
	var open []int
	for i, a := range out {
		switch {
		case a.ID == targetID:
			target = i
		case a.Resolved:
			resolvedSum += cpmm.Probability(a.State)
		default:
			open = append(open, i)
		}
	}
	if target < 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrAnswerNotFound, targetID)
	}

	if len(open) == 0 {
		out[target].State = cpmm.SetProbability(out[target].State, numeric.ClampProb(1-resolvedSum))
		return out, nil
	}

	budget := 1 - cpmm.Probability(out[target].State) - resolvedSum
	n := float64(len(open))
	if budget < n*numeric.MinProb-numeric.Epsilon || budget > n*numeric.MaxProb+numeric.Epsilon {
		return nil, fmt.Errorf("%w: %d other answers cannot share probability %v", model.ErrInvalidTradeSize, len(open), budget)
	}

	probs := make(map[int]float64, len(open))
	for _, i := range open {
		probs[i] = cpmm.Probability(out[i].State)
	}
	targets := rescale(probs, open, budget)
	for _, i := range open {
		out[i].State = cpmm.SetProbability(out[i].State, targets[i])
	}
	return out, nil
}

// rescale scales probs[free] to sum to budget. Answers that would leave the
// bounds are pinned at the bound and the rest rescaled again.
func rescale(probs map[int]float64, free []int, budget float64) map[int]float64 {
	targets := make(map[int]float64, len(free))
	for len(free) > 0 {
		var sum float64
		for _, i := range free {
			sum += probs[i]
		}
		factor := budget / sum

		var unpinned []int
		for _, i := range free {
			switch q := probs[i] * factor; {
			case q < numeric.MinProb:
				targets[i] = numeric.MinProb
				budget -= numeric.MinProb
			case q > numeric.MaxProb:
				targets[i] = numeric.MaxProb
				budget -= numeric.MaxProb
			default:
				unpinned = append(unpinned, i)
			}
		}
		if len(unpinned) == len(free) {
			for _, i := range free {
				targets[i] = probs[i] * factor
			}
			break
		}
		free = unpinned
	}
	return targets
}

// Sum returns the total probability of answers.
func Sum(answers []model.Answer) float64 {
	var sum float64
	for _, a := range answers {
		sum += cpmm.Probability(a.State)
	}
	return sum
}

// CheckSumToOne reports an invariant violation when answers drift from a
// total of one by more than numeric.SumToOneEpsilon.
func CheckSumToOne(answers []model.Answer) error {
	if sum := Sum(answers); math.Abs(sum-1) > numeric.SumToOneEpsilon {
		return model.Invariantf("answer probabilities sum to %.10f", sum)
	}
	return nil
}

// Probabilities maps answer ids to their probabilities.
func Probabilities(m model.MultiAnswer) map[string]float64 {
	out := make(map[string]float64, len(m.Answers))
	for _, a := range m.Answers {
		out[a.ID] = cpmm.Probability(a.State)
	}
	return out
}
