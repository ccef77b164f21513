// Package liquidity adds and removes pool depth without moving prices.
package liquidity

import (
	"fmt"
	"math"

	"github.com/playmoney/market-engine/internal/cpmm"
	"github.com/playmoney/market-engine/internal/model"
	"github.com/playmoney/market-engine/internal/numeric"
)

// maxRecoveryRounds bounds the re-investment of discarded shares when
// adding liquidity to a sum-to-one market.
const maxRecoveryRounds = 100

// Manager applies liquidity changes. MinReserve is the smallest reserve a
// withdrawal may leave behind; reserves must stay positive regardless.
type Manager struct {
	minReserve float64
}

// NewManager returns a Manager enforcing minReserve on withdrawals.
func NewManager(minReserve float64) *Manager {
	return &Manager{minReserve: math.Max(minReserve, 0)}
}

func checkAmount(amount float64) error {
	if !numeric.Finite(amount) || amount <= 0 {
		return fmt.Errorf("%w: liquidity amount %v", model.ErrInvalidTradeSize, amount)
	}
	return nil
}

// Add mints amount of complete sets into both reserves and re-weights p so
// the probability is unchanged. It returns the new pool and the liquidity
// units minted.
func (m *Manager) Add(s model.PoolState, amount float64) (model.PoolState, float64, error) {
	if err := cpmm.Validate(s); err != nil {
		return s, 0, err
	}
	if err := checkAmount(amount); err != nil {
		return s, 0, err
	}
	prob := cpmm.RawProbability(s)
	y, n := s.Pool.Yes, s.Pool.No
	p := prob * (amount + y) / (amount - n*(prob-1) + prob*y)

	next := model.PoolState{Pool: model.Pool{Yes: y + amount, No: n + amount}, P: p}
	minted := cpmm.Liquidity(next) - cpmm.Liquidity(model.PoolState{Pool: s.Pool, P: p})
	return next, minted, nil
}

// AddFixedP adds amount of complete sets while keeping p, so only the
// reserve ratio can hold the probability. The surplus shares of the more
// likely outcome are returned as thrown away.
func (m *Manager) AddFixedP(s model.PoolState, amount float64) (model.PoolState, model.Pool, error) {
	if err := cpmm.Validate(s); err != nil {
		return s, model.Pool{}, err
	}
	if err := checkAmount(amount); err != nil {
		return s, model.Pool{}, err
	}
	next := s
	var thrown model.Pool
	ratio := s.Pool.No / s.Pool.Yes
	if ratio <= 1 {
		next.Pool.Yes += amount
		next.Pool.No += amount * ratio
		thrown.No = amount - amount*ratio
	} else {
		next.Pool.No += amount
		next.Pool.Yes += amount / ratio
		thrown.Yes = amount - amount/ratio
	}
	return next, thrown, nil
}

// AddToAnswers spreads amount evenly over the open answers with AddFixedP.
// For sum-to-one markets the shares thrown away in every answer form
// complete sets that are worth mana, which is re-invested until nothing
// meaningful is left.
func (m *Manager) AddToAnswers(answers []model.Answer, amount float64, sumsToOne bool) ([]model.Answer, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	out := make([]model.Answer, len(answers))
	copy(out, answers)

	var open []int
	resolved := false
	for i, a := range out {
		if a.Resolved {
			resolved = true
			continue
		}
		open = append(open, i)
	}
	if len(open) == 0 {
		return nil, fmt.Errorf("%w: no open answers", model.ErrMarketClosed)
	}

	remaining := amount
	for round := 0; round < maxRecoveryRounds && remaining > numeric.Epsilon; round++ {
		per := remaining / float64(len(open))
		minYes, minNo := math.Inf(1), math.Inf(1)
		for _, i := range open {
			next, thrown, err := m.AddFixedP(out[i].State, per)
			if err != nil {
				return nil, fmt.Errorf("answer %s: %w", out[i].ID, err)
			}
			out[i].State = next
			minYes = math.Min(minYes, thrown.Yes)
			minNo = math.Min(minNo, thrown.No)
		}
		if !sumsToOne || resolved || len(open) < 2 {
			break
		}
		// One YES share in every answer pays exactly one; one NO share in
		// every answer pays len(open)-1.
		remaining = minYes + minNo*float64(len(open)-1)
	}
	return out, nil
}

// Withdraw removes share of both reserves, leaving the probability
// unchanged. share is the fraction of the pool being withdrawn.
func (m *Manager) Withdraw(s model.PoolState, share float64) (model.PoolState, float64, float64, error) {
	if err := cpmm.Validate(s); err != nil {
		return s, 0, 0, err
	}
	if !numeric.Finite(share) || share <= 0 {
		return s, 0, 0, fmt.Errorf("%w: withdrawal share %v", model.ErrInvalidTradeSize, share)
	}
	keep := 1 - share
	next := model.PoolState{Pool: model.Pool{Yes: s.Pool.Yes * keep, No: s.Pool.No * keep}, P: s.P}
	if next.Pool.Yes <= m.minReserve || next.Pool.No <= m.minReserve || next.Pool.Yes <= 0 || next.Pool.No <= 0 {
		return s, 0, 0, &model.SizeError{Err: model.ErrInsufficientPoolDepth, Max: m.MaxWithdrawShare(s)}
	}
	return next, s.Pool.Yes * share, s.Pool.No * share, nil
}

// WithdrawFromAnswers applies Withdraw to every open answer and returns the
// shares released per answer id.
func (m *Manager) WithdrawFromAnswers(answers []model.Answer, share float64) ([]model.Answer, map[string]model.Pool, error) {
	out := make([]model.Answer, len(answers))
	copy(out, answers)
	released := make(map[string]model.Pool)
	for i, a := range out {
		if a.Resolved {
			continue
		}
		next, yes, no, err := m.Withdraw(a.State, share)
		if err != nil {
			return nil, nil, fmt.Errorf("answer %s: %w", a.ID, err)
		}
		out[i].State = next
		released[a.ID] = model.Pool{Yes: yes, No: no}
	}
	return out, released, nil
}

// MaxWithdrawShare is the largest fraction of s that can be withdrawn.
func (m *Manager) MaxWithdrawShare(s model.PoolState) float64 {
	smallest := math.Min(s.Pool.Yes, s.Pool.No)
	if smallest <= 0 {
		return 0
	}
	if m.minReserve <= 0 {
		return 1 - numeric.Epsilon
	}
	return math.Max(1-m.minReserve/smallest, 0)
}
