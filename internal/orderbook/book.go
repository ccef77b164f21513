// Package orderbook aggregates resting limit orders into price levels for
// display. YES orders are bids on the YES probability and NO orders are
// asks; both sides are keyed by the order's limit probability.
package orderbook

import (
	"math"
	"time"

	"github.com/google/btree"

	"github.com/playmoney/market-engine/internal/model"
)

// Level is the resting size at one limit probability.
type Level struct {
	Prob   float64 `json:"prob"`
	Shares float64 `json:"shares"`
	Amount float64 `json:"amount"` // mana the orders would pay if filled
	Orders int     `json:"orders"`
}

// Depth is a snapshot of both sides, best level first.
type Depth struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

func lessLevel(a, b *Level) bool { return a.Prob < b.Prob }

// Book holds the open orders of one pool.
type Book struct {
	bids *btree.BTreeG[*Level]
	asks *btree.BTreeG[*Level]
}

// New returns an empty book.
func New() *Book {
	return &Book{
		bids: btree.NewG(2, lessLevel),
		asks: btree.NewG(2, lessLevel),
	}
}

// Build returns a book of the orders open at asOf. A zero asOf ignores
// expiry. answerID filters multi-answer orders; "" keeps every order.
func Build(orders []model.LimitOrder, answerID string, asOf time.Time) *Book {
	b := New()
	for _, o := range orders {
		if answerID != "" && o.AnswerID != answerID {
			continue
		}
		if !o.Open() || o.Expired(asOf) {
			continue
		}
		b.Add(o)
	}
	return b
}

// Add rests the remaining size of o in the book.
func (b *Book) Add(o model.LimitOrder) {
	tree := b.bids
	if o.Outcome == model.OutcomeNo {
		tree = b.asks
	}
	key := &Level{Prob: round(o.LimitProb)}
	lvl, ok := tree.Get(key)
	if !ok {
		lvl = key
		tree.ReplaceOrInsert(lvl)
	}
	lvl.Shares += o.Remaining
	lvl.Amount += o.Remaining * o.Price()
	lvl.Orders++
}

// BestBid is the highest YES limit, if any.
func (b *Book) BestBid() (float64, bool) {
	lvl, ok := b.bids.Max()
	if !ok {
		return 0, false
	}
	return lvl.Prob, true
}

// BestAsk is the lowest NO limit, if any.
func (b *Book) BestAsk() (float64, bool) {
	lvl, ok := b.asks.Min()
	if !ok {
		return 0, false
	}
	return lvl.Prob, true
}

// Depth returns up to levels price levels per side; levels <= 0 returns all.
func (b *Book) Depth(levels int) Depth {
	d := Depth{Bids: []Level{}, Asks: []Level{}}
	b.bids.Descend(func(l *Level) bool {
		d.Bids = append(d.Bids, *l)
		return levels <= 0 || len(d.Bids) < levels
	})
	b.asks.Ascend(func(l *Level) bool {
		d.Asks = append(d.Asks, *l)
		return levels <= 0 || len(d.Asks) < levels
	})
	return d
}

// round collapses float noise so equal limits share a level.
func round(p float64) float64 {
	return math.Round(p*1e9) / 1e9
}
