package model

// Fees is the breakdown of a fee charge.
type Fees struct {
	Creator   float64 `json:"creator"`
	Platform  float64 `json:"platform"`
	Liquidity float64 `json:"liquidity"`
}

// Total returns the sum of all components.
func (f Fees) Total() float64 {
	return f.Creator + f.Platform + f.Liquidity
}

// Add returns the component-wise sum.
func (f Fees) Add(o Fees) Fees {
	return Fees{
		Creator:   f.Creator + o.Creator,
		Platform:  f.Platform + o.Platform,
		Liquidity: f.Liquidity + o.Liquidity,
	}
}

// Fill is one segment of a taker's execution. OrderID is empty for pool
// fills. For purchases Amount is the notional paid before fees; for sales
// it is the gross proceeds before fees.
type Fill struct {
	OrderID string  `json:"order_id,omitempty"`
	Shares  float64 `json:"shares"`
	Amount  float64 `json:"amount"`
	Price   float64 `json:"price"`
	Fees    Fees    `json:"fees"`
}

// MakerFill is the counterparty side of a fill against a resting order.
type MakerFill struct {
	OrderID   string  `json:"order_id"`
	UserID    string  `json:"user_id"`
	Outcome   Outcome `json:"outcome"`
	Shares    float64 `json:"shares"`
	Amount    float64 `json:"amount"`
	LimitProb float64 `json:"limit_prob"`
	Remaining float64 `json:"remaining"`
}

// TradeResult is the full outcome of one buy or sale. The caller persists
// State, applies the maker fills and cancels OrdersToCancel atomically.
//
// For purchases Amount is the total paid including fees and Shares the
// shares received. For sales Shares is the shares sold and Amount the value
// received after fees.
type TradeResult struct {
	Outcome        Outcome     `json:"outcome"`
	IsSale         bool        `json:"is_sale"`
	State          PoolState   `json:"state"`
	ProbBefore     float64     `json:"prob_before"`
	ProbAfter      float64     `json:"prob_after"`
	Amount         float64     `json:"amount"`
	Shares         float64     `json:"shares"`
	AveragePrice   float64     `json:"average_price"`
	Fees           Fees        `json:"fees"`
	Fills          []Fill      `json:"fills"`
	MakerFills     []MakerFill `json:"maker_fills"`
	OrdersToCancel []string    `json:"orders_to_cancel,omitempty"`
	Unfilled       float64     `json:"unfilled"`
	IsFilled       bool        `json:"is_filled"`
}

// Notional sums the pre-fee amounts of all fills.
func (r TradeResult) Notional() float64 {
	var n float64
	for _, f := range r.Fills {
		n += f.Amount
	}
	return n
}
