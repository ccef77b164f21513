package model

// OutcomeType names the pricing mechanism of a market.
type OutcomeType string

const (
	OutcomeTypeBinary         OutcomeType = "BINARY"
	OutcomeTypePseudoNumeric  OutcomeType = "PSEUDO_NUMERIC"
	OutcomeTypeStonk          OutcomeType = "STONK"
	OutcomeTypeMultipleChoice OutcomeType = "MULTIPLE_CHOICE"
)

// Pool holds the YES and NO share reserves of a CPMM.
type Pool struct {
	Yes float64 `json:"yes"`
	No  float64 `json:"no"`
}

// Get returns the reserve for o.
func (p Pool) Get(o Outcome) float64 {
	if o == OutcomeYes {
		return p.Yes
	}
	return p.No
}

// PoolState is a pool plus its weight p. Probability of YES is
// p*No / ((1-p)*Yes + p*No).
type PoolState struct {
	Pool Pool    `json:"pool"`
	P    float64 `json:"p"`
}

// Mechanism is the closed set of pricing mechanisms. The unexported method
// keeps the set closed to this package; callers dispatch with a type switch
// over Binary, PseudoNumeric, Stonk and MultiAnswer.
type Mechanism interface {
	Type() OutcomeType
	mechanism()
}

// Binary is a single YES/NO pool.
type Binary struct {
	State PoolState `json:"state"`
}

// PseudoNumeric is a single pool whose probability maps onto [Min, Max].
type PseudoNumeric struct {
	State      PoolState `json:"state"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	IsLogScale bool      `json:"is_log_scale"`
}

// Stonk is a single pool that never resolves; probability maps to a price.
type Stonk struct {
	State PoolState `json:"state"`
}

// MultiAnswer is a set of answer pools, optionally constrained to sum to one.
type MultiAnswer struct {
	Answers   []Answer `json:"answers"`
	SumsToOne bool     `json:"sums_to_one"`
}

func (Binary) Type() OutcomeType        { return OutcomeTypeBinary }
func (PseudoNumeric) Type() OutcomeType { return OutcomeTypePseudoNumeric }
func (Stonk) Type() OutcomeType         { return OutcomeTypeStonk }
func (MultiAnswer) Type() OutcomeType   { return OutcomeTypeMultipleChoice }

func (Binary) mechanism()        {}
func (PseudoNumeric) mechanism() {}
func (Stonk) mechanism()         {}
func (MultiAnswer) mechanism()   {}

// Answer is one option of a multi-answer market with its own pool.
type Answer struct {
	ID       string    `json:"id"`
	MarketID string    `json:"market_id"`
	Text     string    `json:"text"`
	Index    int       `json:"index"`
	State    PoolState `json:"state"`
	Resolved bool      `json:"resolved"`
}

// Find returns the answer with the given id and its position.
func (m MultiAnswer) Find(id string) (Answer, int, bool) {
	for i, a := range m.Answers {
		if a.ID == id {
			return a, i, true
		}
	}
	return Answer{}, -1, false
}

// Clone returns a copy whose Answers slice can be modified freely.
func (m MultiAnswer) Clone() MultiAnswer {
	answers := make([]Answer, len(m.Answers))
	copy(answers, m.Answers)
	return MultiAnswer{Answers: answers, SumsToOne: m.SumsToOne}
}

// SingleState returns the pool of a single-pool mechanism.
func SingleState(m Mechanism) (PoolState, bool) {
	switch v := m.(type) {
	case Binary:
		return v.State, true
	case PseudoNumeric:
		return v.State, true
	case Stonk:
		return v.State, true
	default:
		return PoolState{}, false
	}
}

// WithState returns m with its single pool replaced by s. Multi-answer
// mechanisms are returned unchanged.
func WithState(m Mechanism, s PoolState) Mechanism {
	switch v := m.(type) {
	case Binary:
		v.State = s
		return v
	case PseudoNumeric:
		v.State = s
		return v
	case Stonk:
		v.State = s
		return v
	default:
		return m
	}
}
