// Package contract handles market creation parameters: validation, slug
// derivation and the initial pool state built from the creator's ante.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playmoney/market-engine/internal/mapping"
	"github.com/playmoney/market-engine/internal/model"
	"github.com/playmoney/market-engine/internal/numeric"
)

// Creation limits.
const (
	MinAnte           = 1.0
	MaxQuestionLength = 480
	MaxAnswers        = 100
	MaxSlugLength     = 35
	MinInitialProb    = 0.01
	MaxInitialProb    = 0.99
)

var slugRegex = regexp.MustCompile(`[^a-z0-9]+`)

var (
	ErrInvalidParams = errors.New("contract: invalid market parameters")
	ErrInvalidType   = errors.New("contract: unsupported outcome type")
)

// Params describes a market to create.
type Params struct {
	Question    string            `json:"question" yaml:"question"`
	CreatorID   string            `json:"creator_id" yaml:"creator_id"`
	OutcomeType model.OutcomeType `json:"outcome_type" yaml:"outcome_type"`
	Ante        float64           `json:"ante" yaml:"ante"`

	// InitialProb applies to binary markets. Stonks always open at 0.5.
	InitialProb float64 `json:"initial_prob,omitempty" yaml:"initial_prob"`

	// Pseudo-numeric range and opening value.
	Min          float64 `json:"min,omitempty" yaml:"min"`
	Max          float64 `json:"max,omitempty" yaml:"max"`
	InitialValue float64 `json:"initial_value,omitempty" yaml:"initial_value"`
	IsLogScale   bool    `json:"is_log_scale,omitempty" yaml:"is_log_scale"`

	// Multiple-choice answers.
	Answers   []string `json:"answers,omitempty" yaml:"answers"`
	SumsToOne bool     `json:"sums_to_one,omitempty" yaml:"sums_to_one"`
}

// Validate checks p for the fields its outcome type needs.
func Validate(p Params) error {
	q := strings.TrimSpace(p.Question)
	if q == "" || len(q) > MaxQuestionLength {
		return fmt.Errorf("%w: question must be 1-%d characters", ErrInvalidParams, MaxQuestionLength)
	}
	if !numeric.Finite(p.Ante) || p.Ante < MinAnte {
		return fmt.Errorf("%w: ante must be at least %v", ErrInvalidParams, MinAnte)
	}

	switch p.OutcomeType {
	case model.OutcomeTypeBinary:
		if p.InitialProb < MinInitialProb || p.InitialProb > MaxInitialProb {
			return fmt.Errorf("%w: initial probability %v outside [%v, %v]",
				ErrInvalidParams, p.InitialProb, MinInitialProb, MaxInitialProb)
		}
	case model.OutcomeTypePseudoNumeric:
		if !numeric.Finite(p.Min) || !numeric.Finite(p.Max) || p.Min >= p.Max {
			return fmt.Errorf("%w: min must be below max", ErrInvalidParams)
		}
		if p.InitialValue <= p.Min || p.InitialValue >= p.Max {
			return fmt.Errorf("%w: initial value %v outside (%v, %v)", ErrInvalidParams, p.InitialValue, p.Min, p.Max)
		}
		if p.IsLogScale && p.Min < 0 {
			return fmt.Errorf("%w: log scale needs min >= 0", ErrInvalidParams)
		}
	case model.OutcomeTypeStonk:
	case model.OutcomeTypeMultipleChoice:
		if len(p.Answers) == 0 || len(p.Answers) > MaxAnswers {
			return fmt.Errorf("%w: need 1-%d answers", ErrInvalidParams, MaxAnswers)
		}
		if p.SumsToOne && len(p.Answers) < 2 {
			return fmt.Errorf("%w: sum-to-one markets need at least 2 answers", ErrInvalidParams)
		}
		seen := make(map[string]bool, len(p.Answers))
		for _, a := range p.Answers {
			text := strings.TrimSpace(a)
			if text == "" {
				return fmt.Errorf("%w: empty answer", ErrInvalidParams)
			}
			if seen[strings.ToLower(text)] {
				return fmt.Errorf("%w: duplicate answer %q", ErrInvalidParams, text)
			}
			seen[strings.ToLower(text)] = true
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, p.OutcomeType)
	}
	return nil
}

// Slug derives a URL slug from a question.
func Slug(question string) string {
	s := slugRegex.ReplaceAllString(strings.ToLower(question), "-")
	s = strings.Trim(s, "-")
	if len(s) > MaxSlugLength {
		s = strings.TrimRight(s[:MaxSlugLength], "-")
	}
	return s
}

// InitialMechanism builds the opening pool state of p. Single-pool markets
// start with {ante, ante} and p set to the opening probability, so the
// whole ante backs both sides.
func InitialMechanism(p Params) (model.Mechanism, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	single := func(prob float64) model.PoolState {
		return model.PoolState{Pool: model.Pool{Yes: p.Ante, No: p.Ante}, P: prob}
	}

	switch p.OutcomeType {
	case model.OutcomeTypeBinary:
		return model.Binary{State: single(p.InitialProb)}, nil
	case model.OutcomeTypePseudoNumeric:
		prob := mapping.PseudoNumericProb(p.InitialValue, p.Min, p.Max, p.IsLogScale)
		prob = clampInitial(prob)
		return model.PseudoNumeric{State: single(prob), Min: p.Min, Max: p.Max, IsLogScale: p.IsLogScale}, nil
	case model.OutcomeTypeStonk:
		return model.Stonk{State: single(0.5)}, nil
	default:
		return model.MultiAnswer{Answers: initialAnswers(p), SumsToOne: p.SumsToOne}, nil
	}
}

// initialAnswers splits the ante over the answers. Sum-to-one pools are
// sized so the ante exactly covers the payout when one answer resolves
// YES and the rest NO: ante = yes + (n-1)*no with prob 1/n.
func initialAnswers(p Params) []model.Answer {
	n := float64(len(p.Answers))
	yes, no := p.Ante/n, p.Ante/n
	if p.SumsToOne && len(p.Answers) > 1 {
		yes = p.Ante / 2
		no = p.Ante / (2*n - 2)
	}
	answers := make([]model.Answer, len(p.Answers))
	for i, text := range p.Answers {
		answers[i] = model.Answer{
			ID:    uuid.New().String(),
			Text:  strings.TrimSpace(text),
			Index: i,
			State: model.PoolState{Pool: model.Pool{Yes: yes, No: no}, P: 0.5},
		}
	}
	return answers
}

func clampInitial(prob float64) float64 {
	if prob < MinInitialProb {
		return MinInitialProb
	}
	if prob > MaxInitialProb {
		return MaxInitialProb
	}
	return prob
}

// NewMarket builds an open market for p with a fresh id.
func NewMarket(p Params, now time.Time) (*model.Market, error) {
	mech, err := InitialMechanism(p)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	m := &model.Market{
		ID:          id,
		Slug:        Slug(p.Question) + "-" + id[:8],
		Question:    strings.TrimSpace(p.Question),
		CreatorID:   p.CreatorID,
		OutcomeType: p.OutcomeType,
		Min:         p.Min,
		Max:         p.Max,
		IsLogScale:  p.IsLogScale,
		SumsToOne:   p.SumsToOne,
		Volume:      decimal.Zero,
		Status:      model.StatusOpen,
		Version:     1,
		CreatedAt:   now,
	}
	if err := m.SetMechanism(mech); err != nil {
		return nil, err
	}
	for i := range m.Answers {
		m.Answers[i].MarketID = id
	}
	return m, nil
}
