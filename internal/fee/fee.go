// Package fee computes the fee breakdown of each fill segment.
//
// A pool segment is charged every rate scaled by (1 + ImpactMultiplier *
// |priceImpact|), so trades that move the price further pay more per unit of
// notional. A maker segment does not move the price, so it pays the creator
// and platform rates plus MakerLiquidityFactor of the liquidity rate. The
// total of any segment never exceeds CapFraction of its notional.
package fee

import (
	"errors"
	"fmt"
	"math"

	"github.com/playmoney/market-engine/internal/model"
	"github.com/playmoney/market-engine/internal/numeric"
)

// ErrInvalidConfig is returned for negative rates or a cap outside (0, 1).
var ErrInvalidConfig = errors.New("fee: invalid configuration")

// Config holds the fee coefficients.
type Config struct {
	CreatorRate          float64 `yaml:"creator_rate" json:"creator_rate"`
	PlatformRate         float64 `yaml:"platform_rate" json:"platform_rate"`
	LiquidityRate        float64 `yaml:"liquidity_rate" json:"liquidity_rate"`
	ImpactMultiplier     float64 `yaml:"impact_multiplier" json:"impact_multiplier"`
	MakerLiquidityFactor float64 `yaml:"maker_liquidity_factor" json:"maker_liquidity_factor"`
	CapFraction          float64 `yaml:"cap_fraction" json:"cap_fraction"`
}

// DefaultConfig returns the production coefficients.
func DefaultConfig() Config {
	return Config{
		CreatorRate:          0.01,
		PlatformRate:         0.01,
		LiquidityRate:        0.01,
		ImpactMultiplier:     1,
		MakerLiquidityFactor: 0,
		CapFraction:          numeric.DefaultFeeCapFraction,
	}
}

// Validate checks that every coefficient is usable.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"creator_rate":           c.CreatorRate,
		"platform_rate":          c.PlatformRate,
		"liquidity_rate":         c.LiquidityRate,
		"impact_multiplier":      c.ImpactMultiplier,
		"maker_liquidity_factor": c.MakerLiquidityFactor,
	} {
		if v < 0 || !numeric.Finite(v) {
			return fmt.Errorf("%w: %s must be a non-negative number", ErrInvalidConfig, name)
		}
	}
	if c.MakerLiquidityFactor > 1 {
		return fmt.Errorf("%w: maker_liquidity_factor must be at most 1", ErrInvalidConfig)
	}
	if c.CapFraction <= 0 || c.CapFraction >= 1 {
		return fmt.Errorf("%w: cap_fraction must be in (0, 1)", ErrInvalidConfig)
	}
	return nil
}

// Calculator is stateless apart from its coefficients and safe for
// concurrent use.
type Calculator struct {
	cfg Config
}

// NewCalculator validates cfg and returns a Calculator.
func NewCalculator(cfg Config) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{cfg: cfg}, nil
}

// Free returns a Calculator that charges nothing.
func Free() *Calculator {
	return &Calculator{cfg: Config{CapFraction: numeric.DefaultFeeCapFraction}}
}

// Config returns the coefficients in use.
func (c *Calculator) Config() Config {
	return c.cfg
}

// Pool returns the fees for a pool segment of the given notional that moved
// the probability by priceImpact.
func (c *Calculator) Pool(notional, priceImpact float64) model.Fees {
	scale := 1 + c.cfg.ImpactMultiplier*math.Abs(priceImpact)
	return c.charge(notional, scale, scale)
}

// Maker returns the fees for a segment filled against a resting order.
func (c *Calculator) Maker(notional float64) model.Fees {
	return c.charge(notional, 1, c.cfg.MakerLiquidityFactor)
}

// MakerRate is the total maker fee per unit of notional.
func (c *Calculator) MakerRate() float64 {
	r := c.cfg.CreatorRate + c.cfg.PlatformRate + c.cfg.LiquidityRate*c.cfg.MakerLiquidityFactor
	return math.Min(r, c.cfg.CapFraction)
}

func (c *Calculator) charge(notional, scale, liquidityScale float64) model.Fees {
	if notional <= 0 || !numeric.Finite(notional) {
		return model.Fees{}
	}
	f := model.Fees{
		Creator:   c.cfg.CreatorRate * scale * notional,
		Platform:  c.cfg.PlatformRate * scale * notional,
		Liquidity: c.cfg.LiquidityRate * liquidityScale * notional,
	}
	limit := c.cfg.CapFraction * notional
	if total := f.Total(); total > limit {
		k := limit / total
		f.Creator *= k
		f.Platform *= k
		f.Liquidity *= k
	}
	return f
}
