package exposure

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/playmoney/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewLimiter(d(1000), d(5000))

	if err := limiter.CheckLimit("m1", "", d(100), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerAnswerExceeded(t *testing.T) {
	limiter := NewLimiter(d(1000), d(5000))

	// Existing position of 950 + new 100 = 1050 > 1000.
	existing := map[string]decimal.Decimal{"m1/a": d(950)}

	err := limiter.CheckLimit("m1", "a", d(100), existing)
	if err != ErrPerAnswerLimitExceeded {
		t.Errorf("expected ErrPerAnswerLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_NoSideCountsAgainstLimit(t *testing.T) {
	limiter := NewLimiter(d(1000), d(5000))

	existing := map[string]decimal.Decimal{"m1": d(-950)}

	err := limiter.CheckLimit("m1", "", Delta(model.OutcomeNo, d(100)), existing)
	if err != ErrPerAnswerLimitExceeded {
		t.Errorf("expected ErrPerAnswerLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ReducingAlwaysAllowed(t *testing.T) {
	limiter := NewLimiter(d(100), d(100))

	existing := map[string]decimal.Decimal{"m1": d(500)}

	if err := limiter.CheckLimit("m1", "", d(-50), existing); err != nil {
		t.Errorf("reducing an oversized position should be allowed, got %v", err)
	}
}

func TestCheckLimit_PerMarketExceeded(t *testing.T) {
	limiter := NewLimiter(d(1000), d(2000))

	existing := map[string]decimal.Decimal{
		"m1/a": d(800),
		"m1/b": d(800),
		"m1/c": d(300),
	}

	// total = 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.CheckLimit("m1", "d", d(200), existing)
	if err != ErrPerMarketLimitExceeded {
		t.Errorf("expected ErrPerMarketLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_OtherMarketsIgnored(t *testing.T) {
	limiter := NewLimiter(d(1000), d(2000))

	existing := map[string]decimal.Decimal{
		"m1/a":  d(800),
		"m10/a": d(900), // shares a prefix with m1 but is another market
		"m2":    d(900),
	}

	if err := limiter.CheckLimit("m1", "b", d(500), existing); err != nil {
		t.Errorf("other markets should be ignored, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewLimiter(decimal.Zero, decimal.Zero)

	if err := limiter.CheckLimit("m1", "", d(1e9), nil); err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}

func TestExposures(t *testing.T) {
	positions := []model.Position{
		{UserID: "alice", MarketID: "m1", YesShares: d(10), NoShares: d(3)},
		{UserID: "alice", MarketID: "m2", AnswerID: "x", NoShares: d(5)},
		{UserID: "bob", MarketID: "m1", YesShares: d(99)},
	}

	got := Exposures("alice", positions)
	if len(got) != 2 {
		t.Fatalf("expected 2 exposures, got %d", len(got))
	}
	if !got["m1"].Equal(d(7)) {
		t.Errorf("expected m1=7, got %s", got["m1"])
	}
	if !got["m2/x"].Equal(d(-5)) {
		t.Errorf("expected m2/x=-5, got %s", got["m2/x"])
	}
}
