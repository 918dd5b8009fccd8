package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestNewPool_EvenSplit(t *testing.T) {
	p, err := NewPool("m1", ShapeBinary, d(1000), nil, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.YesReserve.Equal(d(500)) || !p.NoReserve.Equal(d(500)) {
		t.Errorf("expected 500/500, got %s/%s", p.YesReserve, p.NoReserve)
	}
	if !p.DrawReserve.IsZero() {
		t.Errorf("binary pool must have zero draw reserve, got %s", p.DrawReserve)
	}
	if !p.ConstantProduct.Equal(d(250000)) {
		t.Errorf("expected k=250000, got %s", p.ConstantProduct)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("fresh pool should validate: %v", err)
	}
}

func TestNewPool_ThreeOutcomeWeights(t *testing.T) {
	p, err := NewPool("m2", ShapeThreeOutcome, d(1000), []decimal.Decimal{d(2), d(1), d(1)}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.YesReserve.Equal(d(500)) || !p.NoReserve.Equal(d(250)) || !p.DrawReserve.Equal(d(250)) {
		t.Errorf("unexpected reserves %s/%s/%s", p.YesReserve, p.NoReserve, p.DrawReserve)
	}
	if !p.TotalLiquidity.Equal(d(1000)) {
		t.Errorf("expected total liquidity 1000, got %s", p.TotalLiquidity)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("fresh pool should validate: %v", err)
	}
}

func TestNewPool_Errors(t *testing.T) {
	tests := []struct {
		name      string
		shape     Shape
		liquidity decimal.Decimal
		weights   []decimal.Decimal
		kind      errs.Kind
	}{
		{"zero liquidity", ShapeBinary, decimal.Zero, nil, errs.InvalidInput},
		{"weight count", ShapeBinary, d(100), []decimal.Decimal{d(1)}, errs.InvalidInput},
		{"negative weight", ShapeBinary, d(100), []decimal.Decimal{d(1), d(-1)}, errs.InvalidInput},
		{"unknown shape", Shape("scalar"), d(100), nil, errs.InvalidPoolState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPool("m", tt.shape, tt.liquidity, tt.weights, time.Now())
			if !errs.Is(err, tt.kind) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestShapeFor(t *testing.T) {
	if s, err := ShapeFor(MarketBinary); err != nil || s != ShapeBinary {
		t.Errorf("binary: got %s, %v", s, err)
	}
	if s, err := ShapeFor(MarketThreeOutcome); err != nil || s != ShapeThreeOutcome {
		t.Errorf("three_outcome: got %s, %v", s, err)
	}
	if _, err := ShapeFor(MarketOther); !errs.Is(err, errs.InvalidInput) {
		t.Errorf("other: expected InvalidInput, got %v", err)
	}
}

func TestCheckShape(t *testing.T) {
	tests := []struct {
		name          string
		shape         Shape
		yes, no, draw float64
		field         string
	}{
		{"binary ok", ShapeBinary, 100, 100, 0, ""},
		{"three ok", ShapeThreeOutcome, 100, 100, 100, ""},
		{"binary with draw", ShapeBinary, 100, 100, 5, "draw_reserve"},
		{"three without draw", ShapeThreeOutcome, 100, 100, 0, "draw_reserve"},
		{"zero yes", ShapeBinary, 0, 100, 0, "yes_reserve"},
		{"negative no", ShapeThreeOutcome, 100, -1, 100, "no_reserve"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckShape(tt.shape, d(tt.yes), d(tt.no), d(tt.draw))
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			e, ok := err.(*errs.Error)
			if !ok {
				t.Fatalf("expected *errs.Error, got %v", err)
			}
			if e.Kind != errs.InvalidPoolState || e.Field != tt.field {
				t.Errorf("expected InvalidPoolState on %s, got %s on %s", tt.field, e.Kind, e.Field)
			}
		})
	}
}

func TestClassify_NeverReadsReserves(t *testing.T) {
	// A corrupted binary pool with a draw reserve is still binary.
	p := &Pool{Shape: ShapeBinary, YesReserve: d(1), NoReserve: d(1), DrawReserve: d(1)}
	if Classify(p) != ShapeBinary {
		t.Errorf("expected binary, got %s", Classify(p))
	}
	if err := p.Validate(); !errs.Is(err, errs.InvalidPoolState) {
		t.Errorf("expected InvalidPoolState, got %v", err)
	}
}

func TestValidate_ConstantProductDrift(t *testing.T) {
	p := Pool{MarketID: "m", Shape: ShapeBinary}.WithReserves(d(100), d(200), decimal.Zero)
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.ConstantProduct = d(19000)
	if err := p.Validate(); !errs.Is(err, errs.InvalidPoolState) {
		t.Errorf("expected InvalidPoolState, got %v", err)
	}
}

func TestParseDecimal(t *testing.T) {
	for _, bad := range []string{"", "  ", "abc", "1.2.3", "NaN"} {
		if _, err := ParseDecimal("yes_reserve", bad); !errs.Is(err, errs.InvalidPoolState) {
			t.Errorf("%q: expected InvalidPoolState, got %v", bad, err)
		}
	}
	v, err := ParseDecimal("yes_reserve", " 910.746813 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Equal(decimal.RequireFromString("910.746813")) {
		t.Errorf("unexpected value %s", v)
	}
}

func TestParsePoolRecord(t *testing.T) {
	rec := map[string]any{
		"market_id":        "m1",
		"market_shape":     "three_outcome",
		"yes_reserve":      "100",
		"no_reserve":       float64(200),
		"draw_reserve":     d(50),
		"constant_product": "1000000",
		"version":          int64(3),
		"halted":           false,
	}
	p, err := ParsePoolRecord(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Shape != ShapeThreeOutcome || p.Version != 3 {
		t.Errorf("unexpected pool %+v", p)
	}
	if !p.TotalLiquidity.Equal(d(350)) {
		t.Errorf("expected total liquidity 350, got %s", p.TotalLiquidity)
	}
}

func TestParsePoolRecord_Rejects(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			"market_id":        "m1",
			"market_shape":     "binary",
			"yes_reserve":      "100",
			"no_reserve":       "100",
			"draw_reserve":     "0",
			"constant_product": "10000",
		}
	}
	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing reserve", func(r map[string]any) { delete(r, "yes_reserve") }},
		{"wrong type", func(r map[string]any) { r["no_reserve"] = []int{1} }},
		{"malformed number", func(r map[string]any) { r["no_reserve"] = "ten" }},
		{"unknown shape", func(r map[string]any) { r["market_shape"] = "scalar" }},
		{"binary with draw", func(r map[string]any) { r["draw_reserve"] = "5" }},
		{"k mismatch", func(r map[string]any) { r["constant_product"] = "9999" }},
		{"bad version", func(r map[string]any) { r["version"] = "v2" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := base()
			tt.mutate(rec)
			if _, err := ParsePoolRecord(rec); !errs.Is(err, errs.InvalidPoolState) {
				t.Errorf("expected InvalidPoolState, got %v", err)
			}
		})
	}
}

func TestPositionApply(t *testing.T) {
	var p Position
	now := time.Now()
	p.Apply(d(100), d(50), now)
	p.Apply(d(100), d(70), now)
	if !p.Shares.Equal(d(200)) || !p.TotalInvested.Equal(d(120)) {
		t.Errorf("unexpected position %+v", p)
	}
	if !p.AveragePrice.Equal(d(0.6)) {
		t.Errorf("expected average price 0.6, got %s", p.AveragePrice)
	}
}
