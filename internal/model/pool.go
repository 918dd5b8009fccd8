package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
)

// Shape is the immutable classification of a pool: two active reserves or
// three. It is fixed at creation and persisted with the pool; it is never
// re-derived from reserve values.
type Shape string

const (
	ShapeBinary       Shape = "binary"
	ShapeThreeOutcome Shape = "three_outcome"
)

// ParseShape validates a stored shape tag.
func ParseShape(s string) (Shape, error) {
	switch Shape(s) {
	case ShapeBinary, ShapeThreeOutcome:
		return Shape(s), nil
	}
	return "", errs.Field(errs.InvalidPoolState, "model.ParseShape", "market_shape", s, "unknown pool shape")
}

// ShapeFor returns the pool shape for a market type. Only binary and
// three-outcome markets can carry a pool.
func ShapeFor(t MarketType) (Shape, error) {
	switch t {
	case MarketBinary:
		return ShapeBinary, nil
	case MarketThreeOutcome:
		return ShapeThreeOutcome, nil
	}
	return "", errs.Field(errs.InvalidInput, "model.ShapeFor", "market_type", t, "market type has no reserve pool")
}

// Outcomes returns the active outcomes of a shape in canonical order.
func (s Shape) Outcomes() []Outcome {
	if s == ShapeThreeOutcome {
		return []Outcome{OutcomeYes, OutcomeNo, OutcomeDraw}
	}
	return []Outcome{OutcomeYes, OutcomeNo}
}

// Pool holds a market's virtual token reserves.
//
// Invariants:
//   - Shape never changes after creation.
//   - Binary: YesReserve, NoReserve > 0 and DrawReserve == 0.
//   - Three-outcome: all three reserves > 0.
//   - ConstantProduct is the product of the active reserves and is only ever
//     recomputed from them (see Recompute).
type Pool struct {
	MarketID        string          `json:"market_id" db:"market_id"`
	Shape           Shape           `json:"market_shape" db:"shape"`
	YesReserve      decimal.Decimal `json:"yes_reserve" db:"yes_reserve"`
	NoReserve       decimal.Decimal `json:"no_reserve" db:"no_reserve"`
	DrawReserve     decimal.Decimal `json:"draw_reserve" db:"draw_reserve"`
	ConstantProduct decimal.Decimal `json:"constant_product" db:"constant_product"`
	TotalLiquidity  decimal.Decimal `json:"total_liquidity" db:"total_liquidity"`
	TotalVolume     decimal.Decimal `json:"total_volume" db:"total_volume"`
	Version         int64           `json:"version" db:"version"`
	Halted          bool            `json:"halted" db:"halted"`
	HaltReason      string          `json:"halt_reason,omitempty" db:"halt_reason"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// ReserveScale is the number of decimal places kept when seeding reserves.
const ReserveScale int32 = 8

// NewPool seeds a pool for a freshly created market. Liquidity is split
// evenly across the active outcomes, or proportionally to weights when given
// (one positive weight per active outcome, in canonical order).
func NewPool(marketID string, shape Shape, liquidity decimal.Decimal, weights []decimal.Decimal, now time.Time) (*Pool, error) {
	const op = "model.NewPool"
	if _, err := ParseShape(string(shape)); err != nil {
		return nil, err
	}
	if !liquidity.IsPositive() {
		return nil, errs.Field(errs.InvalidInput, op, "initial_liquidity", liquidity, "must be positive")
	}

	outcomes := shape.Outcomes()
	if len(weights) == 0 {
		weights = make([]decimal.Decimal, len(outcomes))
		for i := range weights {
			weights[i] = decimal.NewFromInt(1)
		}
	}
	if len(weights) != len(outcomes) {
		return nil, errs.Field(errs.InvalidInput, op, "weights", len(weights),
			fmt.Sprintf("expected %d weights for a %s market", len(outcomes), shape))
	}

	sum := decimal.Zero
	for _, w := range weights {
		if !w.IsPositive() {
			return nil, errs.Field(errs.InvalidInput, op, "weights", w, "weights must be positive")
		}
		sum = sum.Add(w)
	}

	p := &Pool{
		MarketID:  marketID,
		Shape:     shape,
		UpdatedAt: now,
	}
	for i, o := range outcomes {
		r := liquidity.Mul(weights[i]).Div(sum).RoundFloor(ReserveScale)
		if !r.IsPositive() {
			return nil, errs.Field(errs.InvalidInput, op, "initial_liquidity", liquidity, "too small to seed every outcome")
		}
		p.setReserve(o, r)
	}
	p.Recompute()
	return p, nil
}

// Reserve returns the reserve backing an outcome.
func (p *Pool) Reserve(o Outcome) decimal.Decimal {
	switch o {
	case OutcomeYes:
		return p.YesReserve
	case OutcomeNo:
		return p.NoReserve
	case OutcomeDraw:
		return p.DrawReserve
	}
	return decimal.Zero
}

func (p *Pool) setReserve(o Outcome, v decimal.Decimal) {
	switch o {
	case OutcomeYes:
		p.YesReserve = v
	case OutcomeNo:
		p.NoReserve = v
	case OutcomeDraw:
		p.DrawReserve = v
	}
}

// WithReserves returns a copy of p with the given reserves and a recomputed
// constant product. Shape, version and bookkeeping fields are carried over.
func (p Pool) WithReserves(yes, no, draw decimal.Decimal) Pool {
	p.YesReserve, p.NoReserve, p.DrawReserve = yes, no, draw
	p.Recompute()
	return p
}

// Recompute derives ConstantProduct and TotalLiquidity from the active reserves.
func (p *Pool) Recompute() {
	k := p.YesReserve.Mul(p.NoReserve)
	total := p.YesReserve.Add(p.NoReserve)
	if p.Shape == ShapeThreeOutcome {
		k = k.Mul(p.DrawReserve)
		total = total.Add(p.DrawReserve)
	}
	p.ConstantProduct = k
	p.TotalLiquidity = total
}

// Classify returns the stored shape. It exists so callers never reach for
// DrawReserve to decide what kind of pool they hold.
func Classify(p *Pool) Shape { return p.Shape }

// CheckShape verifies observed reserves against a known shape. A binary pool
// with a non-zero draw reserve, or a three-outcome pool without a positive
// one, is a data-integrity failure; neither is corrected.
func CheckShape(shape Shape, yes, no, draw decimal.Decimal) error {
	const op = "model.CheckShape"
	if !yes.IsPositive() {
		return errs.Field(errs.InvalidPoolState, op, "yes_reserve", yes, "reserve must be positive")
	}
	if !no.IsPositive() {
		return errs.Field(errs.InvalidPoolState, op, "no_reserve", no, "reserve must be positive")
	}
	switch shape {
	case ShapeBinary:
		if !draw.IsZero() {
			return errs.Field(errs.InvalidPoolState, op, "draw_reserve", draw, "binary pool carries a draw reserve")
		}
	case ShapeThreeOutcome:
		if !draw.IsPositive() {
			return errs.Field(errs.InvalidPoolState, op, "draw_reserve", draw, "three-outcome pool lost its draw reserve")
		}
	default:
		return errs.Field(errs.InvalidPoolState, op, "market_shape", shape, "unknown pool shape")
	}
	return nil
}

// ErrPoolHalted marks rejections caused by an operator or integrity halt.
var ErrPoolHalted = errors.New("model: pool is halted")

// CheckTradable rejects trades and previews on a halted pool.
func (p *Pool) CheckTradable() error {
	if !p.Halted {
		return nil
	}
	msg := "pool is halted"
	if p.HaltReason != "" {
		msg += ": " + p.HaltReason
	}
	return &errs.Error{
		Kind:  errs.InvalidPoolState,
		Op:    "model.Pool.CheckTradable",
		Field: "market_id",
		Value: p.MarketID,
		Msg:   msg,
		Err:   ErrPoolHalted,
	}
}

// kTolerance bounds the relative drift accepted between the stored constant
// product and the product of the stored reserves.
var kTolerance = decimal.New(1, -9)

// Validate checks the pool invariants. Failures are InvalidPoolState.
func (p *Pool) Validate() error {
	const op = "model.Pool.Validate"
	if p.MarketID == "" {
		return errs.Field(errs.InvalidPoolState, op, "market_id", "", "missing market id")
	}
	if err := CheckShape(p.Shape, p.YesReserve, p.NoReserve, p.DrawReserve); err != nil {
		return err
	}
	if !p.ConstantProduct.IsPositive() {
		return errs.Field(errs.InvalidPoolState, op, "constant_product", p.ConstantProduct, "must be positive")
	}
	want := p.YesReserve.Mul(p.NoReserve)
	if p.Shape == ShapeThreeOutcome {
		want = want.Mul(p.DrawReserve)
	}
	if want.Sub(p.ConstantProduct).Abs().GreaterThan(want.Mul(kTolerance)) {
		return errs.Field(errs.InvalidPoolState, op, "constant_product", p.ConstantProduct,
			"does not match product of reserves "+want.String())
	}
	return nil
}

// ParseDecimal parses a stored numeric value strictly. Empty, malformed and
// non-finite values ("NaN", "Infinity") are InvalidPoolState.
func ParseDecimal(field, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errs.Field(errs.InvalidPoolState, "model.ParseDecimal", field, s, "missing value")
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errs.Field(errs.InvalidPoolState, "model.ParseDecimal", field, s, "malformed number")
	}
	return v, nil
}

// Record flattens p into the loosely typed form ParsePoolRecord accepts.
// Numbers are strings so they round-trip through JSON exactly.
func (p *Pool) Record() map[string]any {
	return map[string]any{
		"market_id":        p.MarketID,
		"market_shape":     string(p.Shape),
		"yes_reserve":      p.YesReserve.String(),
		"no_reserve":       p.NoReserve.String(),
		"draw_reserve":     p.DrawReserve.String(),
		"constant_product": p.ConstantProduct.String(),
		"total_volume":     p.TotalVolume.String(),
		"version":          p.Version,
		"halted":           p.Halted,
		"halt_reason":      p.HaltReason,
		"updated_at":       p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ParsePoolRecord converts a loosely typed record (cache payload, change
// feed message, generic row) into a Pool. Every field is type-checked and the
// result must pass Validate; anything else is InvalidPoolState.
func ParsePoolRecord(rec map[string]any) (*Pool, error) {
	const op = "model.ParsePoolRecord"

	str := func(key string) (string, error) {
		v, ok := rec[key]
		if !ok || v == nil {
			return "", errs.Field(errs.InvalidPoolState, op, key, "", "missing field")
		}
		switch t := v.(type) {
		case string:
			return t, nil
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), nil
		case int64:
			return strconv.FormatInt(t, 10), nil
		case int:
			return strconv.Itoa(t), nil
		case decimal.Decimal:
			return t.String(), nil
		case fmt.Stringer:
			return t.String(), nil
		}
		return "", errs.Field(errs.InvalidPoolState, op, key, fmt.Sprintf("%T", v), "unexpected field type")
	}
	num := func(key string) (decimal.Decimal, error) {
		s, err := str(key)
		if err != nil {
			return decimal.Zero, err
		}
		return ParseDecimal(key, s)
	}

	var p Pool
	var err error
	if p.MarketID, err = str("market_id"); err != nil {
		return nil, err
	}
	shape, err := str("market_shape")
	if err != nil {
		return nil, err
	}
	if p.Shape, err = ParseShape(shape); err != nil {
		return nil, err
	}
	if p.YesReserve, err = num("yes_reserve"); err != nil {
		return nil, err
	}
	if p.NoReserve, err = num("no_reserve"); err != nil {
		return nil, err
	}
	if p.DrawReserve, err = num("draw_reserve"); err != nil {
		return nil, err
	}
	if p.ConstantProduct, err = num("constant_product"); err != nil {
		return nil, err
	}
	if _, ok := rec["total_volume"]; ok {
		if p.TotalVolume, err = num("total_volume"); err != nil {
			return nil, err
		}
	}
	if v, ok := rec["version"]; ok {
		s, err := str("version")
		if err != nil {
			return nil, err
		}
		n, perr := strconv.ParseInt(s, 10, 64)
		if perr != nil || n < 0 {
			return nil, errs.Field(errs.InvalidPoolState, op, "version", v, "malformed version")
		}
		p.Version = n
	}
	if h, ok := rec["halted"].(bool); ok {
		p.Halted = h
	}
	if r, ok := rec["halt_reason"].(string); ok {
		p.HaltReason = r
	}
	if ts, ok := rec["updated_at"].(string); ok && ts != "" {
		t, perr := time.Parse(time.RFC3339Nano, ts)
		if perr != nil {
			return nil, errs.Field(errs.InvalidPoolState, op, "updated_at", ts, "malformed timestamp")
		}
		p.UpdatedAt = t
	}

	tl := p.YesReserve.Add(p.NoReserve)
	if p.Shape == ShapeThreeOutcome {
		tl = tl.Add(p.DrawReserve)
	}
	p.TotalLiquidity = tl

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
