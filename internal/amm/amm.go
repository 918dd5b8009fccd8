// Package amm implements the constant-product automated market maker used to
// price prediction-market trades.
//
// Two pool shapes are supported:
//   - binary: k = yes * no. Buying one side adds the net investment to the
//     opposite reserve and releases shares so that the product is preserved.
//   - three-outcome: k = yes * no * draw. Buying one side splits the net
//     investment evenly between the other two reserves and releases shares at
//     the side's pre-trade price.
//
// Every function is pure. The same Quote entry point serves read-only
// previews and the commit path, so a preview and an execution against the
// same snapshot always agree.
//
// All monetary values use shopspring/decimal; never float64 for money.
// Rounding always favours the pool: shares and prices are floored.
package amm

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
	"github.com/gerardkasemba/betadame-sub004/internal/model"
)

var (
	// FeeRate is the flat platform fee taken from every investment.
	FeeRate = decimal.RequireFromString("0.02")

	// MinOutcomePrice floors the three-outcome pre-trade price so share
	// counts cannot blow up near a zero price.
	MinOutcomePrice = decimal.RequireFromString("0.01")

	// SharesScale is the number of decimal places kept on share counts.
	SharesScale int32 = 6

	// PriceScale is the number of decimal places kept on per-share prices.
	PriceScale int32 = 4

	// AmountScale is the most decimal places an investment may carry.
	AmountScale = model.ReserveScale

	// MaxAmount bounds a single investment so pricing work under the pool
	// lock stays small. Business limits are enforced by the risk package.
	MaxAmount = decimal.New(1, 12)

	// divScale is the working precision for intermediate divisions.
	divScale int32 = 18

	half = decimal.RequireFromString("0.5")
	two  = decimal.NewFromInt(2)
)

// Fee splits a gross investment into the platform fee and the net amount
// that enters the pool. The fee is rounded up to the reserve scale so net
// never adds precision to the reserves.
func Fee(amount decimal.Decimal) (fee, net decimal.Decimal) {
	fee = amount.Mul(FeeRate).RoundCeil(model.ReserveScale)
	return fee, amount.Sub(fee)
}

// CheckAmount rejects investments that are not positive, carry more than
// AmountScale decimal places or exceed MaxAmount.
func CheckAmount(op string, amount decimal.Decimal) error {
	if err := CheckBounds(op, "amount", amount); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return errs.Field(errs.InvalidInput, op, "amount", amount, "amount must be positive")
	}
	return nil
}

// CheckBounds rejects a decimal input whose scale or magnitude is out of
// range. It only inspects the exponent and digit count, so it is cheap for
// any input, and the offending value is never echoed back.
func CheckBounds(op, field string, v decimal.Decimal) error {
	if v.Exponent() < -AmountScale {
		return errs.Field(errs.InvalidInput, op, field, "",
			fmt.Sprintf("%s may carry at most %d decimal places", field, AmountScale))
	}
	if v.NumDigits()+int(v.Exponent()) > MaxAmount.NumDigits() || v.Abs().GreaterThan(MaxAmount) {
		return errs.Field(errs.InvalidInput, op, field, "",
			fmt.Sprintf("%s exceeds the maximum of %s", field, MaxAmount))
	}
	return nil
}

// Quote prices a trade against a pool snapshot. It dispatches on the pool's
// stored shape and never mutates pool.
func Quote(pool *model.Pool, outcome model.Outcome, tradeType model.TradeType, amount decimal.Decimal) (*model.Quote, error) {
	const op = "amm.Quote"

	switch tradeType {
	case model.TradeBuy:
	case model.TradeSell:
		return nil, errs.Field(errs.NotImplemented, op, "trade_type", tradeType, "sell trades are not supported yet")
	default:
		return nil, errs.Field(errs.InvalidInput, op, "trade_type", tradeType, "trade type must be buy")
	}
	if pool == nil {
		return nil, errs.New(errs.InvalidPoolState, op, "no pool snapshot")
	}

	switch pool.Shape {
	case model.ShapeBinary:
		return QuoteBinary(pool, outcome, amount)
	case model.ShapeThreeOutcome:
		return QuoteThreeOutcome(pool, outcome, amount)
	}
	return nil, errs.Field(errs.InvalidPoolState, op, "market_shape", pool.Shape, "unknown pool shape")
}

// QuoteBinary prices a buy on a two-reserve pool.
//
//	net      = amount * (1 - fee)
//	newOther = other + net
//	shares   = bought - k / newOther
func QuoteBinary(pool *model.Pool, outcome model.Outcome, amount decimal.Decimal) (*model.Quote, error) {
	const op = "amm.QuoteBinary"

	if pool.Shape != model.ShapeBinary {
		return nil, errs.Field(errs.InvalidPoolState, op, "market_shape", pool.Shape, "not a binary pool")
	}
	if err := checkInputs(op, pool, outcome, amount); err != nil {
		return nil, err
	}

	var opposite model.Outcome
	switch outcome {
	case model.OutcomeYes:
		opposite = model.OutcomeNo
	case model.OutcomeNo:
		opposite = model.OutcomeYes
	default:
		return nil, errs.Field(errs.InvalidInput, op, "outcome", outcome, "binary markets only trade yes or no")
	}

	fee, net := Fee(amount)
	bought := pool.Reserve(outcome)
	other := pool.Reserve(opposite)

	newOther := other.Add(net)
	newBoughtExact := pool.ConstantProduct.DivRound(newOther, divScale)
	raw := bought.Sub(newBoughtExact)

	if !raw.IsPositive() {
		return nil, errs.Field(errs.InvalidTradeComputation, op, "shares", raw, "trade yields no shares")
	}
	if raw.GreaterThanOrEqual(bought) {
		return nil, errs.Field(errs.InsufficientReserve, op, "amount", amount,
			"pool cannot cover this trade; reduce the amount")
	}

	shares, price, err := roundFill(op, amount, raw)
	if err != nil {
		return nil, err
	}

	// The bought side loses exactly the floored shares, so rounding dust
	// stays in the pool and newYes * newNo >= k.
	var newPool model.Pool
	if outcome == model.OutcomeYes {
		newPool = pool.WithReserves(bought.Sub(shares), newOther, decimal.Zero)
	} else {
		newPool = pool.WithReserves(newOther, bought.Sub(shares), decimal.Zero)
	}
	newPool.TotalVolume = pool.TotalVolume.Add(amount)

	return &model.Quote{
		MarketID:      pool.MarketID,
		Outcome:       outcome,
		Amount:        amount,
		PlatformFee:   fee,
		NetAmount:     net,
		Shares:        shares,
		PricePerShare: price,
		PoolVersion:   pool.Version,
		NewPool:       newPool,
	}, nil
}

// QuoteThreeOutcome prices a buy on a three-reserve pool.
//
//	priceBefore = (sum of the other two) / (sum of all three), floored at MinOutcomePrice
//	shares      = net / priceBefore
//	others     += net / 2 each
//	bought     -= shares
func QuoteThreeOutcome(pool *model.Pool, outcome model.Outcome, amount decimal.Decimal) (*model.Quote, error) {
	const op = "amm.QuoteThreeOutcome"

	if pool.Shape != model.ShapeThreeOutcome {
		return nil, errs.Field(errs.InvalidPoolState, op, "market_shape", pool.Shape, "not a three-outcome pool")
	}
	if err := checkInputs(op, pool, outcome, amount); err != nil {
		return nil, err
	}

	fee, net := Fee(amount)
	bought := pool.Reserve(outcome)
	total := pool.YesReserve.Add(pool.NoReserve).Add(pool.DrawReserve)
	others := total.Sub(bought)

	priceBefore := others.DivRound(total, divScale)
	if priceBefore.LessThan(MinOutcomePrice) {
		priceBefore = MinOutcomePrice
	}

	raw := net.DivRound(priceBefore, divScale)
	if !raw.IsPositive() {
		return nil, errs.Field(errs.InvalidTradeComputation, op, "shares", raw, "trade yields no shares")
	}
	if raw.GreaterThanOrEqual(bought) {
		return nil, errs.Field(errs.InsufficientReserve, op, "amount", amount,
			"pool cannot cover this trade; reduce the amount")
	}

	shares, price, err := roundFill(op, amount, raw)
	if err != nil {
		return nil, err
	}

	split := net.Mul(half)
	next := map[model.Outcome]decimal.Decimal{}
	for _, o := range model.ShapeThreeOutcome.Outcomes() {
		if o == outcome {
			next[o] = bought.Sub(shares)
		} else {
			next[o] = pool.Reserve(o).Add(split)
		}
	}
	if !next[outcome].IsPositive() {
		return nil, errs.Field(errs.InsufficientReserve, op, "amount", amount,
			"pool cannot cover this trade; reduce the amount")
	}

	newPool := pool.WithReserves(next[model.OutcomeYes], next[model.OutcomeNo], next[model.OutcomeDraw])
	newPool.TotalVolume = pool.TotalVolume.Add(amount)

	return &model.Quote{
		MarketID:      pool.MarketID,
		Outcome:       outcome,
		Amount:        amount,
		PlatformFee:   fee,
		NetAmount:     net,
		Shares:        shares,
		PricePerShare: price,
		PoolVersion:   pool.Version,
		NewPool:       newPool,
	}, nil
}

// checkInputs enforces the preconditions shared by both shapes.
func checkInputs(op string, pool *model.Pool, outcome model.Outcome, amount decimal.Decimal) error {
	if err := CheckAmount(op, amount); err != nil {
		return err
	}
	if outcome == "" {
		return errs.Field(errs.InvalidInput, op, "outcome", "", "outcome is required")
	}
	if !outcome.Valid() {
		return errs.Field(errs.InvalidInput, op, "outcome", outcome, "unknown outcome")
	}
	if err := pool.Validate(); err != nil {
		return err
	}
	return nil
}

// roundFill floors the share count and derives the gross per-share price
// from the floored shares.
func roundFill(op string, amount, rawShares decimal.Decimal) (shares, price decimal.Decimal, err error) {
	shares = rawShares.RoundFloor(SharesScale)
	if !shares.IsPositive() {
		return decimal.Zero, decimal.Zero, errs.Field(errs.InvalidTradeComputation, op, "amount", amount,
			"amount too small to buy a share fraction")
	}
	price = amount.DivRound(shares, divScale).RoundFloor(PriceScale)
	if !price.IsPositive() {
		return decimal.Zero, decimal.Zero, errs.Field(errs.InvalidTradeComputation, op, "price_per_share", price,
			"price rounds to zero")
	}
	return shares, price, nil
}
