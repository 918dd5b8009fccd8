package amm

import (
	"github.com/shopspring/decimal"

	"github.com/gerardkasemba/betadame-sub004/internal/model"
)

// DisplayScale is the number of decimal places on display prices.
var DisplayScale int32 = 4

// Prices derives display prices from a pool snapshot.
//
// Binary pools use the constant-product marginal price, p_yes = no / (yes + no).
// Three-outcome pools report each side's pre-trade price normalised to an
// implied probability, p_x = (total - x) / (2 * total), so the three prices
// sum to one. Draw is set iff the pool is three-outcome.
func Prices(pool *model.Pool) model.Prices {
	total := pool.YesReserve.Add(pool.NoReserve)

	if pool.Shape != model.ShapeThreeOutcome {
		if !total.IsPositive() {
			return model.Prices{}
		}
		return model.Prices{
			Yes: pool.NoReserve.DivRound(total, DisplayScale),
			No:  pool.YesReserve.DivRound(total, DisplayScale),
		}
	}

	total = total.Add(pool.DrawReserve)
	if !total.IsPositive() {
		zero := decimal.Zero
		return model.Prices{Draw: &zero}
	}
	denom := total.Mul(two)
	implied := func(r decimal.Decimal) decimal.Decimal {
		return total.Sub(r).DivRound(denom, DisplayScale)
	}
	draw := implied(pool.DrawReserve)
	return model.Prices{
		Yes:  implied(pool.YesReserve),
		No:   implied(pool.NoReserve),
		Draw: &draw,
	}
}
