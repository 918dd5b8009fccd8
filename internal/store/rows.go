package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
	"github.com/gerardkasemba/betadame-sub004/internal/model"
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// poolRow holds a pool as the SQL adapters read it: numerics as text so
// they round-trip exactly, parsed strictly by toPool.
type poolRow struct {
	marketID, shape          string
	yes, no, draw, k, volume string
	version                  int64
	halted                   bool
	haltReason               string
	updatedAt                time.Time
}

func (r *poolRow) toPool() (*model.Pool, error) {
	shape, err := model.ParseShape(r.shape)
	if err != nil {
		return nil, err
	}
	p := &model.Pool{
		MarketID:   r.marketID,
		Shape:      shape,
		Version:    r.version,
		Halted:     r.halted,
		HaltReason: r.haltReason,
		UpdatedAt:  r.updatedAt,
	}
	fields := []struct {
		name string
		src  string
		dst  *decimal.Decimal
	}{
		{"yes_reserve", r.yes, &p.YesReserve},
		{"no_reserve", r.no, &p.NoReserve},
		{"draw_reserve", r.draw, &p.DrawReserve},
		{"constant_product", r.k, &p.ConstantProduct},
		{"total_volume", r.volume, &p.TotalVolume},
	}
	for _, f := range fields {
		v, err := model.ParseDecimal(f.name, f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	if err := model.CheckShape(p.Shape, p.YesReserve, p.NoReserve, p.DrawReserve); err != nil {
		return nil, err
	}
	total := p.YesReserve.Add(p.NoReserve)
	if p.Shape == model.ShapeThreeOutcome {
		total = total.Add(p.DrawReserve)
	}
	p.TotalLiquidity = total
	return p, nil
}

type tradeRow struct {
	id, marketID, userID, outcome, tradeType string
	amount, fee, shares, price               string
	poolVersion                              int64
	yes, no, draw                            string
	createdAt                                time.Time
}

func (r *tradeRow) toTrade() (model.Trade, error) {
	t := model.Trade{
		ID:          r.id,
		MarketID:    r.marketID,
		UserID:      r.userID,
		Outcome:     model.Outcome(r.outcome),
		TradeType:   model.TradeType(r.tradeType),
		PoolVersion: r.poolVersion,
		CreatedAt:   r.createdAt,
	}
	fields := []struct {
		name string
		src  string
		dst  *decimal.Decimal
	}{
		{"amount", r.amount, &t.Amount},
		{"fee", r.fee, &t.Fee},
		{"shares", r.shares, &t.Shares},
		{"price_per_share", r.price, &t.PricePerShare},
		{"yes_reserve", r.yes, &t.YesReserve},
		{"no_reserve", r.no, &t.NoReserve},
		{"draw_reserve", r.draw, &t.DrawReserve},
	}
	for _, f := range fields {
		v, err := parseLedgerDecimal(f.name, f.src)
		if err != nil {
			return model.Trade{}, err
		}
		*f.dst = v
	}
	return t, nil
}

type positionRow struct {
	userID, marketID, outcome  string
	shares, avgPrice, invested string
	updatedAt                  time.Time
}

func (r *positionRow) toPosition() (model.Position, error) {
	p := model.Position{
		UserID:    r.userID,
		MarketID:  r.marketID,
		Outcome:   model.Outcome(r.outcome),
		UpdatedAt: r.updatedAt,
	}
	var err error
	if p.Shares, err = parseLedgerDecimal("shares", r.shares); err != nil {
		return model.Position{}, err
	}
	if p.AveragePrice, err = parseLedgerDecimal("average_price", r.avgPrice); err != nil {
		return model.Position{}, err
	}
	if p.TotalInvested, err = parseLedgerDecimal("total_invested", r.invested); err != nil {
		return model.Position{}, err
	}
	return p, nil
}

// parseLedgerDecimal is the non-pool counterpart of model.ParseDecimal: a
// corrupt ledger value is an internal error, not a pool-state failure.
func parseLedgerDecimal(field, s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errs.Field(errs.Internal, "store.parseLedgerDecimal", field, s, "malformed stored number")
	}
	return v, nil
}
