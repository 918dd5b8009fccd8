// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one side of a market.
type Outcome string

const (
	OutcomeYes  Outcome = "yes"
	OutcomeNo   Outcome = "no"
	OutcomeDraw Outcome = "draw"
)

// Valid reports whether o is a known outcome name.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo || o == OutcomeDraw
}

// TradeType is the direction of a trade. Only buys are executable.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// MarketType is the product classification of a market. Only binary and
// three-outcome markets are backed by a reserve pool.
type MarketType string

const (
	MarketBinary       MarketType = "binary"
	MarketThreeOutcome MarketType = "three_outcome"
	MarketOther        MarketType = "other"
)

// Market statuses.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Market is a tradable question. Prices are never stored here; they are
// derived from the market's Pool on read.
type Market struct {
	ID        string     `json:"id" db:"id"`
	Title     string     `json:"title" db:"title"`
	EventID   string     `json:"event_id" db:"event_id"` // fixture grouping, used by risk limits
	Type      MarketType `json:"market_type" db:"market_type"`
	Status    string     `json:"status" db:"status"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Prices are display prices derived from a pool snapshot. Draw is nil for
// binary pools and always set for three-outcome pools.
type Prices struct {
	Yes  decimal.Decimal  `json:"yes"`
	No   decimal.Decimal  `json:"no"`
	Draw *decimal.Decimal `json:"draw,omitempty"`
}

// MarketView is a market joined with its pool-derived state.
type MarketView struct {
	Market
	Shape          Shape           `json:"market_shape"`
	Prices         Prices          `json:"prices"`
	TotalLiquidity decimal.Decimal `json:"total_liquidity"`
	TotalVolume    decimal.Decimal `json:"total_volume"`
	PoolVersion    int64           `json:"pool_version"`
	Halted         bool            `json:"halted"`
}

// Position is a user's holding in one outcome of one market. Rows are never
// deleted; a fully exited position is zeroed.
type Position struct {
	UserID        string          `json:"user_id" db:"user_id"`
	MarketID      string          `json:"market_id" db:"market_id"`
	Outcome       Outcome         `json:"outcome" db:"outcome"`
	Shares        decimal.Decimal `json:"shares" db:"shares"`
	AveragePrice  decimal.Decimal `json:"average_price" db:"average_price"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// AveragePriceScale is the number of decimal places kept on average prices.
const AveragePriceScale int32 = 8

// Apply adds a filled buy to the position and recomputes the weighted
// average price as total invested over total shares.
func (p *Position) Apply(shares, amount decimal.Decimal, at time.Time) {
	p.Shares = p.Shares.Add(shares)
	p.TotalInvested = p.TotalInvested.Add(amount)
	if p.Shares.IsPositive() {
		p.AveragePrice = p.TotalInvested.DivRound(p.Shares, AveragePriceScale)
	} else {
		p.AveragePrice = decimal.Zero
	}
	p.UpdatedAt = at
}

// Trade is an immutable, append-only record of a committed trade.
// It references the pool version the trade produced and snapshots the
// resulting reserves.
type Trade struct {
	ID            string          `json:"id" db:"id"`
	MarketID      string          `json:"market_id" db:"market_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Outcome       Outcome         `json:"outcome" db:"outcome"`
	TradeType     TradeType       `json:"trade_type" db:"trade_type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // gross, fee included
	Fee           decimal.Decimal `json:"fee" db:"fee"`
	Shares        decimal.Decimal `json:"shares" db:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	PoolVersion   int64           `json:"pool_version" db:"pool_version"`
	YesReserve    decimal.Decimal `json:"yes_reserve" db:"yes_reserve"`
	NoReserve     decimal.Decimal `json:"no_reserve" db:"no_reserve"`
	DrawReserve   decimal.Decimal `json:"draw_reserve" db:"draw_reserve"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Quote is the ephemeral result of pricing a trade against one pool
// snapshot. It is never persisted and must be recomputed at commit time.
type Quote struct {
	MarketID      string          `json:"market_id"`
	Outcome       Outcome         `json:"outcome"`
	Amount        decimal.Decimal `json:"total_cost"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	Shares        decimal.Decimal `json:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	PoolVersion   int64           `json:"pool_version"`
	NewPool       Pool            `json:"-"`
}
