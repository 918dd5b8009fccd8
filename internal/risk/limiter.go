// Package risk enforces per-user position limits on top of the pricing
// engine.
//
// Markets that share an event (the three markets of one fixture, say) carry
// correlated risk: a user buying "home win" on one and "over 2.5 goals" on
// another is exposed to the same match. The limiter therefore caps exposure
// per trade, per market and per event.
package risk

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
	"github.com/gerardkasemba/betadame-sub004/internal/model"
)

var (
	// ErrTradeLimitExceeded is returned when a single trade is larger than
	// the per-trade maximum.
	ErrTradeLimitExceeded = errors.New("risk: per-trade amount limit exceeded")

	// ErrMarketLimitExceeded is returned when a trade would push the user's
	// total invested amount in one market beyond the per-market maximum.
	ErrMarketLimitExceeded = errors.New("risk: per-market position limit exceeded")

	// ErrEventLimitExceeded is returned when a trade would push the user's
	// aggregate invested amount across one event's markets beyond the
	// per-event maximum.
	ErrEventLimitExceeded = errors.New("risk: per-event exposure limit exceeded")
)

// ExposureReader reports a user's current invested amounts. store.Tx
// satisfies it, so limits are checked against the same snapshot the trade
// commits on.
type ExposureReader interface {
	GetUserExposure(ctx context.Context, userID, marketID, eventID string) (market, event decimal.Decimal, err error)
}

// PositionLimiter enforces position limits. A zero limit is disabled.
type PositionLimiter struct {
	// MaxTradeAmount caps the gross amount of a single trade.
	MaxTradeAmount decimal.Decimal

	// MaxPerMarket caps total invested per user per market.
	MaxPerMarket decimal.Decimal

	// MaxPerEvent caps total invested per user across all markets that
	// share an event id.
	MaxPerEvent decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given limits.
func NewPositionLimiter(maxTrade, maxPerMarket, maxPerEvent decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxTradeAmount: maxTrade,
		MaxPerMarket:   maxPerMarket,
		MaxPerEvent:    maxPerEvent,
	}
}

// CheckLimit validates a trade of amount given the user's current exposure
// in the target market and its event. Violations are errs.LimitExceeded
// wrapping one of the package sentinels.
func (l *PositionLimiter) CheckLimit(amount, marketExposure, eventExposure decimal.Decimal) error {
	const op = "risk.CheckLimit"
	if l == nil {
		return nil
	}

	// 1. Per-trade limit.
	if l.MaxTradeAmount.IsPositive() && amount.GreaterThan(l.MaxTradeAmount) {
		return limitErr(op, "amount", amount, l.MaxTradeAmount, ErrTradeLimitExceeded)
	}

	// 2. Per-market limit.
	newMarket := marketExposure.Add(amount)
	if l.MaxPerMarket.IsPositive() && newMarket.GreaterThan(l.MaxPerMarket) {
		return limitErr(op, "market_exposure", newMarket, l.MaxPerMarket, ErrMarketLimitExceeded)
	}

	// 3. Correlated exposure across the event.
	newEvent := eventExposure.Add(amount)
	if l.MaxPerEvent.IsPositive() && newEvent.GreaterThan(l.MaxPerEvent) {
		return limitErr(op, "event_exposure", newEvent, l.MaxPerEvent, ErrEventLimitExceeded)
	}

	return nil
}

// Check reads the user's exposure through r and applies CheckLimit.
func (l *PositionLimiter) Check(ctx context.Context, r ExposureReader, userID string, m *model.Market, amount decimal.Decimal) error {
	if l == nil || !l.enabled() {
		return nil
	}
	market, event, err := r.GetUserExposure(ctx, userID, m.ID, m.EventID)
	if err != nil {
		return err
	}
	return l.CheckLimit(amount, market, event)
}

func (l *PositionLimiter) enabled() bool {
	return l.MaxTradeAmount.IsPositive() || l.MaxPerMarket.IsPositive() || l.MaxPerEvent.IsPositive()
}

func limitErr(op, field string, value, limit decimal.Decimal, sentinel error) error {
	return &errs.Error{
		Kind:  errs.LimitExceeded,
		Op:    op,
		Field: field,
		Value: value.String(),
		Msg:   "limit is " + limit.String(),
		Err:   sentinel,
	}
}
