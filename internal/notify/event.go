// Package notify delivers pool change events to subscribers after a trade
// commits: a local WebSocket hub, a Redis pub/sub channel shared by every
// engine instance, and a bridge that turns that channel back into hub
// broadcasts.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gerardkasemba/betadame-sub004/internal/amm"
	"github.com/gerardkasemba/betadame-sub004/internal/errs"
	"github.com/gerardkasemba/betadame-sub004/internal/model"
)

// EventPoolChanged is the type tag of a ChangeEvent.
const EventPoolChanged = "pool_changed"

// ChangeEvent is emitted once per committed trade. DrawPrice is present iff
// the pool is three-outcome.
type ChangeEvent struct {
	Type        string           `json:"type"`
	MarketID    string           `json:"market_id"`
	Shape       model.Shape      `json:"market_shape"`
	YesPrice    decimal.Decimal  `json:"yes_price"`
	NoPrice     decimal.Decimal  `json:"no_price"`
	DrawPrice   *decimal.Decimal `json:"draw_price,omitempty"`
	TotalVolume decimal.Decimal  `json:"total_volume"`
	PoolVersion int64            `json:"pool_version"`
	Timestamp   time.Time        `json:"timestamp"`
}

// NewChangeEvent derives an event from a committed pool snapshot.
func NewChangeEvent(p *model.Pool, at time.Time) ChangeEvent {
	prices := amm.Prices(p)
	ev := ChangeEvent{
		Type:        EventPoolChanged,
		MarketID:    p.MarketID,
		Shape:       p.Shape,
		YesPrice:    prices.Yes,
		NoPrice:     prices.No,
		TotalVolume: p.TotalVolume,
		PoolVersion: p.Version,
		Timestamp:   at.UTC(),
	}
	if p.Shape == model.ShapeThreeOutcome {
		ev.DrawPrice = prices.Draw
	}
	return ev
}

// Validate rejects events that are malformed or break the draw-price rule.
func (e ChangeEvent) Validate() error {
	const op = "notify.ChangeEvent.Validate"
	if e.MarketID == "" {
		return errs.Field(errs.InvalidInput, op, "market_id", "", "missing market id")
	}
	if _, err := model.ParseShape(string(e.Shape)); err != nil {
		return err
	}
	switch {
	case e.Shape == model.ShapeBinary && e.DrawPrice != nil:
		return errs.Field(errs.InvalidPoolState, op, "draw_price", e.DrawPrice, "binary market event carries a draw price")
	case e.Shape == model.ShapeThreeOutcome && e.DrawPrice == nil:
		return errs.Field(errs.InvalidPoolState, op, "draw_price", "", "three-outcome market event lacks a draw price")
	}
	if e.YesPrice.IsNegative() || e.NoPrice.IsNegative() {
		return errs.Field(errs.InvalidInput, op, "yes_price", e.YesPrice, "prices must not be negative")
	}
	return nil
}

// Notifier receives change events. Implementations must not block the
// caller for long; the executor calls Notify after releasing the pool lock.
type Notifier interface {
	Notify(ctx context.Context, ev ChangeEvent) error
}

// Multi fans an event out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev ChangeEvent) error {
	var errList []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, ChangeEvent) error { return nil }
