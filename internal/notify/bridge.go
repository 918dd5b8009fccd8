package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
	"github.com/gerardkasemba/betadame-sub004/internal/metrics"
	"github.com/gerardkasemba/betadame-sub004/internal/model"
)

// EventPoolSnapshot tags raw pool records on the feed, as written by
// producers that only know reserves (database triggers, backfills).
const EventPoolSnapshot = "pool_snapshot"

// Subscriber is the read side of a bus.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// ShapeLookup returns the stored shape of a market's pool.
type ShapeLookup func(ctx context.Context, marketID string) (model.Shape, error)

// Bridge consumes the shared change feed and forwards validated events to a
// local sink (normally the Hub). Every message is checked against the
// market's stored shape: a feed message never decides a pool's shape.
type Bridge struct {
	sub     Subscriber
	channel string
	shapes  ShapeLookup
	sink    Notifier
	logger  *slog.Logger

	mu    sync.Mutex
	known map[string]model.Shape
}

// NewBridge creates a bridge. channel defaults to DefaultChannel.
func NewBridge(sub Subscriber, channel string, shapes ShapeLookup, sink Notifier, logger *slog.Logger) *Bridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bridge{
		sub:     sub,
		channel: channel,
		shapes:  shapes,
		sink:    sink,
		logger:  logger.With("component", "feed_bridge"),
		known:   make(map[string]model.Shape),
	}
}

// Run subscribes and forwards until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	msgs, err := b.sub.Subscribe(ctx, b.channel)
	if err != nil {
		return err
	}
	b.logger.Info("feed bridge subscribed", "channel", b.channel)

	for msg := range msgs {
		ev, err := b.Decode(ctx, msg)
		if err != nil {
			metrics.FeedRejected.Inc()
			b.logger.Error("rejecting feed message",
				"error", err,
				"kind", errs.KindOf(err),
				"alert", errs.Is(err, errs.InvalidPoolState),
			)
			continue
		}
		if err := b.sink.Notify(ctx, ev); err != nil {
			b.logger.Warn("forwarding feed event failed", "market_id", ev.MarketID, "error", err)
		}
	}
	return nil
}

// Decode turns one feed payload into a validated ChangeEvent. It accepts
// either a ChangeEvent or a raw pool record; a record without a shape tag
// takes the stored one, and a tag that disagrees with the stored shape is
// errs.InvalidPoolState.
func (b *Bridge) Decode(ctx context.Context, payload []byte) (ChangeEvent, error) {
	const op = "notify.Bridge.Decode"

	var rec map[string]any
	if err := json.Unmarshal(payload, &rec); err != nil {
		return ChangeEvent{}, errs.Wrap(errs.InvalidInput, op, err)
	}
	marketID, _ := rec["market_id"].(string)
	if marketID == "" {
		return ChangeEvent{}, errs.Field(errs.InvalidInput, op, "market_id", "", "missing market id")
	}
	stored, err := b.shapeOf(ctx, marketID)
	if err != nil {
		return ChangeEvent{}, err
	}

	typ, _ := rec["type"].(string)
	switch typ {
	case EventPoolChanged:
		var ev ChangeEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return ChangeEvent{}, errs.Wrap(errs.InvalidInput, op, err)
		}
		if ev.Shape != stored {
			return ChangeEvent{}, errs.Field(errs.InvalidPoolState, op, "market_shape", ev.Shape,
				"event shape differs from stored shape "+string(stored))
		}
		if err := ev.Validate(); err != nil {
			return ChangeEvent{}, err
		}
		return ev, nil

	case EventPoolSnapshot, "":
		if tag, ok := rec["market_shape"]; ok && tag != string(stored) {
			return ChangeEvent{}, errs.Field(errs.InvalidPoolState, op, "market_shape", tag,
				"record shape differs from stored shape "+string(stored))
		}
		rec["market_shape"] = string(stored)
		pool, err := model.ParsePoolRecord(rec)
		if err != nil {
			return ChangeEvent{}, err
		}
		at := pool.UpdatedAt
		if at.IsZero() {
			at = time.Now()
		}
		return NewChangeEvent(pool, at), nil
	}
	return ChangeEvent{}, errs.Field(errs.InvalidInput, op, "type", typ, "unknown feed message type")
}

// shapeOf caches lookups; a pool's shape never changes.
func (b *Bridge) shapeOf(ctx context.Context, marketID string) (model.Shape, error) {
	b.mu.Lock()
	s, ok := b.known[marketID]
	b.mu.Unlock()
	if ok {
		return s, nil
	}

	s, err := b.shapes(ctx, marketID)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.known[marketID] = s
	b.mu.Unlock()
	return s, nil
}
