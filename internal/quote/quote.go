// Package quote serves read-only trade previews. Previews never take the
// pool lock and never write; they may read a cached pool snapshot, so a
// preview is advisory and the executor re-prices at commit time.
package quote

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/gerardkasemba/betadame-sub004/internal/amm"
	"github.com/gerardkasemba/betadame-sub004/internal/errs"
	"github.com/gerardkasemba/betadame-sub004/internal/metrics"
	"github.com/gerardkasemba/betadame-sub004/internal/model"
)

// Reader is the read side of the store a preview needs.
type Reader interface {
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	GetPool(ctx context.Context, marketID string) (*model.Pool, error)
}

// Preview is the priced result returned to clients.
type Preview struct {
	MarketID      string          `json:"market_id"`
	Outcome       model.Outcome   `json:"outcome"`
	Shares        decimal.Decimal `json:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	PoolVersion   int64           `json:"pool_version"`
	NewPrices     model.Prices    `json:"new_prices"`
}

// Service prices previews.
type Service struct {
	reader Reader
}

// NewService creates a quote service.
func NewService(r Reader) *Service {
	return &Service{reader: r}
}

// Preview prices a buy of amount on outcome against the current pool.
func (s *Service) Preview(ctx context.Context, marketID string, outcome model.Outcome, amount decimal.Decimal) (*Preview, error) {
	const op = "quote.Preview"
	if marketID == "" {
		return nil, errs.Field(errs.InvalidInput, op, "market_id", "", "market_id is required")
	}

	m, err := s.reader.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusOpen {
		return nil, errs.Field(errs.InvalidInput, op, "market_id", marketID, "market is not open for trading")
	}

	pool, err := s.reader.GetPool(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if err := pool.CheckTradable(); err != nil {
		return nil, err
	}

	q, err := amm.Quote(pool, outcome, model.TradeBuy, amount)
	if err != nil {
		return nil, err
	}
	metrics.QuotesTotal.WithLabelValues(string(pool.Shape)).Inc()

	return &Preview{
		MarketID:      marketID,
		Outcome:       outcome,
		Shares:        q.Shares,
		PricePerShare: q.PricePerShare,
		PlatformFee:   q.PlatformFee,
		TotalCost:     q.Amount,
		PoolVersion:   q.PoolVersion,
		NewPrices:     amm.Prices(&q.NewPool),
	}, nil
}
