package quote_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
	"github.com/gerardkasemba/betadame-sub004/internal/model"
	"github.com/gerardkasemba/betadame-sub004/internal/quote"
	"github.com/gerardkasemba/betadame-sub004/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seed(t *testing.T, ms *store.MemoryStore, id string, typ model.MarketType, liquidity string, weights ...string) {
	t.Helper()
	var w []decimal.Decimal
	for _, s := range weights {
		w = append(w, d(s))
	}
	shape, err := model.ShapeFor(typ)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	pool, err := model.NewPool(id, shape, d(liquidity), w, now)
	if err != nil {
		t.Fatal(err)
	}
	m := &model.Market{ID: id, Title: id, Type: typ, Status: model.StatusOpen, CreatedAt: now}
	if err := ms.CreateMarket(context.Background(), m, pool); err != nil {
		t.Fatal(err)
	}
}

func TestPreview_Binary(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "m1", model.MarketBinary, "2000")
	svc := quote.NewService(ms)

	p, err := svc.Preview(context.Background(), "m1", model.OutcomeYes, d("100"))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !p.Shares.Equal(d("89.253187")) {
		t.Errorf("shares = %s, want 89.253187", p.Shares)
	}
	if !p.PricePerShare.Equal(d("1.1204")) {
		t.Errorf("price = %s, want 1.1204", p.PricePerShare)
	}
	if !p.PlatformFee.Equal(d("2")) || !p.TotalCost.Equal(d("100")) {
		t.Errorf("fee/cost = %s/%s", p.PlatformFee, p.TotalCost)
	}
	if p.NewPrices.Draw != nil {
		t.Error("binary preview must not carry a draw price")
	}
	if !p.NewPrices.Yes.GreaterThan(d("0.5")) {
		t.Errorf("yes price should rise after buying yes, got %s", p.NewPrices.Yes)
	}

	// Previews never write.
	pool, _ := ms.GetPool(context.Background(), "m1")
	if pool.Version != 0 || !pool.YesReserve.Equal(d("1000")) {
		t.Errorf("preview mutated pool: %+v", pool)
	}
}

func TestPreview_ThreeOutcome(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "m3", model.MarketThreeOutcome, "1000", "333.33", "333.33", "333.34")
	svc := quote.NewService(ms)

	p, err := svc.Preview(context.Background(), "m3", model.OutcomeDraw, d("50"))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !p.Shares.Equal(d("73.500735")) {
		t.Errorf("shares = %s, want 73.500735", p.Shares)
	}
	if p.NewPrices.Draw == nil {
		t.Fatal("three-outcome preview must carry a draw price")
	}
}

func TestPreview_Rejections(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "m1", model.MarketBinary, "2000")
	seed(t, ms, "halted", model.MarketBinary, "2000")
	if err := ms.SetPoolHalt(context.Background(), "halted", true, "manual"); err != nil {
		t.Fatal(err)
	}
	svc := quote.NewService(ms)

	tests := []struct {
		name     string
		marketID string
		outcome  model.Outcome
		amount   string
		kind     errs.Kind
	}{
		{"missing market", "nope", model.OutcomeYes, "10", errs.NotFound},
		{"empty market id", "", model.OutcomeYes, "10", errs.InvalidInput},
		{"draw on binary", "m1", model.OutcomeDraw, "10", errs.InvalidInput},
		{"zero amount", "m1", model.OutcomeYes, "0", errs.InvalidInput},
		{"halted pool", "halted", model.OutcomeYes, "10", errs.InvalidPoolState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Preview(context.Background(), tt.marketID, tt.outcome, d(tt.amount))
			if !errs.Is(err, tt.kind) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
}
