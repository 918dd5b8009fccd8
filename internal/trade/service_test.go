package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
	"github.com/gerardkasemba/betadame-sub004/internal/model"
	"github.com/gerardkasemba/betadame-sub004/internal/quote"
	"github.com/gerardkasemba/betadame-sub004/internal/store"
	"github.com/gerardkasemba/betadame-sub004/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T, opts ...trade.ExecutorOption) (*trade.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc, r := newRouter(t, ms, opts...)
	return svc, ms, r
}

func newRouter(t *testing.T, st store.Store, opts ...trade.ExecutorOption) (*trade.Service, chi.Router) {
	t.Helper()
	exec := trade.NewExecutor(st, nil, opts...)
	svc := trade.NewService(st, exec, quote.NewService(st), nil, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/markets", svc.CreateMarket)
	r.Get("/api/v1/markets", svc.ListMarkets)
	r.Get("/api/v1/markets/{marketID}", svc.GetMarket)
	r.Get("/api/v1/markets/{marketID}/price", svc.GetPrice)
	r.Get("/api/v1/markets/{marketID}/history", svc.GetMarketHistory)
	r.Post("/api/v1/markets/{marketID}/reopen", svc.ReopenMarket)
	r.Post("/api/v1/markets/{marketID}/archive", svc.ArchiveMarket)
	r.Post("/api/v1/quote", svc.Quote)
	r.Post("/api/v1/trade", svc.ExecuteTrade)
	r.Get("/api/v1/portfolio/{userID}", svc.GetPortfolio)

	return svc, r
}

// seedMarket creates a test market directly in the store.
func seedMarket(t *testing.T, st store.Store, id string, typ model.MarketType, liquidity string, weights ...string) *model.Pool {
	t.Helper()
	shape, err := model.ShapeFor(typ)
	if err != nil {
		t.Fatal(err)
	}
	var w []decimal.Decimal
	for _, s := range weights {
		w = append(w, d(s))
	}
	now := time.Now().UTC()
	pool, err := model.NewPool(id, shape, d(liquidity), w, now)
	if err != nil {
		t.Fatalf("failed to seed pool: %v", err)
	}
	market := &model.Market{
		ID:        id,
		Title:     "test " + id,
		EventID:   "event-" + id,
		Type:      typ,
		Status:    model.StatusOpen,
		CreatedAt: now,
	}
	if err := st.CreateMarket(context.Background(), market, pool); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return pool
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doTrade(t *testing.T, router chi.Router, req trade.TradeRequest) *httptest.ResponseRecorder {
	t.Helper()
	return doJSON(t, router, "POST", "/api/v1/trade", req)
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) errs.Kind {
	t.Helper()
	var body struct {
		Error errs.Payload `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %s", w.Body.String())
	}
	return body.Error.Kind
}

// --- Trade execution tests ---

func TestExecuteTrade_BuyYesBinary(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", model.MarketBinary, "2000")

	w := doTrade(t, router, trade.TradeRequest{
		UserID:   "user1",
		MarketID: "m1",
		Outcome:  model.OutcomeYes,
		Amount:   d("100"),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.TradeResult
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.TradeID == "" {
		t.Error("expected non-empty trade_id")
	}
	if !resp.Shares.Equal(d("89.253187")) {
		t.Errorf("shares = %s, want 89.253187", resp.Shares)
	}
	if !resp.PricePerShare.Equal(d("1.1204")) {
		t.Errorf("price = %s, want 1.1204", resp.PricePerShare)
	}
	if !resp.PlatformFee.Equal(d("2")) || !resp.TotalCost.Equal(d("100")) {
		t.Errorf("fee/cost = %s/%s, want 2/100", resp.PlatformFee, resp.TotalCost)
	}
	if resp.NewPrices.Draw != nil {
		t.Error("binary trade must not report a draw price")
	}
	if resp.PoolVersion != 1 {
		t.Errorf("pool version = %d, want 1", resp.PoolVersion)
	}

	pool, _ := ms.GetPool(context.Background(), "m1")
	if !pool.YesReserve.Equal(d("910.746813")) || !pool.NoReserve.Equal(d("1098")) {
		t.Errorf("reserves = %s/%s", pool.YesReserve, pool.NoReserve)
	}
	if !pool.DrawReserve.IsZero() || pool.Shape != model.ShapeBinary {
		t.Errorf("binary pool changed shape: %+v", pool)
	}
	if !pool.TotalVolume.Equal(d("100")) {
		t.Errorf("volume = %s, want 100", pool.TotalVolume)
	}

	positions, _ := ms.GetUserPositions(context.Background(), "user1")
	if len(positions) != 1 || !positions[0].Shares.Equal(d("89.253187")) {
		t.Fatalf("unexpected positions %+v", positions)
	}
	if !positions[0].TotalInvested.Equal(d("100")) {
		t.Errorf("invested = %s, want 100", positions[0].TotalInvested)
	}

	trades, _ := ms.GetTradesByMarket(context.Background(), "m1")
	if len(trades) != 1 || trades[0].PoolVersion != 1 || !trades[0].YesReserve.Equal(pool.YesReserve) {
		t.Errorf("unexpected ledger %+v", trades)
	}
}

func TestExecuteTrade_BuyDrawThreeOutcome(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, "m3", model.MarketThreeOutcome, "1000", "333.33", "333.33", "333.34")

	w := doTrade(t, router, trade.TradeRequest{
		UserID:   "user1",
		MarketID: "m3",
		Outcome:  model.OutcomeDraw,
		Amount:   d("50"),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.TradeResult
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Shares.Equal(d("73.500735")) {
		t.Errorf("shares = %s, want 73.500735", resp.Shares)
	}
	if resp.NewPrices.Draw == nil {
		t.Error("three-outcome trade must report a draw price")
	}

	pool, _ := ms.GetPool(context.Background(), "m3")
	if !pool.DrawReserve.Equal(d("259.839265")) {
		t.Errorf("draw reserve = %s, want 259.839265", pool.DrawReserve)
	}
	if !pool.YesReserve.Equal(d("357.83")) || !pool.NoReserve.Equal(d("357.83")) {
		t.Errorf("yes/no reserves = %s/%s, want 357.83", pool.YesReserve, pool.NoReserve)
	}
	if pool.Shape != model.ShapeThreeOutcome {
		t.Errorf("shape changed to %s", pool.Shape)
	}
}

func TestExecuteTrade_PriceMovesCorrectly(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", model.MarketBinary, "2000")

	doTrade(t, router, trade.TradeRequest{UserID: "user1", MarketID: "m1", Outcome: model.OutcomeYes, Amount: d("50")})

	w := doJSON(t, router, "GET", "/api/v1/markets/m1/price", nil)
	var resp trade.PriceResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if !resp.Prices.Yes.GreaterThan(d("0.5")) {
		t.Errorf("YES price should be > 0.5 after YES buy, got %s", resp.Prices.Yes)
	}
	if sum := resp.Prices.Yes.Add(resp.Prices.No); sum.Sub(d("1")).Abs().GreaterThan(d("0.0001")) {
		t.Errorf("prices should sum to 1, got %s", sum)
	}
	if resp.PoolVersion != 1 {
		t.Errorf("pool version = %d, want 1", resp.PoolVersion)
	}
}

func TestExecuteTrade_Rejections(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", model.MarketBinary, "2000")

	tests := []struct {
		name   string
		req    trade.TradeRequest
		status int
		kind   errs.Kind
	}{
		{"sell", trade.TradeRequest{UserID: "u", MarketID: "m1", Outcome: model.OutcomeYes, Amount: d("10"), TradeType: model.TradeSell},
			http.StatusNotImplemented, errs.NotImplemented},
		{"unknown trade type", trade.TradeRequest{UserID: "u", MarketID: "m1", Outcome: model.OutcomeYes, Amount: d("10"), TradeType: "short"},
			http.StatusBadRequest, errs.InvalidInput},
		{"draw on binary", trade.TradeRequest{UserID: "u", MarketID: "m1", Outcome: model.OutcomeDraw, Amount: d("10")},
			http.StatusBadRequest, errs.InvalidInput},
		{"zero amount", trade.TradeRequest{UserID: "u", MarketID: "m1", Outcome: model.OutcomeYes, Amount: decimal.Zero},
			http.StatusBadRequest, errs.InvalidInput},
		{"negative amount", trade.TradeRequest{UserID: "u", MarketID: "m1", Outcome: model.OutcomeYes, Amount: d("-5")},
			http.StatusBadRequest, errs.InvalidInput},
		{"missing outcome", trade.TradeRequest{UserID: "u", MarketID: "m1", Amount: d("10")},
			http.StatusBadRequest, errs.InvalidInput},
		{"missing user", trade.TradeRequest{MarketID: "m1", Outcome: model.OutcomeYes, Amount: d("10")},
			http.StatusBadRequest, errs.InvalidInput},
		{"market not found", trade.TradeRequest{UserID: "u", MarketID: "nope", Outcome: model.OutcomeYes, Amount: d("10")},
			http.StatusNotFound, errs.NotFound},
		{"slippage", trade.TradeRequest{UserID: "u", MarketID: "m1", Outcome: model.OutcomeYes, Amount: d("100"), MaxPricePerShare: ptr(d("1.1"))},
			http.StatusConflict, errs.SlippageExceeded},
		{"too tiny", trade.TradeRequest{UserID: "u", MarketID: "m1", Outcome: model.OutcomeYes, Amount: d("0.0000001")},
			http.StatusUnprocessableEntity, errs.InvalidTradeComputation},
		{"amount too precise", trade.TradeRequest{UserID: "u", MarketID: "m1", Outcome: model.OutcomeYes, Amount: d("1.000000001")},
			http.StatusBadRequest, errs.InvalidInput},
		{"amount above maximum", trade.TradeRequest{UserID: "u", MarketID: "m1", Outcome: model.OutcomeYes, Amount: d("10000000000000")},
			http.StatusBadRequest, errs.InvalidInput},
		{"max price too precise", trade.TradeRequest{UserID: "u", MarketID: "m1", Outcome: model.OutcomeYes, Amount: d("10"), MaxPricePerShare: ptr(d("1.123456789"))},
			http.StatusBadRequest, errs.InvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doTrade(t, router, tt.req)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if k := errorKind(t, w); k != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, k)
			}
		})
	}

	// Nothing above may have touched the pool.
	pool, _ := ms.GetPool(context.Background(), "m1")
	if pool.Version != 0 || !pool.YesReserve.Equal(d("1000")) {
		t.Errorf("rejected trades mutated pool: %+v", pool)
	}
	trades, _ := ms.GetTradesByMarket(context.Background(), "m1")
	if len(trades) != 0 {
		t.Errorf("rejected trades left %d ledger rows", len(trades))
	}
}

func TestExecuteTrade_MalformedBody(t *testing.T) {
	_, _, router := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/trade", bytes.NewBufferString(`{"amount": "abc"`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestExecuteTrade_ResolvedMarket(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	pool, _ := model.NewPool("done", model.ShapeBinary, d("2000"), nil, now)
	m := &model.Market{ID: "done", Title: "done", Type: model.MarketBinary, Status: model.StatusResolved, CreatedAt: now}
	if err := ms.CreateMarket(context.Background(), m, pool); err != nil {
		t.Fatal(err)
	}
	_, router := newRouter(t, ms)

	w := doTrade(t, router, trade.TradeRequest{UserID: "u", MarketID: "done", Outcome: model.OutcomeYes, Amount: d("10")})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for resolved market, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Quote tests ---

func TestQuote_MatchesExecution(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", model.MarketBinary, "2000")

	w := doJSON(t, router, "POST", "/api/v1/quote", trade.QuoteRequest{MarketID: "m1", Outcome: model.OutcomeNo, Amount: d("250")})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var preview quote.Preview
	json.Unmarshal(w.Body.Bytes(), &preview)

	w = doTrade(t, router, trade.TradeRequest{UserID: "u", MarketID: "m1", Outcome: model.OutcomeNo, Amount: d("250")})
	var res trade.TradeResult
	json.Unmarshal(w.Body.Bytes(), &res)

	if !preview.Shares.Equal(res.Shares) || !preview.PricePerShare.Equal(res.PricePerShare) {
		t.Errorf("preview %s@%s != fill %s@%s", preview.Shares, preview.PricePerShare, res.Shares, res.PricePerShare)
	}
	if !preview.NewPrices.No.Equal(res.NewPrices.No) {
		t.Errorf("preview no price %s != %s", preview.NewPrices.No, res.NewPrices.No)
	}
	if preview.PoolVersion != 0 || res.PoolVersion != 1 {
		t.Errorf("versions preview=%d fill=%d", preview.PoolVersion, res.PoolVersion)
	}
}

func TestQuote_InsufficientReserve(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, "m3", model.MarketThreeOutcome, "300")

	w := doJSON(t, router, "POST", "/api/v1/quote", trade.QuoteRequest{MarketID: "m3", Outcome: model.OutcomeDraw, Amount: d("100")})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	if k := errorKind(t, w); k != errs.InsufficientReserve {
		t.Errorf("expected InsufficientReserve, got %s", k)
	}
}

// --- Market tests ---

func TestCreateMarket(t *testing.T) {
	_, ms, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/markets", trade.CreateMarketRequest{
		Title:            "Home vs Away",
		EventID:          "match-1",
		MarketType:       model.MarketThreeOutcome,
		InitialLiquidity: d("900"),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var v model.MarketView
	json.Unmarshal(w.Body.Bytes(), &v)
	if v.ID == "" || v.Shape != model.ShapeThreeOutcome || v.Prices.Draw == nil {
		t.Fatalf("unexpected view %+v", v)
	}
	if !v.TotalLiquidity.Equal(d("900")) {
		t.Errorf("liquidity = %s, want 900", v.TotalLiquidity)
	}

	pool, err := ms.GetPool(context.Background(), v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !pool.DrawReserve.Equal(d("300")) {
		t.Errorf("draw reserve = %s, want 300", pool.DrawReserve)
	}
}

func TestCreateMarket_Invalid(t *testing.T) {
	_, _, router := newTestEnv(t)

	tests := []struct {
		name string
		req  trade.CreateMarketRequest
	}{
		{"no title", trade.CreateMarketRequest{MarketType: model.MarketBinary, InitialLiquidity: d("100")}},
		{"other type", trade.CreateMarketRequest{Title: "x", MarketType: model.MarketOther, InitialLiquidity: d("100")}},
		{"zero liquidity", trade.CreateMarketRequest{Title: "x", MarketType: model.MarketBinary}},
		{"wrong weights", trade.CreateMarketRequest{Title: "x", MarketType: model.MarketBinary, InitialLiquidity: d("100"),
			Weights: []decimal.Decimal{d("1"), d("1"), d("1")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", "/api/v1/markets", tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestListMarkets_FilterByEvent(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, "a", model.MarketBinary, "100")
	seedMarket(t, ms, "b", model.MarketThreeOutcome, "300")

	w := doJSON(t, router, "GET", "/api/v1/markets", nil)
	var all []model.MarketView
	json.Unmarshal(w.Body.Bytes(), &all)
	if len(all) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(all))
	}

	w = doJSON(t, router, "GET", "/api/v1/markets?event_id=event-b", nil)
	var filtered []model.MarketView
	json.Unmarshal(w.Body.Bytes(), &filtered)
	if len(filtered) != 1 || filtered[0].ID != "b" {
		t.Errorf("unexpected filtered list %+v", filtered)
	}
}

func TestGetMarket_NotFound(t *testing.T) {
	_, _, router := newTestEnv(t)

	for _, path := range []string{"/api/v1/markets/nope", "/api/v1/markets/nope/price", "/api/v1/markets/nope/history"} {
		w := doJSON(t, router, "GET", path, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestGetMarketHistory(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", model.MarketBinary, "2000")

	for i := 0; i < 3; i++ {
		doTrade(t, router, trade.TradeRequest{UserID: "u", MarketID: "m1", Outcome: model.OutcomeYes, Amount: d("10")})
	}

	w := doJSON(t, router, "GET", "/api/v1/markets/m1/history", nil)
	var trades []model.Trade
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 3 {
		t.Fatalf("expected 3 trades, got %d", len(trades))
	}
	for i, tr := range trades {
		if tr.PoolVersion != int64(i+1) {
			t.Errorf("trade %d has pool version %d", i, tr.PoolVersion)
		}
	}
}

func TestArchive_NotConfigured(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", model.MarketBinary, "2000")

	w := doJSON(t, router, "POST", "/api/v1/markets/m1/archive", nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("expected 501, got %d", w.Code)
	}
}

// --- Portfolio tests ---

func TestGetPortfolio(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, "m1", model.MarketBinary, "2000")
	seedMarket(t, ms, "m3", model.MarketThreeOutcome, "900")

	doTrade(t, router, trade.TradeRequest{UserID: "alice", MarketID: "m1", Outcome: model.OutcomeYes, Amount: d("100")})
	doTrade(t, router, trade.TradeRequest{UserID: "alice", MarketID: "m3", Outcome: model.OutcomeDraw, Amount: d("30")})

	w := doJSON(t, router, "GET", "/api/v1/portfolio/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var p trade.Portfolio
	json.Unmarshal(w.Body.Bytes(), &p)
	if len(p.Positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(p.Positions))
	}
	if !p.TotalInvested.Equal(d("130")) {
		t.Errorf("invested = %s, want 130", p.TotalInvested)
	}
	if !p.ExposureByEvent["event-m1"].Equal(d("100")) || !p.ExposureByEvent["event-m3"].Equal(d("30")) {
		t.Errorf("unexpected exposure %v", p.ExposureByEvent)
	}
	for _, pos := range p.Positions {
		if !pos.CurrentPrice.IsPositive() {
			t.Errorf("position %s/%s has no mark price", pos.MarketID, pos.Outcome)
		}
	}
}
