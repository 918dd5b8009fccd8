// Package trade provides the HTTP handlers and business logic for
// creating markets, executing trades, and querying positions/portfolios.
//
// All monetary values use shopspring/decimal; never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gerardkasemba/betadame-sub004/internal/amm"
	"github.com/gerardkasemba/betadame-sub004/internal/auth"
	"github.com/gerardkasemba/betadame-sub004/internal/errs"
	"github.com/gerardkasemba/betadame-sub004/internal/metrics"
	"github.com/gerardkasemba/betadame-sub004/internal/model"
	"github.com/gerardkasemba/betadame-sub004/internal/quote"
	"github.com/gerardkasemba/betadame-sub004/internal/store"
)

// Archiver uploads a market's trade ledger and returns the object key.
type Archiver interface {
	ArchiveMarket(ctx context.Context, marketID string) (string, error)
}

// Service handles market operations over HTTP. Trade commits go through the
// Executor; previews through the quote service.
type Service struct {
	store    store.Store
	executor *Executor
	quotes   *quote.Service
	archiver Archiver // optional; nil disables the archive endpoint
	logger   *slog.Logger
}

// NewService creates a new trade service. Pass nil for archiver if ledger
// archiving is not configured.
func NewService(st store.Store, exec *Executor, quotes *quote.Service, archiver Archiver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		executor: exec,
		quotes:   quotes,
		archiver: archiver,
		logger:   logger.With("component", "trade"),
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Title            string            `json:"title"`
	EventID          string            `json:"event_id"`
	MarketType       model.MarketType  `json:"market_type"`
	InitialLiquidity decimal.Decimal   `json:"initial_liquidity"`
	Weights          []decimal.Decimal `json:"weights,omitempty"` // one per outcome: yes, no[, draw]
}

// QuoteRequest is the JSON body for POST /quote.
type QuoteRequest struct {
	MarketID string          `json:"market_id"`
	Outcome  model.Outcome   `json:"outcome"`
	Amount   decimal.Decimal `json:"amount"`
}

// PriceResponse is the JSON body returned from GET /markets/{id}/price.
type PriceResponse struct {
	MarketID    string       `json:"market_id"`
	Shape       model.Shape  `json:"market_shape"`
	Prices      model.Prices `json:"prices"`
	PoolVersion int64        `json:"pool_version"`
}

// PositionView is a position marked at the current display price.
type PositionView struct {
	model.Position
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarkValue     decimal.Decimal `json:"mark_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio aggregates a user's positions.
type Portfolio struct {
	UserID          string                     `json:"user_id"`
	Positions       []PositionView             `json:"positions"`
	TotalInvested   decimal.Decimal            `json:"total_invested"`
	TotalValue      decimal.Decimal            `json:"total_value"`
	TotalPnL        decimal.Decimal            `json:"total_pnl"`
	ExposureByEvent map[string]decimal.Decimal `json:"exposure_by_event"`
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	const op = "trade.CreateMarket"
	var req CreateMarketRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Title == "" {
		writeError(w, errs.Field(errs.InvalidInput, op, "title", "", "title is required"))
		return
	}

	shape, err := model.ShapeFor(req.MarketType)
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	market := &model.Market{
		ID:        uuid.New().String(),
		Title:     req.Title,
		EventID:   req.EventID,
		Type:      req.MarketType,
		Status:    model.StatusOpen,
		CreatedAt: now,
	}
	pool, err := model.NewPool(market.ID, shape, req.InitialLiquidity, req.Weights, now)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.CreateMarket(r.Context(), market, pool); err != nil {
		writeError(w, err)
		return
	}
	metrics.ActiveMarkets.Inc()

	s.logger.Info("market created",
		"id", market.ID,
		"event_id", market.EventID,
		"shape", shape,
		"liquidity", req.InitialLiquidity.String(),
	)

	writeJSON(w, http.StatusCreated, view(market, pool))
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		writeError(w, err)
		return
	}
	pool, err := s.store.GetPool(ctx, marketID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view(market, pool))
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	pool, err := s.store.GetPool(r.Context(), marketID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PriceResponse{
		MarketID:    marketID,
		Shape:       pool.Shape,
		Prices:      amm.Prices(pool),
		PoolVersion: pool.Version,
	})
}

// Quote handles POST /api/v1/quote
// Read-only preview; never takes the pool lock.
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	preview, err := s.quotes.Preview(r.Context(), req.MarketID, req.Outcome, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, preview)
}

// ExecuteTrade handles POST /api/v1/trade
// Commits against the current pool and returns the fill and new prices.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if uid, ok := auth.UserFromContext(r.Context()); ok {
		req.UserID = uid
	}

	res, err := s.executor.Execute(r.Context(), req)
	if err != nil {
		if errs.HTTPStatus(errs.KindOf(err)) >= http.StatusInternalServerError {
			s.logger.Error("trade failed", "market_id", req.MarketID, "user", req.UserID, "err", err)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?event_id=<id>.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	event := r.URL.Query().Get("event_id")
	views := []model.MarketView{}
	for i := range markets {
		m := &markets[i]
		if event != "" && m.EventID != event {
			continue
		}
		pool, err := s.store.GetPool(ctx, m.ID)
		if err != nil {
			// One unreadable pool must not hide every other market.
			s.logger.Warn("pool unreadable while listing", "market_id", m.ID, "err", err)
			views = append(views, model.MarketView{Market: *m, Halted: true})
			continue
		}
		views = append(views, view(m, pool))
	}

	writeJSON(w, http.StatusOK, views)
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
// Returns ledger entries to reconstruct price history.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		writeError(w, err)
		return
	}
	trades, err := s.store.GetTradesByMarket(ctx, marketID)
	if err != nil {
		writeError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	writeJSON(w, http.StatusOK, trades)
}

// ReopenMarket handles POST /api/v1/markets/{marketID}/reopen
// Clears a halt once an operator has reconciled the pool.
func (s *Service) ReopenMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()

	pool, err := s.store.GetPool(ctx, marketID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := pool.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SetPoolHalt(ctx, marketID, false, ""); err != nil {
		writeError(w, err)
		return
	}
	pool.Halted, pool.HaltReason = false, ""

	s.logger.Info("pool reopened", "market_id", marketID, "pool_version", pool.Version)

	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(market, pool))
}

// ArchiveMarket handles POST /api/v1/markets/{marketID}/archive
func (s *Service) ArchiveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if s.archiver == nil {
		writeError(w, errs.New(errs.NotImplemented, "trade.ArchiveMarket", "ledger archive is not configured"))
		return
	}

	key, err := s.archiver.ArchiveMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"market_id": marketID, "key": key})
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}
// Returns positions marked at current prices and exposure per event.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if uid, ok := auth.UserFromContext(r.Context()); ok && uid != userID {
		writeError(w, errs.Field(errs.Forbidden, "trade.GetPortfolio", "user_id", userID, "cannot read another user's portfolio"))
		return
	}
	ctx := r.Context()

	positions, err := s.store.GetUserPositions(ctx, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	portfolio := Portfolio{
		UserID:          userID,
		Positions:       make([]PositionView, 0, len(positions)),
		ExposureByEvent: make(map[string]decimal.Decimal),
	}
	prices := make(map[string]model.Prices)
	events := make(map[string]string)

	for _, p := range positions {
		pr, ok := prices[p.MarketID]
		if !ok {
			if pool, err := s.store.GetPool(ctx, p.MarketID); err == nil {
				pr = amm.Prices(pool)
			} else {
				s.logger.Warn("pool unreadable while marking portfolio", "market_id", p.MarketID, "err", err)
			}
			prices[p.MarketID] = pr
			if m, err := s.store.GetMarket(ctx, p.MarketID); err == nil {
				events[p.MarketID] = m.EventID
			}
		}

		price := priceOf(pr, p.Outcome)
		value := p.Shares.Mul(price).Round(8)
		portfolio.Positions = append(portfolio.Positions, PositionView{
			Position:      p,
			CurrentPrice:  price,
			MarkValue:     value,
			UnrealizedPnL: value.Sub(p.TotalInvested),
		})
		portfolio.TotalInvested = portfolio.TotalInvested.Add(p.TotalInvested)
		portfolio.TotalValue = portfolio.TotalValue.Add(value)

		if ev := events[p.MarketID]; ev != "" {
			portfolio.ExposureByEvent[ev] = portfolio.ExposureByEvent[ev].Add(p.TotalInvested)
		}
	}
	portfolio.TotalPnL = portfolio.TotalValue.Sub(portfolio.TotalInvested)

	writeJSON(w, http.StatusOK, portfolio)
}

func priceOf(p model.Prices, o model.Outcome) decimal.Decimal {
	switch o {
	case model.OutcomeYes:
		return p.Yes
	case model.OutcomeNo:
		return p.No
	case model.OutcomeDraw:
		if p.Draw != nil {
			return *p.Draw
		}
	}
	return decimal.Zero
}

func view(m *model.Market, p *model.Pool) model.MarketView {
	return model.MarketView{
		Market:         *m,
		Shape:          p.Shape,
		Prices:         amm.Prices(p),
		TotalLiquidity: p.TotalLiquidity,
		TotalVolume:    p.TotalVolume,
		PoolVersion:    p.Version,
		Halted:         p.Halted,
	}
}

// decode reads a JSON request body. Malformed bodies are InvalidInput.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.New(errs.InvalidInput, "trade.decode", "request body is empty")
		}
		return &errs.Error{Kind: errs.InvalidInput, Op: "trade.decode", Msg: "invalid request body", Err: err}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(errs.KindOf(err)), map[string]errs.Payload{"error": errs.ToPayload(err)})
}
