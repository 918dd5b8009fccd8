package trade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gerardkasemba/betadame-sub004/internal/amm"
	"github.com/gerardkasemba/betadame-sub004/internal/errs"
	"github.com/gerardkasemba/betadame-sub004/internal/lock"
	"github.com/gerardkasemba/betadame-sub004/internal/metrics"
	"github.com/gerardkasemba/betadame-sub004/internal/model"
	"github.com/gerardkasemba/betadame-sub004/internal/notify"
	"github.com/gerardkasemba/betadame-sub004/internal/risk"
	"github.com/gerardkasemba/betadame-sub004/internal/store"
)

// DefaultCommitTimeout bounds the compute-and-persist step of one trade.
const DefaultCommitTimeout = 5 * time.Second

// TradeRequest is the JSON body for POST /trade. UserID is taken from the
// authenticated token when auth is enabled.
type TradeRequest struct {
	UserID           string           `json:"user_id"`
	MarketID         string           `json:"market_id"`
	Outcome          model.Outcome    `json:"outcome"`
	Amount           decimal.Decimal  `json:"amount"`
	TradeType        model.TradeType  `json:"trade_type"`
	MaxPricePerShare *decimal.Decimal `json:"max_price_per_share,omitempty"`
}

// TradeResult is the outcome of a committed trade.
type TradeResult struct {
	TradeID       string          `json:"trade_id"`
	MarketID      string          `json:"market_id"`
	Outcome       model.Outcome   `json:"outcome"`
	Shares        decimal.Decimal `json:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	PoolVersion   int64           `json:"pool_version"`
	NewPrices     model.Prices    `json:"new_prices"`
}

// Executor commits trades. Commits on one pool are serialised by the
// locker; the store's version check backs the lock up, so a pool is never
// written from a stale snapshot.
//
// Lifecycle of one attempt:
//
//	Received -> Validated -> Locked -> Computed -> Committed
//	Received -> Rejected
//	Locked   -> RolledBack
//
// A ConcurrencyConflict is retried once from Received.
type Executor struct {
	store         store.Store
	locker        lock.Locker
	limiter       *risk.PositionLimiter
	notifier      notify.Notifier
	commitTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLimiter enforces position limits inside the commit transaction.
func WithLimiter(l *risk.PositionLimiter) ExecutorOption {
	return func(e *Executor) { e.limiter = l }
}

// WithNotifier sets the change-event sink. The default drops events.
func WithNotifier(n notify.Notifier) ExecutorOption {
	return func(e *Executor) { e.notifier = n }
}

// WithCommitTimeout bounds the persistence step.
func WithCommitTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.commitTimeout = d
		}
	}
}

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithClock overrides the commit timestamp source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an executor over st. A nil locker falls back to an
// in-process keyed mutex.
func NewExecutor(st store.Store, locker lock.Locker, opts ...ExecutorOption) *Executor {
	if locker == nil {
		locker = lock.NewKeyedMutex(lock.DefaultWait)
	}
	e := &Executor{
		store:         st,
		locker:        locker,
		notifier:      notify.Nop{},
		commitTimeout: DefaultCommitTimeout,
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "executor")
	return e
}

// Execute validates, prices and commits one trade.
func (e *Executor) Execute(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	start := time.Now()

	res, err := e.attempt(ctx, req)
	if errs.Is(err, errs.ConcurrencyConflict) && ctx.Err() == nil {
		metrics.TradeRetries.Inc()
		e.logger.Warn("retrying trade after concurrency conflict",
			"market_id", req.MarketID,
			"user", req.UserID,
			"err", err,
		)
		res, err = e.attempt(ctx, req)
	}
	if err != nil {
		metrics.TradeRejections.WithLabelValues(string(errs.KindOf(err))).Inc()
		return nil, err
	}

	metrics.TradeLatency.WithLabelValues(string(req.Outcome)).Observe(time.Since(start).Seconds())
	return res, nil
}

// Validate checks a request before any lock is taken.
func (req *TradeRequest) Validate() error {
	const op = "trade.Validate"
	if req.TradeType == "" {
		req.TradeType = model.TradeBuy
	}
	switch req.TradeType {
	case model.TradeBuy:
	case model.TradeSell:
		return errs.Field(errs.NotImplemented, op, "trade_type", req.TradeType, "sell trades are not supported yet")
	default:
		return errs.Field(errs.InvalidInput, op, "trade_type", req.TradeType, "trade type must be buy")
	}
	if req.UserID == "" {
		return errs.Field(errs.InvalidInput, op, "user_id", "", "user_id is required")
	}
	if req.MarketID == "" {
		return errs.Field(errs.InvalidInput, op, "market_id", "", "market_id is required")
	}
	if req.Outcome == "" {
		return errs.Field(errs.InvalidInput, op, "outcome", "", "outcome is required")
	}
	if !req.Outcome.Valid() {
		return errs.Field(errs.InvalidInput, op, "outcome", req.Outcome, "unknown outcome")
	}
	if err := amm.CheckAmount(op, req.Amount); err != nil {
		return err
	}
	if req.MaxPricePerShare != nil {
		if err := amm.CheckBounds(op, "max_price_per_share", *req.MaxPricePerShare); err != nil {
			return err
		}
		if !req.MaxPricePerShare.IsPositive() {
			return errs.Field(errs.InvalidInput, op, "max_price_per_share", *req.MaxPricePerShare, "must be positive")
		}
	}
	return nil
}

func (e *Executor) attempt(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	const op = "trade.Execute"

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.Canceled, op, err)
	}

	waitStart := time.Now()
	release, err := e.locker.Acquire(ctx, req.MarketID)
	metrics.LockWait.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		return nil, err
	}

	var (
		committed model.Pool
		tr        model.Trade
	)
	func() {
		defer release()
		txCtx, cancel := context.WithTimeout(ctx, e.commitTimeout)
		defer cancel()
		err = e.store.RunInTx(txCtx, func(tx store.Tx) error {
			var err error
			committed, tr, err = e.commit(txCtx, tx, req)
			return err
		})
	}()

	if err != nil {
		if errs.Is(err, errs.InvalidPoolState) {
			e.halt(ctx, req.MarketID, err)
		}
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(tr.Outcome), string(committed.Shape)).Inc()
	amount, _ := tr.Amount.Float64()
	metrics.MarketVolume.WithLabelValues(tr.MarketID, string(tr.Outcome)).Add(amount)

	e.logger.Info("trade executed",
		"trade_id", tr.ID,
		"market_id", tr.MarketID,
		"user", tr.UserID,
		"outcome", tr.Outcome,
		"amount", tr.Amount.String(),
		"shares", tr.Shares.String(),
		"price_per_share", tr.PricePerShare.String(),
		"pool_version", tr.PoolVersion,
	)

	// The trade is final once committed; a failed notification is logged only.
	ev := notify.NewChangeEvent(&committed, tr.CreatedAt)
	if err := e.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("change event not delivered", "market_id", tr.MarketID, "err", err)
	}

	return &TradeResult{
		TradeID:       tr.ID,
		MarketID:      tr.MarketID,
		Outcome:       tr.Outcome,
		Shares:        tr.Shares,
		PricePerShare: tr.PricePerShare,
		PlatformFee:   tr.Fee,
		TotalCost:     tr.Amount,
		PoolVersion:   tr.PoolVersion,
		NewPrices:     amm.Prices(&committed),
	}, nil
}

// commit runs inside the store transaction. Any error rolls every write back.
func (e *Executor) commit(ctx context.Context, tx store.Tx, req TradeRequest) (model.Pool, model.Trade, error) {
	const op = "trade.commit"

	m, err := tx.GetMarket(ctx, req.MarketID)
	if err != nil {
		return model.Pool{}, model.Trade{}, err
	}
	if m.Status != model.StatusOpen {
		return model.Pool{}, model.Trade{}, errs.Field(errs.InvalidInput, op, "market_id", m.ID, "market is not open for trading")
	}

	pool, err := tx.LockPool(ctx, req.MarketID)
	if err != nil {
		return model.Pool{}, model.Trade{}, err
	}
	if err := pool.CheckTradable(); err != nil {
		return model.Pool{}, model.Trade{}, err
	}

	q, err := amm.Quote(pool, req.Outcome, req.TradeType, req.Amount)
	if err != nil {
		return model.Pool{}, model.Trade{}, err
	}
	if req.MaxPricePerShare != nil && q.PricePerShare.GreaterThan(*req.MaxPricePerShare) {
		return model.Pool{}, model.Trade{}, errs.Field(errs.SlippageExceeded, op, "price_per_share", q.PricePerShare,
			"price moved above max_price_per_share "+req.MaxPricePerShare.String())
	}

	if err := e.limiter.Check(ctx, tx, req.UserID, m, req.Amount); err != nil {
		if errs.Is(err, errs.LimitExceeded) {
			metrics.PositionLimitRejections.Inc()
		}
		return model.Pool{}, model.Trade{}, err
	}

	now := e.now()
	next := q.NewPool
	next.UpdatedAt = now
	if err := tx.UpdatePool(ctx, &next, pool.Version); err != nil {
		return model.Pool{}, model.Trade{}, err
	}

	pos, err := tx.GetPosition(ctx, req.UserID, m.ID, req.Outcome)
	if err != nil {
		return model.Pool{}, model.Trade{}, err
	}
	pos.Apply(q.Shares, q.Amount, now)
	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return model.Pool{}, model.Trade{}, err
	}

	tr := model.Trade{
		ID:            uuid.New().String(),
		MarketID:      m.ID,
		UserID:        req.UserID,
		Outcome:       req.Outcome,
		TradeType:     req.TradeType,
		Amount:        q.Amount,
		Fee:           q.PlatformFee,
		Shares:        q.Shares,
		PricePerShare: q.PricePerShare,
		PoolVersion:   next.Version,
		YesReserve:    next.YesReserve,
		NoReserve:     next.NoReserve,
		DrawReserve:   next.DrawReserve,
		CreatedAt:     now,
	}
	if err := tx.InsertTrade(ctx, &tr); err != nil {
		return model.Pool{}, model.Trade{}, err
	}
	return next, tr, nil
}

// halt takes a pool out of trading after its stored state failed
// validation. Rejections of an already halted pool leave the halt as is.
func (e *Executor) halt(ctx context.Context, marketID string, cause error) {
	if errors.Is(cause, model.ErrPoolHalted) {
		return
	}
	metrics.PoolHalts.Inc()
	e.logger.Error("invalid pool state, halting pool",
		"alert", true,
		"market_id", marketID,
		"err", cause,
	)
	if err := e.store.SetPoolHalt(context.WithoutCancel(ctx), marketID, true, cause.Error()); err != nil {
		e.logger.Error("failed to halt pool", "alert", true, "market_id", marketID, "err", err)
	}
}
