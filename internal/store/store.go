// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// deployments), Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/gerardkasemba/betadame-sub004/internal/model"
)

// Store is the persistence interface. A market and its pool are created in
// one atomic step; every trade mutation goes through RunInTx.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market together with its seeded pool.
	CreateMarket(ctx context.Context, market *model.Market, pool *model.Pool) error

	// GetMarket retrieves a market by its ID. Missing markets are errs.NotFound.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Pool reads and operator actions ---

	// GetPool reads a pool snapshot without locking. Stored reserves that
	// contradict the stored shape are errs.InvalidPoolState.
	GetPool(ctx context.Context, marketID string) (*model.Pool, error)

	// SetPoolHalt halts or reopens a pool. It never touches reserves.
	SetPoolHalt(ctx context.Context, marketID string, halted bool, reason string) error

	// --- Immutable ledger ---

	// GetTradesByMarket returns all trades for a market in commit order.
	GetTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)

	// GetTradesByUser returns all trades for a user in commit order.
	GetTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// --- Position queries ---

	// GetUserPositions returns every position held by a user.
	GetUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Transactions ---

	// RunInTx runs fn in a single transaction. A nil return commits; any
	// error (or panic) rolls every write back.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write scope of one trade commit.
type Tx interface {
	// GetMarket reads a market inside the transaction.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// LockPool re-reads a pool and holds a row lock on it until the
	// transaction ends.
	LockPool(ctx context.Context, marketID string) (*model.Pool, error)

	// UpdatePool writes new reserves if the stored version still equals
	// expectVersion and bumps the version. A mismatch is
	// errs.ConcurrencyConflict. On success p.Version holds the new version.
	UpdatePool(ctx context.Context, p *model.Pool, expectVersion int64) error

	// GetPosition returns the user's position, or a zero position when the
	// user has never traded this outcome.
	GetPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error)

	// UpsertPosition creates or replaces a position.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// GetUserExposure returns the user's total invested amount in one market
	// and across all markets of one event.
	GetUserExposure(ctx context.Context, userID, marketID, eventID string) (market, event decimal.Decimal, err error)
}

// newPosition is the zero position returned for a first trade.
func newPosition(userID, marketID string, outcome model.Outcome) *model.Position {
	return &model.Position{
		UserID:   userID,
		MarketID: marketID,
		Outcome:  outcome,
	}
}

// timeLayout is used by adapters that store timestamps as text. It is fixed
// width so text ordering matches time ordering for UTC values.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
