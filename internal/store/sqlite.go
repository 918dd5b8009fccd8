package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
	"github.com/gerardkasemba/betadame-sub004/internal/model"
)

// sqliteSchema mirrors migrations/001_init.sql. Decimals and timestamps are
// TEXT so values round-trip exactly.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS markets (
    id          TEXT PRIMARY KEY,
    title       TEXT NOT NULL,
    event_id    TEXT NOT NULL DEFAULT '',
    market_type TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'open',
    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_markets_event ON markets (event_id);

CREATE TABLE IF NOT EXISTS pools (
    market_id        TEXT PRIMARY KEY REFERENCES markets (id),
    shape            TEXT NOT NULL CHECK (shape IN ('binary', 'three_outcome')),
    yes_reserve      TEXT NOT NULL,
    no_reserve       TEXT NOT NULL,
    draw_reserve     TEXT NOT NULL DEFAULT '0',
    constant_product TEXT NOT NULL,
    total_volume     TEXT NOT NULL DEFAULT '0',
    version          INTEGER NOT NULL DEFAULT 0,
    halted           INTEGER NOT NULL DEFAULT 0,
    halt_reason      TEXT NOT NULL DEFAULT '',
    updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    user_id        TEXT NOT NULL,
    market_id      TEXT NOT NULL REFERENCES markets (id),
    outcome        TEXT NOT NULL,
    shares         TEXT NOT NULL,
    average_price  TEXT NOT NULL,
    total_invested TEXT NOT NULL,
    updated_at     TEXT NOT NULL,
    PRIMARY KEY (user_id, market_id, outcome)
);

CREATE TABLE IF NOT EXISTS trades (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    market_id       TEXT NOT NULL REFERENCES markets (id),
    user_id         TEXT NOT NULL,
    outcome         TEXT NOT NULL,
    trade_type      TEXT NOT NULL,
    amount          TEXT NOT NULL,
    fee             TEXT NOT NULL,
    shares          TEXT NOT NULL,
    price_per_share TEXT NOT NULL,
    pool_version    INTEGER NOT NULL,
    yes_reserve     TEXT NOT NULL,
    no_reserve      TEXT NOT NULL,
    draw_reserve    TEXT NOT NULL,
    created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_market ON trades (market_id, seq);
CREATE INDEX IF NOT EXISTS idx_trades_user ON trades (user_id, seq);
`

// SQLiteStore implements Store on an embedded SQLite database. The handle is
// limited to one connection, so transactions are fully serialised.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database with WAL mode and foreign
// keys enabled. ":memory:" opens a private in-memory database.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	return db, nil
}

// NewSQLiteStore wraps an open database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Migrate creates the schema. Safe to call multiple times.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO schema_version (version) VALUES (1)`); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlQuerier is the subset of *sql.DB and *sql.Tx used by shared helpers.
type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func (s *SQLiteStore) CreateMarket(ctx context.Context, m *model.Market, p *model.Pool) error {
	const op = "store.SQLiteStore.CreateMarket"
	return s.RunInTx(ctx, func(txi Tx) error {
		tx := txi.(*sqliteTx).tx
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO markets (id, title, event_id, market_type, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.Title, m.EventID, string(m.Type), m.Status, formatTime(m.CreatedAt),
		); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return errs.Field(errs.InvalidInput, op, "id", m.ID, "market already exists")
			}
			return errs.Wrap(errs.Internal, op, fmt.Errorf("insert market %s: %w", m.ID, err))
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pools (market_id, shape, yes_reserve, no_reserve, draw_reserve,
			                    constant_product, total_volume, version, halted, halt_reason, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.MarketID, string(p.Shape),
			p.YesReserve.String(), p.NoReserve.String(), p.DrawReserve.String(),
			p.ConstantProduct.String(), p.TotalVolume.String(),
			p.Version, p.Halted, p.HaltReason, formatTime(p.UpdatedAt),
		); err != nil {
			return errs.Wrap(errs.Internal, op, fmt.Errorf("insert pool %s: %w", p.MarketID, err))
		}
		return nil
	})
}

const sqliteMarketColumns = `id, title, event_id, market_type, status, created_at`

func scanSQLiteMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	var typ, created string
	if err := row.Scan(&m.ID, &m.Title, &m.EventID, &typ, &m.Status, &created); err != nil {
		return nil, err
	}
	m.Type = model.MarketType(typ)
	t, err := parseTime(created)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = t
	return &m, nil
}

func sqliteGetMarket(ctx context.Context, q sqlQuerier, id string) (*model.Market, error) {
	m, err := scanSQLiteMarket(q.QueryRowContext(ctx,
		`SELECT `+sqliteMarketColumns+` FROM markets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, marketNotFound(id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "store.GetMarket", fmt.Errorf("get market %s: %w", id, err))
	}
	return m, nil
}

func (s *SQLiteStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return sqliteGetMarket(ctx, s.db, id)
}

func (s *SQLiteStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMarketColumns+` FROM markets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanSQLiteMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

const sqlitePoolColumns = `market_id, shape, yes_reserve, no_reserve, draw_reserve,
	constant_product, total_volume, version, halted, halt_reason, updated_at`

func sqliteGetPool(ctx context.Context, q sqlQuerier, marketID string) (*model.Pool, error) {
	var r poolRow
	var updated string
	err := q.QueryRowContext(ctx,
		`SELECT `+sqlitePoolColumns+` FROM pools WHERE market_id = ?`, marketID).
		Scan(&r.marketID, &r.shape, &r.yes, &r.no, &r.draw,
			&r.k, &r.volume, &r.version, &r.halted, &r.haltReason, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, poolNotFound(marketID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "store.GetPool", fmt.Errorf("get pool %s: %w", marketID, err))
	}
	if r.updatedAt, err = parseTime(updated); err != nil {
		return nil, errs.Wrap(errs.Internal, "store.GetPool", err)
	}
	return r.toPool()
}

func (s *SQLiteStore) GetPool(ctx context.Context, marketID string) (*model.Pool, error) {
	return sqliteGetPool(ctx, s.db, marketID)
}

func (s *SQLiteStore) SetPoolHalt(ctx context.Context, marketID string, halted bool, reason string) error {
	if !halted {
		reason = ""
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pools SET halted = ?, halt_reason = ?, updated_at = ? WHERE market_id = ?`,
		halted, reason, formatTime(time.Now()), marketID)
	if err != nil {
		return errs.Wrap(errs.Internal, "store.SQLiteStore.SetPoolHalt", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return poolNotFound(marketID)
	}
	return nil
}

const sqliteTradeColumns = `id, market_id, user_id, outcome, trade_type,
	amount, fee, shares, price_per_share, pool_version,
	yes_reserve, no_reserve, draw_reserve, created_at`

func (s *SQLiteStore) GetTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.queryTrades(ctx, `SELECT `+sqliteTradeColumns+` FROM trades WHERE market_id = ? ORDER BY seq`, marketID)
}

func (s *SQLiteStore) GetTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.queryTrades(ctx, `SELECT `+sqliteTradeColumns+` FROM trades WHERE user_id = ? ORDER BY seq`, userID)
}

func (s *SQLiteStore) queryTrades(ctx context.Context, query string, arg string) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var r tradeRow
		var created string
		if err := rows.Scan(&r.id, &r.marketID, &r.userID, &r.outcome, &r.tradeType,
			&r.amount, &r.fee, &r.shares, &r.price, &r.poolVersion,
			&r.yes, &r.no, &r.draw, &created); err != nil {
			return nil, err
		}
		if r.createdAt, err = parseTime(created); err != nil {
			return nil, err
		}
		t, err := r.toTrade()
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

const sqlitePositionColumns = `user_id, market_id, outcome, shares, average_price, total_invested, updated_at`

func scanSQLitePosition(row rowScanner) (model.Position, error) {
	var r positionRow
	var updated string
	if err := row.Scan(&r.userID, &r.marketID, &r.outcome, &r.shares, &r.avgPrice,
		&r.invested, &updated); err != nil {
		return model.Position{}, err
	}
	t, err := parseTime(updated)
	if err != nil {
		return model.Position{}, err
	}
	r.updatedAt = t
	return r.toPosition()
}

func (s *SQLiteStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions WHERE user_id = ? ORDER BY market_id, outcome`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) RunInTx(ctx context.Context, fn func(Tx) error) error {
	const op = "store.SQLiteStore.RunInTx"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.Canceled, op, err)
		}
		return errs.Wrap(errs.Internal, op, fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Internal, op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return sqliteGetMarket(ctx, t.tx, id)
}

// LockPool reads inside the transaction; the single connection already
// excludes every other writer.
func (t *sqliteTx) LockPool(ctx context.Context, marketID string) (*model.Pool, error) {
	return sqliteGetPool(ctx, t.tx, marketID)
}

func (t *sqliteTx) UpdatePool(ctx context.Context, p *model.Pool, expectVersion int64) error {
	const op = "store.sqliteTx.UpdatePool"
	res, err := t.tx.ExecContext(ctx,
		`UPDATE pools
		 SET yes_reserve = ?, no_reserve = ?, draw_reserve = ?, constant_product = ?,
		     total_volume = ?, version = version + 1, updated_at = ?
		 WHERE market_id = ? AND version = ?`,
		p.YesReserve.String(), p.NoReserve.String(), p.DrawReserve.String(), p.ConstantProduct.String(),
		p.TotalVolume.String(), formatTime(p.UpdatedAt),
		p.MarketID, expectVersion,
	)
	if err != nil {
		return errs.Wrap(errs.Internal, op, fmt.Errorf("update pool %s: %w", p.MarketID, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Field(errs.ConcurrencyConflict, op, "version", expectVersion, "pool version moved")
	}
	p.Version = expectVersion + 1
	return nil
}

func (t *sqliteTx) GetPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error) {
	p, err := scanSQLitePosition(t.tx.QueryRowContext(ctx,
		`SELECT `+sqlitePositionColumns+` FROM positions WHERE user_id = ? AND market_id = ? AND outcome = ?`,
		userID, marketID, string(outcome)))
	if errors.Is(err, sql.ErrNoRows) {
		return newPosition(userID, marketID, outcome), nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "store.sqliteTx.GetPosition", err)
	}
	return &p, nil
}

func (t *sqliteTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO positions (user_id, market_id, outcome, shares, average_price, total_invested, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, market_id, outcome) DO UPDATE
		 SET shares = excluded.shares, average_price = excluded.average_price,
		     total_invested = excluded.total_invested, updated_at = excluded.updated_at`,
		p.UserID, p.MarketID, string(p.Outcome),
		p.Shares.String(), p.AveragePrice.String(), p.TotalInvested.String(), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return errs.Wrap(errs.Internal, "store.sqliteTx.UpsertPosition", err)
	}
	return nil
}

func (t *sqliteTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO trades (id, market_id, user_id, outcome, trade_type, amount, fee, shares,
		                     price_per_share, pool_version, yes_reserve, no_reserve, draw_reserve, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.MarketID, tr.UserID, string(tr.Outcome), string(tr.TradeType),
		tr.Amount.String(), tr.Fee.String(), tr.Shares.String(),
		tr.PricePerShare.String(), tr.PoolVersion,
		tr.YesReserve.String(), tr.NoReserve.String(), tr.DrawReserve.String(),
		formatTime(tr.CreatedAt),
	)
	if err != nil {
		return errs.Wrap(errs.Internal, "store.sqliteTx.InsertTrade", err)
	}
	return nil
}

// GetUserExposure sums in Go: SQLite has no exact decimal type.
func (t *sqliteTx) GetUserExposure(ctx context.Context, userID, marketID, eventID string) (market, event decimal.Decimal, err error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT p.market_id, m.event_id, p.total_invested
		 FROM positions p
		 JOIN markets m ON m.id = p.market_id
		 WHERE p.user_id = ?`, userID)
	if err != nil {
		return decimal.Zero, decimal.Zero, errs.Wrap(errs.Internal, "store.sqliteTx.GetUserExposure", err)
	}
	defer rows.Close()

	for rows.Next() {
		var mid, eid, investedS string
		if err := rows.Scan(&mid, &eid, &investedS); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		invested, err := parseLedgerDecimal("total_invested", investedS)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if mid == marketID {
			market = market.Add(invested)
			event = event.Add(invested)
		} else if eventID != "" && eid == eventID {
			event = event.Add(invested)
		}
	}
	return market, event, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
