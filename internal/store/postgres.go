package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
	"github.com/gerardkasemba/betadame-sub004/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// read back as text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ConnectPostgres opens a connection pool and pings it.
func ConnectPostgres(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded migrations in lexicographic order and records
// them in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market, p *model.Pool) error {
	const op = "store.PostgresStore.CreateMarket"
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO markets (id, title, event_id, market_type, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			m.ID, m.Title, m.EventID, string(m.Type), m.Status, m.CreatedAt,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO pools (market_id, shape, yes_reserve, no_reserve, draw_reserve,
			                    constant_product, total_volume, version, halted, halt_reason, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)`,
			p.MarketID, string(p.Shape),
			p.YesReserve.String(), p.NoReserve.String(), p.DrawReserve.String(),
			p.ConstantProduct.String(), p.TotalVolume.String(),
			p.Version, p.Halted, p.HaltReason, p.UpdatedAt,
		)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errs.Field(errs.InvalidInput, op, "id", m.ID, "market already exists")
		}
		return errs.Wrap(errs.Internal, op, fmt.Errorf("create market %s: %w", m.ID, err))
	}
	return nil
}

const pgMarketColumns = `id, title, event_id, market_type, status, created_at`

func scanPGMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	var typ string
	if err := row.Scan(&m.ID, &m.Title, &m.EventID, &typ, &m.Status, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Type = model.MarketType(typ)
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return pgGetMarket(ctx, s.pool, id)
}

func pgGetMarket(ctx context.Context, q pgxQuerier, id string) (*model.Market, error) {
	m, err := scanPGMarket(q.QueryRow(ctx,
		`SELECT `+pgMarketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, marketNotFound(id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "store.GetMarket", fmt.Errorf("get market %s: %w", id, err))
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMarketColumns+` FROM markets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanPGMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

const pgPoolColumns = `market_id, shape, yes_reserve::TEXT, no_reserve::TEXT, draw_reserve::TEXT,
	constant_product::TEXT, total_volume::TEXT, version, halted, halt_reason, updated_at`

func scanPGPool(row rowScanner, marketID string) (*model.Pool, error) {
	var r poolRow
	err := row.Scan(&r.marketID, &r.shape, &r.yes, &r.no, &r.draw,
		&r.k, &r.volume, &r.version, &r.halted, &r.haltReason, &r.updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, poolNotFound(marketID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "store.GetPool", fmt.Errorf("get pool %s: %w", marketID, err))
	}
	return r.toPool()
}

func (s *PostgresStore) GetPool(ctx context.Context, marketID string) (*model.Pool, error) {
	return scanPGPool(s.pool.QueryRow(ctx,
		`SELECT `+pgPoolColumns+` FROM pools WHERE market_id = $1`, marketID), marketID)
}

func (s *PostgresStore) SetPoolHalt(ctx context.Context, marketID string, halted bool, reason string) error {
	if !halted {
		reason = ""
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pools SET halted = $2, halt_reason = $3, updated_at = NOW() WHERE market_id = $1`,
		marketID, halted, reason)
	if err != nil {
		return errs.Wrap(errs.Internal, "store.PostgresStore.SetPoolHalt", err)
	}
	if tag.RowsAffected() == 0 {
		return poolNotFound(marketID)
	}
	return nil
}

const pgTradeColumns = `id, market_id, user_id, outcome, trade_type,
	amount::TEXT, fee::TEXT, shares::TEXT, price_per_share::TEXT, pool_version,
	yes_reserve::TEXT, no_reserve::TEXT, draw_reserve::TEXT, created_at`

func (s *PostgresStore) GetTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTradeColumns+` FROM trades WHERE market_id = $1 ORDER BY pool_version, created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPGTrades(rows)
}

func (s *PostgresStore) GetTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTradeColumns+` FROM trades WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPGTrades(rows)
}

func scanPGTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var r tradeRow
		if err := rows.Scan(&r.id, &r.marketID, &r.userID, &r.outcome, &r.tradeType,
			&r.amount, &r.fee, &r.shares, &r.price, &r.poolVersion,
			&r.yes, &r.no, &r.draw, &r.createdAt); err != nil {
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

const pgPositionColumns = `user_id, market_id, outcome, shares::TEXT, average_price::TEXT,
	total_invested::TEXT, updated_at`

func scanPGPosition(row rowScanner) (model.Position, error) {
	var r positionRow
	if err := row.Scan(&r.userID, &r.marketID, &r.outcome, &r.shares, &r.avgPrice,
		&r.invested, &r.updatedAt); err != nil {
		return model.Position{}, err
	}
	return r.toPosition()
}

func (s *PostgresStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgPositionColumns+` FROM positions WHERE user_id = $1 ORDER BY market_id, outcome`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPGPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// RunInTx runs fn in a READ COMMITTED transaction. Row locks taken by
// LockPool are released on commit or rollback.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(errs.Internal, "store.PostgresStore.RunInTx", fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.Canceled, "store.PostgresStore.RunInTx", err)
		}
		return errs.Wrap(errs.Internal, "store.PostgresStore.RunInTx", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// pgxQuerier is the subset of pgxpool.Pool and pgx.Tx used by shared helpers.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return pgGetMarket(ctx, t.tx, id)
}

func (t *pgTx) LockPool(ctx context.Context, marketID string) (*model.Pool, error) {
	return scanPGPool(t.tx.QueryRow(ctx,
		`SELECT `+pgPoolColumns+` FROM pools WHERE market_id = $1 FOR UPDATE`, marketID), marketID)
}

func (t *pgTx) UpdatePool(ctx context.Context, p *model.Pool, expectVersion int64) error {
	const op = "store.pgTx.UpdatePool"
	tag, err := t.tx.Exec(ctx,
		`UPDATE pools
		 SET yes_reserve = $2::NUMERIC, no_reserve = $3::NUMERIC, draw_reserve = $4::NUMERIC,
		     constant_product = $5::NUMERIC, total_volume = $6::NUMERIC,
		     version = version + 1, updated_at = $7
		 WHERE market_id = $1 AND version = $8`,
		p.MarketID,
		p.YesReserve.String(), p.NoReserve.String(), p.DrawReserve.String(),
		p.ConstantProduct.String(), p.TotalVolume.String(),
		p.UpdatedAt, expectVersion,
	)
	if err != nil {
		return errs.Wrap(errs.Internal, op, fmt.Errorf("update pool %s: %w", p.MarketID, err))
	}
	if tag.RowsAffected() == 0 {
		return errs.Field(errs.ConcurrencyConflict, op, "version", expectVersion, "pool version moved")
	}
	p.Version = expectVersion + 1
	return nil
}

func (t *pgTx) GetPosition(ctx context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error) {
	p, err := scanPGPosition(t.tx.QueryRow(ctx,
		`SELECT `+pgPositionColumns+` FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND outcome = $3 FOR UPDATE`,
		userID, marketID, string(outcome)))
	if errors.Is(err, pgx.ErrNoRows) {
		return newPosition(userID, marketID, outcome), nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "store.pgTx.GetPosition", err)
	}
	return &p, nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, outcome, shares, average_price, total_invested, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (user_id, market_id, outcome) DO UPDATE
		 SET shares = EXCLUDED.shares, average_price = EXCLUDED.average_price,
		     total_invested = EXCLUDED.total_invested, updated_at = EXCLUDED.updated_at`,
		p.UserID, p.MarketID, string(p.Outcome),
		p.Shares.String(), p.AveragePrice.String(), p.TotalInvested.String(), p.UpdatedAt,
	)
	if err != nil {
		return errs.Wrap(errs.Internal, "store.pgTx.UpsertPosition", err)
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, market_id, user_id, outcome, trade_type, amount, fee, shares,
		                     price_per_share, pool_version, yes_reserve, no_reserve, draw_reserve, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14)`,
		tr.ID, tr.MarketID, tr.UserID, string(tr.Outcome), string(tr.TradeType),
		tr.Amount.String(), tr.Fee.String(), tr.Shares.String(),
		tr.PricePerShare.String(), tr.PoolVersion,
		tr.YesReserve.String(), tr.NoReserve.String(), tr.DrawReserve.String(),
		tr.CreatedAt,
	)
	if err != nil {
		return errs.Wrap(errs.Internal, "store.pgTx.InsertTrade", err)
	}
	return nil
}

func (t *pgTx) GetUserExposure(ctx context.Context, userID, marketID, eventID string) (market, event decimal.Decimal, err error) {
	var marketS, eventS string
	err = t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN p.market_id = $2 THEN p.total_invested ELSE 0 END), 0)::TEXT,
		        COALESCE(SUM(CASE WHEN p.market_id = $2 OR ($3 <> '' AND m.event_id = $3)
		                          THEN p.total_invested ELSE 0 END), 0)::TEXT
		 FROM positions p
		 JOIN markets m ON m.id = p.market_id
		 WHERE p.user_id = $1`, userID, marketID, eventID).Scan(&marketS, &eventS)
	if err != nil {
		return decimal.Zero, decimal.Zero, errs.Wrap(errs.Internal, "store.pgTx.GetUserExposure", err)
	}
	if market, err = parseLedgerDecimal("market_exposure", marketS); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if event, err = parseLedgerDecimal("event_exposure", eventS); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return market, event, nil
}

var _ Store = (*PostgresStore)(nil)
