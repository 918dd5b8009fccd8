package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gerardkasemba/betadame-sub004/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// markets, pool snapshots and positions. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the primary.
//
// Transactions always go to the primary: the executor never prices a commit
// off a cached pool.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		logger:  logger.With("component", "cache"),
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market, p *model.Pool) error {
	if err := s.primary.CreateMarket(ctx, m, p); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	s.cachePool(ctx, p)
	return nil
}

func (s *CachedStore) SetPoolHalt(ctx context.Context, marketID string, halted bool, reason string) error {
	if err := s.primary.SetPoolHalt(ctx, marketID, halted, reason); err != nil {
		return err
	}
	s.rdb.Del(ctx, poolKey(marketID))
	return nil
}

// RunInTx delegates to the primary and, after a successful commit,
// invalidates every pool and position the transaction wrote.
func (s *CachedStore) RunInTx(ctx context.Context, fn func(Tx) error) error {
	ct := &cachedTx{}
	err := s.primary.RunInTx(ctx, func(tx Tx) error {
		ct.Tx = tx
		return fn(ct)
	})
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ct.pools)+len(ct.users))
	for _, id := range ct.pools {
		keys = append(keys, poolKey(id))
	}
	for _, uid := range ct.users {
		keys = append(keys, positionsKey(uid))
	}
	if len(keys) > 0 {
		// The commit already happened; a failed invalidation only leaves
		// a stale entry until its TTL expires.
		if err := s.rdb.Del(context.Background(), keys...).Err(); err != nil {
			s.logger.Warn("cache invalidation failed", "keys", keys, "error", err)
		}
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetPool(ctx context.Context, marketID string) (*model.Pool, error) {
	data, err := s.rdb.Get(ctx, poolKey(marketID)).Bytes()
	if err == nil {
		p, derr := DecodePool(data)
		if derr == nil {
			return p, nil
		}
		// The primary is the source of truth; never repair a cached pool.
		s.logger.Error("dropping invalid cached pool", "market_id", marketID, "error", derr)
		s.rdb.Del(ctx, poolKey(marketID))
	}

	p, err := s.primary.GetPool(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.cachePool(ctx, p)
	return p, nil
}

func (s *CachedStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.GetUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.primary.GetTradesByMarket(ctx, marketID)
}

func (s *CachedStore) GetTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.GetTradesByUser(ctx, userID)
}

// cachedTx records what a transaction wrote so the cache can be invalidated
// after commit.
type cachedTx struct {
	Tx
	pools []string
	users []string
}

func (t *cachedTx) UpdatePool(ctx context.Context, p *model.Pool, expectVersion int64) error {
	if err := t.Tx.UpdatePool(ctx, p, expectVersion); err != nil {
		return err
	}
	t.pools = append(t.pools, p.MarketID)
	return nil
}

func (t *cachedTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	if err := t.Tx.UpsertPosition(ctx, p); err != nil {
		return err
	}
	t.users = append(t.users, p.UserID)
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func (s *CachedStore) cachePool(ctx context.Context, p *model.Pool) {
	if data, err := EncodePool(p); err == nil {
		s.rdb.Set(ctx, poolKey(p.MarketID), data, s.ttl)
	}
}

// EncodePool serialises a pool snapshot, shape tag included, for the cache.
func EncodePool(p *model.Pool) ([]byte, error) {
	return json.Marshal(p.Record())
}

// DecodePool parses a cached pool through model.ParsePoolRecord, so a
// payload whose reserves contradict its shape is rejected, not reclassified.
func DecodePool(data []byte) (*model.Pool, error) {
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode cached pool: %w", err)
	}
	return model.ParsePoolRecord(rec)
}

func marketKey(id string) string     { return fmt.Sprintf("amm:market:%s", id) }
func poolKey(id string) string       { return fmt.Sprintf("amm:pool:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("amm:positions:%s", uid) }

var (
	_ Store = (*CachedStore)(nil)
	_ Tx    = (*cachedTx)(nil)
)
