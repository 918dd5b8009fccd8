package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
	"github.com/gerardkasemba/betadame-sub004/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialised by txMu and stage their writes; nothing is
// visible to readers until the transaction function returns nil.
type MemoryStore struct {
	txMu sync.Mutex

	mu        sync.RWMutex
	markets   map[string]*model.Market
	pools     map[string]*model.Pool
	positions map[positionKey]*model.Position
	trades    []model.Trade
}

type positionKey struct {
	userID   string
	marketID string
	outcome  model.Outcome
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		pools:     make(map[string]*model.Pool),
		positions: make(map[positionKey]*model.Position),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market, p *model.Pool) error {
	const op = "store.MemoryStore.CreateMarket"
	if p == nil || p.MarketID != m.ID {
		return errs.New(errs.InvalidInput, op, "market and pool ids differ")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.markets[m.ID]; exists {
		return errs.Field(errs.InvalidInput, op, "id", m.ID, "market already exists")
	}

	// Store copies to avoid external mutation.
	mc := *m
	pc := *p
	s.markets[m.ID] = &mc
	s.pools[m.ID] = &pc
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, marketNotFound(id)
	}
	c := *m
	return &c, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].ID < markets[j].ID
		}
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetPool(_ context.Context, marketID string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.poolLocked(marketID)
}

func (s *MemoryStore) poolLocked(marketID string) (*model.Pool, error) {
	p, ok := s.pools[marketID]
	if !ok {
		return nil, poolNotFound(marketID)
	}
	c := *p
	if err := model.CheckShape(c.Shape, c.YesReserve, c.NoReserve, c.DrawReserve); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MemoryStore) SetPoolHalt(_ context.Context, marketID string, halted bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[marketID]
	if !ok {
		return poolNotFound(marketID)
	}
	p.Halted = halted
	p.HaltReason = reason
	if !halted {
		p.HaltReason = ""
	}
	return nil
}

func (s *MemoryStore) GetTradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for k, p := range s.positions {
		if k.userID == userID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].MarketID != positions[j].MarketID {
			return positions[i].MarketID < positions[j].MarketID
		}
		return positions[i].Outcome < positions[j].Outcome
	})
	return positions, nil
}

// RunInTx stages writes in a memTx and applies them only when fn succeeds.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(Tx) error) (err error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{
		s:         s,
		pools:     make(map[string]model.Pool),
		positions: make(map[positionKey]model.Position),
	}
	defer func() {
		if r := recover(); r != nil {
			err = errs.Wrap(errs.Internal, "store.MemoryStore.RunInTx", fmt.Errorf("panic in transaction: %v", r))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Canceled, "store.MemoryStore.RunInTx", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range tx.pools {
		pc := p
		// Halt state is owned by SetPoolHalt, which may have run while
		// the transaction held its staged copy.
		if cur, ok := s.pools[id]; ok {
			pc.Halted, pc.HaltReason = cur.Halted, cur.HaltReason
		}
		s.pools[id] = &pc
	}
	for k, p := range tx.positions {
		pc := p
		s.positions[k] = &pc
	}
	s.trades = append(s.trades, tx.trades...)
	return nil
}

// memTx reads through its staged writes to the committed state.
type memTx struct {
	s         *MemoryStore
	pools     map[string]model.Pool
	positions map[positionKey]model.Position
	trades    []model.Trade
}

func (t *memTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return t.s.GetMarket(ctx, id)
}

func (t *memTx) LockPool(_ context.Context, marketID string) (*model.Pool, error) {
	if p, ok := t.pools[marketID]; ok {
		return &p, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.poolLocked(marketID)
}

func (t *memTx) UpdatePool(ctx context.Context, p *model.Pool, expectVersion int64) error {
	const op = "store.memTx.UpdatePool"
	cur, err := t.LockPool(ctx, p.MarketID)
	if err != nil {
		return err
	}
	if cur.Version != expectVersion {
		return errs.Field(errs.ConcurrencyConflict, op, "version", expectVersion,
			fmt.Sprintf("pool moved to version %d", cur.Version))
	}
	p.Version = expectVersion + 1
	t.pools[p.MarketID] = *p
	return nil
}

func (t *memTx) GetPosition(_ context.Context, userID, marketID string, outcome model.Outcome) (*model.Position, error) {
	k := positionKey{userID, marketID, outcome}
	if p, ok := t.positions[k]; ok {
		return &p, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if p, ok := t.s.positions[k]; ok {
		c := *p
		return &c, nil
	}
	return newPosition(userID, marketID, outcome), nil
}

func (t *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	t.positions[positionKey{p.UserID, p.MarketID, p.Outcome}] = *p
	return nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	t.trades = append(t.trades, *tr)
	return nil
}

func (t *memTx) GetUserExposure(_ context.Context, userID, marketID, eventID string) (market, event decimal.Decimal, err error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	invested := make(map[positionKey]decimal.Decimal)
	for k, p := range t.s.positions {
		if k.userID == userID {
			invested[k] = p.TotalInvested
		}
	}
	for k, p := range t.positions {
		if k.userID == userID {
			invested[k] = p.TotalInvested
		}
	}

	for k, amt := range invested {
		if k.marketID == marketID {
			market = market.Add(amt)
		}
		if eventID == "" {
			continue
		}
		if m, ok := t.s.markets[k.marketID]; ok && m.EventID == eventID {
			event = event.Add(amt)
		}
	}
	if eventID == "" {
		event = market
	}
	return market, event, nil
}

func marketNotFound(id string) error {
	return errs.Field(errs.NotFound, "store.GetMarket", "market_id", id, "market not found")
}

func poolNotFound(id string) error {
	return errs.Field(errs.NotFound, "store.GetPool", "market_id", id, "pool not found")
}

var _ Store = (*MemoryStore)(nil)
