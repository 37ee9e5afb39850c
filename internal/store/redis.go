package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perpx/margin-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets and user positions. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Commits invalidate every entity they touch so trade-path reads
// never observe a stale balance.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, index uint16) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(index)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, index)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) ListUserPositions(ctx context.Context, owner string) ([]model.UserPosition, error) {
	data, err := s.rdb.Get(ctx, positionsKey(owner)).Bytes()
	if err == nil {
		var positions []model.UserPosition
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.ListUserPositions(ctx, owner)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(owner), data, s.ttl)
	}
	return positions, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) PutMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.PutMarket(ctx, m); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, marketKey(m.Index))
	return nil
}

func (s *CachedStore) CreateUserPosition(ctx context.Context, p *model.UserPosition) error {
	if err := s.primary.CreateUserPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.Owner))
	return nil
}

func (s *CachedStore) PutUserPosition(ctx context.Context, p *model.UserPosition) error {
	if err := s.primary.PutUserPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.Owner))
	return nil
}

func (s *CachedStore) CommitTrade(ctx context.Context, ex *model.Exchange, m *model.Market,
	a *model.UserAccount, p *model.UserPosition, e *model.LedgerEntry) error {
	if err := s.primary.CommitTrade(ctx, ex, m, a, p, e); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(m.Index), positionsKey(p.Owner))
	return nil
}

func (s *CachedStore) CommitFunding(ctx context.Context, ex *model.Exchange, a *model.UserAccount,
	tp *model.TreasuryPosition, e *model.LedgerEntry) error {
	return s.primary.CommitFunding(ctx, ex, a, tp, e)
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetExchange(ctx context.Context) (*model.Exchange, error) {
	return s.primary.GetExchange(ctx)
}

func (s *CachedStore) PutExchange(ctx context.Context, ex *model.Exchange) error {
	return s.primary.PutExchange(ctx, ex)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) CreateUserAccount(ctx context.Context, a *model.UserAccount) error {
	return s.primary.CreateUserAccount(ctx, a)
}

func (s *CachedStore) GetUserAccount(ctx context.Context, owner string) (*model.UserAccount, error) {
	return s.primary.GetUserAccount(ctx, owner)
}

func (s *CachedStore) PutUserAccount(ctx context.Context, a *model.UserAccount) error {
	return s.primary.PutUserAccount(ctx, a)
}

func (s *CachedStore) GetUserPosition(ctx context.Context, owner string, index uint16) (*model.UserPosition, error) {
	return s.primary.GetUserPosition(ctx, owner, index)
}

func (s *CachedStore) CreateTreasuryPosition(ctx context.Context, tp *model.TreasuryPosition) error {
	return s.primary.CreateTreasuryPosition(ctx, tp)
}

func (s *CachedStore) GetTreasuryPosition(ctx context.Context, mint string) (*model.TreasuryPosition, error) {
	return s.primary.GetTreasuryPosition(ctx, mint)
}

func (s *CachedStore) ListTreasuryPositions(ctx context.Context) ([]model.TreasuryPosition, error) {
	return s.primary.ListTreasuryPositions(ctx)
}

func (s *CachedStore) PutTreasuryPosition(ctx context.Context, tp *model.TreasuryPosition) error {
	return s.primary.PutTreasuryPosition(ctx, tp)
}

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	return s.primary.InsertLedgerEntry(ctx, e)
}

func (s *CachedStore) LedgerByMarket(ctx context.Context, index uint16) ([]model.LedgerEntry, error) {
	return s.primary.LedgerByMarket(ctx, index)
}

func (s *CachedStore) LedgerByOwner(ctx context.Context, owner string) ([]model.LedgerEntry, error) {
	return s.primary.LedgerByOwner(ctx, owner)
}

func (s *CachedStore) LedgerByMint(ctx context.Context, mint string) ([]model.LedgerEntry, error) {
	return s.primary.LedgerByMint(ctx, mint)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.Index), data, s.ttl)
	}
}

func marketKey(index uint16) string    { return fmt.Sprintf("market:%d", index) }
func positionsKey(owner string) string { return fmt.Sprintf("positions:%s", owner) }
