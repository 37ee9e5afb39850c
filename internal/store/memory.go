package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/perpx/margin-engine/internal/derive"
	"github.com/perpx/margin-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps keyed by derived
// entity addresses. Used for testing and single-node deployments
// without external persistence.
type MemoryStore struct {
	mu        sync.RWMutex
	exchange  model.Exchange
	markets   map[derive.Address]*model.Market
	accounts  map[derive.Address]*model.UserAccount
	positions map[derive.Address]*model.UserPosition
	treasury  map[derive.Address]*model.TreasuryPosition
	ledger    []model.LedgerEntry
}

// NewMemoryStore creates an in-memory store with a zeroed exchange.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[derive.Address]*model.Market),
		accounts:  make(map[derive.Address]*model.UserAccount),
		positions: make(map[derive.Address]*model.UserPosition),
		treasury:  make(map[derive.Address]*model.TreasuryPosition),
	}
}

func (s *MemoryStore) GetExchange(_ context.Context) (*model.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex := s.exchange
	return &ex, nil
}

func (s *MemoryStore) PutExchange(_ context.Context, ex *model.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchange = *ex
	return nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := derive.Market(m.Index)
	if _, ok := s.markets[addr]; ok {
		return fmt.Errorf("%w: market %d", ErrAlreadyExists, m.Index)
	}
	cp := *m
	s.markets[addr] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, index uint16) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[derive.Market(index)]
	if !ok {
		return nil, fmt.Errorf("%w: market %d", ErrNotFound, index)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Index < markets[j].Index })
	return markets, nil
}

func (s *MemoryStore) PutMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putMarketLocked(m)
}

func (s *MemoryStore) putMarketLocked(m *model.Market) error {
	addr := derive.Market(m.Index)
	if _, ok := s.markets[addr]; !ok {
		return fmt.Errorf("%w: market %d", ErrNotFound, m.Index)
	}
	cp := *m
	s.markets[addr] = &cp
	return nil
}

func (s *MemoryStore) CreateUserAccount(_ context.Context, a *model.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := derive.UserAccount(a.Owner)
	if _, ok := s.accounts[addr]; ok {
		return fmt.Errorf("%w: account %s", ErrAlreadyExists, a.Owner)
	}
	cp := *a
	s.accounts[addr] = &cp
	return nil
}

func (s *MemoryStore) GetUserAccount(_ context.Context, owner string) (*model.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[derive.UserAccount(owner)]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, owner)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) PutUserAccount(_ context.Context, a *model.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putAccountLocked(a)
}

func (s *MemoryStore) putAccountLocked(a *model.UserAccount) error {
	addr := derive.UserAccount(a.Owner)
	if _, ok := s.accounts[addr]; !ok {
		return fmt.Errorf("%w: account %s", ErrNotFound, a.Owner)
	}
	cp := *a
	s.accounts[addr] = &cp
	return nil
}

func (s *MemoryStore) CreateUserPosition(_ context.Context, p *model.UserPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := derive.UserPosition(p.Owner, p.MarketIndex)
	if _, ok := s.positions[addr]; ok {
		return fmt.Errorf("%w: position %s/%d", ErrAlreadyExists, p.Owner, p.MarketIndex)
	}
	cp := *p
	s.positions[addr] = &cp
	return nil
}

func (s *MemoryStore) GetUserPosition(_ context.Context, owner string, index uint16) (*model.UserPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[derive.UserPosition(owner, index)]
	if !ok {
		return nil, fmt.Errorf("%w: position %s/%d", ErrNotFound, owner, index)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListUserPositions(_ context.Context, owner string) ([]model.UserPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var positions []model.UserPosition
	for _, p := range s.positions {
		if p.Owner == owner {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].MarketIndex < positions[j].MarketIndex })
	return positions, nil
}

func (s *MemoryStore) PutUserPosition(_ context.Context, p *model.UserPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putPositionLocked(p)
}

func (s *MemoryStore) putPositionLocked(p *model.UserPosition) error {
	addr := derive.UserPosition(p.Owner, p.MarketIndex)
	if _, ok := s.positions[addr]; !ok {
		return fmt.Errorf("%w: position %s/%d", ErrNotFound, p.Owner, p.MarketIndex)
	}
	cp := *p
	s.positions[addr] = &cp
	return nil
}

func (s *MemoryStore) CreateTreasuryPosition(_ context.Context, tp *model.TreasuryPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := derive.TreasuryPosition(tp.Mint)
	if _, ok := s.treasury[addr]; ok {
		return fmt.Errorf("%w: treasury %s", ErrAlreadyExists, tp.Mint)
	}
	cp := *tp
	s.treasury[addr] = &cp
	return nil
}

func (s *MemoryStore) GetTreasuryPosition(_ context.Context, mint string) (*model.TreasuryPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tp, ok := s.treasury[derive.TreasuryPosition(mint)]
	if !ok {
		return nil, fmt.Errorf("%w: treasury %s", ErrNotFound, mint)
	}
	cp := *tp
	return &cp, nil
}

func (s *MemoryStore) ListTreasuryPositions(_ context.Context) ([]model.TreasuryPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	positions := make([]model.TreasuryPosition, 0, len(s.treasury))
	for _, tp := range s.treasury {
		positions = append(positions, *tp)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Mint < positions[j].Mint })
	return positions, nil
}

func (s *MemoryStore) PutTreasuryPosition(_ context.Context, tp *model.TreasuryPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putTreasuryLocked(tp)
}

func (s *MemoryStore) putTreasuryLocked(tp *model.TreasuryPosition) error {
	addr := derive.TreasuryPosition(tp.Mint)
	if _, ok := s.treasury[addr]; !ok {
		return fmt.Errorf("%w: treasury %s", ErrNotFound, tp.Mint)
	}
	cp := *tp
	s.treasury[addr] = &cp
	return nil
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = append(s.ledger, *e)
	return nil
}

func (s *MemoryStore) LedgerByMarket(_ context.Context, index uint16) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Type == model.EntryTrade && e.MarketIndex == index {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) LedgerByOwner(_ context.Context, owner string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Owner == owner {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) LedgerByMint(_ context.Context, mint string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Mint == mint {
			result = append(result, e)
		}
	}
	return result, nil
}

// CommitTrade applies all trade writes under one lock. Existence is
// verified for every entity before the first write so a failure leaves
// the store untouched.
func (s *MemoryStore) CommitTrade(_ context.Context, ex *model.Exchange, m *model.Market,
	a *model.UserAccount, p *model.UserPosition, e *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[derive.Market(m.Index)]; !ok {
		return fmt.Errorf("%w: market %d", ErrNotFound, m.Index)
	}
	if _, ok := s.accounts[derive.UserAccount(a.Owner)]; !ok {
		return fmt.Errorf("%w: account %s", ErrNotFound, a.Owner)
	}
	if _, ok := s.positions[derive.UserPosition(p.Owner, p.MarketIndex)]; !ok {
		return fmt.Errorf("%w: position %s/%d", ErrNotFound, p.Owner, p.MarketIndex)
	}

	s.exchange = *ex
	_ = s.putMarketLocked(m)
	_ = s.putAccountLocked(a)
	_ = s.putPositionLocked(p)
	s.ledger = append(s.ledger, *e)
	return nil
}

// CommitFunding applies all deposit/withdraw writes under one lock.
func (s *MemoryStore) CommitFunding(_ context.Context, ex *model.Exchange, a *model.UserAccount,
	tp *model.TreasuryPosition, e *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[derive.UserAccount(a.Owner)]; !ok {
		return fmt.Errorf("%w: account %s", ErrNotFound, a.Owner)
	}
	if _, ok := s.treasury[derive.TreasuryPosition(tp.Mint)]; !ok {
		return fmt.Errorf("%w: treasury %s", ErrNotFound, tp.Mint)
	}

	s.exchange = *ex
	_ = s.putAccountLocked(a)
	_ = s.putTreasuryLocked(tp)
	s.ledger = append(s.ledger, *e)
	return nil
}
