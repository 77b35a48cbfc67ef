package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
	"github.com/atmx/presale-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	state     *model.SaleState
	investors map[common.Address]*model.Investor
	receipts  []model.Receipt
	ids       map[string]struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		investors: make(map[common.Address]*model.Investor),
		ids:       make(map[string]struct{}),
	}
}

func (s *MemoryStore) GetSaleState(_ context.Context) (*model.SaleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, ErrNotFound
	}
	st := *s.state
	return &st, nil
}

func (s *MemoryStore) SaveSaleState(_ context.Context, state *model.SaleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := *state
	s.state = &st
	return nil
}

func (s *MemoryStore) GetInvestor(_ context.Context, addr common.Address) (*model.Investor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.investors[addr]
	if !ok {
		return nil, ErrNotFound
	}
	out := *inv
	return &out, nil
}

func (s *MemoryStore) ListInvestors(_ context.Context) ([]model.Investor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Investor, 0, len(s.investors))
	for _, inv := range s.investors {
		out = append(out, *inv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return out, nil
}

func (s *MemoryStore) CreditAllocation(_ context.Context, addr common.Address, tokens amount.Amount, at time.Time) (*model.Investor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.investors[addr]
	if !ok {
		inv = &model.Investor{
			Address:              addr,
			TokenAmountAllocated: amount.Zero(asset.TokenDecimals),
		}
	}
	total, err := inv.TokenAmountAllocated.Add(tokens)
	if err != nil {
		return nil, err
	}
	next := *inv
	next.TokenAmountAllocated = total
	next.UpdatedAt = at
	s.investors[addr] = &next

	out := next
	return &out, nil
}

func (s *MemoryStore) MarkClaimed(_ context.Context, addr common.Address, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.investors[addr]
	if !ok {
		return ErrNotFound
	}
	if inv.Claimed {
		return ErrAlreadyClaimed
	}
	inv.Claimed = true
	inv.UpdatedAt = at
	return nil
}

func (s *MemoryStore) InsertReceipt(_ context.Context, r *model.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.ids[r.ID]; dup {
		return ErrDuplicateReceipt
	}
	s.ids[r.ID] = struct{}{}
	s.receipts = append(s.receipts, *r)
	return nil
}

func (s *MemoryStore) GetReceiptsByInvestor(_ context.Context, addr common.Address) ([]model.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Receipt
	for _, r := range s.receipts {
		if r.Investor == addr {
			result = append(result, r)
		}
	}
	return result, nil
}
