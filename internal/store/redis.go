package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
	"github.com/atmx/presale-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// Writes go to the primary store and invalidate the cache; reads check
// Redis first then fall back to the primary.
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

// cachedInvestor carries amounts as units so the cache round-trips exactly.
type cachedInvestor struct {
	Address   common.Address `json:"address"`
	Tokens    string         `json:"tokens"`
	Claimed   bool           `json:"claimed"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type cachedSaleState struct {
	Funds         string    `json:"funds"`
	FundsDecimals uint8     `json:"funds_decimals"`
	Tokens        string    `json:"tokens"`
	SyncedAt      time.Time `json:"synced_at"`
}

type cachedReceipt struct {
	ID              string         `json:"id"`
	Kind            string         `json:"kind"`
	Investor        common.Address `json:"investor"`
	Tokens          string         `json:"tokens"`
	Payment         string         `json:"payment"`
	PaymentDecimals uint8          `json:"payment_decimals"`
	Refunded        string         `json:"refunded"`
	Asset           string         `json:"asset"`
	TxID            string         `json:"tx_id"`
	Timestamp       time.Time      `json:"timestamp"`
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveSaleState(ctx context.Context, st *model.SaleState) error {
	if err := s.primary.SaveSaleState(ctx, st); err != nil {
		return err
	}
	s.cacheSaleState(ctx, st)
	return nil
}

func (s *CachedStore) CreditAllocation(ctx context.Context, addr common.Address, tokens amount.Amount, at time.Time) (*model.Investor, error) {
	inv, err := s.primary.CreditAllocation(ctx, addr, tokens, at)
	if err != nil {
		return nil, err
	}
	s.cacheInvestor(ctx, inv)
	return inv, nil
}

func (s *CachedStore) MarkClaimed(ctx context.Context, addr common.Address, at time.Time) error {
	if err := s.primary.MarkClaimed(ctx, addr, at); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, investorKey(addr))
	return nil
}

func (s *CachedStore) InsertReceipt(ctx context.Context, r *model.Receipt) error {
	if err := s.primary.InsertReceipt(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, receiptsKey(r.Investor))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSaleState(ctx context.Context) (*model.SaleState, error) {
	data, err := s.rdb.Get(ctx, saleStateKey).Bytes()
	if err == nil {
		var c cachedSaleState
		if json.Unmarshal(data, &c) == nil {
			if st, err := c.toModel(); err == nil {
				return st, nil
			}
		}
	}

	st, err := s.primary.GetSaleState(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheSaleState(ctx, st)
	return st, nil
}

func (s *CachedStore) GetInvestor(ctx context.Context, addr common.Address) (*model.Investor, error) {
	data, err := s.rdb.Get(ctx, investorKey(addr)).Bytes()
	if err == nil {
		var c cachedInvestor
		if json.Unmarshal(data, &c) == nil {
			if inv, err := c.toModel(); err == nil {
				return inv, nil
			}
		}
	}

	inv, err := s.primary.GetInvestor(ctx, addr)
	if err != nil {
		return nil, err
	}
	s.cacheInvestor(ctx, inv)
	return inv, nil
}

func (s *CachedStore) GetReceiptsByInvestor(ctx context.Context, addr common.Address) ([]model.Receipt, error) {
	data, err := s.rdb.Get(ctx, receiptsKey(addr)).Bytes()
	if err == nil {
		var cached []cachedReceipt
		if json.Unmarshal(data, &cached) == nil {
			if receipts, err := receiptsFromCache(cached); err == nil {
				return receipts, nil
			}
		}
	}

	receipts, err := s.primary.GetReceiptsByInvestor(ctx, addr)
	if err != nil {
		return nil, err
	}
	cached := make([]cachedReceipt, 0, len(receipts))
	for _, r := range receipts {
		cached = append(cached, receiptToCache(r))
	}
	if data, err := json.Marshal(cached); err == nil {
		s.rdb.Set(ctx, receiptsKey(addr), data, s.ttl)
	}
	return receipts, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListInvestors(ctx context.Context) ([]model.Investor, error) {
	return s.primary.ListInvestors(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheInvestor(ctx context.Context, inv *model.Investor) {
	c := cachedInvestor{
		Address:   inv.Address,
		Tokens:    inv.TokenAmountAllocated.Units(),
		Claimed:   inv.Claimed,
		UpdatedAt: inv.UpdatedAt,
	}
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, investorKey(inv.Address), data, s.ttl)
	}
}

func (s *CachedStore) cacheSaleState(ctx context.Context, st *model.SaleState) {
	c := cachedSaleState{
		Funds:         st.FundsRaised.Units(),
		FundsDecimals: st.FundsRaised.Decimals(),
		Tokens:        st.TotalTokensSold.Units(),
		SyncedAt:      st.SyncedAt,
	}
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, saleStateKey, data, s.ttl)
	}
}

func (c cachedInvestor) toModel() (*model.Investor, error) {
	tokens, err := parseUnits(c.Tokens, asset.TokenDecimals, "tokens")
	if err != nil {
		return nil, err
	}
	return &model.Investor{
		Address:              c.Address,
		TokenAmountAllocated: tokens,
		Claimed:              c.Claimed,
		UpdatedAt:            c.UpdatedAt,
	}, nil
}

func (c cachedSaleState) toModel() (*model.SaleState, error) {
	funds, err := parseUnits(c.Funds, c.FundsDecimals, "funds")
	if err != nil {
		return nil, err
	}
	tokens, err := parseUnits(c.Tokens, asset.TokenDecimals, "tokens")
	if err != nil {
		return nil, err
	}
	return &model.SaleState{FundsRaised: funds, TotalTokensSold: tokens, SyncedAt: c.SyncedAt}, nil
}

func receiptToCache(r model.Receipt) cachedReceipt {
	return cachedReceipt{
		ID:              r.ID,
		Kind:            string(r.Kind),
		Investor:        r.Investor,
		Tokens:          r.TokenAmount.Units(),
		Payment:         r.PaymentAmount.Units(),
		PaymentDecimals: r.PaymentAmount.Decimals(),
		Refunded:        r.Refunded.Units(),
		Asset:           assetText(r.Asset),
		TxID:            r.TxID,
		Timestamp:       r.Timestamp,
	}
}

func receiptsFromCache(cached []cachedReceipt) ([]model.Receipt, error) {
	out := make([]model.Receipt, 0, len(cached))
	for _, c := range cached {
		r := model.Receipt{
			ID:        c.ID,
			Kind:      model.ReceiptKind(c.Kind),
			Investor:  c.Investor,
			TxID:      c.TxID,
			Timestamp: c.Timestamp,
		}
		var err error
		if r.TokenAmount, err = parseUnits(c.Tokens, asset.TokenDecimals, "tokens"); err != nil {
			return nil, err
		}
		if r.PaymentAmount, err = parseUnits(c.Payment, c.PaymentDecimals, "payment"); err != nil {
			return nil, err
		}
		if r.Refunded, err = parseUnits(c.Refunded, c.PaymentDecimals, "refunded"); err != nil {
			return nil, err
		}
		if r.Asset, err = parseAssetText(c.Asset); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

const saleStateKey = "presale:sale_state"

func investorKey(a common.Address) string { return fmt.Sprintf("presale:investor:%s", strings.ToLower(a.Hex())) }
func receiptsKey(a common.Address) string { return fmt.Sprintf("presale:receipts:%s", strings.ToLower(a.Hex())) }
