// Package store defines the persistence interface for the presale engine's
// local mirror of ledger state: investor allocations, claimed flags, receipts
// and the last synced sale progress. The ledger stays authoritative.
// Implementations include PostgreSQL, SQLite, Redis (read-through cache),
// and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyClaimed is returned by MarkClaimed on the second flip.
	ErrAlreadyClaimed = errors.New("store: investor already claimed")

	// ErrDuplicateReceipt is returned when a receipt ID is reused.
	ErrDuplicateReceipt = errors.New("store: duplicate receipt")
)

// Store is the persistence interface.
type Store interface {
	// --- Sale progress ---

	// GetSaleState returns the last synced sale state, or ErrNotFound.
	GetSaleState(ctx context.Context) (*model.SaleState, error)

	// SaveSaleState records the latest synced sale state.
	SaveSaleState(ctx context.Context, state *model.SaleState) error

	// --- Investors ---

	// GetInvestor returns an investor's mirrored allocation, or ErrNotFound.
	GetInvestor(ctx context.Context, addr common.Address) (*model.Investor, error)

	// ListInvestors returns all investors ordered by address.
	ListInvestors(ctx context.Context) ([]model.Investor, error)

	// CreditAllocation adds tokens to an investor's allocation, creating the
	// record on first purchase.
	CreditAllocation(ctx context.Context, addr common.Address, tokens amount.Amount, at time.Time) (*model.Investor, error)

	// MarkClaimed flips the claimed flag. It fails with ErrNotFound for an
	// unknown investor and ErrAlreadyClaimed if the flag is already set.
	MarkClaimed(ctx context.Context, addr common.Address, at time.Time) error

	// --- Receipts (immutable) ---

	// InsertReceipt appends a settled purchase or claim.
	InsertReceipt(ctx context.Context, r *model.Receipt) error

	// GetReceiptsByInvestor returns an investor's receipts oldest first.
	GetReceiptsByInvestor(ctx context.Context, addr common.Address) ([]model.Receipt, error)
}
