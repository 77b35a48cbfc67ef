// Package ledger defines the contracts the presale engine consumes: the
// authoritative Ledger (the on-chain sale contract or an equivalent store)
// and the Wallet that identifies the investor and submits transactions.
//
// Every write returns a Pending handle. Waiting on it blocks until the ledger
// settles the operation; there is no timeout beyond the caller's context.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
	"github.com/atmx/presale-engine/internal/model"
)

var (
	// ErrUnavailable wraps network and connectivity failures. Callers may
	// retry with backoff.
	ErrUnavailable = errors.New("ledger: unavailable")

	// ErrReverted is returned when the ledger rejected an operation for a
	// reason it did not report.
	ErrReverted = errors.New("ledger: operation reverted")

	ErrCapExceeded           = errors.New("ledger: hardcap exceeded")
	ErrSupplyExhausted       = errors.New("ledger: presale supply exhausted")
	ErrWindowClosed          = errors.New("ledger: outside sale window")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientPayment   = errors.New("ledger: payment below required amount")
	ErrNothingToClaim        = errors.New("ledger: nothing to claim")
	ErrAlreadyClaimed        = errors.New("ledger: already claimed")

	// ErrNoAccount is returned by a wallet with no active address.
	ErrNoAccount = errors.New("ledger: no active wallet account")
)

// Allocation is an investor's position as the ledger reports it.
// ClaimedKnown is false for ledgers that do not expose the claimed flag.
type Allocation struct {
	Tokens       amount.Amount
	Claimed      bool
	ClaimedKnown bool
}

// Ledger is the authoritative system of record for the sale.
type Ledger interface {
	SaleConfig(ctx context.Context) (model.SaleConfig, error)
	SaleState(ctx context.Context) (model.SaleState, error)
	InvestorAllocation(ctx context.Context, investor common.Address) (Allocation, error)
	Allowance(ctx context.Context, owner, spender common.Address, a asset.Kind) (amount.Amount, error)

	// Spender is the address stablecoin allowances must be granted to.
	Spender() common.Address

	// ApproveAllowance sets the allowance from owner to spender for a.
	ApproveAllowance(ctx context.Context, owner common.Address, a asset.Kind, spender common.Address, amt amount.Amount) (Pending, error)
	// TransferIn buys tokens with a stablecoin the ledger pulls under an
	// existing allowance. payment is the amount the caller agreed to.
	TransferIn(ctx context.Context, from common.Address, a asset.Kind, tokens, payment amount.Amount) (Pending, error)
	// PayWithNative buys with a value-carrying call. The ledger decides how
	// many tokens value buys and whether to refund any excess.
	PayWithNative(ctx context.Context, from common.Address, tokens, value amount.Amount) (Pending, error)
	// TransferOut releases an investor's whole allocation.
	TransferOut(ctx context.Context, to common.Address, tokens amount.Amount) (Pending, error)
}

// NativePriceSource is implemented by ledgers that publish their own
// estimate of the native payment for a token amount.
type NativePriceSource interface {
	EstimateNative(ctx context.Context, tokens amount.Amount) (amount.Amount, error)
}

// NativeTokenEstimator is implemented by ledgers that estimate how many
// tokens a native payment buys.
type NativeTokenEstimator interface {
	EstimateTokensForNative(ctx context.Context, value amount.Amount) (amount.Amount, error)
}

// CountdownSource is implemented by ledgers that report the time left until
// the sale starts, ends and opens claims by their own clock.
type CountdownSource interface {
	RemainingTimes(ctx context.Context) (start, end, claim time.Duration, err error)
}

// Settlement is the confirmed result of a write, with the amounts the
// ledger actually applied.
type Settlement struct {
	TxID      string
	Tokens    amount.Amount
	Payment   amount.Amount
	Refunded  amount.Amount
	SettledAt time.Time
}

// Pending resolves to a Settlement or a failure.
type Pending interface {
	TxID() string
	Wait(ctx context.Context) (Settlement, error)
}

// Resolved returns a Pending that has already settled.
func Resolved(s Settlement) Pending { return resolved{s: s} }

// Failed returns a Pending that has already failed.
func Failed(txID string, err error) Pending { return resolved{s: Settlement{TxID: txID}, err: err} }

type resolved struct {
	s   Settlement
	err error
}

func (r resolved) TxID() string { return r.s.TxID }

func (r resolved) Wait(ctx context.Context) (Settlement, error) {
	if r.err != nil {
		return Settlement{}, r.err
	}
	return r.s, nil
}

// PendingFunc adapts a wait function to Pending.
type PendingFunc struct {
	ID     string
	WaitFn func(ctx context.Context) (Settlement, error)
}

func (p PendingFunc) TxID() string { return p.ID }

func (p PendingFunc) Wait(ctx context.Context) (Settlement, error) { return p.WaitFn(ctx) }

// Operation is a transaction for a Wallet to sign and submit.
type Operation struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Wallet identifies the investor and submits operations.
type Wallet interface {
	// ActiveAddress returns the current account, or ErrNoAccount.
	ActiveAddress(ctx context.Context) (common.Address, error)
	Submit(ctx context.Context, op Operation) (common.Hash, error)
}
