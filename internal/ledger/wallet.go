package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrSubmitUnsupported is returned by wallets that only provide identity.
var ErrSubmitUnsupported = errors.New("ledger: wallet cannot submit transactions")

// StaticWallet is an identity-only Wallet whose account can be switched,
// as a browser wallet does when the user changes accounts.
type StaticWallet struct {
	mu   sync.RWMutex
	addr common.Address
}

// NewStaticWallet returns a wallet on addr. The zero address means no account.
func NewStaticWallet(addr common.Address) *StaticWallet {
	return &StaticWallet{addr: addr}
}

// ActiveAddress returns the current account.
func (w *StaticWallet) ActiveAddress(ctx context.Context) (common.Address, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.addr == (common.Address{}) {
		return common.Address{}, ErrNoAccount
	}
	return w.addr, nil
}

// Switch changes the active account.
func (w *StaticWallet) Switch(addr common.Address) {
	w.mu.Lock()
	w.addr = addr
	w.mu.Unlock()
}

// Submit always fails; ledgers that need signed transactions require a
// submitting wallet.
func (w *StaticWallet) Submit(ctx context.Context, op Operation) (common.Hash, error) {
	return common.Hash{}, ErrSubmitUnsupported
}
