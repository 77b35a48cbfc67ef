package evm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/atmx/presale-engine/internal/ledger"
)

// revertPatterns maps fragments of the sale contract's and ERC-20 revert
// strings to ledger errors. The first match wins.
var revertPatterns = []struct {
	fragment string
	err      error
}{
	{"hardcap", ledger.ErrCapExceeded},
	{"cap reached", ledger.ErrCapExceeded},
	{"supply", ledger.ErrSupplyExhausted},
	{"already claimed", ledger.ErrAlreadyClaimed},
	{"nothing to claim", ledger.ErrNothingToClaim},
	{"no tokens", ledger.ErrNothingToClaim},
	{"allowance", ledger.ErrInsufficientAllowance},
	{"balance", ledger.ErrInsufficientBalance},
	{"insufficient eth", ledger.ErrInsufficientPayment},
	{"insufficient payment", ledger.ErrInsufficientPayment},
	{"not started", ledger.ErrWindowClosed},
	{"ended", ledger.ErrWindowClosed},
	{"claim time", ledger.ErrWindowClosed},
	{"not active", ledger.ErrWindowClosed},
}

func classifyRevert(reason string) error {
	lower := strings.ToLower(reason)
	for _, p := range revertPatterns {
		if strings.Contains(lower, p.fragment) {
			return fmt.Errorf("%w: %s", p.err, reason)
		}
	}
	return fmt.Errorf("%w: %s", ledger.ErrReverted, reason)
}

// classifySubmitError separates gas-estimation reverts, which carry the
// contract's reason, from transport failures.
func classifySubmitError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrNoAccount), errors.Is(err, ledger.ErrSubmitUnsupported):
		return err
	case strings.Contains(strings.ToLower(err.Error()), "execution reverted"):
		return classifyRevert(err.Error())
	default:
		return fmt.Errorf("%w: submit: %v", ledger.ErrUnavailable, err)
	}
}
