package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
)

// Code classifies an orchestration failure.
type Code string

const (
	CodeSaleNotActive        Code = "sale_not_active"
	CodeInvalidAmount        Code = "invalid_amount"
	CodeCapExceeded          Code = "cap_exceeded"
	CodeUnsupportedAsset     Code = "unsupported_asset"
	CodeAllowanceGrantFailed Code = "allowance_grant_failed"
	CodeTransferFailed       Code = "transfer_failed"
	CodeClaimNotOpen         Code = "claim_not_open"
	CodeNothingToClaim       Code = "nothing_to_claim"
	CodeAlreadyClaimed       Code = "already_claimed"
	CodeLedgerUnavailable    Code = "ledger_unavailable"
	CodeOverflow             Code = "overflow"

	// CodeCancelled is returned when the wallet account changed or the
	// caller's context ended before a ledger submission.
	CodeCancelled Code = "cancelled"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrSaleNotActive        = &Error{Code: CodeSaleNotActive}
	ErrInvalidAmount        = &Error{Code: CodeInvalidAmount}
	ErrCapExceeded          = &Error{Code: CodeCapExceeded}
	ErrUnsupportedAsset     = &Error{Code: CodeUnsupportedAsset}
	ErrAllowanceGrantFailed = &Error{Code: CodeAllowanceGrantFailed}
	ErrTransferFailed       = &Error{Code: CodeTransferFailed}
	ErrClaimNotOpen         = &Error{Code: CodeClaimNotOpen}
	ErrNothingToClaim       = &Error{Code: CodeNothingToClaim}
	ErrAlreadyClaimed       = &Error{Code: CodeAlreadyClaimed}
	ErrLedgerUnavailable    = &Error{Code: CodeLedgerUnavailable}
	ErrOverflow             = &Error{Code: CodeOverflow}
	ErrCancelled            = &Error{Code: CodeCancelled}
)

// Residue describes an allowance left granted by a purchase that did not
// complete. It is not revoked automatically; ReconcileAllowance reports the
// live value so a retry can reuse it.
type Residue struct {
	Asset     asset.Kind     `json:"asset"`
	Owner     common.Address `json:"owner"`
	Spender   common.Address `json:"spender"`
	Allowance amount.Amount  `json:"allowance"`
	TxID      string         `json:"tx_id,omitempty"`
}

// Error is the typed failure returned by every engine operation.
type Error struct {
	Code Code
	Msg  string
	Err  error

	// Remaining is the time until the required window opens, for
	// SaleNotActive before the start and ClaimNotOpen.
	Remaining time.Duration

	// Residue is set when a stablecoin allowance was left behind.
	Residue *Residue
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// IsRetriable reports whether the caller may retry the same request with
// backoff. Only ledger connectivity failures qualify.
func (e *Error) IsRetriable() bool { return e.Code == CodeLedgerUnavailable }

// CodeOf returns the engine code for err, or "" for non-engine errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func newError(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}
