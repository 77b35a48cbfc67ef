package engine

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/ledger"
	"github.com/atmx/presale-engine/internal/metrics"
	"github.com/atmx/presale-engine/internal/model"
	"github.com/atmx/presale-engine/internal/store"
	"github.com/atmx/presale-engine/internal/window"
)

// Claim transfers the investor's whole allocation out once claims open.
// An investor claims exactly once; there are no partial claims.
func (e *Engine) Claim(ctx context.Context, investor common.Address) (*model.Receipt, error) {
	receipt, err := e.claim(ctx, investor)
	metrics.ClaimsTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		e.logFailure("claim failed", err, "investor", investor.Hex())
		return nil, err
	}
	return receipt, nil
}

func (e *Engine) claim(ctx context.Context, investor common.Address) (*model.Receipt, error) {
	now := e.now()
	if state := e.window.State(now); state != window.ClaimOpen {
		err := newError(CodeClaimNotOpen, nil, "sale is %s", state)
		err.Remaining = e.window.TimeUntil(window.ClaimOpen, now)
		return nil, err
	}
	if investor == (common.Address{}) {
		return nil, newError(CodeInvalidAmount, nil, "investor address required")
	}

	if _, busy := e.claiming.LoadOrStore(investor, struct{}{}); busy {
		return nil, newError(CodeAlreadyClaimed, nil, "claim already in progress")
	}
	defer e.claiming.Delete(investor)

	inv, err := e.Investor(ctx, investor)
	if err != nil {
		return nil, err
	}
	if inv.TokenAmountAllocated.IsZero() {
		return nil, newError(CodeNothingToClaim, nil, "no allocation for %s", investor.Hex())
	}
	if inv.Claimed {
		return nil, newError(CodeAlreadyClaimed, nil, "%s", investor.Hex())
	}

	if err := e.checkWallet(ctx, investor); err != nil {
		e.resync(ctx)
		return nil, err
	}
	p, err := e.ledger.TransferOut(ctx, investor, inv.TokenAmountAllocated)
	if err != nil {
		return nil, claimError(err)
	}
	s, err := e.await(ctx, "claim", p)
	if err != nil {
		return nil, claimError(err)
	}
	return e.settleClaim(ctx, investor, inv.TokenAmountAllocated, s), nil
}

// settleClaim records the claim in the mirror. Mirror failures are logged;
// the ledger has already released the tokens.
func (e *Engine) settleClaim(ctx context.Context, investor common.Address, allocated amount.Amount, s ledger.Settlement) *model.Receipt {
	ctx = context.WithoutCancel(ctx)
	settledAt := s.SettledAt
	if settledAt.IsZero() {
		settledAt = e.now()
	}
	tokens := s.Tokens
	if tokens.IsZero() {
		tokens = allocated
	}

	err := e.store.MarkClaimed(ctx, investor, settledAt)
	if errors.Is(err, store.ErrNotFound) {
		// Allocation bought through another engine instance.
		if _, err = e.store.CreditAllocation(ctx, investor, allocated, settledAt); err == nil {
			err = e.store.MarkClaimed(ctx, investor, settledAt)
		}
	}
	if err != nil && !errors.Is(err, store.ErrAlreadyClaimed) {
		e.log.Error("mirror claim failed", "investor", investor.Hex(), "tx", s.TxID, "err", err)
	}

	zero := amount.Zero(0)
	receipt := &model.Receipt{
		ID:            uuid.NewString(),
		Kind:          model.ReceiptClaim,
		Investor:      investor,
		TokenAmount:   tokens,
		PaymentAmount: zero,
		Refunded:      zero,
		TxID:          s.TxID,
		Timestamp:     settledAt,
	}
	if err := e.store.InsertReceipt(ctx, receipt); err != nil {
		e.log.Error("mirror receipt failed", "tx", s.TxID, "err", err)
	}
	e.publish(Event{Type: EventClaim, Receipt: receipt, Progress: e.caps.Progress(), At: e.now()})

	e.log.Info("claim settled",
		"investor", investor.Hex(),
		"tokens", tokens.String(),
		"tx", s.TxID,
	)
	return receipt
}

func claimError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrUnavailable):
		return newError(CodeLedgerUnavailable, err, "claim")
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		return newError(CodeAlreadyClaimed, err, "ledger rejected claim")
	case errors.Is(err, ledger.ErrNothingToClaim):
		return newError(CodeNothingToClaim, err, "ledger rejected claim")
	case errors.Is(err, ledger.ErrWindowClosed):
		return newError(CodeClaimNotOpen, err, "ledger rejected claim")
	default:
		return newError(CodeTransferFailed, err, "claim")
	}
}
