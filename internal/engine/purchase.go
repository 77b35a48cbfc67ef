package engine

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
	"github.com/atmx/presale-engine/internal/caps"
	"github.com/atmx/presale-engine/internal/ledger"
	"github.com/atmx/presale-engine/internal/metrics"
	"github.com/atmx/presale-engine/internal/model"
	"github.com/atmx/presale-engine/internal/window"
)

// Purchase buys tokens for investor, paying in asset k.
//
// Stablecoin purchases are two ledger operations: an allowance grant (skipped
// when an existing allowance already covers the payment) followed by the
// transfer-in. They are not atomic. If the transfer fails the returned error
// carries the allowance Residue. Native purchases are a single value-carrying
// call submitting the buffered quote.
//
// On settlement the investor is credited with the tokens the ledger actually
// granted and funds raised grows by the payment the ledger actually took.
func (e *Engine) Purchase(ctx context.Context, investor common.Address, tokens amount.Amount, k asset.Kind) (*model.Receipt, error) {
	receipt, err := e.purchase(ctx, investor, tokens, k)
	metrics.PurchasesTotal.WithLabelValues(assetLabel(k), resultLabel(err)).Inc()
	if err != nil {
		e.logFailure("purchase failed", err, "investor", investor.Hex(), "asset", assetLabel(k), "tokens", tokens.String())
		return nil, err
	}
	return receipt, nil
}

func (e *Engine) purchase(ctx context.Context, investor common.Address, tokens amount.Amount, k asset.Kind) (*model.Receipt, error) {
	now := e.now()
	if state := e.window.State(now); state != window.Active {
		err := newError(CodeSaleNotActive, nil, "sale is %s", state)
		if state == window.Pending {
			err.Remaining = e.window.TimeUntil(window.Active, now)
		}
		return nil, err
	}
	if investor == (common.Address{}) {
		return nil, newError(CodeInvalidAmount, nil, "investor address required")
	}
	if err := validateTokens(tokens); err != nil {
		return nil, err
	}
	q, err := e.quote(ctx, tokens, k, now)
	if err != nil {
		return nil, err
	}
	if err := e.checkWallet(ctx, investor); err != nil {
		e.resync(ctx)
		return nil, err
	}

	res, err := e.caps.Reserve(tokens, q.QuoteValue)
	if err != nil {
		return nil, reserveError(err)
	}
	metrics.PendingReservations.Set(float64(e.caps.Outstanding()))
	e.log.Info("reserved",
		"investor", investor.Hex(),
		"asset", k.String(),
		"tokens", tokens.String(),
		"payment", q.BufferedAmount.String(),
		"value", q.QuoteValue.String(),
		"reservation", res.ID,
	)

	var s ledger.Settlement
	if k == asset.Native {
		s, err = e.payNative(ctx, investor, q)
	} else {
		s, err = e.payStable(ctx, investor, q)
	}
	if err != nil {
		if rerr := e.caps.Release(res.ID); rerr != nil {
			e.log.Error("release reservation failed", "reservation", res.ID, "err", rerr)
		}
		metrics.PendingReservations.Set(float64(e.caps.Outstanding()))
		var engErr *Error
		if errors.As(err, &engErr) && engErr.Code == CodeCancelled {
			e.resync(ctx)
		}
		return nil, err
	}
	return e.settlePurchase(ctx, investor, k, res, s)
}

// payStable runs the approve-then-transfer saga.
func (e *Engine) payStable(ctx context.Context, investor common.Address, q model.Quote) (ledger.Settlement, error) {
	spender := e.ledger.Spender()
	payment := q.BufferedAmount

	current, err := e.ledger.Allowance(ctx, investor, spender, q.Asset)
	if err != nil {
		return ledger.Settlement{}, ledgerError(err, "read allowance")
	}
	residue := &Residue{Asset: q.Asset, Owner: investor, Spender: spender, Allowance: current}

	if current.LessThan(payment) {
		if err := e.checkWallet(ctx, investor); err != nil {
			return ledger.Settlement{}, err
		}
		p, err := e.ledger.ApproveAllowance(ctx, investor, q.Asset, spender, payment)
		if err != nil {
			return ledger.Settlement{}, grantError(err)
		}
		if _, err := e.await(ctx, "approve", p); err != nil {
			return ledger.Settlement{}, grantError(err)
		}
		residue.Allowance, residue.TxID = payment, p.TxID()
	} else {
		e.log.Info("reusing existing allowance", "investor", investor.Hex(), "asset", q.Asset.String(), "allowance", current.String())
	}

	if err := e.checkWallet(ctx, investor); err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			ce.Residue = residue
		}
		return ledger.Settlement{}, err
	}
	p, err := e.ledger.TransferIn(ctx, investor, q.Asset, q.TokenAmount, payment)
	if err != nil {
		return ledger.Settlement{}, transferError(err, residue)
	}
	s, err := e.await(ctx, "transfer_in", p)
	if err != nil {
		return ledger.Settlement{}, transferError(err, residue)
	}
	return s, nil
}

// payNative submits the buffered native payment in one call.
func (e *Engine) payNative(ctx context.Context, investor common.Address, q model.Quote) (ledger.Settlement, error) {
	if err := e.checkWallet(ctx, investor); err != nil {
		return ledger.Settlement{}, err
	}
	p, err := e.ledger.PayWithNative(ctx, investor, q.TokenAmount, q.BufferedAmount)
	if err != nil {
		return ledger.Settlement{}, transferError(err, nil)
	}
	s, err := e.await(ctx, "pay_native", p)
	if err != nil {
		return ledger.Settlement{}, transferError(err, nil)
	}
	return s, nil
}

// settlePurchase commits the reservation with the settled amounts and
// updates the mirror. The ledger has already accepted the purchase, so
// mirror failures are logged, not returned.
func (e *Engine) settlePurchase(ctx context.Context, investor common.Address, k asset.Kind, res caps.Reservation, s ledger.Settlement) (*model.Receipt, error) {
	ctx = context.WithoutCancel(ctx)
	// Without a value for the settled payment nothing is credited here;
	// the sync below takes funds raised from the ledger.
	value, err := e.currentOracle().ValueOf(s.Payment, k)
	if err != nil {
		e.log.Error("value settled payment failed", "tx", s.TxID, "err", err)
		value = amount.Zero(res.Value.Decimals())
	}
	if err := e.caps.Commit(res.ID, s.Tokens, value); err != nil {
		e.log.Error("commit reservation failed", "reservation", res.ID, "tx", s.TxID, "err", err)
	}

	settledAt := s.SettledAt
	if settledAt.IsZero() {
		settledAt = e.now()
	}
	if _, err := e.store.CreditAllocation(ctx, investor, s.Tokens, settledAt); err != nil {
		e.log.Error("mirror allocation failed", "investor", investor.Hex(), "tx", s.TxID, "err", err)
	}
	refunded := s.Refunded
	if refunded.Decimals() != s.Payment.Decimals() {
		refunded = amount.Zero(s.Payment.Decimals())
	}
	receipt := &model.Receipt{
		ID:            uuid.NewString(),
		Kind:          model.ReceiptPurchase,
		Investor:      investor,
		TokenAmount:   s.Tokens,
		PaymentAmount: s.Payment,
		Refunded:      refunded,
		Asset:         k,
		TxID:          s.TxID,
		Timestamp:     settledAt,
	}
	if err := e.store.InsertReceipt(ctx, receipt); err != nil {
		e.log.Error("mirror receipt failed", "tx", s.TxID, "err", err)
	}

	if err := e.Sync(ctx); err != nil {
		e.log.Warn("post-purchase sync failed", "err", err)
		progress := e.caps.Progress()
		e.observeProgress(progress)
	}
	e.publish(Event{Type: EventPurchase, Receipt: receipt, Progress: e.caps.Progress(), At: e.now()})

	e.log.Info("purchase settled",
		"investor", investor.Hex(),
		"asset", k.String(),
		"tokens", s.Tokens.String(),
		"payment", s.Payment.String(),
		"refunded", refunded.String(),
		"value", value.String(),
		"tx", s.TxID,
	)
	return receipt, nil
}

func reserveError(err error) error {
	switch {
	case errors.Is(err, caps.ErrHardcapExceeded):
		metrics.CapRejections.WithLabelValues("hardcap").Inc()
		return newError(CodeCapExceeded, err, "purchase exceeds hardcap")
	case errors.Is(err, caps.ErrSupplyExhausted):
		metrics.CapRejections.WithLabelValues("supply").Inc()
		return newError(CodeCapExceeded, err, "purchase exceeds presale supply")
	default:
		return classifyAmountErr(err, "reserve")
	}
}

func grantError(err error) error {
	if errors.Is(err, ledger.ErrUnavailable) {
		return newError(CodeLedgerUnavailable, err, "approve")
	}
	return newError(CodeAllowanceGrantFailed, err, "approve")
}

// transferError maps a failed transfer-in or native payment.
func transferError(err error, residue *Residue) error {
	var out *Error
	switch {
	case errors.Is(err, ledger.ErrUnavailable):
		out = newError(CodeLedgerUnavailable, err, "transfer")
	case errors.Is(err, ledger.ErrCapExceeded):
		metrics.CapRejections.WithLabelValues("ledger_hardcap").Inc()
		out = newError(CodeCapExceeded, err, "ledger rejected purchase")
	case errors.Is(err, ledger.ErrSupplyExhausted):
		metrics.CapRejections.WithLabelValues("ledger_supply").Inc()
		out = newError(CodeCapExceeded, err, "ledger rejected purchase")
	case errors.Is(err, ledger.ErrWindowClosed):
		out = newError(CodeSaleNotActive, err, "ledger rejected purchase")
	case errors.Is(err, asset.ErrUnsupportedAsset):
		out = newError(CodeUnsupportedAsset, err, "transfer")
	default:
		out = newError(CodeTransferFailed, err, "transfer")
	}
	out.Residue = residue
	return out
}

func assetLabel(k asset.Kind) string {
	if !k.Valid() {
		return "unknown"
	}
	return k.String()
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if code := CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}

// logFailure logs business-rule rejections at Info, ledger failures at
// Warn, and overflow at Error.
func (e *Engine) logFailure(msg string, err error, args ...interface{}) {
	args = append(args, "code", string(CodeOf(err)), "err", err)
	switch CodeOf(err) {
	case CodeOverflow, "":
		e.log.Error(msg, args...)
	case CodeLedgerUnavailable, CodeTransferFailed, CodeAllowanceGrantFailed:
		e.log.Warn(msg, args...)
	default:
		e.log.Info(msg, args...)
	}
}
