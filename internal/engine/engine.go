// Package engine orchestrates presale purchases and claims against an
// authoritative ledger.
//
// The engine holds a read-through mirror of ledger state: the sale window
// derived from the immutable config, a cap tracker seeded from the ledger's
// sale state, and a store of investor allocations and receipts. Gating checks
// re-read the clock on every call. Ledger writes are awaited to settlement
// once submitted; only the steps before a submission can be cancelled.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
	"github.com/atmx/presale-engine/internal/caps"
	"github.com/atmx/presale-engine/internal/ledger"
	"github.com/atmx/presale-engine/internal/metrics"
	"github.com/atmx/presale-engine/internal/model"
	"github.com/atmx/presale-engine/internal/pricing"
	"github.com/atmx/presale-engine/internal/store"
	"github.com/atmx/presale-engine/internal/window"
)

// EventType names a notification published after a state change.
type EventType string

const (
	EventPurchase EventType = "purchase"
	EventClaim    EventType = "claim"
	EventProgress EventType = "progress"
)

// Event is published to the Notifier after every settled purchase or claim
// and every sync.
type Event struct {
	Type     EventType      `json:"type"`
	Receipt  *model.Receipt `json:"receipt,omitempty"`
	Progress model.Progress `json:"progress"`
	At       time.Time      `json:"at"`
}

// Notifier receives engine events. Publish must not block.
type Notifier interface {
	Publish(Event)
}

// Engine is the presale API. It is safe for concurrent use.
type Engine struct {
	ledger    ledger.Ledger
	wallet    ledger.Wallet
	store     store.Store
	nativeSrc ledger.NativePriceSource
	notifier  Notifier
	log       *slog.Logger
	now       func() time.Time

	cfg    model.SaleConfig
	window window.Policy
	caps   *caps.Tracker

	mu     sync.RWMutex
	oracle *pricing.Oracle

	claiming sync.Map // common.Address -> struct{} while a claim is in flight
}

// Option customises an Engine.
type Option func(*Engine)

// WithWallet binds the engine to a wallet. Purchases and claims must then be
// made for the wallet's active account, and an account change cancels any
// orchestration that has not yet submitted its next ledger operation.
func WithWallet(w ledger.Wallet) Option {
	return func(e *Engine) { e.wallet = w }
}

// WithStore sets the mirror store. Defaults to an in-memory store.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithClock sets the wall clock used for gating.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// WithNotifier sets the event sink.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithNativePriceSource overrides where native prices are refreshed from.
// By default the ledger is used if it publishes estimates. Pass nil to
// always use the configured native price.
func WithNativePriceSource(src ledger.NativePriceSource) Option {
	return func(e *Engine) { e.nativeSrc = src }
}

// New reads the sale config from the ledger, syncs sale state, and returns
// a ready engine.
func New(ctx context.Context, l ledger.Ledger, oracle *pricing.Oracle, opts ...Option) (*Engine, error) {
	if l == nil {
		return nil, errors.New("engine: ledger required")
	}
	if oracle == nil {
		return nil, errors.New("engine: price oracle required")
	}
	e := &Engine{
		ledger: l,
		oracle: oracle,
		log:    slog.Default(),
		now:    time.Now,
	}
	if src, ok := l.(ledger.NativePriceSource); ok {
		e.nativeSrc = src
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = store.NewMemoryStore()
	}

	cfg, err := l.SaleConfig(ctx)
	if err != nil {
		return nil, ledgerError(err, "read sale config")
	}
	if cfg.Hardcap.Decimals() != oracle.QuoteAsset().Decimals {
		return nil, fmt.Errorf("engine: hardcap precision %d does not match quote asset %s (%d)",
			cfg.Hardcap.Decimals(), oracle.QuoteAsset().Kind, oracle.QuoteAsset().Decimals)
	}
	policy, err := window.NewPolicy(cfg.StartTime, cfg.EndTime, cfg.ClaimTime)
	if err != nil {
		return nil, err
	}
	// Progress may start from the mirror while the ledger's state read is
	// failing; the first successful Sync replaces it.
	fromLedger := true
	state, err := l.SaleState(ctx)
	if err != nil {
		saved, serr := e.store.GetSaleState(ctx)
		if serr != nil {
			return nil, ledgerError(err, "read sale state")
		}
		e.log.Warn("ledger sale state unavailable, starting from mirror",
			"synced_at", saved.SyncedAt, "err", err)
		state, fromLedger = *saved, false
	}
	tracker, err := caps.NewTracker(cfg, state)
	if err != nil {
		return nil, err
	}
	e.cfg, e.window, e.caps = cfg, policy, tracker

	if fromLedger {
		if err := e.store.SaveSaleState(ctx, &state); err != nil {
			e.log.Warn("mirror sale state failed", "err", err)
		}
	}
	e.observeProgress(tracker.Progress())

	e.log.Info("presale engine ready",
		"hardcap", cfg.Hardcap.String(),
		"softcap", cfg.Softcap.String(),
		"start", cfg.StartTime,
		"end", cfg.EndTime,
		"claim", cfg.ClaimTime,
		"funds_raised", state.FundsRaised.String(),
	)
	return e, nil
}

// Config returns the immutable sale parameters.
func (e *Engine) Config() model.SaleConfig { return e.cfg }

// Assets returns the accepted payment assets.
func (e *Engine) Assets() []asset.Asset { return e.currentOracle().Assets().All() }

// Progress reports funds raised (including in-flight reservations) against
// the caps.
func (e *Engine) Progress() model.Progress { return e.caps.Progress() }

// WindowState evaluates the sale window now. When the ledger reports its
// own countdowns they replace the locally computed ones; gating still uses
// the local clock.
func (e *Engine) WindowState(ctx context.Context) window.Snapshot {
	snap := e.window.Snapshot(e.now())
	src, ok := e.ledger.(ledger.CountdownSource)
	if !ok {
		return snap
	}
	start, end, claim, err := src.RemainingTimes(ctx)
	if err != nil {
		e.log.Warn("read ledger countdowns failed", "err", err)
		return snap
	}
	snap.StartsIn, snap.EndsIn, snap.ClaimIn = start, end, claim
	return snap
}

// Quote prices desired tokens in asset k. Native quotes include the
// overpayment buffer in BufferedAmount.
func (e *Engine) Quote(ctx context.Context, tokens amount.Amount, k asset.Kind) (model.Quote, error) {
	if err := validateTokens(tokens); err != nil {
		return model.Quote{}, err
	}
	return e.quote(ctx, tokens, k, e.now())
}

// QuoteForPayment reports how many tokens payment buys in asset k.
func (e *Engine) QuoteForPayment(ctx context.Context, payment amount.Amount, k asset.Kind) (model.Quote, error) {
	if payment.IsZero() {
		return model.Quote{}, newError(CodeInvalidAmount, nil, "payment must be positive")
	}
	oracle := e.currentOracle()
	a, err := oracle.Assets().Get(k)
	if err != nil {
		return model.Quote{}, pricingError(err)
	}
	if payment.Decimals() != a.Decimals {
		return model.Quote{}, newError(CodeInvalidAmount, nil, "%s amounts have %d decimals, got %d", k, a.Decimals, payment.Decimals())
	}
	if k == asset.Native {
		if est, ok := e.ledger.(ledger.NativeTokenEstimator); ok {
			tokens, err := est.EstimateTokensForNative(ctx, payment)
			if err == nil && !tokens.IsZero() {
				value, err := oracle.ValueOf(payment, k)
				if err != nil {
					return model.Quote{}, pricingError(err)
				}
				return model.Quote{
					TokenAmount:    tokens,
					PaymentAmount:  payment,
					BufferedAmount: payment,
					Asset:          k,
					QuoteValue:     value,
					QuotedAt:       e.now(),
				}, nil
			}
			if err != nil {
				e.log.Warn("ledger token estimate failed, using configured price", "err", err)
			}
		}
	}
	q, err := oracle.QuoteForPayment(payment, k, e.now())
	if err != nil {
		return model.Quote{}, pricingError(err)
	}
	return q, nil
}

// AllowanceStatus is the live stablecoin allowance an investor has granted
// the sale.
type AllowanceStatus struct {
	Asset     asset.Kind     `json:"asset"`
	Owner     common.Address `json:"owner"`
	Spender   common.Address `json:"spender"`
	Allowance amount.Amount  `json:"allowance"`
}

// ReconcileAllowance reads the allowance owner has granted the sale for k,
// so a caller can detect residue from an interrupted purchase and reuse it.
func (e *Engine) ReconcileAllowance(ctx context.Context, owner common.Address, k asset.Kind) (AllowanceStatus, error) {
	a, err := e.currentOracle().Assets().Get(k)
	if err != nil || a.IsNative() {
		return AllowanceStatus{}, newError(CodeUnsupportedAsset, err, "%s has no allowance", k)
	}
	spender := e.ledger.Spender()
	v, err := e.ledger.Allowance(ctx, owner, spender, k)
	if err != nil {
		return AllowanceStatus{}, ledgerError(err, "read allowance")
	}
	return AllowanceStatus{Asset: k, Owner: owner, Spender: spender, Allowance: v}, nil
}

// Investor returns the ledger's allocation for addr merged with the mirror.
// The ledger is authoritative for the token amount; the claimed flag comes
// from the ledger when it reports one.
func (e *Engine) Investor(ctx context.Context, addr common.Address) (*model.Investor, error) {
	alloc, err := e.ledger.InvestorAllocation(ctx, addr)
	if err != nil {
		return nil, ledgerError(err, "read allocation")
	}
	inv := &model.Investor{
		Address:              addr,
		TokenAmountAllocated: alloc.Tokens,
		Claimed:              alloc.Claimed,
		UpdatedAt:            e.now(),
	}
	mirror, err := e.store.GetInvestor(ctx, addr)
	switch {
	case err == nil:
		inv.UpdatedAt = mirror.UpdatedAt
		if !alloc.ClaimedKnown {
			inv.Claimed = mirror.Claimed
		}
	case !errors.Is(err, store.ErrNotFound):
		e.log.Warn("mirror investor read failed", "investor", addr.Hex(), "err", err)
	}
	return inv, nil
}

// Investors lists every investor the mirror knows.
func (e *Engine) Investors(ctx context.Context) ([]model.Investor, error) {
	return e.store.ListInvestors(ctx)
}

// Receipts returns an investor's settled purchases and claims.
func (e *Engine) Receipts(ctx context.Context, addr common.Address) ([]model.Receipt, error) {
	return e.store.GetReceiptsByInvestor(ctx, addr)
}

// Sync re-reads sale state from the ledger into the cap tracker and store.
// The ledger's totals replace the mirror's, unless a purchase settled while
// they were being read; the next sync then picks that purchase up.
func (e *Engine) Sync(ctx context.Context) error {
	epoch := e.caps.Epoch()
	state, err := e.ledger.SaleState(ctx)
	if err != nil {
		return ledgerError(err, "read sale state")
	}
	applied, err := e.caps.SyncSince(epoch, state)
	if err != nil {
		return classifyAmountErr(err, "sync caps")
	}
	if !applied {
		e.log.Debug("ledger snapshot predates a settled purchase, skipped",
			"funds_raised", state.FundsRaised.String())
	}
	if err := e.store.SaveSaleState(ctx, &state); err != nil {
		e.log.Warn("mirror sale state failed", "err", err)
	}
	progress := e.caps.Progress()
	e.observeProgress(progress)
	e.publish(Event{Type: EventProgress, Progress: progress, At: e.now()})
	return nil
}

// quote prices tokens in k, refreshing the native unit price from the
// ledger's own estimate when one is available.
func (e *Engine) quote(ctx context.Context, tokens amount.Amount, k asset.Kind, now time.Time) (model.Quote, error) {
	oracle := e.currentOracle()
	if _, err := oracle.Assets().Get(k); err != nil {
		return model.Quote{}, pricingError(err)
	}
	if k == asset.Native && e.nativeSrc != nil {
		oracle = e.refreshNative(ctx, oracle, tokens)
	}
	q, err := oracle.Quote(tokens, k, now)
	if err != nil {
		return model.Quote{}, pricingError(err)
	}
	return q, nil
}

func (e *Engine) refreshNative(ctx context.Context, oracle *pricing.Oracle, tokens amount.Amount) *pricing.Oracle {
	est, err := e.nativeSrc.EstimateNative(ctx, tokens)
	if err != nil {
		e.log.Warn("native price estimate failed, using last price", "err", err)
		return oracle
	}
	if est.IsZero() {
		return oracle
	}
	scale, err := amount.Scale(asset.TokenDecimals)
	if err != nil {
		return oracle
	}
	unit, err := est.MulDiv(scale, tokens.Uint256(), est.Decimals())
	if err != nil {
		e.log.Warn("native price derivation failed", "err", err)
		return oracle
	}
	refreshed, err := oracle.WithUnitPrice(asset.Native, unit)
	if err != nil {
		e.log.Warn("native price refresh rejected", "unit", unit.Units(), "err", err)
		return oracle
	}
	// The floored unit price can quote just under the ledger's estimate;
	// one more base unit per token always covers it.
	if fwd, err := refreshed.QuoteForTokenAmount(tokens, asset.Native); err == nil && fwd.LessThan(est) {
		if unit, err = unit.Add(amount.New(1, unit.Decimals())); err != nil {
			return oracle
		}
		if refreshed, err = oracle.WithUnitPrice(asset.Native, unit); err != nil {
			return oracle
		}
	}
	e.mu.Lock()
	e.oracle = refreshed
	e.mu.Unlock()
	return refreshed
}

func (e *Engine) currentOracle() *pricing.Oracle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.oracle
}

// checkWallet cancels when the caller has gone away or the wallet's active
// account is not investor. It must run before every ledger submission.
func (e *Engine) checkWallet(ctx context.Context, investor common.Address) error {
	if err := ctx.Err(); err != nil {
		return newError(CodeCancelled, err, "request ended before submission")
	}
	if e.wallet == nil {
		return nil
	}
	active, err := e.wallet.ActiveAddress(ctx)
	if err != nil {
		return newError(CodeCancelled, err, "no active wallet account")
	}
	if active != investor {
		return newError(CodeCancelled, nil, "wallet account changed to %s", active.Hex())
	}
	return nil
}

// await blocks until p settles. Submitted operations cannot be abandoned,
// so the caller's cancellation is ignored here.
func (e *Engine) await(ctx context.Context, op string, p ledger.Pending) (ledger.Settlement, error) {
	submitted := time.Now()
	s, err := p.Wait(context.WithoutCancel(ctx))
	metrics.ObserveSettlement(op, submitted, err)
	if err != nil {
		e.log.Warn("ledger operation failed", "op", op, "tx", p.TxID(), "err", err)
		return ledger.Settlement{}, err
	}
	e.log.Debug("ledger operation settled", "op", op, "tx", s.TxID)
	return s, nil
}

// resync re-reads ledger state after a wallet change or failed settlement.
func (e *Engine) resync(ctx context.Context) {
	if err := e.Sync(context.WithoutCancel(ctx)); err != nil {
		e.log.Warn("resync failed", "err", err)
	}
}

func (e *Engine) publish(ev Event) {
	if e.notifier != nil {
		e.notifier.Publish(ev)
	}
}

func (e *Engine) observeProgress(p model.Progress) {
	funds, _ := p.FundsRaised.Decimal().Sub(p.Pending.Decimal()).Float64()
	sold, _ := p.TotalTokensSold.Decimal().Float64()
	metrics.FundsRaised.Set(funds)
	metrics.TokensSold.Set(sold)
	metrics.PendingReservations.Set(float64(e.caps.Outstanding()))
}

func validateTokens(tokens amount.Amount) error {
	if tokens.IsZero() {
		return newError(CodeInvalidAmount, nil, "token amount must be positive")
	}
	if tokens.Decimals() != asset.TokenDecimals {
		return newError(CodeInvalidAmount, nil, "token amounts have %d decimals, got %d", asset.TokenDecimals, tokens.Decimals())
	}
	return nil
}

// ledgerError maps ledger failures outside a specific write step.
func ledgerError(err error, action string) error {
	switch {
	case errors.Is(err, ledger.ErrUnavailable):
		return newError(CodeLedgerUnavailable, err, "%s", action)
	case errors.Is(err, asset.ErrUnsupportedAsset):
		return newError(CodeUnsupportedAsset, err, "%s", action)
	default:
		return newError(CodeLedgerUnavailable, err, "%s", action)
	}
}

func pricingError(err error) error {
	switch {
	case errors.Is(err, asset.ErrUnsupportedAsset), errors.Is(err, pricing.ErrUnsupportedAsset):
		return newError(CodeUnsupportedAsset, err, "no price")
	case errors.Is(err, pricing.ErrZeroAmount):
		return newError(CodeInvalidAmount, err, "amount too small to price")
	default:
		return classifyAmountErr(err, "price")
	}
}

func classifyAmountErr(err error, action string) error {
	switch {
	case errors.Is(err, amount.ErrOverflow):
		return newError(CodeOverflow, err, "%s", action)
	case errors.Is(err, amount.ErrPrecisionMismatch), errors.Is(err, amount.ErrInvalid):
		return newError(CodeInvalidAmount, err, "%s", action)
	default:
		return newError(CodeOverflow, err, "%s", action)
	}
}
