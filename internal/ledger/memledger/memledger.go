// Package memledger is an in-process authoritative ledger. It executes sale
// operations serially and enforces the same rules as the on-chain contract:
// sale and claim windows, the hard cap, the presale supply, stablecoin
// allowances and balances, and one claim per investor.
//
// It backs the service in development mode and the engine's tests. Failures
// can be injected per operation.
package memledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
	"github.com/atmx/presale-engine/internal/ledger"
	"github.com/atmx/presale-engine/internal/model"
	"github.com/atmx/presale-engine/internal/pricing"
	"github.com/atmx/presale-engine/internal/window"
)

// Op names a write operation.
type Op string

const (
	OpApprove   Op = "approve"
	OpBuyStable Op = "buy_stable"
	OpBuyNative Op = "buy_native"
	OpClaim     Op = "claim"
)

// DefaultAddress is the sale contract address used when none is configured.
var DefaultAddress = common.HexToAddress("0x34A918bD50fA87A4b6467b80f4c35f3Ed2D01885")

type investorState struct {
	tokens  amount.Amount
	claimed bool
}

type allowanceKey struct {
	kind    asset.Kind
	owner   common.Address
	spender common.Address
}

type balanceKey struct {
	kind  asset.Kind
	owner common.Address
}

// Ledger is an in-memory sale contract.
type Ledger struct {
	mu sync.Mutex

	cfg     model.SaleConfig
	window  window.Policy
	oracle  *pricing.Oracle
	address common.Address

	fundsRaised amount.Amount
	tokensSold  amount.Amount
	investors   map[common.Address]*investorState
	allowances  map[allowanceKey]amount.Amount
	balances    map[balanceKey]amount.Amount
	tokens      map[common.Address]amount.Amount

	openBalances bool
	unavailable  bool
	failNext     map[Op]error
	nonce        uint64
	settleDelay  time.Duration
	hook         func(Op, common.Address)
	now          func() time.Time
}

// Option customises the ledger.
type Option func(*Ledger)

// WithClock sets the function used as the ledger's block time.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.now = clock }
}

// WithAddress sets the sale contract address allowances are granted to.
func WithAddress(addr common.Address) Option {
	return func(l *Ledger) { l.address = addr }
}

// WithSettleDelay delays every settlement, simulating block time.
func WithSettleDelay(d time.Duration) Option {
	return func(l *Ledger) { l.settleDelay = d }
}

// WithOpenBalances disables balance checks so any account can pay.
func WithOpenBalances() Option {
	return func(l *Ledger) { l.openBalances = true }
}

// WithHook registers a callback run after each write executes.
func WithHook(fn func(op Op, from common.Address)) Option {
	return func(l *Ledger) { l.hook = fn }
}

// New creates a ledger for cfg that prices purchases with oracle.
func New(cfg model.SaleConfig, oracle *pricing.Oracle, opts ...Option) (*Ledger, error) {
	policy, err := window.NewPolicy(cfg.StartTime, cfg.EndTime, cfg.ClaimTime)
	if err != nil {
		return nil, err
	}
	if cfg.Hardcap.IsZero() {
		return nil, errors.New("memledger: hardcap is zero")
	}
	if oracle == nil {
		return nil, errors.New("memledger: price oracle required")
	}
	if cfg.Hardcap.Decimals() != oracle.QuoteAsset().Decimals {
		return nil, fmt.Errorf("memledger: hardcap has %d decimals, quote asset %s has %d",
			cfg.Hardcap.Decimals(), oracle.QuoteAsset().Kind, oracle.QuoteAsset().Decimals)
	}
	l := &Ledger{
		cfg:         cfg,
		window:      policy,
		oracle:      oracle,
		address:     DefaultAddress,
		fundsRaised: amount.Zero(cfg.Hardcap.Decimals()),
		tokensSold:  amount.Zero(asset.TokenDecimals),
		investors:   make(map[common.Address]*investorState),
		allowances:  make(map[allowanceKey]amount.Amount),
		balances:    make(map[balanceKey]amount.Amount),
		tokens:      make(map[common.Address]amount.Amount),
		failNext:    make(map[Op]error),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Spender returns the sale contract address.
func (l *Ledger) Spender() common.Address { return l.address }

// SaleConfig returns the immutable sale parameters.
func (l *Ledger) SaleConfig(ctx context.Context) (model.SaleConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return model.SaleConfig{}, ledger.ErrUnavailable
	}
	return l.cfg, nil
}

// SaleState returns funds raised and tokens sold.
func (l *Ledger) SaleState(ctx context.Context) (model.SaleState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return model.SaleState{}, ledger.ErrUnavailable
	}
	return model.SaleState{
		FundsRaised:     l.fundsRaised,
		TotalTokensSold: l.tokensSold,
		SyncedAt:        l.now(),
	}, nil
}

// InvestorAllocation returns an investor's purchased tokens and claimed flag.
func (l *Ledger) InvestorAllocation(ctx context.Context, investor common.Address) (ledger.Allocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return ledger.Allocation{}, ledger.ErrUnavailable
	}
	inv, ok := l.investors[investor]
	if !ok {
		return ledger.Allocation{Tokens: amount.Zero(asset.TokenDecimals), ClaimedKnown: true}, nil
	}
	return ledger.Allocation{Tokens: inv.tokens, Claimed: inv.claimed, ClaimedKnown: true}, nil
}

// Allowance returns the stablecoin allowance from owner to spender.
func (l *Ledger) Allowance(ctx context.Context, owner, spender common.Address, k asset.Kind) (amount.Amount, error) {
	a, err := l.stablecoin(k)
	if err != nil {
		return amount.Amount{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return amount.Amount{}, ledger.ErrUnavailable
	}
	return l.allowanceLocked(a, owner, spender), nil
}

// EstimateNative returns the native payment the ledger requires for tokens.
func (l *Ledger) EstimateNative(ctx context.Context, tokens amount.Amount) (amount.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return amount.Amount{}, ledger.ErrUnavailable
	}
	return l.oracle.QuoteForTokenAmount(tokens, asset.Native)
}

// EstimateTokensForNative returns the tokens a native payment buys at the
// ledger's price.
func (l *Ledger) EstimateTokensForNative(ctx context.Context, value amount.Amount) (amount.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return amount.Amount{}, ledger.ErrUnavailable
	}
	return l.oracle.QuoteTokensForEthPayment(value)
}

// ApproveAllowance sets owner's allowance for spender, replacing any previous value.
func (l *Ledger) ApproveAllowance(ctx context.Context, owner common.Address, k asset.Kind, spender common.Address, amt amount.Amount) (ledger.Pending, error) {
	a, err := l.stablecoin(k)
	if err != nil {
		return nil, err
	}
	return l.exec(ctx, OpApprove, owner, func() (ledger.Settlement, error) {
		if amt.Decimals() != a.Decimals {
			return ledger.Settlement{}, fmt.Errorf("%w: allowance precision", ledger.ErrReverted)
		}
		l.allowances[allowanceKey{kind: k, owner: owner, spender: spender}] = amt
		return ledger.Settlement{
			Tokens:   amount.Zero(asset.TokenDecimals),
			Payment:  amt,
			Refunded: amount.Zero(a.Decimals),
		}, nil
	})
}

// TransferIn buys tokens with a stablecoin pulled under the sender's allowance.
func (l *Ledger) TransferIn(ctx context.Context, from common.Address, k asset.Kind, tokens, payment amount.Amount) (ledger.Pending, error) {
	a, err := l.stablecoin(k)
	if err != nil {
		return nil, err
	}
	return l.exec(ctx, OpBuyStable, from, func() (ledger.Settlement, error) {
		if err := l.requireActive(); err != nil {
			return ledger.Settlement{}, err
		}
		required, err := l.oracle.QuoteForTokenAmount(tokens, k)
		if err != nil {
			return ledger.Settlement{}, fmt.Errorf("%w: %v", ledger.ErrReverted, err)
		}
		if payment.LessThan(required) {
			return ledger.Settlement{}, fmt.Errorf("%w: agreed %s, required %s", ledger.ErrInsufficientPayment, payment, required)
		}
		aKey := allowanceKey{kind: k, owner: from, spender: l.address}
		allowance := l.allowanceLocked(a, from, l.address)
		if allowance.LessThan(required) {
			return ledger.Settlement{}, fmt.Errorf("%w: have %s, need %s", ledger.ErrInsufficientAllowance, allowance, required)
		}
		value, err := l.oracle.ValueOf(required, k)
		if err != nil {
			return ledger.Settlement{}, err
		}
		if err := l.checkCaps(tokens, value); err != nil {
			return ledger.Settlement{}, err
		}
		if err := l.debit(a, from, required); err != nil {
			return ledger.Settlement{}, err
		}
		remaining, err := allowance.Sub(required)
		if err != nil {
			return ledger.Settlement{}, err
		}
		l.allowances[aKey] = remaining
		if err := l.credit(from, tokens, value); err != nil {
			return ledger.Settlement{}, err
		}
		return ledger.Settlement{Tokens: tokens, Payment: required, Refunded: amount.Zero(a.Decimals)}, nil
	})
}

// PayWithNative buys tokens with a value-carrying call. The ledger charges
// its own price for tokens and refunds the rest of value.
func (l *Ledger) PayWithNative(ctx context.Context, from common.Address, tokens, value amount.Amount) (ledger.Pending, error) {
	native, err := l.oracle.Assets().Get(asset.Native)
	if err != nil {
		return nil, err
	}
	return l.exec(ctx, OpBuyNative, from, func() (ledger.Settlement, error) {
		if err := l.requireActive(); err != nil {
			return ledger.Settlement{}, err
		}
		if value.Decimals() != native.Decimals {
			return ledger.Settlement{}, fmt.Errorf("%w: value precision", ledger.ErrReverted)
		}
		required, err := l.oracle.QuoteForTokenAmount(tokens, asset.Native)
		if err != nil {
			return ledger.Settlement{}, fmt.Errorf("%w: %v", ledger.ErrReverted, err)
		}
		if value.LessThan(required) {
			return ledger.Settlement{}, fmt.Errorf("%w: sent %s, required %s", ledger.ErrInsufficientPayment, value, required)
		}
		quoteValue, err := l.oracle.ValueOf(required, asset.Native)
		if err != nil {
			return ledger.Settlement{}, err
		}
		if err := l.checkCaps(tokens, quoteValue); err != nil {
			return ledger.Settlement{}, err
		}
		if err := l.debit(native, from, required); err != nil {
			return ledger.Settlement{}, err
		}
		if err := l.credit(from, tokens, quoteValue); err != nil {
			return ledger.Settlement{}, err
		}
		refund, err := value.Sub(required)
		if err != nil {
			return ledger.Settlement{}, err
		}
		return ledger.Settlement{Tokens: tokens, Payment: required, Refunded: refund}, nil
	})
}

// TransferOut releases an investor's whole allocation once claims open.
func (l *Ledger) TransferOut(ctx context.Context, to common.Address, tokens amount.Amount) (ledger.Pending, error) {
	return l.exec(ctx, OpClaim, to, func() (ledger.Settlement, error) {
		if state := l.window.State(l.now()); state != window.ClaimOpen {
			return ledger.Settlement{}, fmt.Errorf("%w: sale is %s", ledger.ErrWindowClosed, state)
		}
		inv, ok := l.investors[to]
		if !ok || inv.tokens.IsZero() {
			return ledger.Settlement{}, ledger.ErrNothingToClaim
		}
		if inv.claimed {
			return ledger.Settlement{}, ledger.ErrAlreadyClaimed
		}
		if !tokens.Equal(inv.tokens) {
			return ledger.Settlement{}, fmt.Errorf("%w: claim of %s does not match allocation %s", ledger.ErrReverted, tokens, inv.tokens)
		}
		balance, err := l.tokenBalanceLocked(to).Add(inv.tokens)
		if err != nil {
			return ledger.Settlement{}, err
		}
		inv.claimed = true
		l.tokens[to] = balance
		return ledger.Settlement{Tokens: inv.tokens, Payment: amount.Zero(0), Refunded: amount.Zero(0)}, nil
	})
}

// Fund credits an account with a payment asset.
func (l *Ledger) Fund(owner common.Address, k asset.Kind, amt amount.Amount) error {
	a, err := l.oracle.Assets().Get(k)
	if err != nil {
		return err
	}
	if amt.Decimals() != a.Decimals {
		return fmt.Errorf("memledger: fund %s with %d decimals, want %d", k, amt.Decimals(), a.Decimals)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey{kind: k, owner: owner}
	cur, ok := l.balances[key]
	if !ok {
		cur = amount.Zero(a.Decimals)
	}
	next, err := cur.Add(amt)
	if err != nil {
		return err
	}
	l.balances[key] = next
	return nil
}

// Balance returns an account's payment asset balance.
func (l *Ledger) Balance(owner common.Address, k asset.Kind) amount.Amount {
	a, err := l.oracle.Assets().Get(k)
	if err != nil {
		return amount.Amount{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[balanceKey{kind: k, owner: owner}]; ok {
		return b
	}
	return amount.Zero(a.Decimals)
}

// TokenBalance returns the sold tokens transferred to an account by claims.
func (l *Ledger) TokenBalance(owner common.Address) amount.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokenBalanceLocked(owner)
}

// FailNext makes the next operation of kind op fail with err after
// submission, without changing state.
func (l *Ledger) FailNext(op Op, err error) {
	l.mu.Lock()
	l.failNext[op] = err
	l.mu.Unlock()
}

// SetUnavailable makes every call fail with ledger.ErrUnavailable.
func (l *Ledger) SetUnavailable(down bool) {
	l.mu.Lock()
	l.unavailable = down
	l.mu.Unlock()
}

// SetUnitPrice reprices one asset, simulating movement of the ledger's price.
func (l *Ledger) SetUnitPrice(k asset.Kind, price amount.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, err := l.oracle.WithUnitPrice(k, price)
	if err != nil {
		return err
	}
	l.oracle = o
	return nil
}

func (l *Ledger) exec(ctx context.Context, op Op, from common.Address, fn func() (ledger.Settlement, error)) (ledger.Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	if l.unavailable {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnavailable, op)
	}
	l.nonce++
	txID := common.BigToHash(new(big.Int).SetUint64(l.nonce)).Hex()
	var (
		s   ledger.Settlement
		err error
	)
	if injected, ok := l.failNext[op]; ok {
		delete(l.failNext, op)
		err = injected
	} else {
		s, err = fn()
	}
	s.TxID = txID
	s.SettledAt = l.now()
	hook := l.hook
	l.mu.Unlock()

	if hook != nil {
		hook(op, from)
	}

	delay := l.settleDelay
	return ledger.PendingFunc{
		ID: txID,
		WaitFn: func(ctx context.Context) (ledger.Settlement, error) {
			if delay > 0 {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-ctx.Done():
					return ledger.Settlement{}, fmt.Errorf("%w: waiting for %s: %v", ledger.ErrUnavailable, txID, ctx.Err())
				}
			}
			if err != nil {
				return ledger.Settlement{}, err
			}
			return s, nil
		},
	}, nil
}

func (l *Ledger) stablecoin(k asset.Kind) (asset.Asset, error) {
	a, err := l.oracle.Assets().Get(k)
	if err != nil {
		return asset.Asset{}, err
	}
	if a.IsNative() {
		return asset.Asset{}, fmt.Errorf("%w: %s has no allowance", asset.ErrUnsupportedAsset, k)
	}
	return a, nil
}

// Caller holds mu for all *Locked helpers and for requireActive, checkCaps,
// debit and credit.

func (l *Ledger) allowanceLocked(a asset.Asset, owner, spender common.Address) amount.Amount {
	if v, ok := l.allowances[allowanceKey{kind: a.Kind, owner: owner, spender: spender}]; ok {
		return v
	}
	return amount.Zero(a.Decimals)
}

func (l *Ledger) tokenBalanceLocked(owner common.Address) amount.Amount {
	if v, ok := l.tokens[owner]; ok {
		return v
	}
	return amount.Zero(asset.TokenDecimals)
}

func (l *Ledger) requireActive() error {
	if state := l.window.State(l.now()); state != window.Active {
		return fmt.Errorf("%w: sale is %s", ledger.ErrWindowClosed, state)
	}
	return nil
}

func (l *Ledger) checkCaps(tokens, value amount.Amount) error {
	funds, err := l.fundsRaised.Add(value)
	if err != nil {
		return err
	}
	if funds.GreaterThan(l.cfg.Hardcap) {
		return fmt.Errorf("%w: %s + %s > %s", ledger.ErrCapExceeded, l.fundsRaised, value, l.cfg.Hardcap)
	}
	sold, err := l.tokensSold.Add(tokens)
	if err != nil {
		return err
	}
	if !l.cfg.PresaleSupply.IsZero() && sold.GreaterThan(l.cfg.PresaleSupply) {
		return fmt.Errorf("%w: %s + %s > %s", ledger.ErrSupplyExhausted, l.tokensSold, tokens, l.cfg.PresaleSupply)
	}
	return nil
}

func (l *Ledger) debit(a asset.Asset, owner common.Address, amt amount.Amount) error {
	if l.openBalances {
		return nil
	}
	key := balanceKey{kind: a.Kind, owner: owner}
	cur, ok := l.balances[key]
	if !ok {
		cur = amount.Zero(a.Decimals)
	}
	next, err := cur.Sub(amt)
	if err != nil {
		return fmt.Errorf("%w: %s balance %s, need %s", ledger.ErrInsufficientBalance, a.Kind, cur, amt)
	}
	l.balances[key] = next
	return nil
}

func (l *Ledger) credit(investor common.Address, tokens, value amount.Amount) error {
	funds, err := l.fundsRaised.Add(value)
	if err != nil {
		return err
	}
	sold, err := l.tokensSold.Add(tokens)
	if err != nil {
		return err
	}
	inv, ok := l.investors[investor]
	if !ok {
		inv = &investorState{tokens: amount.Zero(asset.TokenDecimals)}
		l.investors[investor] = inv
	}
	allocated, err := inv.tokens.Add(tokens)
	if err != nil {
		return err
	}
	l.fundsRaised, l.tokensSold, inv.tokens = funds, sold, allocated
	return nil
}
