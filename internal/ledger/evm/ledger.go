// Package evm adapts the on-chain presale contract to the ledger interface.
//
// Reads go through eth_call. Writes are encoded here, signed and submitted by
// a ledger.Wallet, and settled by polling for the transaction receipt. The
// amounts a purchase actually granted are read back from the chain: tokens
// from the investor's allocation before and after the receipt's block, and
// stablecoin payments from the ERC-20 Transfer log.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
	"github.com/atmx/presale-engine/internal/ledger"
	"github.com/atmx/presale-engine/internal/model"
)

// Client is the subset of the Ethereum RPC the ledger uses.
type Client interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial opens an RPC client for endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, errors.New("evm: rpc endpoint required")
	}
	c, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ledger.ErrUnavailable, trimmed, err)
	}
	return c, nil
}

var buyMethods = map[asset.Kind]string{
	asset.USDT: "buyWithUSDT",
	asset.USDC: "buyWithUSDC",
	asset.DAI:  "buyWithDAI",
}

// Ledger is the sale contract at a fixed address.
type Ledger struct {
	client   Client
	wallet   ledger.Wallet
	contract common.Address
	assets   *asset.Registry
	quote    asset.Asset

	percentOfSupply uint8
	pollInterval    time.Duration
	now             func() time.Time
}

// Option customises the ledger.
type Option func(*Ledger)

// WithPollInterval sets how often receipts are polled.
func WithPollInterval(d time.Duration) Option {
	return func(l *Ledger) { l.pollInterval = d }
}

// WithClock sets the function used to stamp settlements.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.now = clock }
}

// WithPercentOfSupply records the share of total supply on sale. The
// contract does not expose it.
func WithPercentOfSupply(p uint8) Option {
	return func(l *Ledger) { l.percentOfSupply = p }
}

// New binds the contract at address. quote is the asset caps are denominated in.
func New(client Client, wallet ledger.Wallet, contract common.Address, assets *asset.Registry, quote asset.Kind, opts ...Option) (*Ledger, error) {
	if client == nil {
		return nil, errors.New("evm: client required")
	}
	if wallet == nil {
		return nil, errors.New("evm: wallet required")
	}
	if contract == (common.Address{}) {
		return nil, errors.New("evm: contract address required")
	}
	q, err := assets.Get(quote)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		client:       client,
		wallet:       wallet,
		contract:     contract,
		assets:       assets,
		quote:        q,
		pollInterval: 2 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Spender returns the sale contract address.
func (l *Ledger) Spender() common.Address { return l.contract }

// SaleConfig reads the sale parameters.
func (l *Ledger) SaleConfig(ctx context.Context) (model.SaleConfig, error) {
	vals := make(map[string]*big.Int, 6)
	for _, m := range []string{"softcap", "hardcap", "startTime", "endTime", "claimTime", "presaleSupply"} {
		v, err := l.callUint(ctx, nil, m)
		if err != nil {
			return model.SaleConfig{}, err
		}
		vals[m] = v
	}
	softcap, err := amount.FromBig(vals["softcap"], l.quote.Decimals)
	if err != nil {
		return model.SaleConfig{}, err
	}
	hardcap, err := amount.FromBig(vals["hardcap"], l.quote.Decimals)
	if err != nil {
		return model.SaleConfig{}, err
	}
	supply, err := amount.FromBig(vals["presaleSupply"], asset.TokenDecimals)
	if err != nil {
		return model.SaleConfig{}, err
	}
	return model.SaleConfig{
		Softcap:              softcap,
		Hardcap:              hardcap,
		StartTime:            unixTime(vals["startTime"]),
		EndTime:              unixTime(vals["endTime"]),
		ClaimTime:            unixTime(vals["claimTime"]),
		PresaleSupply:        supply,
		TokenPercentOfSupply: l.percentOfSupply,
	}, nil
}

// SaleState reads funds raised and tokens sold.
func (l *Ledger) SaleState(ctx context.Context) (model.SaleState, error) {
	raised, err := l.callUint(ctx, nil, "fundsRaised")
	if err != nil {
		return model.SaleState{}, err
	}
	sold, err := l.callUint(ctx, nil, "totalTokensSold")
	if err != nil {
		return model.SaleState{}, err
	}
	funds, err := amount.FromBig(raised, l.quote.Decimals)
	if err != nil {
		return model.SaleState{}, err
	}
	tokens, err := amount.FromBig(sold, asset.TokenDecimals)
	if err != nil {
		return model.SaleState{}, err
	}
	return model.SaleState{FundsRaised: funds, TotalTokensSold: tokens, SyncedAt: l.now()}, nil
}

// InvestorAllocation reads the investor's purchased tokens. The contract
// does not expose the claimed flag.
func (l *Ledger) InvestorAllocation(ctx context.Context, investor common.Address) (ledger.Allocation, error) {
	tokens, err := l.allocationAt(ctx, investor, nil)
	if err != nil {
		return ledger.Allocation{}, err
	}
	return ledger.Allocation{Tokens: tokens}, nil
}

// Allowance reads the ERC-20 allowance from owner to spender.
func (l *Ledger) Allowance(ctx context.Context, owner, spender common.Address, k asset.Kind) (amount.Amount, error) {
	a, err := l.stablecoin(k)
	if err != nil {
		return amount.Amount{}, err
	}
	v, err := l.call(ctx, a.Address, erc20ABI, nil, "allowance", owner, spender)
	if err != nil {
		return amount.Amount{}, err
	}
	return amount.FromBig(v, a.Decimals)
}

// EstimateNative reads the contract's native price for tokens.
func (l *Ledger) EstimateNative(ctx context.Context, tokens amount.Amount) (amount.Amount, error) {
	v, err := l.callUint(ctx, nil, "estimatedEthAmountForTokenAmount", tokens.Big())
	if err != nil {
		return amount.Amount{}, err
	}
	return amount.FromBig(v, asset.TokenDecimals)
}

// EstimateTokensForNative reads how many tokens a native payment buys.
func (l *Ledger) EstimateTokensForNative(ctx context.Context, value amount.Amount) (amount.Amount, error) {
	v, err := l.callUint(ctx, nil, "estimatedTokenAmountAvailableWithETH", value.Big())
	if err != nil {
		return amount.Amount{}, err
	}
	return amount.FromBig(v, asset.TokenDecimals)
}

// RemainingTimes reads the contract's countdowns to start, end and claim.
func (l *Ledger) RemainingTimes(ctx context.Context) (start, end, claim time.Duration, err error) {
	out := make([]time.Duration, 3)
	for i, m := range []string{"getRemainingTimeForPresaleStart", "getRemainingTimeForPresaleEnd", "getRemainingTimeForClaimStart"} {
		v, err := l.callUint(ctx, nil, m)
		if err != nil {
			return 0, 0, 0, err
		}
		out[i] = time.Duration(v.Int64()) * time.Second
	}
	return out[0], out[1], out[2], nil
}

// ApproveAllowance submits an ERC-20 approve from owner.
func (l *Ledger) ApproveAllowance(ctx context.Context, owner common.Address, k asset.Kind, spender common.Address, amt amount.Amount) (ledger.Pending, error) {
	a, err := l.stablecoin(k)
	if err != nil {
		return nil, err
	}
	data, err := erc20ABI.Pack("approve", spender, amt.Big())
	if err != nil {
		return nil, fmt.Errorf("evm: pack approve: %w", err)
	}
	op := ledger.Operation{From: owner, To: a.Address, Value: new(big.Int), Data: data}
	return l.submit(ctx, op, func(ctx context.Context, r *gethtypes.Receipt) (ledger.Settlement, error) {
		return ledger.Settlement{
			Tokens:   amount.Zero(asset.TokenDecimals),
			Payment:  amt,
			Refunded: amount.Zero(a.Decimals),
		}, nil
	})
}

// TransferIn submits buyWith<asset>(tokens). The contract pulls the payment
// under the sender's allowance.
func (l *Ledger) TransferIn(ctx context.Context, from common.Address, k asset.Kind, tokens, payment amount.Amount) (ledger.Pending, error) {
	a, err := l.stablecoin(k)
	if err != nil {
		return nil, err
	}
	method, ok := buyMethods[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", asset.ErrUnsupportedAsset, k)
	}
	data, err := presaleABI.Pack(method, tokens.Big())
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	op := ledger.Operation{From: from, To: l.contract, Value: new(big.Int), Data: data}
	return l.submit(ctx, op, func(ctx context.Context, r *gethtypes.Receipt) (ledger.Settlement, error) {
		granted, err := l.grantedIn(ctx, from, r)
		if err != nil {
			return ledger.Settlement{}, err
		}
		paid, ok := transferredTo(r, a.Address, from, l.contract)
		if !ok {
			return ledger.Settlement{}, fmt.Errorf("%w: no %s transfer to the sale contract in %s", ledger.ErrReverted, k, r.TxHash.Hex())
		}
		payAmt, err := amount.FromBig(paid, a.Decimals)
		if err != nil {
			return ledger.Settlement{}, err
		}
		return ledger.Settlement{Tokens: granted, Payment: payAmt, Refunded: amount.Zero(a.Decimals)}, nil
	})
}

// PayWithNative submits buyWithETH carrying value. The contract keeps the
// whole value and credits tokens for all of it.
func (l *Ledger) PayWithNative(ctx context.Context, from common.Address, tokens, value amount.Amount) (ledger.Pending, error) {
	data, err := presaleABI.Pack("buyWithETH")
	if err != nil {
		return nil, fmt.Errorf("evm: pack buyWithETH: %w", err)
	}
	op := ledger.Operation{From: from, To: l.contract, Value: value.Big(), Data: data}
	return l.submit(ctx, op, func(ctx context.Context, r *gethtypes.Receipt) (ledger.Settlement, error) {
		granted, err := l.grantedIn(ctx, from, r)
		if err != nil {
			return ledger.Settlement{}, err
		}
		return ledger.Settlement{Tokens: granted, Payment: value, Refunded: amount.Zero(value.Decimals())}, nil
	})
}

// TransferOut submits claim(to).
func (l *Ledger) TransferOut(ctx context.Context, to common.Address, tokens amount.Amount) (ledger.Pending, error) {
	data, err := presaleABI.Pack("claim", to)
	if err != nil {
		return nil, fmt.Errorf("evm: pack claim: %w", err)
	}
	op := ledger.Operation{From: to, To: l.contract, Value: new(big.Int), Data: data}
	return l.submit(ctx, op, func(ctx context.Context, r *gethtypes.Receipt) (ledger.Settlement, error) {
		return ledger.Settlement{Tokens: tokens, Payment: amount.Zero(0), Refunded: amount.Zero(0)}, nil
	})
}

type settleFunc func(ctx context.Context, r *gethtypes.Receipt) (ledger.Settlement, error)

func (l *Ledger) submit(ctx context.Context, op ledger.Operation, settle settleFunc) (ledger.Pending, error) {
	hash, err := l.wallet.Submit(ctx, op)
	if err != nil {
		return nil, classifySubmitError(err)
	}
	return ledger.PendingFunc{
		ID: hash.Hex(),
		WaitFn: func(ctx context.Context) (ledger.Settlement, error) {
			r, err := l.awaitReceipt(ctx, hash)
			if err != nil {
				return ledger.Settlement{}, err
			}
			if r.Status != gethtypes.ReceiptStatusSuccessful {
				return ledger.Settlement{}, l.revertReason(ctx, op, r)
			}
			s, err := settle(ctx, r)
			if err != nil {
				return ledger.Settlement{}, err
			}
			s.TxID = hash.Hex()
			s.SettledAt = l.now()
			return s, nil
		},
	}, nil
}

func (l *Ledger) awaitReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		r, err := l.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && r != nil:
			return r, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("%w: fetch receipt %s: %v", ledger.ErrUnavailable, hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for %s: %v", ledger.ErrUnavailable, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// revertReason replays a failed operation against the parent block to
// recover the contract's revert message.
func (l *Ledger) revertReason(ctx context.Context, op ledger.Operation, r *gethtypes.Receipt) error {
	var parent *big.Int
	if r.BlockNumber != nil && r.BlockNumber.Sign() > 0 {
		parent = new(big.Int).Sub(r.BlockNumber, big.NewInt(1))
	}
	to := op.To
	_, err := l.client.CallContract(ctx, ethereum.CallMsg{From: op.From, To: &to, Value: op.Value, Data: op.Data}, parent)
	if err == nil {
		return fmt.Errorf("%w: %s", ledger.ErrReverted, r.TxHash.Hex())
	}
	return classifyRevert(err.Error())
}

// grantedIn returns the allocation increase made in the receipt's block.
func (l *Ledger) grantedIn(ctx context.Context, investor common.Address, r *gethtypes.Receipt) (amount.Amount, error) {
	if r.BlockNumber == nil || r.BlockNumber.Sign() == 0 {
		return amount.Amount{}, fmt.Errorf("%w: receipt %s has no block", ledger.ErrUnavailable, r.TxHash.Hex())
	}
	after, err := l.allocationAt(ctx, investor, r.BlockNumber)
	if err != nil {
		return amount.Amount{}, err
	}
	before, err := l.allocationAt(ctx, investor, new(big.Int).Sub(r.BlockNumber, big.NewInt(1)))
	if err != nil {
		return amount.Amount{}, err
	}
	return after.SaturatingSub(before)
}

func (l *Ledger) allocationAt(ctx context.Context, investor common.Address, block *big.Int) (amount.Amount, error) {
	v, err := l.callUint(ctx, block, "getTokenAmountForInvestor", investor)
	if err != nil {
		return amount.Amount{}, err
	}
	return amount.FromBig(v, asset.TokenDecimals)
}

func (l *Ledger) callUint(ctx context.Context, block *big.Int, method string, args ...interface{}) (*big.Int, error) {
	return l.call(ctx, l.contract, presaleABI, block, method, args...)
}

func (l *Ledger) call(ctx context.Context, to common.Address, contract abi.ABI, block *big.Int, method string, args ...interface{}) (*big.Int, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("%w: call %s: %v", ledger.ErrUnavailable, method, err)
	}
	vals, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("evm: %s returned %d values", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: %s returned %T", method, vals[0])
	}
	return v, nil
}

func (l *Ledger) stablecoin(k asset.Kind) (asset.Asset, error) {
	a, err := l.assets.Get(k)
	if err != nil {
		return asset.Asset{}, err
	}
	if a.IsNative() {
		return asset.Asset{}, fmt.Errorf("%w: %s has no allowance", asset.ErrUnsupportedAsset, k)
	}
	return a, nil
}

// transferredTo sums ERC-20 Transfer logs emitted by token from -> to.
func transferredTo(r *gethtypes.Receipt, token, from, to common.Address) (*big.Int, bool) {
	total := new(big.Int)
	found := false
	for _, log := range r.Logs {
		if log == nil || log.Address != token || len(log.Topics) < 3 {
			continue
		}
		if log.Topics[0] != transferEventSignature {
			continue
		}
		if common.BytesToAddress(log.Topics[1].Bytes()) != from || common.BytesToAddress(log.Topics[2].Bytes()) != to {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(log.Data))
		found = true
	}
	return total, found
}

func unixTime(v *big.Int) time.Time {
	if v == nil || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
