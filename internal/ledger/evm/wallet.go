package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/atmx/presale-engine/internal/ledger"
)

// RPCCaller is the subset of *rpc.Client the wallet uses.
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// RPCWallet delegates account selection and signing to a node or signer
// that holds the keys, through eth_accounts and eth_sendTransaction.
type RPCWallet struct {
	rpc RPCCaller
}

// DialWallet connects to the signer at endpoint.
func DialWallet(ctx context.Context, endpoint string) (*RPCWallet, error) {
	c, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: dial signer: %v", ledger.ErrUnavailable, err)
	}
	return NewRPCWallet(c), nil
}

// NewRPCWallet wraps an existing RPC connection.
func NewRPCWallet(c RPCCaller) *RPCWallet {
	return &RPCWallet{rpc: c}
}

// ActiveAddress returns the first account the signer exposes.
func (w *RPCWallet) ActiveAddress(ctx context.Context) (common.Address, error) {
	var accounts []common.Address
	if err := w.rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return common.Address{}, fmt.Errorf("%w: eth_accounts: %v", ledger.ErrUnavailable, err)
	}
	if len(accounts) == 0 {
		return common.Address{}, ledger.ErrNoAccount
	}
	return accounts[0], nil
}

type txArgs struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *hexutil.Big   `json:"value"`
	Data  hexutil.Bytes  `json:"data"`
}

// Submit asks the signer to sign and broadcast op.
func (w *RPCWallet) Submit(ctx context.Context, op ledger.Operation) (common.Hash, error) {
	if op.From == (common.Address{}) {
		return common.Hash{}, ledger.ErrNoAccount
	}
	value := op.Value
	if value == nil {
		value = new(big.Int)
	}
	args := txArgs{From: op.From, To: op.To, Value: (*hexutil.Big)(value), Data: op.Data}
	var hash common.Hash
	if err := w.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, err
	}
	if hash == (common.Hash{}) {
		return common.Hash{}, errors.New("evm: signer returned an empty transaction hash")
	}
	return hash, nil
}
