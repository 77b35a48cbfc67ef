// Package asset defines the closed set of payment assets a presale accepts,
// their precision and ledger identifiers, and symbol parsing.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Kind identifies a payment asset variant. Adding an asset is adding a Kind.
type Kind uint8

const (
	Native Kind = iota + 1
	USDT
	USDC
	DAI
)

// TokenDecimals is the precision of the token being sold.
const TokenDecimals uint8 = 18

// Strategy selects how a payment is quoted for an asset.
type Strategy uint8

const (
	// StrategyLinear is a fixed unit price agreed in the same step as submission.
	StrategyLinear Strategy = iota + 1
	// StrategyBuffered adds an overpayment buffer to absorb ledger-side price movement.
	StrategyBuffered
)

var kindSymbols = map[Kind]string{
	Native: "ETH",
	USDT:   "USDT",
	USDC:   "USDC",
	DAI:    "DAI",
}

var symbolAliases = map[string]Kind{
	"ETH":    Native,
	"NATIVE": Native,
	"USDT":   USDT,
	"USDC":   USDC,
	"DAI":    DAI,
}

var symbolRegex = regexp.MustCompile(`^[A-Za-z]{2,10}$`)

var (
	ErrUnsupportedAsset = errors.New("asset: unsupported payment asset")
	ErrInvalidSymbol    = errors.New("asset: invalid symbol")
	ErrInvalidAddress   = errors.New("asset: invalid address")
)

// String returns the canonical symbol.
func (k Kind) String() string {
	if s, ok := kindSymbols[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k is a known variant.
func (k Kind) Valid() bool {
	_, ok := kindSymbols[k]
	return ok
}

// Strategy returns the quoting strategy for the variant.
func (k Kind) Strategy() Strategy {
	if k == Native {
		return StrategyBuffered
	}
	return StrategyLinear
}

// MarshalText encodes the kind as its symbol.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAsset, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a symbol.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Parse resolves a payment asset symbol, case-insensitively.
func Parse(symbol string) (Kind, error) {
	s := strings.TrimSpace(symbol)
	if !symbolRegex.MatchString(s) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	k, ok := symbolAliases[strings.ToUpper(s)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedAsset, s)
	}
	return k, nil
}

// Asset is immutable reference data for one payment asset. It carries
// identity and precision only, never a quantity.
type Asset struct {
	Kind     Kind           `json:"kind"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
	Address  common.Address `json:"address"`
}

// IsNative reports whether the asset is the chain's native currency.
func (a Asset) IsNative() bool { return a.Kind == Native }

// Registry is the set of assets a sale accepts.
type Registry struct {
	assets map[Kind]Asset
}

// NewRegistry validates and indexes the given assets.
func NewRegistry(assets ...Asset) (*Registry, error) {
	r := &Registry{assets: make(map[Kind]Asset, len(assets))}
	for _, a := range assets {
		if !a.Kind.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedAsset, uint8(a.Kind))
		}
		if _, dup := r.assets[a.Kind]; dup {
			return nil, fmt.Errorf("asset: duplicate %s", a.Kind)
		}
		if !a.IsNative() && a.Address == (common.Address{}) {
			return nil, fmt.Errorf("%w: %s requires a token address", ErrInvalidAddress, a.Kind)
		}
		if a.Symbol == "" {
			a.Symbol = a.Kind.String()
		}
		r.assets[a.Kind] = a
	}
	if len(r.assets) == 0 {
		return nil, errors.New("asset: at least one payment asset is required")
	}
	return r, nil
}

// Get returns the asset for a kind.
func (r *Registry) Get(k Kind) (Asset, error) {
	a, ok := r.assets[k]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, k)
	}
	return a, nil
}

// Lookup parses a symbol and returns the registered asset.
func (r *Registry) Lookup(symbol string) (Asset, error) {
	k, err := Parse(symbol)
	if err != nil {
		return Asset{}, err
	}
	return r.Get(k)
}

// ByAddress finds the stablecoin registered at a token address.
func (r *Registry) ByAddress(addr common.Address) (Asset, bool) {
	for _, a := range r.assets {
		if !a.IsNative() && a.Address == addr {
			return a, true
		}
	}
	return Asset{}, false
}

// All returns the registered assets ordered by kind.
func (r *Registry) All() []Asset {
	out := make([]Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// ParseAddress validates a hex account or contract address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	return addr, nil
}

// Sepolia returns the payment assets of the reference testnet deployment.
// Stablecoins use 6 decimals in this domain.
func Sepolia() *Registry {
	r, err := NewRegistry(
		Asset{Kind: Native, Symbol: "ETH", Decimals: 18},
		Asset{Kind: USDT, Symbol: "USDT", Decimals: 6, Address: common.HexToAddress("0xaA8E23Fb1079EA71e0a56F48a2aA51851D8433D0")},
		Asset{Kind: USDC, Symbol: "USDC", Decimals: 6, Address: common.HexToAddress("0x94a9D9AC8a22534E3FaCa9F4e7F2E2cf85d5E4C8")},
		Asset{Kind: DAI, Symbol: "DAI", Decimals: 6, Address: common.HexToAddress("0xFF34B3d4Aee8ddCd6F9AFFFB6Fe49bD371b8a357")},
	)
	if err != nil {
		panic(err)
	}
	return r
}
