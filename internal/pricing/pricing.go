// Package pricing implements the presale price oracle: a pure mapping between
// token amounts and payment amounts for every accepted payment asset.
//
// Prices are fixed linear rates expressed as payment base units per whole
// token. Every conversion truncates toward zero, so a quote never credits
// more tokens than were paid for:
//
//	payment = floor(tokens × unitPrice / 10^18)
//	tokens  = floor(payment × 10^18 / unitPrice)
//
// Native-asset purchases anchored on an exact token amount add an overpayment
// buffer on top of the forward quote, since the ledger's own native price can
// move or round between quote and execution.
package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
	"github.com/atmx/presale-engine/internal/model"
)

const (
	// BpsDenominator is 100% in basis points.
	BpsDenominator = 10_000

	// DefaultBufferBps is the native overpayment buffer (3%).
	DefaultBufferBps = 300
)

var (
	// ErrUnsupportedAsset is returned for an asset with no configured price.
	ErrUnsupportedAsset = errors.New("pricing: unsupported payment asset")

	// ErrZeroAmount is returned for zero input, or when a conversion
	// truncates to zero.
	ErrZeroAmount = errors.New("pricing: amount must be positive")

	// ErrInvalidPrice is returned for a zero unit price or one at the wrong precision.
	ErrInvalidPrice = errors.New("pricing: invalid unit price")

	// ErrInvalidBuffer is returned when the buffer exceeds 100%.
	ErrInvalidBuffer = errors.New("pricing: buffer must be between 0 and 10000 bps")
)

// Oracle converts between token and payment amounts. It is immutable;
// WithUnitPrice returns a refreshed copy.
type Oracle struct {
	assets     *asset.Registry
	quote      asset.Asset
	prices     map[asset.Kind]amount.Amount
	bufferBps  uint64
	tokenScale *uint256.Int
}

// NewOracle creates an oracle. prices maps each accepted asset to its price
// for one whole token, at that asset's precision. quote is the asset caps are
// denominated in; it must be priced.
func NewOracle(assets *asset.Registry, quote asset.Kind, prices map[asset.Kind]amount.Amount, bufferBps uint64) (*Oracle, error) {
	if bufferBps > BpsDenominator {
		return nil, ErrInvalidBuffer
	}
	quoteAsset, err := assets.Get(quote)
	if err != nil {
		return nil, fmt.Errorf("%w: quote asset %s", ErrUnsupportedAsset, quote)
	}
	scale, err := amount.Scale(asset.TokenDecimals)
	if err != nil {
		return nil, err
	}
	o := &Oracle{
		assets:     assets,
		quote:      quoteAsset,
		prices:     make(map[asset.Kind]amount.Amount, len(prices)),
		bufferBps:  bufferBps,
		tokenScale: scale,
	}
	for k, p := range prices {
		if err := o.setPrice(k, p); err != nil {
			return nil, err
		}
	}
	if _, ok := o.prices[quote]; !ok {
		return nil, fmt.Errorf("%w: quote asset %s has no price", ErrInvalidPrice, quote)
	}
	return o, nil
}

func (o *Oracle) setPrice(k asset.Kind, p amount.Amount) error {
	a, err := o.assets.Get(k)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, k)
	}
	if p.IsZero() {
		return fmt.Errorf("%w: %s price is zero", ErrInvalidPrice, k)
	}
	if p.Decimals() != a.Decimals {
		return fmt.Errorf("%w: %s price has %d decimals, asset has %d", ErrInvalidPrice, k, p.Decimals(), a.Decimals)
	}
	o.prices[k] = p
	return nil
}

// WithUnitPrice returns a copy of the oracle with one asset repriced.
func (o *Oracle) WithUnitPrice(k asset.Kind, p amount.Amount) (*Oracle, error) {
	cp := &Oracle{
		assets:     o.assets,
		quote:      o.quote,
		prices:     make(map[asset.Kind]amount.Amount, len(o.prices)),
		bufferBps:  o.bufferBps,
		tokenScale: o.tokenScale,
	}
	for kk, pp := range o.prices {
		cp.prices[kk] = pp
	}
	if err := cp.setPrice(k, p); err != nil {
		return nil, err
	}
	return cp, nil
}

// UnitPrice returns the price of one whole token in k.
func (o *Oracle) UnitPrice(k asset.Kind) (amount.Amount, error) {
	p, ok := o.prices[k]
	if !ok {
		return amount.Amount{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, k)
	}
	return p, nil
}

// QuoteAsset returns the asset caps are denominated in.
func (o *Oracle) QuoteAsset() asset.Asset { return o.quote }

// BufferBps returns the native overpayment buffer.
func (o *Oracle) BufferBps() uint64 { return o.bufferBps }

// Assets returns the registry the oracle prices against.
func (o *Oracle) Assets() *asset.Registry { return o.assets }

// QuoteForTokenAmount returns the payment owed for tokens in asset k.
func (o *Oracle) QuoteForTokenAmount(tokens amount.Amount, k asset.Kind) (amount.Amount, error) {
	price, err := o.UnitPrice(k)
	if err != nil {
		return amount.Amount{}, err
	}
	if err := checkTokens(tokens); err != nil {
		return amount.Amount{}, err
	}
	payment, err := tokens.MulDiv(price.Uint256(), o.tokenScale, price.Decimals())
	if err != nil {
		return amount.Amount{}, err
	}
	if payment.IsZero() {
		return amount.Amount{}, fmt.Errorf("%w: %s tokens cost less than one %s base unit", ErrZeroAmount, tokens, k)
	}
	return payment, nil
}

// QuoteForPaymentAmount returns the tokens a payment in asset k buys.
func (o *Oracle) QuoteForPaymentAmount(payment amount.Amount, k asset.Kind) (amount.Amount, error) {
	price, err := o.UnitPrice(k)
	if err != nil {
		return amount.Amount{}, err
	}
	if payment.IsZero() {
		return amount.Amount{}, ErrZeroAmount
	}
	if payment.Decimals() != price.Decimals() {
		return amount.Amount{}, fmt.Errorf("%w: %s payment has %d decimals, expected %d",
			amount.ErrPrecisionMismatch, k, payment.Decimals(), price.Decimals())
	}
	tokens, err := payment.MulDiv(o.tokenScale, price.Uint256(), asset.TokenDecimals)
	if err != nil {
		return amount.Amount{}, err
	}
	if tokens.IsZero() {
		return amount.Amount{}, fmt.Errorf("%w: payment %s %s buys no tokens", ErrZeroAmount, payment, k)
	}
	return tokens, nil
}

// QuoteTokensForEthPayment returns the tokens a native payment yields.
func (o *Oracle) QuoteTokensForEthPayment(payment amount.Amount) (amount.Amount, error) {
	return o.QuoteForPaymentAmount(payment, asset.Native)
}

// Buffered adds the overpayment buffer to a payment.
func (o *Oracle) Buffered(payment amount.Amount) (amount.Amount, error) {
	return payment.MulDiv(uint256.NewInt(BpsDenominator+o.bufferBps), uint256.NewInt(BpsDenominator), payment.Decimals())
}

// ValueOf converts a payment in asset k to quote-asset units at the
// configured rates, truncating.
func (o *Oracle) ValueOf(payment amount.Amount, k asset.Kind) (amount.Amount, error) {
	price, err := o.UnitPrice(k)
	if err != nil {
		return amount.Amount{}, err
	}
	if k == o.quote.Kind {
		return payment, nil
	}
	quotePrice := o.prices[o.quote.Kind]
	return payment.MulDiv(quotePrice.Uint256(), price.Uint256(), o.quote.Decimals)
}

// Quote prices an exact token amount. For buffered assets the submitted
// amount includes the overpayment buffer.
func (o *Oracle) Quote(tokens amount.Amount, k asset.Kind, now time.Time) (model.Quote, error) {
	payment, err := o.QuoteForTokenAmount(tokens, k)
	if err != nil {
		return model.Quote{}, err
	}
	submitted := payment
	if k.Strategy() == asset.StrategyBuffered {
		if submitted, err = o.Buffered(payment); err != nil {
			return model.Quote{}, err
		}
	}
	value, err := o.ValueOf(submitted, k)
	if err != nil {
		return model.Quote{}, err
	}
	return model.Quote{
		TokenAmount:    tokens,
		PaymentAmount:  payment,
		BufferedAmount: submitted,
		Asset:          k,
		QuoteValue:     value,
		QuotedAt:       now,
	}, nil
}

// QuoteForPayment prices a purchase anchored on a payment amount. No buffer
// applies: the payment is exactly what is submitted.
func (o *Oracle) QuoteForPayment(payment amount.Amount, k asset.Kind, now time.Time) (model.Quote, error) {
	tokens, err := o.QuoteForPaymentAmount(payment, k)
	if err != nil {
		return model.Quote{}, err
	}
	value, err := o.ValueOf(payment, k)
	if err != nil {
		return model.Quote{}, err
	}
	return model.Quote{
		TokenAmount:    tokens,
		PaymentAmount:  payment,
		BufferedAmount: payment,
		Asset:          k,
		QuoteValue:     value,
		QuotedAt:       now,
	}, nil
}

// UnitPriceFromDecimal scales a human-readable per-token price to a.
func UnitPriceFromDecimal(price decimal.Decimal, a asset.Asset) (amount.Amount, error) {
	p, err := amount.FromDecimal(price, a.Decimals)
	if err != nil {
		return amount.Amount{}, fmt.Errorf("%w: %s: %v", ErrInvalidPrice, a.Kind, err)
	}
	if p.IsZero() {
		return amount.Amount{}, fmt.Errorf("%w: %s price is zero", ErrInvalidPrice, a.Kind)
	}
	return p, nil
}

// DeriveUnitPrice converts a per-token price in the quote asset into a
// per-token price in a, given a's own price in the quote asset. The result
// is truncated to a's precision. Configuration use only.
func DeriveUnitPrice(tokenPrice, assetPrice decimal.Decimal, a asset.Asset) (amount.Amount, error) {
	if !assetPrice.IsPositive() {
		return amount.Amount{}, fmt.Errorf("%w: %s reference price must be positive", ErrInvalidPrice, a.Kind)
	}
	scaled := tokenPrice.Shift(int32(a.Decimals)).Div(assetPrice).Truncate(0)
	return UnitPriceFromDecimal(scaled.Shift(-int32(a.Decimals)), a)
}

func checkTokens(tokens amount.Amount) error {
	if tokens.Decimals() != asset.TokenDecimals {
		return fmt.Errorf("%w: token amount has %d decimals, expected %d",
			amount.ErrPrecisionMismatch, tokens.Decimals(), asset.TokenDecimals)
	}
	if tokens.IsZero() {
		return ErrZeroAmount
	}
	return nil
}
