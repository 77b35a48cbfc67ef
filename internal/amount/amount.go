// Package amount implements fixed-point asset quantities: a non-negative
// integer count of base units scaled by a decimal precision.
//
// Every monetary and token quantity on the path to a purchase or claim is an
// Amount. Arithmetic is integer-only and overflow-checked against the 256-bit
// range the ledger itself uses; shopspring/decimal is used only to parse and
// render human-readable values.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// MaxDecimals is the largest precision whose scale factor fits in 256 bits.
const MaxDecimals = 77

var (
	// ErrOverflow is returned when a result exceeds the representable range.
	ErrOverflow = errors.New("amount: overflow")

	// ErrUnderflow is returned when a subtraction would go below zero.
	ErrUnderflow = errors.New("amount: underflow")

	// ErrDivideByZero is returned by DivFloor and MulDiv with a zero divisor.
	ErrDivideByZero = errors.New("amount: division by zero")

	// ErrPrecisionMismatch is returned when combining amounts of different precision.
	ErrPrecisionMismatch = errors.New("amount: precision mismatch")

	// ErrInvalid is returned for malformed, negative, or over-precise input.
	ErrInvalid = errors.New("amount: invalid value")
)

var pow10 [MaxDecimals + 1]uint256.Int

func init() {
	pow10[0].SetOne()
	ten := uint256.NewInt(10)
	for i := 1; i <= MaxDecimals; i++ {
		pow10[i].Mul(&pow10[i-1], ten)
	}
}

// Scale returns 10^decimals.
func Scale(decimals uint8) (*uint256.Int, error) {
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("%w: %d decimals", ErrOverflow, decimals)
	}
	return new(uint256.Int).Set(&pow10[decimals]), nil
}

// Amount is an immutable quantity of base units at a fixed precision.
// The zero value is zero units at precision 0.
type Amount struct {
	raw      uint256.Int
	decimals uint8
}

// Zero returns zero units at the given precision.
func Zero(decimals uint8) Amount {
	return Amount{decimals: decimals}
}

// New returns an amount of raw base units.
func New(units uint64, decimals uint8) Amount {
	var a Amount
	a.raw.SetUint64(units)
	a.decimals = decimals
	return a
}

// FromUint256 copies a 256-bit unit count.
func FromUint256(units *uint256.Int, decimals uint8) Amount {
	var a Amount
	if units != nil {
		a.raw.Set(units)
	}
	a.decimals = decimals
	return a
}

// FromBig converts a big.Int unit count. Negative values are rejected.
func FromBig(units *big.Int, decimals uint8) (Amount, error) {
	if units == nil {
		return Zero(decimals), nil
	}
	if units.Sign() < 0 {
		return Amount{}, fmt.Errorf("%w: negative units %s", ErrInvalid, units)
	}
	v, overflow := uint256.FromBig(units)
	if overflow {
		return Amount{}, fmt.Errorf("%w: %s does not fit in 256 bits", ErrOverflow, units)
	}
	return FromUint256(v, decimals), nil
}

// FromUnits parses a base-10 integer count of base units.
func FromUnits(units string, decimals uint8) (Amount, error) {
	s := strings.TrimSpace(units)
	if s == "" {
		return Amount{}, fmt.Errorf("%w: empty", ErrInvalid)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q: %v", ErrInvalid, units, err)
	}
	return FromUint256(v, decimals), nil
}

// MustUnits is FromUnits for constants; it panics on malformed input.
func MustUnits(units string, decimals uint8) Amount {
	a, err := FromUnits(units, decimals)
	if err != nil {
		panic(err)
	}
	return a
}

// Parse reads a human-readable value such as "1000.5" and scales it to base
// units. Input with more fractional digits than the precision allows is
// rejected rather than silently truncated.
func Parse(value string, decimals uint8) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalid, value)
	}
	return FromDecimal(d, decimals)
}

// FromDecimal scales a decimal value to base units at the given precision.
func FromDecimal(d decimal.Decimal, decimals uint8) (Amount, error) {
	if d.IsNegative() {
		return Amount{}, fmt.Errorf("%w: negative value %s", ErrInvalid, d)
	}
	if decimals > MaxDecimals {
		return Amount{}, fmt.Errorf("%w: %d decimals", ErrOverflow, decimals)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return Amount{}, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalid, d, decimals)
	}
	return FromBig(shifted.BigInt(), decimals)
}

// Decimals returns the precision.
func (a Amount) Decimals() uint8 { return a.decimals }

// Uint256 returns a copy of the unit count.
func (a Amount) Uint256() *uint256.Int { return new(uint256.Int).Set(&a.raw) }

// Big returns the unit count as a big.Int.
func (a Amount) Big() *big.Int { return a.raw.ToBig() }

// Units returns the unit count in base 10.
func (a Amount) Units() string { return a.raw.Dec() }

// IsZero reports whether the amount is zero units.
func (a Amount) IsZero() bool { return a.raw.IsZero() }

// Decimal returns the human-readable value. Display use only.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.raw.ToBig(), -int32(a.decimals))
}

// String renders the human-readable value, e.g. "1000.5".
func (a Amount) String() string {
	return a.Decimal().String()
}

// Display renders the value truncated to places fractional digits.
func (a Amount) Display(places int32) string {
	return a.Decimal().RoundDown(places).StringFixed(places)
}

// MarshalJSON encodes the unit count as a JSON string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.raw.Dec() + `"`), nil
}

// Cmp compares two amounts by value, aligning precision first.
func (a Amount) Cmp(b Amount) int {
	if a.decimals == b.decimals {
		return a.raw.Cmp(&b.raw)
	}
	x, y := a.raw.ToBig(), b.raw.ToBig()
	if a.decimals < b.decimals {
		x.Mul(x, pow10[b.decimals-a.decimals].ToBig())
	} else {
		y.Mul(y, pow10[a.decimals-b.decimals].ToBig())
	}
	return x.Cmp(y)
}

// Equal reports whether both amounts have the same value.
func (a Amount) Equal(b Amount) bool { return a.Cmp(b) == 0 }

// LessThan reports a < b.
func (a Amount) LessThan(b Amount) bool { return a.Cmp(b) < 0 }

// GreaterThan reports a > b.
func (a Amount) GreaterThan(b Amount) bool { return a.Cmp(b) > 0 }

// Add returns a + b. Both operands must share a precision.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.decimals != b.decimals {
		return Amount{}, mismatch(a, b)
	}
	var out Amount
	out.decimals = a.decimals
	if _, overflow := out.raw.AddOverflow(&a.raw, &b.raw); overflow {
		return Amount{}, fmt.Errorf("%w: %s + %s", ErrOverflow, a.Units(), b.Units())
	}
	return out, nil
}

// Sub returns a - b, failing with ErrUnderflow when b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.decimals != b.decimals {
		return Amount{}, mismatch(a, b)
	}
	var out Amount
	out.decimals = a.decimals
	if _, underflow := out.raw.SubOverflow(&a.raw, &b.raw); underflow {
		return Amount{}, fmt.Errorf("%w: %s - %s", ErrUnderflow, a.Units(), b.Units())
	}
	return out, nil
}

// SaturatingSub returns a - b, or zero when b > a.
func (a Amount) SaturatingSub(b Amount) (Amount, error) {
	if a.Cmp(b) <= 0 && a.decimals == b.decimals {
		return Zero(a.decimals), nil
	}
	return a.Sub(b)
}

// Mul returns a scaled by an integer factor.
func (a Amount) Mul(factor *uint256.Int) (Amount, error) {
	var out Amount
	out.decimals = a.decimals
	if _, overflow := out.raw.MulOverflow(&a.raw, factor); overflow {
		return Amount{}, fmt.Errorf("%w: %s * %s", ErrOverflow, a.Units(), factor.Dec())
	}
	return out, nil
}

// DivFloor returns a divided by an integer divisor, truncated toward zero.
func (a Amount) DivFloor(divisor *uint256.Int) (Amount, error) {
	if divisor == nil || divisor.IsZero() {
		return Amount{}, ErrDivideByZero
	}
	var out Amount
	out.decimals = a.decimals
	out.raw.Div(&a.raw, divisor)
	return out, nil
}

// MulDiv returns floor(a * num / den) at the given output precision. The
// intermediate product is computed at 512 bits, so only a final result that
// does not fit in 256 bits overflows.
func (a Amount) MulDiv(num, den *uint256.Int, decimals uint8) (Amount, error) {
	if den == nil || den.IsZero() {
		return Amount{}, ErrDivideByZero
	}
	var out Amount
	out.decimals = decimals
	if _, overflow := out.raw.MulDivOverflow(&a.raw, num, den); overflow {
		return Amount{}, fmt.Errorf("%w: %s * %s / %s", ErrOverflow, a.Units(), num.Dec(), den.Dec())
	}
	return out, nil
}

// Convert rescales to another precision. Increasing precision is lossless
// (but may overflow); decreasing precision truncates toward zero so a
// conversion never credits more than the source value.
func (a Amount) Convert(decimals uint8) (Amount, error) {
	switch {
	case decimals == a.decimals:
		return a, nil
	case decimals > a.decimals:
		if decimals > MaxDecimals {
			return Amount{}, fmt.Errorf("%w: %d decimals", ErrOverflow, decimals)
		}
		out, err := a.Mul(&pow10[decimals-a.decimals])
		if err != nil {
			return Amount{}, err
		}
		out.decimals = decimals
		return out, nil
	default:
		out, err := a.DivFloor(&pow10[a.decimals-decimals])
		if err != nil {
			return Amount{}, err
		}
		out.decimals = decimals
		return out, nil
	}
}

// Convert is the free-function form of Amount.Convert.
func Convert(a Amount, from, to uint8) (Amount, error) {
	if a.decimals != from {
		return Amount{}, fmt.Errorf("%w: amount has %d decimals, expected %d", ErrPrecisionMismatch, a.decimals, from)
	}
	return a.Convert(to)
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

func mismatch(a, b Amount) error {
	return fmt.Errorf("%w: %d vs %d decimals", ErrPrecisionMismatch, a.decimals, b.decimals)
}
