package amount

import (
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
)

func u(s string, decimals uint8) Amount {
	return MustUnits(s, decimals)
}

func TestParse_ScalesToUnits(t *testing.T) {
	a, err := Parse("1000.5", 18)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Units() != "1000500000000000000000" {
		t.Errorf("expected 1000.5e18 units, got %s", a.Units())
	}
	if a.String() != "1000.5" {
		t.Errorf("expected display 1000.5, got %s", a.String())
	}
}

func TestParse_RejectsExcessPrecision(t *testing.T) {
	_, err := Parse("0.0000001", 6)
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for 7 fractional digits at 6 decimals, got %v", err)
	}
}

func TestParse_RejectsNegative(t *testing.T) {
	if _, err := Parse("-1", 6); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for negative input, got %v", err)
	}
}

func TestFromBig_Overflow(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := FromBig(tooBig, 0); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow for 2^256, got %v", err)
	}
}

func TestConvert_UpIsLossless(t *testing.T) {
	a := New(1_500_000, 6) // 1.5 at 6 decimals
	out, err := a.Convert(18)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Units() != "1500000000000000000" {
		t.Errorf("expected 1.5e18 units, got %s", out.Units())
	}
	if !out.Equal(a) {
		t.Errorf("converted value should compare equal to source")
	}
}

func TestConvert_DownTruncates(t *testing.T) {
	a := u("1999999999999999999", 18) // 1.999999999999999999
	out, err := a.Convert(6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Units() != "1999999" {
		t.Errorf("expected truncation to 1999999, got %s", out.Units())
	}
	if out.GreaterThan(a) {
		t.Errorf("truncated value must never exceed the source")
	}
}

func TestConvert_UpOverflows(t *testing.T) {
	huge := FromUint256(new(uint256.Int).Lsh(uint256.NewInt(1), 250), 0)
	if _, err := huge.Convert(18); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestConvert_FreeFunctionChecksSource(t *testing.T) {
	if _, err := Convert(New(1, 6), 18, 6); !errors.Is(err, ErrPrecisionMismatch) {
		t.Errorf("expected ErrPrecisionMismatch, got %v", err)
	}
}

func TestAdd_Overflow(t *testing.T) {
	full := FromUint256(new(uint256.Int).SetAllOne(), 0)
	if _, err := full.Add(New(1, 0)); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestAdd_PrecisionMismatch(t *testing.T) {
	if _, err := New(1, 6).Add(New(1, 18)); !errors.Is(err, ErrPrecisionMismatch) {
		t.Errorf("expected ErrPrecisionMismatch, got %v", err)
	}
}

func TestSub_Underflow(t *testing.T) {
	if _, err := New(1, 6).Sub(New(2, 6)); !errors.Is(err, ErrUnderflow) {
		t.Errorf("expected ErrUnderflow, got %v", err)
	}
	got, err := New(1, 6).SaturatingSub(New(2, 6))
	if err != nil || !got.IsZero() {
		t.Errorf("expected saturating zero, got %s (%v)", got.Units(), err)
	}
}

func TestMul_Overflow(t *testing.T) {
	large := FromUint256(new(uint256.Int).Lsh(uint256.NewInt(1), 200), 0)
	factor := new(uint256.Int).Lsh(uint256.NewInt(1), 60)
	if _, err := large.Mul(factor); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestDivFloor(t *testing.T) {
	got, err := New(10, 0).DivFloor(uint256.NewInt(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Units() != "3" {
		t.Errorf("expected floor(10/3)=3, got %s", got.Units())
	}
	if _, err := New(10, 0).DivFloor(uint256.NewInt(0)); !errors.Is(err, ErrDivideByZero) {
		t.Errorf("expected ErrDivideByZero, got %v", err)
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// (2^200 * 2^100) / 2^150 = 2^150: the product needs 300 bits.
	a := FromUint256(new(uint256.Int).Lsh(uint256.NewInt(1), 200), 0)
	num := new(uint256.Int).Lsh(uint256.NewInt(1), 100)
	den := new(uint256.Int).Lsh(uint256.NewInt(1), 150)
	got, err := a.MulDiv(num, den, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := new(uint256.Int).Lsh(uint256.NewInt(1), 150)
	if got.Uint256().Cmp(want) != 0 {
		t.Errorf("expected 2^150, got %s", got.Units())
	}
}

func TestCmp_AcrossPrecision(t *testing.T) {
	if New(1, 6).Cmp(u("1000000000000", 18)) != 0 {
		t.Errorf("1e-6 at 6 decimals should equal 1e12 units at 18 decimals")
	}
	if !New(2, 6).GreaterThan(u("1000000000000", 18)) {
		t.Errorf("2e-6 should exceed 1e-6")
	}
}

func TestDisplay_Truncates(t *testing.T) {
	a := u("123456789", 6) // 123.456789
	if got := a.Display(2); got != "123.45" {
		t.Errorf("expected 123.45, got %s", got)
	}
}

func TestMarshalJSON_EmitsUnits(t *testing.T) {
	b, err := New(42, 6).MarshalJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != `"42"` {
		t.Errorf("expected \"42\", got %s", b)
	}
}
