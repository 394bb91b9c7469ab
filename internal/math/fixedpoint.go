// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// Fixed is a signed fixed-point number stored as an int64 scaled by Scale.
// All arithmetic is checked and truncates toward zero.
type Fixed int64

const (
	Decimals       = 6
	Scale    int64 = 1_000_000
)

const (
	Zero Fixed = 0
	One  Fixed = Fixed(Scale)

	MaxValue Fixed = 1<<63 - 1
	MinValue Fixed = -1 << 63
)

var (
	ErrOverflow       = errors.New("math: overflow")
	ErrUnderflow      = errors.New("math: underflow")
	ErrDivisionByZero = errors.New("math: division by zero")
)

// MathError records which operation failed. It unwraps to one of
// ErrOverflow, ErrUnderflow or ErrDivisionByZero.
type MathError struct {
	Op  string
	Err error
}

func (e *MathError) Error() string {
	return fmt.Sprintf("fixed %s: %v", e.Op, e.Err)
}

func (e *MathError) Unwrap() error { return e.Err }

func opErr(op string, err error) error {
	return &MathError{Op: op, Err: err}
}

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

var bigScale = big.NewInt(Scale)

// fromBig narrows a widened result back to int64, reporting which bound was crossed.
func fromBig(op string, v *big.Int) (Fixed, error) {
	if v.IsInt64() {
		return Fixed(v.Int64()), nil
	}
	if v.Sign() > 0 {
		return 0, opErr(op, ErrOverflow)
	}
	return 0, opErr(op, ErrUnderflow)
}

// FromRaw wraps an already-scaled integer.
func FromRaw(raw int64) Fixed { return Fixed(raw) }

// FromInt converts a whole number to fixed point.
func FromInt(n int64) (Fixed, error) {
	return MulInt(One, n)
}

// Raw returns the scaled integer representation.
func (f Fixed) Raw() int64 { return int64(f) }

func (f Fixed) Sign() int {
	switch {
	case f > 0:
		return 1
	case f < 0:
		return -1
	default:
		return 0
	}
}

func (f Fixed) IsZero() bool     { return f == 0 }
func (f Fixed) IsPositive() bool { return f > 0 }
func (f Fixed) IsNegative() bool { return f < 0 }

// Add returns a + b.
func Add(a, b Fixed) (Fixed, error) {
	s := a + b
	if a > 0 && b > 0 && s < 0 {
		return 0, opErr("add", ErrOverflow)
	}
	if a < 0 && b < 0 && s >= 0 {
		return 0, opErr("add", ErrUnderflow)
	}
	return s, nil
}

// Sub returns a - b.
func Sub(a, b Fixed) (Fixed, error) {
	d := a - b
	if a >= 0 && b < 0 && d < 0 {
		return 0, opErr("sub", ErrOverflow)
	}
	if a < 0 && b > 0 && d >= 0 {
		return 0, opErr("sub", ErrUnderflow)
	}
	return d, nil
}

// Neg returns -a. The most negative value has no positive counterpart.
func Neg(a Fixed) (Fixed, error) {
	if int64(a) == -1<<63 {
		return 0, opErr("neg", ErrOverflow)
	}
	return -a, nil
}

// Abs returns |a|.
func Abs(a Fixed) (Fixed, error) {
	if a < 0 {
		return Neg(a)
	}
	return a, nil
}

// Mul returns a * b, widening before rescaling.
func Mul(a, b Fixed) (Fixed, error) {
	t := getInt128()
	defer putInt128(t)
	t.Mul(big.NewInt(int64(a)), big.NewInt(int64(b)))
	t.Quo(t, bigScale)
	return fromBig("mul", t)
}

// Div returns a / b.
func Div(a, b Fixed) (Fixed, error) {
	if b == 0 {
		return 0, opErr("div", ErrDivisionByZero)
	}
	t := getInt128()
	defer putInt128(t)
	t.Mul(big.NewInt(int64(a)), bigScale)
	t.Quo(t, big.NewInt(int64(b)))
	return fromBig("div", t)
}

// MulDiv returns a * b / c with a single truncation.
func MulDiv(a, b, c Fixed) (Fixed, error) {
	if c == 0 {
		return 0, opErr("muldiv", ErrDivisionByZero)
	}
	t := getInt128()
	defer putInt128(t)
	t.Mul(big.NewInt(int64(a)), big.NewInt(int64(b)))
	t.Quo(t, big.NewInt(int64(c)))
	return fromBig("muldiv", t)
}

// MulInt multiplies by a plain integer.
func MulInt(a Fixed, n int64) (Fixed, error) {
	t := getInt128()
	defer putInt128(t)
	t.Mul(big.NewInt(int64(a)), big.NewInt(n))
	return fromBig("mulint", t)
}

// QuoInt divides by a plain integer.
func QuoInt(a Fixed, n int64) (Fixed, error) {
	if n == 0 {
		return 0, opErr("quoint", ErrDivisionByZero)
	}
	if n == -1 {
		return Neg(a)
	}
	return a / Fixed(n), nil
}

// WideMul returns the exact product of the raw values. The result carries
// Scale squared and is used for invariants such as the AMM's k.
func WideMul(a, b Fixed) *big.Int {
	return new(big.Int).Mul(big.NewInt(int64(a)), big.NewInt(int64(b)))
}

// QuoWide divides a widened value by d, truncating toward zero.
func QuoWide(num *big.Int, d Fixed) (Fixed, error) {
	if d == 0 {
		return 0, opErr("quowide", ErrDivisionByZero)
	}
	t := getInt128()
	defer putInt128(t)
	t.Quo(num, big.NewInt(int64(d)))
	return fromBig("quowide", t)
}

func Min(a, b Fixed) Fixed {
	if a < b {
		return a
	}
	return b
}

func Max(a, b Fixed) Fixed {
	if a > b {
		return a
	}
	return b
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi Fixed) Fixed {
	return Max(lo, Min(v, hi))
}
