package math

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrPrecision is returned when a decimal carries more places than Decimals.
var ErrPrecision = errors.New("math: precision exceeds 6 decimal places")

// Decimal returns the exact decimal value of f.
func (f Fixed) Decimal() decimal.Decimal {
	return decimal.New(int64(f), -Decimals)
}

// String renders f with exactly Decimals places, e.g. "-1.500000".
func (f Fixed) String() string {
	return f.Decimal().StringFixed(Decimals)
}

// FromDecimal converts d exactly. It never rounds.
func FromDecimal(d decimal.Decimal) (Fixed, error) {
	if !d.Round(Decimals).Equal(d) {
		return 0, ErrPrecision
	}
	scaled := d.Shift(Decimals).BigInt()
	return fromBig("decimal", scaled)
}

// ParseFixed parses a decimal string such as "1.05" or "-250".
func ParseFixed(s string) (Fixed, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse fixed %q: %w", s, err)
	}
	f, err := FromDecimal(d)
	if err != nil {
		return 0, fmt.Errorf("parse fixed %q: %w", s, err)
	}
	return f, nil
}

// MustParse is ParseFixed for constants and tests. It panics on bad input.
func MustParse(s string) Fixed {
	f, err := ParseFixed(s)
	if err != nil {
		panic(err)
	}
	return f
}

// MarshalJSON encodes f as a quoted decimal string.
func (f Fixed) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON number.
func (f *Fixed) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := ParseFixed(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}
