// Package errs holds the clearing house error taxonomy. Every operation
// returns exactly one of these (possibly wrapped) or a fixed-point MathError.
package errs

import (
	"errors"
	"fmt"

	fpmath "PerpClearing/internal/math"
)

var (
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInvalidOracleData      = errors.New("invalid oracle data")
	ErrInvalidPeg             = errors.New("invalid peg")
	ErrInvalidPositionSize    = errors.New("invalid position size")
	ErrSlippageExceeded       = errors.New("slippage exceeded")
	ErrNotLiquidatable        = errors.New("account not liquidatable")

	ErrFundingNotDue  = errors.New("funding not due")
	ErrTriggerNotMet  = errors.New("order trigger not met")
	ErrUnknownMarket  = errors.New("unknown market")
	ErrUnknownAccount = errors.New("unknown collateral account")
	ErrMarketExists   = errors.New("market already exists")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidOrder   = errors.New("invalid order")
	ErrMalformed      = errors.New("malformed instruction")
)

// Oracle sub-kinds. Both satisfy errors.Is(err, ErrInvalidOracleData).
var (
	ErrOracleStale         = fmt.Errorf("%w: stale", ErrInvalidOracleData)
	ErrOracleLowConfidence = fmt.Errorf("%w: low confidence", ErrInvalidOracleData)
)

// Code maps an error to a stable identifier for API responses and
// rejection events. Order matters: specific kinds are tested before
// their parents.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, fpmath.ErrOverflow):
		return "math_overflow"
	case errors.Is(err, fpmath.ErrUnderflow):
		return "math_underflow"
	case errors.Is(err, fpmath.ErrDivisionByZero):
		return "math_division_by_zero"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrOracleStale):
		return "oracle_stale"
	case errors.Is(err, ErrOracleLowConfidence):
		return "oracle_low_confidence"
	case errors.Is(err, ErrInvalidOracleData):
		return "invalid_oracle_data"
	case errors.Is(err, ErrInvalidPeg):
		return "invalid_peg"
	case errors.Is(err, ErrInvalidPositionSize):
		return "invalid_position_size"
	case errors.Is(err, ErrSlippageExceeded):
		return "slippage_exceeded"
	case errors.Is(err, ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, ErrFundingNotDue):
		return "funding_not_due"
	case errors.Is(err, ErrTriggerNotMet):
		return "trigger_not_met"
	case errors.Is(err, ErrUnknownMarket):
		return "unknown_market"
	case errors.Is(err, ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, ErrMarketExists):
		return "market_exists"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, fpmath.ErrPrecision):
		return "invalid_precision"
	default:
		return "internal"
	}
}
