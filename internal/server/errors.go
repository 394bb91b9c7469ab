package server

import (
	"net/http"

	"PerpClearing/internal/errs"
)

// httpStatus maps an error code to the response status. Business
// rejections are 422 so clients can tell them from malformed requests.
func httpStatus(code string) int {
	switch code {
	case "ok":
		return http.StatusOK
	case "malformed", "invalid_precision", "invalid_amount", "invalid_order",
		"invalid_position_size", "invalid_peg", "invalid_oracle_data":
		return http.StatusBadRequest
	case "unknown_market", "unknown_account":
		return http.StatusNotFound
	case "market_exists", "oracle_stale", "funding_not_due":
		return http.StatusConflict
	case "insufficient_collateral", "slippage_exceeded", "not_liquidatable",
		"trigger_not_met", "oracle_low_confidence",
		"math_overflow", "math_underflow", "math_division_by_zero":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func statusFor(err error) (int, string) {
	code := errs.Code(err)
	return httpStatus(code), code
}
