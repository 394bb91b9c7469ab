// internal/state/account.go
package state

import (
	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// CollateralAccount holds a trader's quote-asset collateral.
// Invariant: 0 <= Locked <= Total.
type CollateralAccount struct {
	Owner   uuid.UUID    `json:"owner"`
	Total   fpmath.Fixed `json:"total"`
	Locked  fpmath.Fixed `json:"locked"` // Initial margin held by open positions
	Version int64        `json:"version"`
}

// Free returns Total - Locked
func (a *CollateralAccount) Free() fpmath.Fixed {
	return a.Total - a.Locked
}

// CanonicalBytes for deterministic hashing
func (a *CollateralAccount) CanonicalBytes() []byte {
	buf := make([]byte, 0, 48)

	buf = append(buf, a.Owner[:]...)
	buf = appendInt64LE(buf, a.Total.Raw())
	buf = appendInt64LE(buf, a.Locked.Raw())
	buf = appendInt64LE(buf, a.Version)

	return buf
}
