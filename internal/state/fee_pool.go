package state

import fpmath "PerpClearing/internal/math"

// ComputeCoverage splits a deficit between what the market fee pool can
// absorb and what remains as bad debt. A non-positive pool covers nothing.
func ComputeCoverage(feePool, deficit fpmath.Fixed) (covered, remaining fpmath.Fixed) {
	if deficit <= 0 {
		return 0, 0
	}
	if feePool <= 0 {
		return 0, deficit
	}
	if feePool >= deficit {
		return deficit, 0
	}
	return feePool, deficit - feePool
}
