package ledger

import (
	"fmt"

	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	total, err := v.tracker.ComputeGlobalBalance()
	if err != nil {
		return fmt.Errorf("global balance: %w", err)
	}
	if total != 0 {
		return fmt.Errorf("global balance is non-zero: %s", total)
	}
	return nil
}

// ValidateUserCollateral checks that the ledger mirrors the account total
func (v *InvariantValidator) ValidateUserCollateral(owner uuid.UUID, total fpmath.Fixed) error {
	if got := v.tracker.GetUserCollateral(owner); got != total {
		return fmt.Errorf("user %s collateral: ledger %s, account %s", owner, got, total)
	}
	return nil
}

// ValidateFeePool checks that the ledger mirrors the market fee pool
func (v *InvariantValidator) ValidateFeePool(marketID string, feePool fpmath.Fixed) error {
	if got := v.tracker.GetFeePool(marketID); got != feePool {
		return fmt.Errorf("market %s fee pool: ledger %s, market %s", marketID, got, feePool)
	}
	return nil
}
