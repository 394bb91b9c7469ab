package ledger

import (
	"fmt"
	"sort"

	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]fpmath.Fixed
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fpmath.Fixed),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) error {
	debit, err := fpmath.Add(bt.balances[j.DebitAccount], j.Amount)
	if err != nil {
		return fmt.Errorf("debit %s: %w", j.DebitAccount.AccountPath(), err)
	}
	credit, err := fpmath.Sub(bt.balances[j.CreditAccount], j.Amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", j.CreditAccount.AccountPath(), err)
	}
	bt.balances[j.DebitAccount] = debit
	bt.balances[j.CreditAccount] = credit
	return nil
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		if err := bt.ApplyJournal(j); err != nil {
			return fmt.Errorf("batch %s: %w", batch.BatchID, err)
		}
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Fixed {
	return bt.balances[key]
}

func (bt *BalanceTracker) GetUserCollateral(owner uuid.UUID) fpmath.Fixed {
	return bt.GetBalance(UserCollateral(owner))
}

func (bt *BalanceTracker) GetFeePool(marketID string) fpmath.Fixed {
	return bt.GetBalance(MarketAccount(marketID, SubTypeFeePool))
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() (fpmath.Fixed, error) {
	var total fpmath.Fixed
	for _, balance := range bt.balances {
		var err error
		if total, err = fpmath.Add(total, balance); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]fpmath.Fixed {
	snapshot := make(map[AccountKey]fpmath.Fixed, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// BalanceEntry is one balance in serializable form
type BalanceEntry struct {
	Key     AccountKey   `json:"key"`
	Balance fpmath.Fixed `json:"balance"`
}

// Entries returns all non-zero balances ordered by account path.
func (bt *BalanceTracker) Entries() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v != 0 {
			out = append(out, BalanceEntry{Key: k, Balance: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.AccountPath() < out[j].Key.AccountPath() })
	return out
}

// RestoreBalances replaces all balances with entries.
func (bt *BalanceTracker) RestoreBalances(entries []BalanceEntry) {
	bt.balances = make(map[AccountKey]fpmath.Fixed, len(entries))
	for _, e := range entries {
		bt.balances[e.Key] = e.Balance
	}
}
