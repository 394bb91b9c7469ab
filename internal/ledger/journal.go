package ledger

import (
	"fmt"

	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeTradeFee
	JournalTypeRealizedPnL
	JournalTypeFunding
	JournalTypeLiquidationFee
	JournalTypeRepegCost
	JournalTypeDeficitCoverage
	JournalTypeBadDebt
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeTradeFee:
		return "trade_fee"
	case JournalTypeRealizedPnL:
		return "realized_pnl"
	case JournalTypeFunding:
		return "funding"
	case JournalTypeLiquidationFee:
		return "liquidation_fee"
	case JournalTypeRepegCost:
		return "repeg_cost"
	case JournalTypeDeficitCoverage:
		return "deficit_coverage"
	case JournalTypeBadDebt:
		return "bad_debt"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID    // Deterministic: derived from batch and index
	BatchID       uuid.UUID    // Groups the entries of one operation
	EventRef      string       // Idempotency key of the source instruction
	Sequence      int64        // Engine sequence
	DebitAccount  AccountKey   // Balance increases
	CreditAccount AccountKey   // Balance decreases
	Amount        fpmath.Fixed // ALWAYS positive
	JournalType   JournalType
	Timestamp     int64
}

// Batch represents the journal entries produced by one operation
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each entry moves a single positive amount from credit to debit, so every
// entry, and therefore the batch, is balanced by construction.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}
	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (b *Batch) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16+len(b.Journals)*96)
	buf = append(buf, b.BatchID[:]...)
	for _, j := range b.Journals {
		buf = append(buf, j.JournalID[:]...)
		buf = append(buf, j.DebitAccount.AccountPath()...)
		buf = append(buf, 0)
		buf = append(buf, j.CreditAccount.AccountPath()...)
		buf = append(buf, 0)
		buf = appendInt64LE(buf, j.Amount.Raw())
		buf = append(buf, byte(j.JournalType))
	}
	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
