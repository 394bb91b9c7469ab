package ledger

import (
	"strconv"

	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// journalNamespace seeds deterministic batch and journal IDs so that
// replicas replaying the same instructions produce identical journals.
var journalNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("PerpClearing:journal:v1"))

// JournalGenerator accumulates the journal entries of one operation.
// Entries carry no IDs until Seal assigns them.
type JournalGenerator struct {
	timestamp int64
	journals  []Journal
}

func NewJournalGenerator(timestamp int64) *JournalGenerator {
	return &JournalGenerator{timestamp: timestamp}
}

// transfer moves amount from credit to debit. A negative amount reverses
// the direction; zero records nothing.
func (g *JournalGenerator) transfer(jt JournalType, debit, credit AccountKey, amount fpmath.Fixed) {
	if amount.IsZero() {
		return
	}
	if amount.IsNegative() {
		debit, credit = credit, debit
		amount = -amount
	}
	g.journals = append(g.journals, Journal{
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     g.timestamp,
	})
}

func (g *JournalGenerator) Deposit(owner uuid.UUID, amount fpmath.Fixed) {
	g.transfer(JournalTypeDeposit, UserCollateral(owner), ExternalAccount(SubTypeExternalDeposits), amount)
}

func (g *JournalGenerator) Withdrawal(owner uuid.UUID, amount fpmath.Fixed) {
	g.transfer(JournalTypeWithdrawal, ExternalAccount(SubTypeExternalWithdrawals), UserCollateral(owner), amount)
}

// TradeFee moves a taker fee from the trader to the market fee pool.
func (g *JournalGenerator) TradeFee(owner uuid.UUID, marketID string, fee fpmath.Fixed) {
	g.transfer(JournalTypeTradeFee, MarketAccount(marketID, SubTypeFeePool), UserCollateral(owner), fee)
}

// RealizedPnL settles against the vAMM: profit credits the trader.
func (g *JournalGenerator) RealizedPnL(owner uuid.UUID, marketID string, pnl fpmath.Fixed) {
	g.transfer(JournalTypeRealizedPnL, UserCollateral(owner), MarketAccount(marketID, SubTypeAMM), pnl)
}

// Funding records a settlement payment; positive means the trader pays
// the fee pool, which is the counterparty to the vAMM's net exposure.
func (g *JournalGenerator) Funding(owner uuid.UUID, marketID string, payment fpmath.Fixed) {
	g.transfer(JournalTypeFunding, MarketAccount(marketID, SubTypeFeePool), UserCollateral(owner), payment)
}

func (g *JournalGenerator) LiquidationFee(owner uuid.UUID, marketID string, fee fpmath.Fixed) {
	g.transfer(JournalTypeLiquidationFee, MarketAccount(marketID, SubTypeFeePool), UserCollateral(owner), fee)
}

// RepegCost moves a positive cost from the fee pool to the vAMM; a
// negative cost flows back to the pool.
func (g *JournalGenerator) RepegCost(marketID string, cost fpmath.Fixed) {
	g.transfer(JournalTypeRepegCost, MarketAccount(marketID, SubTypeAMM), MarketAccount(marketID, SubTypeFeePool), cost)
}

// DeficitCoverage refills a negative collateral balance from the fee pool.
func (g *JournalGenerator) DeficitCoverage(owner uuid.UUID, marketID string, amount fpmath.Fixed) {
	g.transfer(JournalTypeDeficitCoverage, UserCollateral(owner), MarketAccount(marketID, SubTypeFeePool), amount)
}

// BadDebt writes off the part of a deficit the fee pool could not cover.
func (g *JournalGenerator) BadDebt(owner uuid.UUID, marketID string, amount fpmath.Fixed) {
	g.transfer(JournalTypeBadDebt, UserCollateral(owner), MarketAccount(marketID, SubTypeBadDebt), amount)
}

// Journals returns a copy of the accumulated entries.
func (g *JournalGenerator) Journals() []Journal {
	out := make([]Journal, len(g.journals))
	copy(out, g.journals)
	return out
}

// Seal stamps journals with the instruction reference and engine sequence
// and derives deterministic IDs.
func Seal(journals []Journal, eventRef string, sequence int64, timestamp int64) *Batch {
	batchID := uuid.NewSHA1(journalNamespace, []byte(eventRef+":"+strconv.FormatInt(sequence, 10)))
	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, len(journals)),
	}
	for i, j := range journals {
		j.BatchID = batchID
		j.JournalID = uuid.NewSHA1(batchID, []byte(strconv.Itoa(i)))
		j.EventRef = eventRef
		j.Sequence = sequence
		batch.Journals[i] = j
	}
	return batch
}
