package ledger_test

import (
	"testing"

	"PerpClearing/internal/ledger"
	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	owner := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	path := ledger.UserCollateral(owner).AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:collateral"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_MarketPath(t *testing.T) {
	path := ledger.MarketAccount("SOL-PERP", ledger.SubTypeFeePool).AccountPath()
	if path != "market:SOL-PERP:fee_pool" {
		t.Errorf("got %q, want %q", path, "market:SOL-PERP:fee_pool")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	path := ledger.ExternalAccount(ledger.SubTypeExternalDeposits).AccountPath()
	if path != "external:deposits" {
		t.Errorf("got %q, want %q", path, "external:deposits")
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestGenerator_NegativeAmountReversesDirection(t *testing.T) {
	owner := uuid.New()
	g := ledger.NewJournalGenerator(100)
	g.RealizedPnL(owner, "SOL-PERP", fpmath.MustParse("-3"))

	js := g.Journals()
	if len(js) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(js))
	}
	j := js[0]
	if j.Amount != fpmath.MustParse("3") {
		t.Errorf("amount: got %s, want 3", j.Amount)
	}
	if j.CreditAccount != ledger.UserCollateral(owner) {
		t.Errorf("loss should credit the trader, got credit %s", j.CreditAccount.AccountPath())
	}
	if j.DebitAccount != ledger.MarketAccount("SOL-PERP", ledger.SubTypeAMM) {
		t.Errorf("loss should debit the amm, got debit %s", j.DebitAccount.AccountPath())
	}
}

func TestGenerator_ZeroAmountSkipped(t *testing.T) {
	g := ledger.NewJournalGenerator(0)
	g.TradeFee(uuid.New(), "SOL-PERP", 0)
	if len(g.Journals()) != 0 {
		t.Error("zero amount should not produce a journal")
	}
}

func TestSeal_Deterministic(t *testing.T) {
	owner := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	build := func() *ledger.Batch {
		g := ledger.NewJournalGenerator(42)
		g.Deposit(owner, fpmath.MustParse("100"))
		g.TradeFee(owner, "SOL-PERP", fpmath.MustParse("0.5"))
		return ledger.Seal(g.Journals(), "dep-1", 7, 42)
	}

	a, b := build(), build()
	if string(a.CanonicalBytes()) != string(b.CanonicalBytes()) {
		t.Error("sealing the same journals twice should be byte-identical")
	}
	if a.Journals[0].JournalID == a.Journals[1].JournalID {
		t.Error("journal IDs within a batch must differ")
	}
	if err := a.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_ZeroSum(t *testing.T) {
	owner := uuid.New()
	g := ledger.NewJournalGenerator(0)
	g.Deposit(owner, fpmath.MustParse("100"))
	g.TradeFee(owner, "SOL-PERP", fpmath.MustParse("1"))
	g.RealizedPnL(owner, "SOL-PERP", fpmath.MustParse("-120"))
	g.DeficitCoverage(owner, "SOL-PERP", fpmath.MustParse("1"))
	g.BadDebt(owner, "SOL-PERP", fpmath.MustParse("20"))

	bt := ledger.NewBalanceTracker()
	if err := bt.ApplyBatch(ledger.Seal(g.Journals(), "ref", 1, 0)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := bt.GetUserCollateral(owner); got != 0 {
		t.Errorf("collateral: got %s, want 0", got)
	}
	if got := bt.GetFeePool("SOL-PERP"); got != 0 {
		t.Errorf("fee pool: got %s, want 0", got)
	}
	if err := ledger.NewInvariantValidator(bt).ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
}

func TestBatch_ValidateRejectsSelfTransfer(t *testing.T) {
	key := ledger.UserCollateral(uuid.New())
	batch := &ledger.Batch{Journals: []ledger.Journal{{DebitAccount: key, CreditAccount: key, Amount: fpmath.One}}}
	if err := batch.Validate(); err == nil {
		t.Error("expected self-transfer to be rejected")
	}
}
