package persistence_test

import (
	"encoding/json"
	"testing"

	"PerpClearing/internal/clearing"
	"PerpClearing/internal/config"
	"PerpClearing/internal/engine"
	"PerpClearing/internal/instruction"
	"PerpClearing/internal/ledger"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/persistence"

	"github.com/google/uuid"
)

const t0 = int64(1_700_000_000)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.Options{Config: config.Default(), IdempotencyCapacity: 64})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestRowsFromOutput_AppliedDeposit(t *testing.T) {
	e := newEngine(t)
	owner := uuid.New()
	out, err := e.Apply(&instruction.Deposit{
		Meta:   instruction.Meta{Key: "dep-1", Ts: t0},
		Owner:  owner,
		Amount: fpmath.MustParse("25"),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	rows, err := persistence.RowsFromOutput(*out)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if rows.Event == nil || rows.Rejection != nil {
		t.Fatalf("expected event row only: %+v", rows)
	}
	ev := rows.Event
	if ev.Sequence != 1 || ev.Kind != "deposit" || ev.IdempotencyKey != "dep-1" {
		t.Errorf("event row: %+v", ev)
	}
	if ev.MarketID != nil {
		t.Errorf("account-level event should have no market, got %q", *ev.MarketID)
	}
	if ev.OwnerID == nil || *ev.OwnerID != owner {
		t.Errorf("owner: %v", ev.OwnerID)
	}
	if len(ev.StateHash) != 32 || len(ev.PrevHash) != 32 {
		t.Errorf("hash widths: %d %d", len(ev.StateHash), len(ev.PrevHash))
	}
	var delta map[string]any
	if err := json.Unmarshal(ev.Delta, &delta); err != nil || delta["op"] != string(clearing.OpDeposit) {
		t.Errorf("delta json: %s (%v)", ev.Delta, err)
	}

	if len(rows.Journals) != 1 {
		t.Fatalf("expected 1 journal row, got %d", len(rows.Journals))
	}
	j := rows.Journals[0]
	if j.Amount != 25_000_000 || j.JournalType != int32(ledger.JournalTypeDeposit) {
		t.Errorf("journal row: %+v", j)
	}
	if j.DebitAccount != "user:"+owner.String()+":collateral" {
		t.Errorf("debit account: %s", j.DebitAccount)
	}
}

func TestRowsFromOutput_RejectionAndFunding(t *testing.T) {
	e := newEngine(t)
	out, _ := e.Apply(&instruction.Withdraw{
		Meta:   instruction.Meta{Key: "wd-1", Ts: t0},
		Owner:  uuid.New(),
		Amount: fpmath.One,
	})
	rows, err := persistence.RowsFromOutput(*out)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if rows.Rejection == nil || rows.Event != nil {
		t.Fatalf("expected rejection row only: %+v", rows)
	}
	if rows.Rejection.ErrorCode == "" || rows.Rejection.Kind != "withdraw" {
		t.Errorf("rejection row: %+v", rows.Rejection)
	}

	if _, err := e.Apply(&instruction.InitializeMarket{
		Meta: instruction.Meta{Key: "init", Ts: t0},
		Params: clearing.MarketParams{
			ID:                "SOL-PERP",
			OracleFeedID:      "SOL/USD",
			BaseAssetReserve:  fpmath.MustParse("1000"),
			QuoteAssetReserve: fpmath.MustParse("1000000"),
			PegMultiplier:     fpmath.MustParse("0.001"),
		},
	}); err != nil {
		t.Fatalf("init market: %v", err)
	}
	due := t0 + 3600
	if _, err := e.Apply(&instruction.OracleUpdate{
		Meta:   instruction.Meta{Key: "px", Ts: due},
		FeedID: "SOL/USD",
		Price:  oracle.Price{Price: fpmath.One, Timestamp: due},
	}); err != nil {
		t.Fatalf("oracle: %v", err)
	}
	out, err = e.Apply(&instruction.SettleFunding{Meta: instruction.Meta{Key: "f", Ts: due}, Market: "SOL-PERP"})
	if err != nil {
		t.Fatalf("settle funding: %v", err)
	}
	rows, err = persistence.RowsFromOutput(*out)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows.Funding) != 1 {
		t.Fatalf("expected 1 funding row, got %d", len(rows.Funding))
	}
	f := rows.Funding[0]
	if f.MarketID != "SOL-PERP" || f.Seq != 1 || f.Sequence != out.Envelope.Sequence || f.PeriodEnd != due {
		t.Errorf("funding row: %+v", f)
	}
}

func TestRowsFromOutput_RequiresEnvelope(t *testing.T) {
	if _, err := persistence.RowsFromOutput(engine.Output{}); err == nil {
		t.Error("expected error for output without envelope")
	}
}
