package state_test

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"PerpClearing/internal/amm"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

func newMarket(id string) state.Market {
	return state.Market{
		ID:                 id,
		OracleFeedID:       id + "-USD",
		AMM:                amm.AMM{BaseAssetReserve: fpmath.MustParse("1000"), QuoteAssetReserve: fpmath.MustParse("1000"), PegMultiplier: fpmath.One},
		InitialBaseReserve: fpmath.MustParse("1000"),
	}
}

// ============================================================================
// Test: Store
// ============================================================================

func TestStore_CommitAndRead(t *testing.T) {
	s := state.NewStore()
	owner := uuid.New()

	err := s.Commit(state.Changeset{
		Markets:  []state.Market{newMarket("SOL")},
		Accounts: []state.CollateralAccount{{Owner: owner, Total: fpmath.MustParse("100"), Locked: fpmath.MustParse("10")}},
		Positions: []state.Position{{
			ID: s.NextPositionID(), Owner: owner, MarketID: "SOL",
			BaseAssetAmount: fpmath.MustParse("1"), QuoteAssetAmount: fpmath.MustParse("1"),
		}},
		NextPositionID: s.NextPositionID() + 1,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	acct, ok := s.Account(owner)
	if !ok || acct.Free() != fpmath.MustParse("90") {
		t.Errorf("account: %+v ok=%v", acct, ok)
	}
	pos, ok := s.PositionFor(owner, "SOL")
	if !ok || pos.ID != 1 {
		t.Errorf("position: %+v ok=%v", pos, ok)
	}
	if s.NextPositionID() != 2 {
		t.Errorf("next id: got %d, want 2", s.NextPositionID())
	}
}

func TestStore_ReadsAreCopies(t *testing.T) {
	s := state.NewStore()
	if err := s.Commit(state.Changeset{Markets: []state.Market{newMarket("SOL")}}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	m, _ := s.Market("SOL")
	m.FeePool = fpmath.MustParse("999")

	again, _ := s.Market("SOL")
	if again.FeePool != 0 {
		t.Error("mutating a read copy leaked into the store")
	}
}

func TestStore_CommitIsAllOrNothing(t *testing.T) {
	s := state.NewStore()
	owner := uuid.New()

	err := s.Commit(state.Changeset{
		Markets:  []state.Market{newMarket("SOL")},
		Accounts: []state.CollateralAccount{{Owner: owner, Total: fpmath.MustParse("1"), Locked: fpmath.MustParse("2")}},
	})
	if err == nil {
		t.Fatal("locked > total should be rejected")
	}
	if _, ok := s.Market("SOL"); ok {
		t.Error("market was written despite rejected changeset")
	}
}

func TestStore_RejectsUnallocatedPositionID(t *testing.T) {
	s := state.NewStore()
	err := s.Commit(state.Changeset{Positions: []state.Position{{ID: 5, Owner: uuid.New(), MarketID: "SOL"}}})
	if err == nil {
		t.Fatal("expected error for unallocated id")
	}
}

func TestStore_SnapshotRestore(t *testing.T) {
	s := state.NewStore()
	owner := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	if err := s.Commit(state.Changeset{
		Markets:  []state.Market{newMarket("SOL"), newMarket("BTC")},
		Accounts: []state.CollateralAccount{{Owner: owner, Total: fpmath.MustParse("5")}},
		Positions: []state.Position{{
			ID: 1, Owner: owner, MarketID: "BTC",
			BaseAssetAmount: fpmath.MustParse("-2"), QuoteAssetAmount: fpmath.MustParse("2"),
		}},
		NextPositionID: 2,
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	restored, err := state.RestoreStore(s.Snapshot())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !bytes.Equal(restored.CanonicalBytes(), s.CanonicalBytes()) {
		t.Error("restored store differs from original")
	}
	if ms := restored.Markets(); len(ms) != 2 || ms[0].ID != "BTC" {
		t.Errorf("markets not sorted: %+v", ms)
	}
}

// ============================================================================
// Test: Market exposure accounting
// ============================================================================

func TestMarket_RecordExposureChange(t *testing.T) {
	m := newMarket("SOL")

	steps := []struct{ before, after string }{
		{"0", "10"},  // open long
		{"0", "-4"},  // another trader opens short
		{"10", "-3"}, // first trader flips
		{"-4", "0"},  // second trader closes
	}
	for _, st := range steps {
		if err := m.RecordExposureChange(fpmath.MustParse(st.before), fpmath.MustParse(st.after)); err != nil {
			t.Fatalf("%s -> %s: %v", st.before, st.after, err)
		}
	}

	if m.BaseAssetAmountLong != 0 {
		t.Errorf("long: got %s, want 0", m.BaseAssetAmountLong)
	}
	if m.BaseAssetAmountShort != fpmath.MustParse("-3") {
		t.Errorf("short: got %s, want -3", m.BaseAssetAmountShort)
	}
	if m.NetBaseAssetAmount != fpmath.MustParse("-3") {
		t.Errorf("net: got %s, want -3", m.NetBaseAssetAmount)
	}
	if oi, _ := m.OpenInterest(); oi != fpmath.MustParse("3") {
		t.Errorf("open interest: got %s, want 3", oi)
	}
}

func TestPosition_EntryPrice(t *testing.T) {
	p := state.Position{BaseAssetAmount: fpmath.MustParse("-4"), QuoteAssetAmount: fpmath.MustParse("10")}
	entry, err := p.EntryPrice()
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry != fpmath.MustParse("2.5") {
		t.Errorf("got %s, want 2.5", entry)
	}
	if p.Direction() != state.DirectionShort {
		t.Errorf("direction: got %s", p.Direction())
	}
}

func TestComputeCoverage(t *testing.T) {
	covered, remaining := state.ComputeCoverage(fpmath.MustParse("3"), fpmath.MustParse("5"))
	if covered != fpmath.MustParse("3") || remaining != fpmath.MustParse("2") {
		t.Errorf("partial: covered=%s remaining=%s", covered, remaining)
	}
	covered, remaining = state.ComputeCoverage(fpmath.MustParse("-1"), fpmath.MustParse("5"))
	if covered != 0 || remaining != fpmath.MustParse("5") {
		t.Errorf("negative pool: covered=%s remaining=%s", covered, remaining)
	}
}

func TestMarket_CanonicalBytesLongIDPrefix(t *testing.T) {
	a := newMarket(strings.Repeat("a", 300))
	a.OracleFeedID = "b"
	b := newMarket(strings.Repeat("a", 44))
	b.OracleFeedID = strings.Repeat("a", 256) + "b"

	if bytes.Equal(a.CanonicalBytes(), b.CanonicalBytes()) {
		t.Fatal("distinct id and feed splits encode identically")
	}
	n, width := binary.Uvarint(a.CanonicalBytes())
	if width <= 0 || n != 300 {
		t.Errorf("id length prefix: got %d (width %d), want 300", n, width)
	}
}
