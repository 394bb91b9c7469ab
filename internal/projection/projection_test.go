package projection_test

import (
	"context"
	"errors"
	"testing"

	"PerpClearing/internal/clearing"
	"PerpClearing/internal/config"
	"PerpClearing/internal/engine"
	"PerpClearing/internal/executor"
	"PerpClearing/internal/instruction"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/projection"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	market = "SOL-PERP"
	feed   = "SOL/USD"
	t0     = int64(1_700_000_000)
)

var alice = uuid.MustParse("00000000-0000-0000-0000-00000000a11c")

// --- Test helpers ---

type harness struct {
	t      *testing.T
	eng    *engine.Engine
	out    chan engine.Output
	store  *projection.MemoryViewStore
	worker *projection.Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	out := make(chan engine.Output, 256)
	eng, err := engine.New(engine.Options{Config: config.Default(), IdempotencyCapacity: 256, Projection: out})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	store := projection.NewMemoryViewStore()
	return &harness{
		t:      t,
		eng:    eng,
		out:    out,
		store:  store,
		worker: projection.NewWorker(store, out, nil, zerolog.Nop()),
	}
}

// apply runs in through the engine and folds every emitted output into
// the views.
func (h *harness) apply(in instruction.Instruction) {
	h.t.Helper()
	if _, err := h.eng.Apply(in); err != nil {
		h.t.Fatalf("apply %s: %v", in.IdempotencyKey(), err)
	}
	h.drain()
}

func (h *harness) drain() {
	h.t.Helper()
	for {
		select {
		case o := <-h.out:
			if err := h.worker.Apply(context.Background(), o); err != nil {
				h.t.Fatalf("project seq %d: %v", o.Envelope.Sequence, err)
			}
		default:
			return
		}
	}
}

func meta(key string, ts int64) instruction.Meta { return instruction.Meta{Key: key, Ts: ts} }

func setup(h *harness) {
	h.apply(&instruction.InitializeMarket{
		Meta: meta("init", t0),
		Params: clearing.MarketParams{
			ID:                market,
			OracleFeedID:      feed,
			BaseAssetReserve:  fpmath.MustParse("1000"),
			QuoteAssetReserve: fpmath.MustParse("1000000"),
			PegMultiplier:     fpmath.MustParse("0.001"),
		},
	})
	h.apply(&instruction.Deposit{Meta: meta("dep", t0), Owner: alice, Amount: fpmath.MustParse("1000")})
	h.apply(&instruction.OracleUpdate{
		Meta:   meta("px", t0),
		FeedID: feed,
		Price:  oracle.Price{Price: fpmath.MustParse("1.0"), Timestamp: t0},
	})
}

func long(key, size string) *instruction.PlaceOrder {
	return &instruction.PlaceOrder{
		Meta: meta(key, t0),
		Order: executor.Order{
			Owner:     alice,
			MarketID:  market,
			Direction: state.DirectionLong,
			Size:      fpmath.MustParse(size),
			Type:      executor.OrderTypeMarket,
			Trigger:   executor.TriggerImmediate,
		},
	}
}

func mustDecimal(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ============================================================================
// Test: Worker
// ============================================================================

func TestWorker_MarketAndOracleView(t *testing.T) {
	h := newHarness(t)
	setup(h)
	ctx := context.Background()

	v, err := h.store.GetMarket(ctx, market)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if !v.MarkPrice.Equal(mustDecimal("1")) {
		t.Errorf("mark price: got %s, want 1", v.MarkPrice)
	}
	if !v.OraclePrice.Equal(mustDecimal("1")) || v.OracleTimestamp != t0 {
		t.Errorf("oracle: got %s at %d", v.OraclePrice, v.OracleTimestamp)
	}
	if v.Sequence != 3 || h.worker.LastSequence() != 3 {
		t.Errorf("sequence: view %d worker %d", v.Sequence, h.worker.LastSequence())
	}
}

func TestWorker_AccountTracksPositions(t *testing.T) {
	h := newHarness(t)
	setup(h)
	ctx := context.Background()

	h.apply(long("ord-1", "10"))
	v, err := h.store.GetAccount(ctx, alice)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if len(v.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(v.Positions))
	}
	p := v.Positions[0]
	if p.Direction != "long" || !p.Size.Equal(mustDecimal("10")) || p.MarketID != market {
		t.Errorf("position view: %+v", p)
	}
	if !v.Free.Equal(v.Total.Sub(v.Locked)) || !v.Locked.IsPositive() {
		t.Errorf("collateral: total %s locked %s free %s", v.Total, v.Locked, v.Free)
	}

	h.apply(&instruction.ClosePosition{Meta: meta("close", t0), Owner: alice, Market: market})
	v, _ = h.store.GetAccount(ctx, alice)
	if len(v.Positions) != 0 {
		t.Errorf("closed position should leave the view: %+v", v.Positions)
	}
	if !v.Locked.IsZero() {
		t.Errorf("locked after close: %s", v.Locked)
	}
}

func TestWorker_FundingHistoryNewestFirst(t *testing.T) {
	h := newHarness(t)
	setup(h)
	ctx := context.Background()

	for i, ts := range []int64{t0 + 3600, t0 + 7200} {
		h.apply(&instruction.OracleUpdate{
			Meta:   meta("px-"+string(rune('a'+i)), ts),
			FeedID: feed,
			Price:  oracle.Price{Price: fpmath.MustParse("1.0"), Timestamp: ts},
		})
		h.apply(&instruction.SettleFunding{Meta: meta("fund-"+string(rune('a'+i)), ts), Market: market})
	}

	records, err := h.store.ListFunding(ctx, market, 10)
	if err != nil {
		t.Fatalf("list funding: %v", err)
	}
	if len(records) != 2 || records[0].Seq != 2 || records[1].Seq != 1 {
		t.Fatalf("funding order: %+v", records)
	}
	if one, _ := h.store.ListFunding(ctx, market, 1); len(one) != 1 || one[0].Seq != 2 {
		t.Errorf("limit 1: %+v", one)
	}
}

func TestWorker_IgnoresRejectionsAndReplays(t *testing.T) {
	h := newHarness(t)
	setup(h)
	ctx := context.Background()

	before, _ := h.store.GetAccount(ctx, alice)
	if _, err := h.eng.Apply(&instruction.Withdraw{Meta: meta("wd", t0), Owner: alice, Amount: fpmath.MustParse("5000")}); err == nil {
		t.Fatal("expected rejection")
	}
	h.drain()
	after, _ := h.store.GetAccount(ctx, alice)
	if !after.Total.Equal(before.Total) || after.Sequence != before.Sequence {
		t.Errorf("rejection changed the view: %+v -> %+v", before, after)
	}

	// An output at or before the watermark is skipped.
	stale := engine.Output{Envelope: &instruction.Envelope{Sequence: 1, Status: instruction.StatusApplied}}
	if err := h.worker.Apply(ctx, stale); err != nil {
		t.Errorf("stale output: %v", err)
	}
}

func TestWorker_RebuildFromSnapshot(t *testing.T) {
	h := newHarness(t)
	setup(h)
	h.apply(long("ord-1", "10"))
	snap := h.eng.Snapshot()

	store := projection.NewMemoryViewStore()
	w := projection.NewWorker(store, nil, nil, zerolog.Nop())
	if err := w.Rebuild(context.Background(), snap); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	ctx := context.Background()

	want, _ := h.store.GetMarket(ctx, market)
	got, err := store.GetMarket(ctx, market)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if !got.MarkPrice.Equal(want.MarkPrice) || !got.OraclePrice.Equal(want.OraclePrice) {
		t.Errorf("market view: got mark %s oracle %s, want %s %s", got.MarkPrice, got.OraclePrice, want.MarkPrice, want.OraclePrice)
	}
	acct, err := store.GetAccount(ctx, alice)
	if err != nil || len(acct.Positions) != 1 {
		t.Fatalf("account view: %+v %v", acct, err)
	}
	if w.LastSequence() != snap.Sequence {
		t.Errorf("watermark: got %d, want %d", w.LastSequence(), snap.Sequence)
	}
}

func TestWorker_RebuildTwiceKeepsFundingUnique(t *testing.T) {
	h := newHarness(t)
	setup(h)
	due := t0 + 3600
	h.apply(&instruction.OracleUpdate{
		Meta:   meta("px-due", due),
		FeedID: feed,
		Price:  oracle.Price{Price: fpmath.MustParse("1.0"), Timestamp: due},
	})
	h.apply(&instruction.SettleFunding{Meta: meta("fund", due), Market: market})
	snap := h.eng.Snapshot()

	store := projection.NewMemoryViewStore()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		w := projection.NewWorker(store, nil, nil, zerolog.Nop())
		if err := w.Rebuild(ctx, snap); err != nil {
			t.Fatalf("rebuild %d: %v", i, err)
		}
	}
	records, err := store.ListFunding(ctx, market, 10)
	if err != nil {
		t.Fatalf("list funding: %v", err)
	}
	if len(records) != 1 || records[0].Seq != 1 {
		t.Errorf("funding after two rebuilds: %+v", records)
	}
}

// ============================================================================
// Test: MemoryViewStore
// ============================================================================

func TestMemoryViewStore_NotFound(t *testing.T) {
	s := projection.NewMemoryViewStore()
	ctx := context.Background()
	if _, err := s.GetMarket(ctx, "nope"); !errors.Is(err, projection.ErrNotFound) {
		t.Errorf("market: got %v", err)
	}
	if _, err := s.GetAccount(ctx, uuid.New()); !errors.Is(err, projection.ErrNotFound) {
		t.Errorf("account: got %v", err)
	}
	if got, err := s.ListFunding(ctx, "nope", 5); err != nil || len(got) != 0 {
		t.Errorf("funding: %v %v", got, err)
	}
}

func TestMemoryViewStore_AccountCopies(t *testing.T) {
	s := projection.NewMemoryViewStore()
	ctx := context.Background()
	v := projection.AccountView{Owner: alice, Positions: []projection.PositionView{{ID: 1}}}
	if err := s.PutAccount(ctx, v); err != nil {
		t.Fatal(err)
	}
	v.Positions[0].ID = 99

	got, _ := s.GetAccount(ctx, alice)
	if got.Positions[0].ID != 1 {
		t.Errorf("store aliased caller slice: %+v", got.Positions)
	}
}
