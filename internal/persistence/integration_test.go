package persistence_test

import (
	"context"
	"testing"
	"time"

	"PerpClearing/internal/clearing"
	"PerpClearing/internal/config"
	"PerpClearing/internal/engine"
	"PerpClearing/internal/instruction"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/persistence"
	"PerpClearing/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const migrationsDir = "../../migrations"

// ============================================================================
// Integration: write through the worker, replay into a fresh engine
// ============================================================================

func TestIntegration_PersistAndReplay(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t, migrationsDir)
	defer cleanup()

	persist := make(chan engine.Output, 64)
	eng, err := engine.New(engine.Options{Config: config.Default(), IdempotencyCapacity: 64, Persist: persist})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	owner := uuid.New()
	inputs := []instruction.Instruction{
		&instruction.InitializeMarket{
			Meta: instruction.Meta{Key: "init", Ts: t0},
			Params: clearing.MarketParams{
				ID:                "SOL-PERP",
				OracleFeedID:      "SOL/USD",
				BaseAssetReserve:  fpmath.MustParse("1000"),
				QuoteAssetReserve: fpmath.MustParse("1000000"),
				PegMultiplier:     fpmath.MustParse("0.001"),
			},
		},
		&instruction.Deposit{Meta: instruction.Meta{Key: "dep", Ts: t0}, Owner: owner, Amount: fpmath.MustParse("500")},
		&instruction.OracleUpdate{
			Meta:   instruction.Meta{Key: "px", Ts: t0},
			FeedID: "SOL/USD",
			Price:  oracle.Price{Price: fpmath.One, Timestamp: t0},
		},
		// Rejected: more than the free collateral.
		&instruction.Withdraw{Meta: instruction.Meta{Key: "wd", Ts: t0}, Owner: owner, Amount: fpmath.MustParse("501")},
	}
	for _, in := range inputs {
		eng.Apply(in)
	}
	close(persist)

	worker := persistence.NewPersistenceWorker(db, persist, 16, 10*time.Millisecond, nil, zerolog.Nop())
	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("worker run: %v", err)
	}
	if worker.LastSequence() != eng.Sequence() {
		t.Fatalf("watermark %d, engine at %d", worker.LastSequence(), eng.Sequence())
	}

	ctx := context.Background()
	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	if err != nil || latest != 3 {
		t.Fatalf("latest sequence = %d (%v), want 3", latest, err)
	}

	var rejections int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clearing.rejections`).Scan(&rejections); err != nil {
		t.Fatalf("count rejections: %v", err)
	}
	if rejections != 1 {
		t.Errorf("rejections = %d, want 1", rejections)
	}

	fresh, err := engine.New(engine.Options{Config: config.Default(), IdempotencyCapacity: 64})
	if err != nil {
		t.Fatalf("fresh engine: %v", err)
	}
	n, err := sm.Replay(ctx, 0, 2, fresh)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 3 {
		t.Errorf("replayed %d, want 3", n)
	}
	if fresh.StateHash() != eng.StateHash() {
		t.Error("replayed state hash differs from original")
	}

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate("deposit", "dep")
	if err != nil || !dup {
		t.Errorf("IsDuplicate(deposit, dep) = %v, %v", dup, err)
	}
	if dup, _ := checker.IsDuplicate("withdraw", "wd"); dup {
		t.Error("rejected instruction must not count as processed")
	}
	keys, err := checker.RecentKeys(ctx, 2)
	if err != nil {
		t.Fatalf("recent keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "deposit:dep" || keys[1] != "oracle_update:px" {
		t.Errorf("recent keys = %v", keys)
	}
}

func TestIntegration_SnapshotLifecycle(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t, migrationsDir)
	defer cleanup()

	ctx := context.Background()
	eng := newEngine(t)
	if _, err := eng.Apply(&instruction.Deposit{
		Meta:   instruction.Meta{Key: "dep", Ts: t0},
		Owner:  uuid.New(),
		Amount: fpmath.MustParse("10"),
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	sm := persistence.NewSnapshotManager(db)
	snap := eng.Snapshot()
	if _, err := sm.SaveSnapshot(ctx, snap, time.Unix(t0, 0)); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	loaded, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != nil {
		t.Fatal("unverified snapshot must not be loaded")
	}

	if err := sm.MarkVerified(ctx, snap.Sequence); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	loaded, err = sm.LoadLatestSnapshot(ctx)
	if err != nil || loaded == nil {
		t.Fatalf("load verified: %v, %v", loaded, err)
	}
	restored, err := engine.Restore(engine.Options{Config: config.Default(), IdempotencyCapacity: 64}, loaded)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.StateHash() != eng.StateHash() || restored.Sequence() != eng.Sequence() {
		t.Error("restored engine differs from snapshot source")
	}
}
