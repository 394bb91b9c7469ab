package amm_test

import (
	"errors"
	"testing"

	"PerpClearing/internal/amm"
	"PerpClearing/internal/errs"
	fpmath "PerpClearing/internal/math"
)

func newController() amm.RepegController {
	return amm.RepegController{
		MaxPegChangeFraction: fpmath.MustParse("0.05"),
		BudgetFraction:       fpmath.MustParse("0.5"),
		Period:               3600,
	}
}

func TestRepeg_ClampsToMaxFractionPerPeriod(t *testing.T) {
	c := newController()
	a := mustAMM(t, "1000", "1000", "1")
	w := amm.PegWindow{}

	res, err := c.Repeg(&a, &w, 0, fpmath.MustParse("1.2"), fpmath.MustParse("100"), 1000)
	if err != nil {
		t.Fatalf("repeg: %v", err)
	}
	if res.TargetPeg != fpmath.MustParse("1.2") {
		t.Errorf("target: got %s, want 1.2", res.TargetPeg)
	}
	if res.NewPeg != fpmath.MustParse("1.05") || !res.Clamped {
		t.Errorf("expected clamp to 1.05, got %s (clamped=%v)", res.NewPeg, res.Clamped)
	}
	if a.PegMultiplier != res.NewPeg {
		t.Errorf("peg not applied: %s", a.PegMultiplier)
	}
	if w.StartPeg != fpmath.One || w.StartTs != 1000 {
		t.Errorf("window not anchored: %+v", w)
	}

	// Same period: no further movement past the band.
	res, err = c.Repeg(&a, &w, 0, fpmath.MustParse("1.2"), fpmath.MustParse("100"), 2000)
	if err != nil {
		t.Fatalf("repeg in same period: %v", err)
	}
	if res.NewPeg != fpmath.MustParse("1.05") {
		t.Errorf("peg moved past band within period: %s", res.NewPeg)
	}

	// Next period: the band re-anchors at 1.05.
	res, err = c.Repeg(&a, &w, 0, fpmath.MustParse("1.2"), fpmath.MustParse("100"), 4600)
	if err != nil {
		t.Fatalf("repeg next period: %v", err)
	}
	if res.NewPeg != fpmath.MustParse("1.1025") {
		t.Errorf("got %s, want 1.1025", res.NewPeg)
	}
}

func TestRepeg_NeverTouchesReserves(t *testing.T) {
	c := newController()
	a := mustAMM(t, "1000", "1000", "1")
	w := amm.PegWindow{}

	for i, oracle := range []string{"1.5", "0.4", "2", "0.9"} {
		before := a
		if _, err := c.Repeg(&a, &w, fpmath.MustParse("3"), fpmath.MustParse(oracle), fpmath.MustParse("1000"), int64(i)*3600); err != nil {
			t.Fatalf("repeg %s: %v", oracle, err)
		}
		if a.BaseAssetReserve != before.BaseAssetReserve || a.QuoteAssetReserve != before.QuoteAssetReserve {
			t.Fatalf("reserves changed on repeg")
		}
		if !a.PegMultiplier.IsPositive() {
			t.Fatalf("peg went non-positive: %s", a.PegMultiplier)
		}

		limit, _ := fpmath.Mul(before.PegMultiplier, c.MaxPegChangeFraction)
		move, _ := fpmath.Sub(a.PegMultiplier, before.PegMultiplier)
		move, _ = fpmath.Abs(move)
		if move > limit {
			t.Errorf("peg moved %s, above limit %s", move, limit)
		}
	}
}

// Net long 10 against (1000, 1000): the AMM owes 9.900991 of unpegged quote on close.
func TestRepeg_CostChargedToFeePool(t *testing.T) {
	c := newController()
	a := mustAMM(t, "1000", "1000", "1")
	w := amm.PegWindow{}

	res, err := c.Repeg(&a, &w, fpmath.MustParse("10"), fpmath.MustParse("1.05"), fpmath.MustParse("100"), 0)
	if err != nil {
		t.Fatalf("repeg: %v", err)
	}
	if res.NewPeg != fpmath.MustParse("1.05") {
		t.Fatalf("got peg %s, want 1.05", res.NewPeg)
	}
	if res.Cost != fpmath.MustParse("0.495049") {
		t.Errorf("cost: got %s, want 0.495049", res.Cost)
	}
}

func TestRepeg_BudgetLimitsMove(t *testing.T) {
	c := newController()
	c.BudgetFraction = fpmath.MustParse("0.1")
	a := mustAMM(t, "1000", "1000", "1")
	w := amm.PegWindow{}

	res, err := c.Repeg(&a, &w, fpmath.MustParse("10"), fpmath.MustParse("1.05"), fpmath.One, 0)
	if err != nil {
		t.Fatalf("repeg: %v", err)
	}
	if !res.BudgetLimited {
		t.Fatal("expected budget-limited repeg")
	}
	if res.NewPeg != fpmath.MustParse("1.010099") {
		t.Errorf("peg: got %s, want 1.010099", res.NewPeg)
	}
	if res.Cost > fpmath.MustParse("0.1") {
		t.Errorf("cost %s exceeds budget 0.1", res.Cost)
	}
	if res.Cost != fpmath.MustParse("0.099990") {
		t.Errorf("cost: got %s, want 0.099990", res.Cost)
	}
}

func TestRepeg_NegativeCostCreditsPool(t *testing.T) {
	c := newController()
	a := mustAMM(t, "1000", "1000", "1")
	w := amm.PegWindow{}

	res, err := c.Repeg(&a, &w, fpmath.MustParse("10"), fpmath.MustParse("0.97"), 0, 0)
	if err != nil {
		t.Fatalf("repeg: %v", err)
	}
	if res.NewPeg != fpmath.MustParse("0.97") {
		t.Errorf("peg: got %s, want 0.97", res.NewPeg)
	}
	if !res.Cost.IsNegative() {
		t.Errorf("moving against net longs should credit the pool, cost=%s", res.Cost)
	}
}

func TestRepeg_InvalidPeg(t *testing.T) {
	c := newController()
	a := mustAMM(t, "1000", "1000", "1")
	w := amm.PegWindow{}

	if _, err := c.Repeg(&a, &w, 0, 0, fpmath.One, 0); !errors.Is(err, errs.ErrInvalidPeg) {
		t.Errorf("zero oracle: expected ErrInvalidPeg, got %v", err)
	}

	if _, err := c.Repeg(&a, &w, fpmath.MustParse("-1000"), fpmath.One, fpmath.One, 0); !errors.Is(err, errs.ErrInvalidPeg) {
		t.Errorf("terminal reserve zero: expected ErrInvalidPeg, got %v", err)
	}

	broken := amm.AMM{BaseAssetReserve: 0, QuoteAssetReserve: fpmath.One, PegMultiplier: fpmath.One}
	if _, err := c.Evaluate(broken, w, 0, fpmath.One, fpmath.One, 0); !errors.Is(err, errs.ErrInvalidPeg) {
		t.Errorf("invalid reserves: expected ErrInvalidPeg, got %v", err)
	}
	if a.PegMultiplier != fpmath.One {
		t.Errorf("peg changed by failed repeg: %s", a.PegMultiplier)
	}
}
