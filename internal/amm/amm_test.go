package amm_test

import (
	"errors"
	"math/big"
	"testing"

	"PerpClearing/internal/amm"
	"PerpClearing/internal/errs"
	fpmath "PerpClearing/internal/math"
)

func mustAMM(t *testing.T, base, quote, peg string) amm.AMM {
	t.Helper()
	a, err := amm.New(fpmath.MustParse(base), fpmath.MustParse(quote), fpmath.MustParse(peg))
	if err != nil {
		t.Fatalf("new amm: %v", err)
	}
	return a
}

// ============================================================================
// Test: pricing
// ============================================================================

func TestMarkPrice(t *testing.T) {
	a := mustAMM(t, "1000", "1000000", "1")
	mark, err := a.MarkPrice()
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if mark != fpmath.MustParse("1000") {
		t.Errorf("got %s, want 1000", mark)
	}

	pegged := mustAMM(t, "1000", "1000000", "0.001")
	if mark, _ := pegged.MarkPrice(); mark != fpmath.One {
		t.Errorf("pegged mark: got %s, want 1", mark)
	}
}

func TestNew_RejectsInvalidState(t *testing.T) {
	if _, err := amm.New(0, fpmath.One, fpmath.One); !errors.Is(err, errs.ErrInvalidPositionSize) {
		t.Errorf("zero base: expected ErrInvalidPositionSize, got %v", err)
	}
	if _, err := amm.New(fpmath.One, fpmath.One, 0); !errors.Is(err, errs.ErrInvalidPeg) {
		t.Errorf("zero peg: expected ErrInvalidPeg, got %v", err)
	}
}

// The reference scenario: a long of 10 against (base=1000, quote=1_000_000, peg=1).
func TestSwap_OpenLongScenario(t *testing.T) {
	a := mustAMM(t, "1000", "1000000", "1")

	if a.K().Cmp(new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(1_000_000_000_000))) != 0 {
		t.Fatalf("unexpected k %s", a.K())
	}

	res, err := a.Swap(fpmath.MustParse("10"), amm.NoSlippageLimit)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}

	if a.BaseAssetReserve != fpmath.MustParse("990") {
		t.Errorf("base reserve: got %s, want 990", a.BaseAssetReserve)
	}
	if a.QuoteAssetReserve != fpmath.MustParse("1010101.010101") {
		t.Errorf("quote reserve: got %s, want 1010101.010101", a.QuoteAssetReserve)
	}
	if res.QuoteAmount != fpmath.MustParse("10101.010101") {
		t.Errorf("quote paid: got %s, want 10101.010101", res.QuoteAmount)
	}
	if res.MarkAfter != fpmath.MustParse("1020.304050") {
		t.Errorf("mark after: got %s, want 1020.304050", res.MarkAfter)
	}

	ratio, err := fpmath.Div(res.MarkAfter, res.MarkBefore)
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	if ratio != fpmath.MustParse("1.020304") {
		t.Errorf("mark ratio: got %s, want 1.020304", ratio)
	}
}

func TestSwap_PeggedScenario(t *testing.T) {
	a := mustAMM(t, "1000", "1000000", "0.001")

	res, err := a.Swap(fpmath.MustParse("10"), amm.NoSlippageLimit)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if res.MarkBefore != fpmath.One {
		t.Errorf("mark before: got %s, want 1", res.MarkBefore)
	}
	if res.MarkAfter != fpmath.MustParse("1.020304") {
		t.Errorf("mark after: got %s, want 1.020304", res.MarkAfter)
	}
	if res.QuoteAmount != fpmath.MustParse("10.101010") {
		t.Errorf("quote paid: got %s, want 10.101010", res.QuoteAmount)
	}
}

func TestSwap_ShortReceivesQuote(t *testing.T) {
	a := mustAMM(t, "1000", "1000000", "1")
	res, err := a.Swap(fpmath.MustParse("-10"), amm.NoSlippageLimit)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if !res.QuoteAmount.IsNegative() {
		t.Errorf("short should receive quote, got %s", res.QuoteAmount)
	}
	if res.MarkAfter >= res.MarkBefore {
		t.Errorf("short should push mark down: %s -> %s", res.MarkBefore, res.MarkAfter)
	}
}

// ============================================================================
// Test: failure modes
// ============================================================================

func TestSwap_BaseReserveCannotReachZero(t *testing.T) {
	a := mustAMM(t, "1000", "1000000", "1")
	before := a

	_, err := a.Swap(fpmath.MustParse("1000"), amm.NoSlippageLimit)
	if !errors.Is(err, errs.ErrInvalidPositionSize) {
		t.Fatalf("expected ErrInvalidPositionSize, got %v", err)
	}
	if a != before {
		t.Errorf("amm mutated on failure: %+v", a)
	}
}

func TestSwap_ZeroDelta(t *testing.T) {
	a := mustAMM(t, "1000", "1000000", "1")
	if _, err := a.Swap(0, amm.NoSlippageLimit); !errors.Is(err, errs.ErrInvalidPositionSize) {
		t.Fatalf("expected ErrInvalidPositionSize, got %v", err)
	}
}

func TestSwap_Slippage(t *testing.T) {
	a := mustAMM(t, "1000", "1000000", "1")
	before := a

	_, err := a.Swap(fpmath.MustParse("10"), fpmath.MustParse("0.02"))
	if !errors.Is(err, errs.ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}
	if a != before {
		t.Errorf("amm mutated on failure")
	}

	if _, err := a.Swap(fpmath.MustParse("10"), fpmath.MustParse("0.03")); err != nil {
		t.Fatalf("swap within bound: %v", err)
	}
}

func TestSimulate_DoesNotMutate(t *testing.T) {
	a := mustAMM(t, "1000", "1000000", "1")
	before := a
	if _, err := a.Simulate(fpmath.MustParse("5")); err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if a != before {
		t.Errorf("simulate mutated amm")
	}
}

// ============================================================================
// Test: invariants
// ============================================================================

// k only moves by truncation of new_quote, which is strictly less than one
// raw unit of quote times the new base reserve.
func TestSwap_ConservesK(t *testing.T) {
	a := mustAMM(t, "5000", "5000000", "1.25")
	deltas := []string{"10", "-3.5", "120", "-250", "0.000001", "77.777777", "-40", "1"}

	for _, d := range deltas {
		kBefore := a.K()
		if _, err := a.Swap(fpmath.MustParse(d), amm.NoSlippageLimit); err != nil {
			t.Fatalf("swap %s: %v", d, err)
		}
		kAfter := a.K()

		drift := new(big.Int).Sub(kBefore, kAfter)
		if drift.Sign() < 0 {
			t.Errorf("swap %s: k increased by %s", d, new(big.Int).Neg(drift))
		}
		if drift.Cmp(big.NewInt(a.BaseAssetReserve.Raw())) >= 0 {
			t.Errorf("swap %s: k drift %s exceeds tolerance %d", d, drift, a.BaseAssetReserve.Raw())
		}
	}
}

func TestSwap_RoundTripWithinOneUnit(t *testing.T) {
	a := mustAMM(t, "1000", "1000000", "1")
	open, err := a.Swap(fpmath.MustParse("10"), amm.NoSlippageLimit)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	closing, err := a.Swap(fpmath.MustParse("-10"), amm.NoSlippageLimit)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	net, _ := fpmath.Add(open.QuoteAmount, closing.QuoteAmount)
	if net.Raw() < -1 || net.Raw() > 1 {
		t.Errorf("round trip net %s exceeds one raw unit", net)
	}
	if a.BaseAssetReserve != fpmath.MustParse("1000") {
		t.Errorf("base reserve not restored: %s", a.BaseAssetReserve)
	}
}
