package oracle_test

import (
	"errors"
	"testing"

	"PerpClearing/internal/errs"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/oracle"
)

func newGuard() oracle.Guard {
	return oracle.Guard{MaxStaleness: 60, MaxConfidenceRatio: fpmath.MustParse("0.02")}
}

func TestGuard_AcceptsFreshPrice(t *testing.T) {
	p := oracle.Price{Price: fpmath.MustParse("1.05"), Confidence: fpmath.MustParse("0.001"), Timestamp: 1000}
	if err := newGuard().Validate(p, 1030); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestGuard_Stale(t *testing.T) {
	p := oracle.Price{Price: fpmath.One, Timestamp: 1000}
	err := newGuard().Validate(p, 1061)
	if !errors.Is(err, errs.ErrOracleStale) {
		t.Fatalf("expected ErrOracleStale, got %v", err)
	}
	if !errors.Is(err, errs.ErrInvalidOracleData) {
		t.Error("stale should also match ErrInvalidOracleData")
	}
}

func TestGuard_FutureTimestampIsStale(t *testing.T) {
	p := oracle.Price{Price: fpmath.One, Timestamp: 2000}
	if err := newGuard().Validate(p, 1000); !errors.Is(err, errs.ErrOracleStale) {
		t.Fatalf("expected ErrOracleStale, got %v", err)
	}
}

func TestGuard_LowConfidence(t *testing.T) {
	p := oracle.Price{Price: fpmath.One, Confidence: fpmath.MustParse("0.05"), Timestamp: 1000}
	if err := newGuard().Validate(p, 1000); !errors.Is(err, errs.ErrOracleLowConfidence) {
		t.Fatalf("expected ErrOracleLowConfidence, got %v", err)
	}
}

func TestGuard_NonPositivePrice(t *testing.T) {
	p := oracle.Price{Price: 0, Timestamp: 1000}
	err := newGuard().Validate(p, 1000)
	if !errors.Is(err, errs.ErrInvalidOracleData) {
		t.Fatalf("expected ErrInvalidOracleData, got %v", err)
	}
	if errors.Is(err, errs.ErrOracleStale) {
		t.Error("non-positive price should not be reported as stale")
	}
}

func TestSnapshot_IgnoresOlderUpdates(t *testing.T) {
	s := oracle.NewSnapshot()
	if !s.Update("SOL-USD", oracle.Price{Price: fpmath.MustParse("20"), Timestamp: 10}) {
		t.Fatal("first update should be stored")
	}
	if s.Update("SOL-USD", oracle.Price{Price: fpmath.MustParse("19"), Timestamp: 9}) {
		t.Error("older update should be ignored")
	}

	p, err := s.GetPrice("SOL-USD")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if p.Price != fpmath.MustParse("20") {
		t.Errorf("got %s, want 20", p.Price)
	}
}

func TestSnapshot_UnknownFeed(t *testing.T) {
	_, err := oracle.NewSnapshot().GetPrice("nope")
	if !errors.Is(err, errs.ErrInvalidOracleData) {
		t.Fatalf("expected ErrInvalidOracleData, got %v", err)
	}
}

func TestGuard_ValidPrice(t *testing.T) {
	s := oracle.NewSnapshot()
	s.Update("BTC-USD", oracle.Price{Price: fpmath.MustParse("60000"), Confidence: fpmath.MustParse("10"), Timestamp: 100})

	p, err := newGuard().ValidPrice(s, "BTC-USD", 120)
	if err != nil {
		t.Fatalf("valid price: %v", err)
	}
	if p.Timestamp != 100 {
		t.Errorf("got timestamp %d", p.Timestamp)
	}

	if _, err := newGuard().ValidPrice(s, "BTC-USD", 500); !errors.Is(err, errs.ErrOracleStale) {
		t.Errorf("expected stale at t=500, got %v", err)
	}
}
