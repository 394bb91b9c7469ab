package oracle

import (
	"fmt"
	"sort"

	"PerpClearing/internal/errs"
	fpmath "PerpClearing/internal/math"
)

// Price is one oracle observation. Timestamp is unix seconds (or a slot
// number, as long as the guard's staleness bound uses the same unit).
type Price struct {
	Price      fpmath.Fixed `json:"price"`
	Confidence fpmath.Fixed `json:"confidence"`
	Timestamp  int64        `json:"timestamp"`
}

// Source supplies pre-fetched prices by feed identifier.
type Source interface {
	GetPrice(feedID string) (Price, error)
}

// Guard decides whether an observation may be used.
type Guard struct {
	MaxStaleness       int64
	MaxConfidenceRatio fpmath.Fixed
}

// Validate returns nil if p is usable at time now.
func (g Guard) Validate(p Price, now int64) error {
	if !p.Price.IsPositive() {
		return fmt.Errorf("%w: non-positive price %s", errs.ErrInvalidOracleData, p.Price)
	}
	if p.Confidence.IsNegative() {
		return fmt.Errorf("%w: negative confidence %s", errs.ErrInvalidOracleData, p.Confidence)
	}
	if p.Timestamp > now {
		return fmt.Errorf("%w: timestamp %d ahead of %d", errs.ErrOracleStale, p.Timestamp, now)
	}
	if now-p.Timestamp > g.MaxStaleness {
		return fmt.Errorf("%w: age %ds exceeds %ds", errs.ErrOracleStale, now-p.Timestamp, g.MaxStaleness)
	}

	ratio, err := fpmath.Div(p.Confidence, p.Price)
	if err != nil || ratio > g.MaxConfidenceRatio {
		return fmt.Errorf("%w: confidence %s on price %s", errs.ErrOracleLowConfidence, p.Confidence, p.Price)
	}
	return nil
}

// ValidPrice fetches and validates in one step.
func (g Guard) ValidPrice(src Source, feedID string, now int64) (Price, error) {
	p, err := src.GetPrice(feedID)
	if err != nil {
		return Price{}, err
	}
	if err := g.Validate(p, now); err != nil {
		return Price{}, fmt.Errorf("feed %s: %w", feedID, err)
	}
	return p, nil
}

// Snapshot is an in-memory Source fed by oracle update instructions.
// Not thread-safe; owned by the engine goroutine.
type Snapshot struct {
	prices map[string]Price
}

func NewSnapshot() *Snapshot {
	return &Snapshot{prices: make(map[string]Price)}
}

// Update stores p unless an observation at least as recent is already held.
// It reports whether the stored value changed.
func (s *Snapshot) Update(feedID string, p Price) bool {
	if cur, ok := s.prices[feedID]; ok && cur.Timestamp >= p.Timestamp {
		return false
	}
	s.prices[feedID] = p
	return true
}

func (s *Snapshot) GetPrice(feedID string) (Price, error) {
	p, ok := s.prices[feedID]
	if !ok {
		return Price{}, fmt.Errorf("%w: no price for feed %s", errs.ErrInvalidOracleData, feedID)
	}
	return p, nil
}

// Feeds returns feed identifiers in sorted order.
func (s *Snapshot) Feeds() []string {
	feeds := make([]string, 0, len(s.prices))
	for id := range s.prices {
		feeds = append(feeds, id)
	}
	sort.Strings(feeds)
	return feeds
}
