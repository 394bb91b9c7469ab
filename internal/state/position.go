// internal/state/position.go
package state

import (
	"encoding/binary"
	"fmt"

	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// Direction of a trade or position
type Direction int8

const (
	DirectionLong Direction = iota + 1
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "long"
	case DirectionShort:
		return "short"
	default:
		return "unknown"
	}
}

// Sign returns +1 for long, -1 for short
func (d Direction) Sign() int64 {
	switch d {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	default:
		return 0
	}
}

func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

func (d Direction) MarshalText() ([]byte, error) {
	if d == 0 {
		return []byte{}, nil
	}
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = 0
		return nil
	}
	parsed, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "long", "LONG", "buy", "BUY":
		return DirectionLong, nil
	case "short", "SHORT", "sell", "SELL":
		return DirectionShort, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// PositionID is a stable arena identifier, allocated monotonically.
type PositionID uint64

// Position represents a trader's exposure in one market.
// Invariant: QuoteAssetAmount is zero exactly when BaseAssetAmount is zero.
type Position struct {
	ID                    PositionID   `json:"id"`
	Owner                 uuid.UUID    `json:"owner"`
	MarketID              string       `json:"market_id"`
	BaseAssetAmount       fpmath.Fixed `json:"base_asset_amount"`       // Signed: positive = long
	QuoteAssetAmount      fpmath.Fixed `json:"quote_asset_amount"`      // Cost basis, always >= 0
	LastCumulativeFunding fpmath.Fixed `json:"last_cumulative_funding"` // Index at last settlement
	LockedMargin          fpmath.Fixed `json:"locked_margin"`
	RealizedPnL           fpmath.Fixed `json:"realized_pnl"` // Cumulative
	FundingPaid           fpmath.Fixed `json:"funding_paid"` // Cumulative, positive = paid
	OpenedAt              int64        `json:"opened_at"`
	Version               int64        `json:"version"`
}

// IsFlat returns true if position has no exposure
func (p *Position) IsFlat() bool {
	return p.BaseAssetAmount.IsZero()
}

// Direction returns 0 for a flat position
func (p *Position) Direction() Direction {
	switch {
	case p.BaseAssetAmount > 0:
		return DirectionLong
	case p.BaseAssetAmount < 0:
		return DirectionShort
	default:
		return 0
	}
}

// EntryPrice returns cost basis / |base|
func (p *Position) EntryPrice() (fpmath.Fixed, error) {
	if p.IsFlat() {
		return 0, nil
	}
	size, err := fpmath.Abs(p.BaseAssetAmount)
	if err != nil {
		return 0, err
	}
	return fpmath.Div(p.QuoteAssetAmount, size)
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = appendInt64LE(buf, int64(p.ID))

	// owner (16 bytes UUID binary)
	buf = append(buf, p.Owner[:]...)

	buf = appendString(buf, p.MarketID)
	buf = appendInt64LE(buf, p.BaseAssetAmount.Raw())
	buf = appendInt64LE(buf, p.QuoteAssetAmount.Raw())
	buf = appendInt64LE(buf, p.LastCumulativeFunding.Raw())
	buf = appendInt64LE(buf, p.LockedMargin.Raw())
	buf = appendInt64LE(buf, p.RealizedPnL.Raw())
	buf = appendInt64LE(buf, p.FundingPaid.Raw())
	buf = appendInt64LE(buf, p.OpenedAt)
	buf = appendInt64LE(buf, p.Version)

	return buf
}

// appendString writes s with a uvarint length prefix.
func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
