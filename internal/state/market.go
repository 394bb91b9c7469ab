package state

import (
	"PerpClearing/internal/amm"
	"PerpClearing/internal/funding"
	fpmath "PerpClearing/internal/math"
)

// MaxIDLength bounds market and oracle feed identifiers.
const MaxIDLength = 64

// Market is the clearing house's per-market record.
type Market struct {
	ID           string        `json:"id"`
	OracleFeedID string        `json:"oracle_feed_id"`
	AMM          amm.AMM       `json:"amm"`
	Funding      funding.State `json:"funding"`
	PegWindow    amm.PegWindow `json:"peg_window"`

	FeePool fpmath.Fixed `json:"fee_pool"`

	// Exposure accounting. NetBaseAssetAmount always equals
	// InitialBaseReserve - AMM.BaseAssetReserve.
	InitialBaseReserve   fpmath.Fixed `json:"initial_base_reserve"`
	BaseAssetAmountLong  fpmath.Fixed `json:"base_asset_amount_long"`
	BaseAssetAmountShort fpmath.Fixed `json:"base_asset_amount_short"` // <= 0
	NetBaseAssetAmount   fpmath.Fixed `json:"net_base_asset_amount"`

	TotalFees fpmath.Fixed `json:"total_fees"`
	BadDebt   fpmath.Fixed `json:"bad_debt"` // Losses the fee pool could not cover

	CreatedAt int64 `json:"created_at"`
	Version   int64 `json:"version"`
}

func (m *Market) MarkPrice() (fpmath.Fixed, error) {
	return m.AMM.MarkPrice()
}

// RecordExposureChange moves the long/short/net totals for a position
// whose base amount went from before to after.
func (m *Market) RecordExposureChange(before, after fpmath.Fixed) error {
	long, short := m.BaseAssetAmountLong, m.BaseAssetAmountShort
	var err error

	if before > 0 {
		if long, err = fpmath.Sub(long, before); err != nil {
			return err
		}
	} else if before < 0 {
		if short, err = fpmath.Sub(short, before); err != nil {
			return err
		}
	}

	if after > 0 {
		if long, err = fpmath.Add(long, after); err != nil {
			return err
		}
	} else if after < 0 {
		if short, err = fpmath.Add(short, after); err != nil {
			return err
		}
	}

	net, err := fpmath.Add(long, short)
	if err != nil {
		return err
	}

	m.BaseAssetAmountLong = long
	m.BaseAssetAmountShort = short
	m.NetBaseAssetAmount = net
	return nil
}

// OpenInterest returns long + |short|
func (m *Market) OpenInterest() (fpmath.Fixed, error) {
	return fpmath.Sub(m.BaseAssetAmountLong, m.BaseAssetAmountShort)
}

// CanonicalBytes returns deterministic serialization for hashing
func (m *Market) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)

	buf = appendString(buf, m.ID)
	buf = appendString(buf, m.OracleFeedID)
	buf = appendInt64LE(buf, m.AMM.BaseAssetReserve.Raw())
	buf = appendInt64LE(buf, m.AMM.QuoteAssetReserve.Raw())
	buf = appendInt64LE(buf, m.AMM.PegMultiplier.Raw())
	buf = appendInt64LE(buf, m.Funding.CumulativeIndex.Raw())
	buf = appendInt64LE(buf, m.Funding.LastRate.Raw())
	buf = appendInt64LE(buf, m.Funding.LastFundingTs)
	buf = appendInt64LE(buf, int64(m.Funding.Periods))
	buf = appendInt64LE(buf, m.PegWindow.StartTs)
	buf = appendInt64LE(buf, m.PegWindow.StartPeg.Raw())
	buf = appendInt64LE(buf, m.FeePool.Raw())
	buf = appendInt64LE(buf, m.InitialBaseReserve.Raw())
	buf = appendInt64LE(buf, m.BaseAssetAmountLong.Raw())
	buf = appendInt64LE(buf, m.BaseAssetAmountShort.Raw())
	buf = appendInt64LE(buf, m.NetBaseAssetAmount.Raw())
	buf = appendInt64LE(buf, m.TotalFees.Raw())
	buf = appendInt64LE(buf, m.BadDebt.Raw())
	buf = appendInt64LE(buf, m.CreatedAt)
	buf = appendInt64LE(buf, m.Version)

	return buf
}
