package projection

import (
	"PerpClearing/internal/funding"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MarketView is the read-side rendering of a market. Amounts are decimals
// so that API clients never see raw fixed-point integers.
type MarketView struct {
	ID                string          `json:"id"`
	OracleFeedID      string          `json:"oracle_feed_id"`
	MarkPrice         decimal.Decimal `json:"mark_price"`
	OraclePrice       decimal.Decimal `json:"oracle_price"`
	OracleTimestamp   int64           `json:"oracle_timestamp"`
	BaseAssetReserve  decimal.Decimal `json:"base_asset_reserve"`
	QuoteAssetReserve decimal.Decimal `json:"quote_asset_reserve"`
	PegMultiplier     decimal.Decimal `json:"peg_multiplier"`
	OpenInterestLong  decimal.Decimal `json:"open_interest_long"`
	OpenInterestShort decimal.Decimal `json:"open_interest_short"`
	FeePool           decimal.Decimal `json:"fee_pool"`
	TotalFees         decimal.Decimal `json:"total_fees"`
	BadDebt           decimal.Decimal `json:"bad_debt"`
	FundingRate       decimal.Decimal `json:"funding_rate"`
	CumulativeFunding decimal.Decimal `json:"cumulative_funding"`
	LastFundingTs     int64           `json:"last_funding_ts"`
	Sequence          int64           `json:"sequence"`
}

// PositionView is one open position inside an AccountView.
type PositionView struct {
	ID           uint64          `json:"id"`
	MarketID     string          `json:"market_id"`
	Direction    string          `json:"direction"`
	Size         decimal.Decimal `json:"size"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	LockedMargin decimal.Decimal `json:"locked_margin"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	FundingPaid  decimal.Decimal `json:"funding_paid"`
	OpenedAt     int64           `json:"opened_at"`
}

// AccountView is the read-side rendering of a trader's collateral and
// open positions.
type AccountView struct {
	Owner     uuid.UUID       `json:"owner"`
	Total     decimal.Decimal `json:"total"`
	Locked    decimal.Decimal `json:"locked"`
	Free      decimal.Decimal `json:"free"`
	Positions []PositionView  `json:"positions"`
	Sequence  int64           `json:"sequence"`
}

// FundingView is one settled funding period.
type FundingView struct {
	MarketID        string          `json:"market_id"`
	Seq             uint64          `json:"seq"`
	PeriodStart     int64           `json:"period_start"`
	PeriodEnd       int64           `json:"period_end"`
	Rate            decimal.Decimal `json:"rate"`
	MarkPrice       decimal.Decimal `json:"mark_price"`
	OraclePrice     decimal.Decimal `json:"oracle_price"`
	CumulativeIndex decimal.Decimal `json:"cumulative_index"`
	Sequence        int64           `json:"sequence"`
}

func dec(f fpmath.Fixed) decimal.Decimal { return f.Decimal() }

// marketView renders m, keeping the oracle fields of prev since markets
// do not carry the oracle price themselves.
func marketView(m state.Market, prev *MarketView, seq int64) MarketView {
	v := MarketView{
		ID:                m.ID,
		OracleFeedID:      m.OracleFeedID,
		BaseAssetReserve:  dec(m.AMM.BaseAssetReserve),
		QuoteAssetReserve: dec(m.AMM.QuoteAssetReserve),
		PegMultiplier:     dec(m.AMM.PegMultiplier),
		OpenInterestLong:  dec(m.BaseAssetAmountLong),
		OpenInterestShort: dec(m.BaseAssetAmountShort).Neg(),
		FeePool:           dec(m.FeePool),
		TotalFees:         dec(m.TotalFees),
		BadDebt:           dec(m.BadDebt),
		FundingRate:       dec(m.Funding.LastRate),
		CumulativeFunding: dec(m.Funding.CumulativeIndex),
		LastFundingTs:     m.Funding.LastFundingTs,
		Sequence:          seq,
	}
	if mark, err := m.AMM.MarkPrice(); err == nil {
		v.MarkPrice = dec(mark)
	}
	if prev != nil {
		v.OraclePrice = prev.OraclePrice
		v.OracleTimestamp = prev.OracleTimestamp
	}
	return v
}

func positionView(p state.Position) PositionView {
	v := PositionView{
		ID:           uint64(p.ID),
		MarketID:     p.MarketID,
		Direction:    p.Direction().String(),
		Size:         dec(p.BaseAssetAmount).Abs(),
		CostBasis:    dec(p.QuoteAssetAmount),
		LockedMargin: dec(p.LockedMargin),
		RealizedPnL:  dec(p.RealizedPnL),
		FundingPaid:  dec(p.FundingPaid),
		OpenedAt:     p.OpenedAt,
	}
	if entry, err := p.EntryPrice(); err == nil {
		v.EntryPrice = dec(entry)
	}
	return v
}

func fundingView(r funding.Record, seq int64) FundingView {
	return FundingView{
		MarketID:        r.MarketID,
		Seq:             r.Seq,
		PeriodStart:     r.PeriodStart,
		PeriodEnd:       r.PeriodEnd,
		Rate:            dec(r.Rate),
		MarkPrice:       dec(r.MarkPrice),
		OraclePrice:     dec(r.OraclePrice),
		CumulativeIndex: dec(r.CumulativeIndex),
		Sequence:        seq,
	}
}

// withAccount refreshes the collateral fields of v from a.
func (v *AccountView) withAccount(a state.CollateralAccount, seq int64) {
	v.Owner = a.Owner
	v.Total = dec(a.Total)
	v.Locked = dec(a.Locked)
	v.Free = v.Total.Sub(v.Locked)
	v.Sequence = seq
}

// withPosition replaces or inserts p, dropping it once flat.
func (v *AccountView) withPosition(p state.Position, seq int64) {
	kept := v.Positions[:0]
	for _, pv := range v.Positions {
		if pv.ID != uint64(p.ID) {
			kept = append(kept, pv)
		}
	}
	v.Positions = kept
	if !p.IsFlat() {
		v.Positions = append(v.Positions, positionView(p))
	}
	v.Sequence = seq
}
