// Package funding computes periodic funding rates and maintains the
// cumulative funding index per market.
package funding

import (
	"fmt"

	"PerpClearing/internal/amm"
	"PerpClearing/internal/errs"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/oracle"
)

// Params configures the funding cadence. Interval is the period length;
// Horizon is the span over which the full mark/oracle gap is paid, so a
// one-hour interval with an eight-hour horizon charges an eighth per period.
type Params struct {
	Interval int64
	Horizon  int64
	MaxRate  fpmath.Fixed // Zero disables clamping
}

func (p Params) Periods() int64 {
	if p.Interval <= 0 || p.Horizon < p.Interval {
		return 1
	}
	return p.Horizon / p.Interval
}

// State is the funding state embedded in a market.
type State struct {
	CumulativeIndex fpmath.Fixed `json:"cumulative_index"`
	LastRate        fpmath.Fixed `json:"last_rate"`
	LastFundingTs   int64        `json:"last_funding_ts"`
	Periods         uint64       `json:"periods"`
}

// Record is one settled funding period.
type Record struct {
	MarketID        string       `json:"market_id"`
	Seq             uint64       `json:"seq"`
	PeriodStart     int64        `json:"period_start"`
	PeriodEnd       int64        `json:"period_end"`
	Rate            fpmath.Fixed `json:"rate"`
	MarkPrice       fpmath.Fixed `json:"mark_price"`
	OraclePrice     fpmath.Fixed `json:"oracle_price"`
	CumulativeIndex fpmath.Fixed `json:"cumulative_index"`
}

type Engine struct {
	params Params
	guard  oracle.Guard
}

func NewEngine(params Params, guard oracle.Guard) *Engine {
	return &Engine{params: params, guard: guard}
}

func (e *Engine) Params() Params { return e.params }

// Rate returns ((mark - oracle) / oracle) / periods, clamped to ±MaxRate.
func (e *Engine) Rate(mark, oraclePrice fpmath.Fixed) (fpmath.Fixed, error) {
	gap, err := fpmath.Sub(mark, oraclePrice)
	if err != nil {
		return 0, err
	}
	premium, err := fpmath.Div(gap, oraclePrice)
	if err != nil {
		return 0, err
	}
	rate, err := fpmath.QuoInt(premium, e.params.Periods())
	if err != nil {
		return 0, err
	}
	if e.params.MaxRate.IsPositive() {
		rate = fpmath.Clamp(rate, -e.params.MaxRate, e.params.MaxRate)
	}
	return rate, nil
}

// Update computes the next funding state for a market. It does not mutate:
// the caller commits the returned State and appends the Record together.
// An invalid oracle skips the period with an error; the index is not advanced.
func (e *Engine) Update(marketID string, a amm.AMM, st State, price oracle.Price, now int64) (State, Record, error) {
	if now-st.LastFundingTs < e.params.Interval {
		return State{}, Record{}, fmt.Errorf("%w: %ds since last settlement, interval %ds",
			errs.ErrFundingNotDue, now-st.LastFundingTs, e.params.Interval)
	}
	if err := e.guard.Validate(price, now); err != nil {
		return State{}, Record{}, fmt.Errorf("funding %s: %w", marketID, err)
	}

	mark, err := a.MarkPrice()
	if err != nil {
		return State{}, Record{}, err
	}
	rate, err := e.Rate(mark, price.Price)
	if err != nil {
		return State{}, Record{}, err
	}
	step, err := fpmath.Mul(rate, mark)
	if err != nil {
		return State{}, Record{}, err
	}
	index, err := fpmath.Add(st.CumulativeIndex, step)
	if err != nil {
		return State{}, Record{}, err
	}

	next := State{
		CumulativeIndex: index,
		LastRate:        rate,
		LastFundingTs:   now,
		Periods:         st.Periods + 1,
	}
	rec := Record{
		MarketID:        marketID,
		Seq:             next.Periods,
		PeriodStart:     st.LastFundingTs,
		PeriodEnd:       now,
		Rate:            rate,
		MarkPrice:       mark,
		OraclePrice:     price.Price,
		CumulativeIndex: index,
	}
	return next, rec, nil
}

// PositionPayment returns what a position owes since its last settlement:
// (indexNow - lastIndex) * baseExposure. Positive means the trader pays.
func PositionPayment(indexNow, lastIndex, baseExposure fpmath.Fixed) (fpmath.Fixed, error) {
	delta, err := fpmath.Sub(indexNow, lastIndex)
	if err != nil {
		return 0, err
	}
	if delta.IsZero() || baseExposure.IsZero() {
		return 0, nil
	}
	return fpmath.Mul(delta, baseExposure)
}
