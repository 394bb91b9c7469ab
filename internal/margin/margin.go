// Package margin derives cross-margin health from collateral, positions
// and current mark prices. Nothing here is persisted.
package margin

import (
	"errors"
	"fmt"

	"PerpClearing/internal/errs"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"
)

// Health classifies an account against the margin thresholds
type Health int32

const (
	HealthHealthy Health = iota
	HealthAtRisk         // Below initial margin: may only reduce
	HealthLiquidatable   // Below maintenance margin
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthAtRisk:
		return "AtRisk"
	case HealthLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

// MarketSource resolves markets for mark prices
type MarketSource interface {
	Market(id string) (state.Market, bool)
}

type PositionRisk struct {
	PositionID    state.PositionID
	MarketID      string
	MarkPrice     fpmath.Fixed
	UnrealizedPnL fpmath.Fixed
	Notional      fpmath.Fixed
}

// AccountRisk is the cross-margin view of one collateral account
type AccountRisk struct {
	Total         fpmath.Fixed
	Locked        fpmath.Fixed
	UnrealizedPnL fpmath.Fixed
	Equity        fpmath.Fixed // Total + UnrealizedPnL
	Notional      fpmath.Fixed
	Ratio         fpmath.Fixed // Equity / Notional, saturated; meaningless without exposure
	HasExposure   bool
	Positions     []PositionRisk
}

// UnrealizedPnL returns mark * base - sign(base) * cost_basis, which is
// (mark - entry) * base.
func UnrealizedPnL(p state.Position, mark fpmath.Fixed) (fpmath.Fixed, error) {
	if p.IsFlat() {
		return 0, nil
	}
	value, err := fpmath.Mul(mark, p.BaseAssetAmount)
	if err != nil {
		return 0, err
	}
	if p.BaseAssetAmount > 0 {
		return fpmath.Sub(value, p.QuoteAssetAmount)
	}
	return fpmath.Add(value, p.QuoteAssetAmount)
}

// Notional returns mark * |base|
func Notional(p state.Position, mark fpmath.Fixed) (fpmath.Fixed, error) {
	size, err := fpmath.Abs(p.BaseAssetAmount)
	if err != nil {
		return 0, err
	}
	return fpmath.Mul(mark, size)
}

// Compute evaluates an account across all of its positions.
func Compute(acct state.CollateralAccount, positions []state.Position, markets MarketSource) (AccountRisk, error) {
	risk := AccountRisk{Total: acct.Total, Locked: acct.Locked}

	for _, p := range positions {
		if p.IsFlat() {
			continue
		}
		m, ok := markets.Market(p.MarketID)
		if !ok {
			return AccountRisk{}, fmt.Errorf("%w: %s", errs.ErrUnknownMarket, p.MarketID)
		}
		mark, err := m.MarkPrice()
		if err != nil {
			return AccountRisk{}, err
		}
		upnl, err := UnrealizedPnL(p, mark)
		if err != nil {
			return AccountRisk{}, err
		}
		notional, err := Notional(p, mark)
		if err != nil {
			return AccountRisk{}, err
		}

		if risk.UnrealizedPnL, err = fpmath.Add(risk.UnrealizedPnL, upnl); err != nil {
			return AccountRisk{}, err
		}
		if risk.Notional, err = fpmath.Add(risk.Notional, notional); err != nil {
			return AccountRisk{}, err
		}
		risk.Positions = append(risk.Positions, PositionRisk{
			PositionID:    p.ID,
			MarketID:      p.MarketID,
			MarkPrice:     mark,
			UnrealizedPnL: upnl,
			Notional:      notional,
		})
	}

	var err error
	if risk.Equity, err = fpmath.Add(risk.Total, risk.UnrealizedPnL); err != nil {
		return AccountRisk{}, err
	}
	if risk.Notional.IsPositive() {
		risk.HasExposure = true
		if risk.Ratio, err = saturatedRatio(risk.Equity, risk.Notional); err != nil {
			return AccountRisk{}, err
		}
	}
	return risk, nil
}

// saturatedRatio divides equity by notional, pinning results that leave the
// fixed-point range to its bounds. Large collateral over a dust position
// overflows otherwise.
func saturatedRatio(equity, notional fpmath.Fixed) (fpmath.Fixed, error) {
	ratio, err := fpmath.Div(equity, notional)
	switch {
	case errors.Is(err, fpmath.ErrOverflow):
		return fpmath.MaxValue, nil
	case errors.Is(err, fpmath.ErrUnderflow):
		return fpmath.MinValue, nil
	}
	return ratio, err
}

// Classify compares the ratio with the initial and maintenance thresholds.
// An account without exposure is always healthy.
func (r AccountRisk) Classify(initialRatio, maintenanceRatio fpmath.Fixed) Health {
	if !r.HasExposure {
		return HealthHealthy
	}
	if r.Below(maintenanceRatio) {
		return HealthLiquidatable
	}
	if r.Below(initialRatio) {
		return HealthAtRisk
	}
	return HealthHealthy
}

// Below reports whether the account has exposure and equity under
// threshold * notional. The comparison is on exact widened products, so it
// never truncates or overflows.
func (r AccountRisk) Below(threshold fpmath.Fixed) bool {
	if !r.HasExposure {
		return false
	}
	equity := fpmath.WideMul(r.Equity, fpmath.One)
	return equity.Cmp(fpmath.WideMul(threshold, r.Notional)) < 0
}
