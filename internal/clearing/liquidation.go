package clearing

import (
	"fmt"

	"PerpClearing/internal/amm"
	"PerpClearing/internal/errs"
	"PerpClearing/internal/margin"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

// Liquidate closes the owner's position in marketID while the account's
// margin ratio is below maintenance. Each step closes the partial fraction
// of the remaining position, or all of it when the ratio is under the full
// liquidation threshold. The swap ignores slippage bounds. Liquidation
// fees go to the fee pool; any resulting deficit is covered by the pool
// and then booked as bad debt.
func (ch *ClearingHouse) Liquidate(owner uuid.UUID, marketID string, now int64) (*Delta, error) {
	t := ch.begin(now)
	m, err := t.market(marketID)
	if err != nil {
		return nil, err
	}
	acct, err := t.account(owner)
	if err != nil {
		return nil, err
	}
	if err := t.settleAccount(owner); err != nil {
		return nil, err
	}

	risk, err := t.risk(owner)
	if err != nil {
		return nil, err
	}
	mmr := ch.cfg.Risk.MaintenanceMarginRatio
	if !risk.Below(mmr) {
		return nil, fmt.Errorf("%w: margin ratio %s at or above maintenance %s", errs.ErrNotLiquidatable, risk.Ratio, mmr)
	}
	p, ok := t.existingPosition(owner, marketID)
	if !ok || p.IsFlat() {
		return nil, fmt.Errorf("%w: no open position in %s", errs.ErrNotLiquidatable, marketID)
	}

	result := LiquidationResult{PositionID: p.ID, RatioBefore: risk.Ratio}
	badDebtBefore := m.BadDebt

	for step := 0; step < ch.cfg.Risk.MaxLiquidationSteps && !p.IsFlat() && risk.Below(mmr); step++ {
		size, err := t.liquidationSize(p, risk)
		if err != nil {
			return nil, err
		}
		baseDelta, err := fpmath.MulInt(size, -p.Direction().Sign())
		if err != nil {
			return nil, err
		}

		res, err := t.trade(m, p, acct, baseDelta, amm.NoSlippageLimit, 0)
		if err != nil {
			return nil, err
		}
		fee, err := t.chargeLiquidationFee(m, acct, res.QuoteAmount)
		if err != nil {
			return nil, err
		}
		if err := t.absorbDeficit(m, acct, p.ID); err != nil {
			return nil, err
		}
		if risk, err = t.risk(owner); err != nil {
			return nil, err
		}

		result.Steps = append(result.Steps, LiquidationStep{
			Size:        size,
			QuoteAmount: res.QuoteAmount,
			RealizedPnL: res.RealizedPnL,
			Fee:         fee,
			RatioAfter:  risk.Ratio,
		})
		result.TotalFee += fee
	}

	result.RatioAfter = risk.Ratio
	result.FullyClosed = p.IsFlat()
	result.Recovered = !risk.Below(mmr)
	result.BadDebt = m.BadDebt - badDebtBefore

	d, err := t.commit(OpLiquidate, marketID, owner)
	if err != nil {
		return nil, err
	}
	d.Liquidation = &result
	return d, nil
}

// liquidationSize picks how much of p one step closes. Remainders that
// would round to nothing are closed in full.
func (t *tx) liquidationSize(p *state.Position, risk margin.AccountRisk) (fpmath.Fixed, error) {
	open, err := fpmath.Abs(p.BaseAssetAmount)
	if err != nil {
		return 0, err
	}
	if risk.Below(t.ch.cfg.Risk.FullLiquidationRatio) {
		return open, nil
	}
	size, err := fpmath.Mul(open, t.ch.cfg.Risk.PartialLiquidationFraction)
	if err != nil {
		return 0, err
	}
	if size.IsZero() || open-size <= fpmath.FromRaw(1) {
		return open, nil
	}
	return size, nil
}

// chargeLiquidationFee takes the fee on exit notional, capped at the
// trader's remaining positive collateral.
func (t *tx) chargeLiquidationFee(m *state.Market, acct *state.CollateralAccount, quoteAmount fpmath.Fixed) (fpmath.Fixed, error) {
	notional, err := fpmath.Abs(quoteAmount)
	if err != nil {
		return 0, err
	}
	fee, err := fpmath.Mul(notional, t.ch.cfg.Risk.LiquidationFeeRate)
	if err != nil {
		return 0, err
	}
	fee = fpmath.Min(fee, fpmath.Max(acct.Total, 0))
	if err := t.collectFee(m, acct, fee); err != nil {
		return 0, err
	}
	t.journal.LiquidationFee(acct.Owner, m.ID, fee)
	return fee, nil
}
