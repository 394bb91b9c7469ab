package clearing

import (
	"fmt"

	"PerpClearing/internal/amm"
	"PerpClearing/internal/errs"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

// OpenPosition trades size base units in dir against the market's vAMM.
// Trading against an existing position reduces it first and flips it if
// size exceeds the open amount. Any newly opened exposure locks initial
// margin, and the taker fee is charged on the full quote amount.
func (ch *ClearingHouse) OpenPosition(owner uuid.UUID, marketID string, dir state.Direction, size fpmath.Fixed, opts TradeOptions, now int64) (*Delta, error) {
	if dir != state.DirectionLong && dir != state.DirectionShort {
		return nil, fmt.Errorf("%w: direction %d", errs.ErrInvalidPositionSize, dir)
	}
	if !size.IsPositive() {
		return nil, fmt.Errorf("%w: size %s", errs.ErrInvalidPositionSize, size)
	}
	baseDelta, err := fpmath.MulInt(size, dir.Sign())
	if err != nil {
		return nil, err
	}

	t := ch.begin(now)
	m, err := t.market(marketID)
	if err != nil {
		return nil, err
	}
	acct, err := t.account(owner)
	if err != nil {
		return nil, fmt.Errorf("%w: no collateral deposited", errs.ErrInsufficientCollateral)
	}
	if err := t.settleAccount(owner); err != nil {
		return nil, err
	}
	p := t.position(owner, marketID)

	res, err := t.trade(m, p, acct, baseDelta, ch.slippage(opts), opts.LimitPrice)
	if err != nil {
		return nil, err
	}
	if res.Fee, err = t.chargeTakerFee(m, acct, res.QuoteAmount, false); err != nil {
		return nil, err
	}

	if res.Opened.IsPositive() {
		if acct.Total.IsNegative() || acct.Locked > acct.Total {
			return nil, fmt.Errorf("%w: locked %s exceeds collateral %s",
				errs.ErrInsufficientCollateral, acct.Locked, acct.Total)
		}
		risk, err := t.risk(owner)
		if err != nil {
			return nil, err
		}
		if risk.Below(ch.cfg.Risk.InitialMarginRatio) {
			return nil, fmt.Errorf("%w: margin ratio %s below initial %s",
				errs.ErrInsufficientCollateral, risk.Ratio, ch.cfg.Risk.InitialMarginRatio)
		}
	} else if err := t.absorbDeficit(m, acct, p.ID); err != nil {
		return nil, err
	}

	d, err := t.commit(OpOpenPosition, marketID, owner)
	if err != nil {
		return nil, err
	}
	d.Trade = &res
	return d, nil
}

// ClosePosition reduces the owner's position by size base units. Realized
// PnL and released margin are proportional to the closed share.
func (ch *ClearingHouse) ClosePosition(owner uuid.UUID, marketID string, size fpmath.Fixed, opts TradeOptions, now int64) (*Delta, error) {
	if !size.IsPositive() {
		return nil, fmt.Errorf("%w: size %s", errs.ErrInvalidPositionSize, size)
	}

	t := ch.begin(now)
	m, err := t.market(marketID)
	if err != nil {
		return nil, err
	}
	acct, err := t.account(owner)
	if err != nil {
		return nil, err
	}
	p, ok := t.existingPosition(owner, marketID)
	if !ok || p.IsFlat() {
		return nil, fmt.Errorf("%w: no open position in %s", errs.ErrInvalidPositionSize, marketID)
	}
	if err := t.settleAccount(owner); err != nil {
		return nil, err
	}

	open, err := fpmath.Abs(p.BaseAssetAmount)
	if err != nil {
		return nil, err
	}
	if size > open {
		return nil, fmt.Errorf("%w: close %s exceeds open %s", errs.ErrInvalidPositionSize, size, open)
	}
	baseDelta, err := fpmath.MulInt(size, -p.Direction().Sign())
	if err != nil {
		return nil, err
	}

	res, err := t.trade(m, p, acct, baseDelta, ch.slippage(opts), opts.LimitPrice)
	if err != nil {
		return nil, err
	}
	if res.Fee, err = t.chargeTakerFee(m, acct, res.QuoteAmount, true); err != nil {
		return nil, err
	}
	if err := t.absorbDeficit(m, acct, p.ID); err != nil {
		return nil, err
	}

	d, err := t.commit(OpClosePosition, marketID, owner)
	if err != nil {
		return nil, err
	}
	d.Trade = &res
	return d, nil
}

// trade swaps baseDelta against the vAMM and folds the result into p.
// Against an opposite position the reducing leg is priced first and the
// opening leg second, on the curve the reducing leg leaves behind. The
// reducing quote realizes PnL against the proportional cost basis; the
// opening quote becomes new cost basis with an initial margin lock.
// Slippage and limit bounds apply to the combined fill. Fees are left to
// the caller.
func (t *tx) trade(m *state.Market, p *state.Position, acct *state.CollateralAccount, baseDelta, maxSlippage, limitPrice fpmath.Fixed) (TradeResult, error) {
	size, err := fpmath.Abs(baseDelta)
	if err != nil {
		return TradeResult{}, err
	}
	dir := state.DirectionLong
	if baseDelta.IsNegative() {
		dir = state.DirectionShort
	}

	closeSize, openSize := fpmath.Zero, size
	if !p.IsFlat() && p.Direction() != dir {
		existing, err := fpmath.Abs(p.BaseAssetAmount)
		if err != nil {
			return TradeResult{}, err
		}
		closeSize = fpmath.Min(size, existing)
		openSize = size - closeSize
	}

	legs, err := priceLegs(m.AMM, dir, closeSize, openSize)
	if err != nil {
		return TradeResult{}, err
	}
	first, last := legs[0], legs[len(legs)-1]

	var quoteAmount fpmath.Fixed
	for _, leg := range legs {
		if quoteAmount, err = fpmath.Add(quoteAmount, leg.QuoteAmount); err != nil {
			return TradeResult{}, err
		}
	}
	quoteAbs, err := fpmath.Abs(quoteAmount)
	if err != nil {
		return TradeResult{}, err
	}
	avg, err := fpmath.Div(quoteAbs, size)
	if err != nil {
		return TradeResult{}, err
	}

	if maxSlippage >= 0 {
		combined := amm.SwapResult{MarkBefore: first.MarkBefore, MarkAfter: last.MarkAfter}
		impact, err := combined.PriceImpact()
		if err != nil {
			return TradeResult{}, err
		}
		if impact > maxSlippage {
			return TradeResult{}, fmt.Errorf("%w: impact %s above bound %s",
				errs.ErrSlippageExceeded, impact, maxSlippage)
		}
	}
	if limitPrice.IsPositive() {
		if (dir == state.DirectionLong && avg > limitPrice) || (dir == state.DirectionShort && avg < limitPrice) {
			return TradeResult{}, fmt.Errorf("%w: average price %s beyond limit %s",
				errs.ErrSlippageExceeded, avg, limitPrice)
		}
	}
	m.AMM = last.After

	res := TradeResult{
		PositionID:  p.ID,
		Direction:   dir,
		BaseDelta:   baseDelta,
		QuoteAmount: quoteAmount,
		AvgPrice:    avg,
		MarkBefore:  first.MarkBefore,
		MarkAfter:   last.MarkAfter,
	}

	before := p.BaseAssetAmount
	if closeSize.IsPositive() {
		closeQuote, err := fpmath.Abs(legs[0].QuoteAmount)
		if err != nil {
			return TradeResult{}, err
		}
		if err := t.reduce(m, p, acct, dir, closeSize, closeQuote, &res); err != nil {
			return TradeResult{}, err
		}
	}
	if openSize.IsPositive() {
		openQuote, err := fpmath.Abs(last.QuoteAmount)
		if err != nil {
			return TradeResult{}, err
		}
		if err := t.increase(m, p, acct, dir, openSize, openQuote, &res); err != nil {
			return TradeResult{}, err
		}
	}

	if err := m.RecordExposureChange(before, p.BaseAssetAmount); err != nil {
		return TradeResult{}, err
	}
	return res, nil
}

// priceLegs simulates the reducing leg, then the opening leg on the
// curve it leaves behind. Zero-size legs are skipped.
func priceLegs(curve amm.AMM, dir state.Direction, closeSize, openSize fpmath.Fixed) ([]amm.SwapResult, error) {
	legs := make([]amm.SwapResult, 0, 2)
	for _, legSize := range []fpmath.Fixed{closeSize, openSize} {
		if !legSize.IsPositive() {
			continue
		}
		delta, err := fpmath.MulInt(legSize, dir.Sign())
		if err != nil {
			return nil, err
		}
		leg, err := curve.Simulate(delta)
		if err != nil {
			return nil, err
		}
		legs = append(legs, leg)
		curve = leg.After
	}
	return legs, nil
}

// reduce closes closeSize of p for closeQuote, realizing PnL against the
// proportional cost basis and releasing the proportional margin lock.
func (t *tx) reduce(m *state.Market, p *state.Position, acct *state.CollateralAccount, dir state.Direction, closeSize, closeQuote fpmath.Fixed, res *TradeResult) error {
	existing, err := fpmath.Abs(p.BaseAssetAmount)
	if err != nil {
		return err
	}
	basis, release := p.QuoteAssetAmount, p.LockedMargin
	if closeSize != existing {
		if basis, err = fpmath.MulDiv(p.QuoteAssetAmount, closeSize, existing); err != nil {
			return err
		}
		if release, err = fpmath.MulDiv(p.LockedMargin, closeSize, existing); err != nil {
			return err
		}
	}

	// A long closes by selling (receives closeQuote); a short closes
	// by buying (pays closeQuote).
	var pnl fpmath.Fixed
	if p.BaseAssetAmount > 0 {
		pnl, err = fpmath.Sub(closeQuote, basis)
	} else {
		pnl, err = fpmath.Sub(basis, closeQuote)
	}
	if err != nil {
		return err
	}

	signedClose, err := fpmath.MulInt(closeSize, dir.Sign())
	if err != nil {
		return err
	}
	if p.BaseAssetAmount, err = fpmath.Add(p.BaseAssetAmount, signedClose); err != nil {
		return err
	}
	p.QuoteAssetAmount -= basis
	p.LockedMargin -= release
	acct.Locked -= release
	if p.IsFlat() {
		// Truncation residue of the proportional split.
		p.QuoteAssetAmount = 0
	}

	if acct.Total, err = fpmath.Add(acct.Total, pnl); err != nil {
		return err
	}
	if p.RealizedPnL, err = fpmath.Add(p.RealizedPnL, pnl); err != nil {
		return err
	}
	t.journal.RealizedPnL(p.Owner, m.ID, pnl)

	res.Reduced = closeSize
	res.RealizedPnL = pnl
	res.LockDelta = -release
	return nil
}

// increase opens openSize in dir for openQuote of cost basis and locks
// initial margin on it.
func (t *tx) increase(m *state.Market, p *state.Position, acct *state.CollateralAccount, dir state.Direction, openSize, openQuote fpmath.Fixed, res *TradeResult) error {
	if !openQuote.IsPositive() {
		return fmt.Errorf("%w: size %s below quote precision", errs.ErrInvalidPositionSize, openSize)
	}
	if p.IsFlat() {
		p.OpenedAt = t.now
		p.LastCumulativeFunding = m.Funding.CumulativeIndex
	}
	signedOpen, err := fpmath.MulInt(openSize, dir.Sign())
	if err != nil {
		return err
	}
	if p.BaseAssetAmount, err = fpmath.Add(p.BaseAssetAmount, signedOpen); err != nil {
		return err
	}
	if p.QuoteAssetAmount, err = fpmath.Add(p.QuoteAssetAmount, openQuote); err != nil {
		return err
	}
	lock, err := fpmath.Mul(openQuote, t.ch.cfg.Risk.InitialMarginRatio)
	if err != nil {
		return err
	}
	if p.LockedMargin, err = fpmath.Add(p.LockedMargin, lock); err != nil {
		return err
	}
	if acct.Locked, err = fpmath.Add(acct.Locked, lock); err != nil {
		return err
	}
	res.Opened = openSize
	res.LockDelta += lock
	return nil
}

// chargeTakerFee moves the taker fee on quoteAmount from the trader to the
// fee pool. When capped, the fee never exceeds the trader's remaining
// positive collateral.
func (t *tx) chargeTakerFee(m *state.Market, acct *state.CollateralAccount, quoteAmount fpmath.Fixed, capped bool) (fpmath.Fixed, error) {
	notional, err := fpmath.Abs(quoteAmount)
	if err != nil {
		return 0, err
	}
	fee, err := fpmath.Mul(notional, t.ch.cfg.Fees.TakerFeeRate)
	if err != nil {
		return 0, err
	}
	if capped {
		fee = fpmath.Min(fee, fpmath.Max(acct.Total, 0))
	}
	if err := t.collectFee(m, acct, fee); err != nil {
		return 0, err
	}
	t.journal.TradeFee(acct.Owner, m.ID, fee)
	return fee, nil
}

func (t *tx) collectFee(m *state.Market, acct *state.CollateralAccount, fee fpmath.Fixed) error {
	if fee.IsZero() {
		return nil
	}
	var err error
	if acct.Total, err = fpmath.Sub(acct.Total, fee); err != nil {
		return err
	}
	if m.FeePool, err = fpmath.Add(m.FeePool, fee); err != nil {
		return err
	}
	m.TotalFees, err = fpmath.Add(m.TotalFees, fee)
	return err
}
