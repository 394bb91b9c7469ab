package amm

import (
	"fmt"

	"PerpClearing/internal/errs"
	fpmath "PerpClearing/internal/math"
)

// RepegController moves the peg toward the oracle within two limits:
// a per-period fraction of the window's starting peg, and a share of the
// fee pool that may be spent on the move.
type RepegController struct {
	MaxPegChangeFraction fpmath.Fixed
	BudgetFraction       fpmath.Fixed
	Period               int64
}

// PegWindow anchors the per-period bound.
type PegWindow struct {
	StartTs  int64        `json:"start_ts"`
	StartPeg fpmath.Fixed `json:"start_peg"`
}

type RepegResult struct {
	OldPeg        fpmath.Fixed `json:"old_peg"`
	TargetPeg     fpmath.Fixed `json:"target_peg"` // Peg that would put mark exactly on the oracle
	NewPeg        fpmath.Fixed `json:"new_peg"`
	Cost          fpmath.Fixed `json:"cost"`           // Positive = fee pool pays, negative = fee pool receives
	Clamped       bool         `json:"clamped"`        // Limited by the per-period fraction
	BudgetLimited bool         `json:"budget_limited"` // Limited by the fee pool budget
	Window        PegWindow    `json:"window"`
}

// Evaluate computes the repeg without applying it. netBase is the traders'
// net base exposure in the market (positive = net long).
func (c RepegController) Evaluate(a AMM, w PegWindow, netBase, oraclePrice, feePool fpmath.Fixed, now int64) (RepegResult, error) {
	if err := a.Validate(); err != nil {
		return RepegResult{}, fmt.Errorf("%w: %v", errs.ErrInvalidPeg, err)
	}

	target, err := fpmath.MulDiv(oraclePrice, a.BaseAssetReserve, a.QuoteAssetReserve)
	if err != nil {
		return RepegResult{}, err
	}
	if !target.IsPositive() {
		return RepegResult{}, fmt.Errorf("%w: target peg %s", errs.ErrInvalidPeg, target)
	}

	if w.StartPeg.IsZero() || now-w.StartTs >= c.Period {
		w = PegWindow{StartTs: now, StartPeg: a.PegMultiplier}
	}

	band, err := fpmath.Mul(w.StartPeg, c.MaxPegChangeFraction)
	if err != nil {
		return RepegResult{}, err
	}
	lo, err := fpmath.Sub(w.StartPeg, band)
	if err != nil {
		return RepegResult{}, err
	}
	hi, err := fpmath.Add(w.StartPeg, band)
	if err != nil {
		return RepegResult{}, err
	}
	newPeg := fpmath.Clamp(target, lo, hi)

	res := RepegResult{
		OldPeg:    a.PegMultiplier,
		TargetPeg: target,
		Clamped:   newPeg != target,
		Window:    w,
	}

	closeQuote, err := closingQuote(a, netBase)
	if err != nil {
		return RepegResult{}, err
	}

	delta, err := fpmath.Sub(newPeg, a.PegMultiplier)
	if err != nil {
		return RepegResult{}, err
	}
	cost, err := fpmath.Mul(closeQuote, delta)
	if err != nil {
		return RepegResult{}, err
	}

	budget, err := fpmath.Mul(fpmath.Max(feePool, 0), c.BudgetFraction)
	if err != nil {
		return RepegResult{}, err
	}
	if cost > budget {
		absQuote, err := fpmath.Abs(closeQuote)
		if err != nil {
			return RepegResult{}, err
		}
		maxDelta, err := fpmath.Div(budget, absQuote)
		if err != nil {
			return RepegResult{}, err
		}
		if delta.IsNegative() {
			delta = -fpmath.Min(-delta, maxDelta)
		} else {
			delta = fpmath.Min(delta, maxDelta)
		}
		if newPeg, err = fpmath.Add(a.PegMultiplier, delta); err != nil {
			return RepegResult{}, err
		}
		if cost, err = fpmath.Mul(closeQuote, delta); err != nil {
			return RepegResult{}, err
		}
		res.BudgetLimited = true
	}

	if !newPeg.IsPositive() {
		return RepegResult{}, fmt.Errorf("%w: resulting peg %s", errs.ErrInvalidPeg, newPeg)
	}

	res.NewPeg = newPeg
	res.Cost = cost
	return res, nil
}

// Repeg evaluates and applies the new peg to a and the window to w.
// Raw reserves are never touched.
func (c RepegController) Repeg(a *AMM, w *PegWindow, netBase, oraclePrice, feePool fpmath.Fixed, now int64) (RepegResult, error) {
	res, err := c.Evaluate(*a, *w, netBase, oraclePrice, feePool, now)
	if err != nil {
		return RepegResult{}, err
	}
	if err := a.setPeg(res.NewPeg); err != nil {
		return RepegResult{}, err
	}
	*w = res.Window
	return res, nil
}

// closingQuote is the unpegged quote the AMM would pay if every open
// position were closed: quote - k / (base + netBase).
func closingQuote(a AMM, netBase fpmath.Fixed) (fpmath.Fixed, error) {
	if netBase.IsZero() {
		return 0, nil
	}
	terminalBase, err := fpmath.Add(a.BaseAssetReserve, netBase)
	if err != nil {
		return 0, err
	}
	if !terminalBase.IsPositive() {
		return 0, fmt.Errorf("%w: terminal base reserve %s", errs.ErrInvalidPeg, terminalBase)
	}
	terminalQuote, err := fpmath.QuoWide(a.K(), terminalBase)
	if err != nil {
		return 0, err
	}
	return fpmath.Sub(a.QuoteAssetReserve, terminalQuote)
}
