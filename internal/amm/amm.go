// Package amm implements the constant-product virtual market and the
// controller that moves its peg.
package amm

import (
	"fmt"
	"math/big"

	"PerpClearing/internal/errs"
	fpmath "PerpClearing/internal/math"
)

// NoSlippageLimit disables the price-impact bound on a swap.
const NoSlippageLimit fpmath.Fixed = -1

// AMM is the virtual reserve state of one market.
// Invariant: BaseAssetReserve * QuoteAssetReserve is constant across swaps.
type AMM struct {
	BaseAssetReserve  fpmath.Fixed `json:"base_asset_reserve"`
	QuoteAssetReserve fpmath.Fixed `json:"quote_asset_reserve"`
	PegMultiplier     fpmath.Fixed `json:"peg_multiplier"`
}

// SwapResult describes one trade against the curve.
type SwapResult struct {
	BaseDelta         fpmath.Fixed // Signed change in trader exposure (positive = long)
	QuoteReserveDelta fpmath.Fixed // new_quote - quote, unpegged
	QuoteAmount       fpmath.Fixed // Pegged quote value; positive = trader pays, negative = trader receives
	MarkBefore        fpmath.Fixed
	MarkAfter         fpmath.Fixed
	After             AMM
}

func New(base, quote, peg fpmath.Fixed) (AMM, error) {
	a := AMM{BaseAssetReserve: base, QuoteAssetReserve: quote, PegMultiplier: peg}
	if err := a.Validate(); err != nil {
		return AMM{}, err
	}
	return a, nil
}

// Validate checks that reserves and peg are strictly positive.
func (a AMM) Validate() error {
	if !a.BaseAssetReserve.IsPositive() || !a.QuoteAssetReserve.IsPositive() {
		return fmt.Errorf("%w: reserves must be positive (base=%s quote=%s)",
			errs.ErrInvalidPositionSize, a.BaseAssetReserve, a.QuoteAssetReserve)
	}
	if !a.PegMultiplier.IsPositive() {
		return fmt.Errorf("%w: peg %s", errs.ErrInvalidPeg, a.PegMultiplier)
	}
	return nil
}

// MarkPrice returns quote / base * peg, widened through a single MulDiv.
func (a AMM) MarkPrice() (fpmath.Fixed, error) {
	return fpmath.MulDiv(a.QuoteAssetReserve, a.PegMultiplier, a.BaseAssetReserve)
}

// K returns base * quote in raw units (scale squared).
func (a AMM) K() *big.Int {
	return fpmath.WideMul(a.BaseAssetReserve, a.QuoteAssetReserve)
}

// Simulate prices a swap without mutating a.
func (a AMM) Simulate(baseDelta fpmath.Fixed) (SwapResult, error) {
	if baseDelta.IsZero() {
		return SwapResult{}, fmt.Errorf("%w: zero base delta", errs.ErrInvalidPositionSize)
	}
	if err := a.Validate(); err != nil {
		return SwapResult{}, err
	}

	markBefore, err := a.MarkPrice()
	if err != nil {
		return SwapResult{}, err
	}

	newBase, err := fpmath.Sub(a.BaseAssetReserve, baseDelta)
	if err != nil {
		return SwapResult{}, err
	}
	if !newBase.IsPositive() {
		return SwapResult{}, fmt.Errorf("%w: base reserve %s cannot absorb %s",
			errs.ErrInvalidPositionSize, a.BaseAssetReserve, baseDelta)
	}

	newQuote, err := fpmath.QuoWide(a.K(), newBase)
	if err != nil {
		return SwapResult{}, err
	}
	if !newQuote.IsPositive() {
		return SwapResult{}, fmt.Errorf("%w: quote reserve would reach %s",
			errs.ErrInvalidPositionSize, newQuote)
	}

	quoteDelta, err := fpmath.Sub(newQuote, a.QuoteAssetReserve)
	if err != nil {
		return SwapResult{}, err
	}
	quoteAmount, err := fpmath.Mul(quoteDelta, a.PegMultiplier)
	if err != nil {
		return SwapResult{}, err
	}

	after := AMM{BaseAssetReserve: newBase, QuoteAssetReserve: newQuote, PegMultiplier: a.PegMultiplier}
	markAfter, err := after.MarkPrice()
	if err != nil {
		return SwapResult{}, err
	}

	return SwapResult{
		BaseDelta:         baseDelta,
		QuoteReserveDelta: quoteDelta,
		QuoteAmount:       quoteAmount,
		MarkBefore:        markBefore,
		MarkAfter:         markAfter,
		After:             after,
	}, nil
}

// PriceImpact returns |mark_after - mark_before| / mark_before.
func (r SwapResult) PriceImpact() (fpmath.Fixed, error) {
	diff, err := fpmath.Sub(r.MarkAfter, r.MarkBefore)
	if err != nil {
		return 0, err
	}
	if diff, err = fpmath.Abs(diff); err != nil {
		return 0, err
	}
	return fpmath.Div(diff, r.MarkBefore)
}

// Swap applies a trade if its price impact stays within maxSlippage.
// Pass NoSlippageLimit to skip the bound. On error a is unchanged.
func (a *AMM) Swap(baseDelta, maxSlippage fpmath.Fixed) (SwapResult, error) {
	res, err := a.Simulate(baseDelta)
	if err != nil {
		return SwapResult{}, err
	}

	if maxSlippage >= 0 {
		impact, err := res.PriceImpact()
		if err != nil {
			return SwapResult{}, err
		}
		if impact > maxSlippage {
			return SwapResult{}, fmt.Errorf("%w: impact %s above bound %s",
				errs.ErrSlippageExceeded, impact, maxSlippage)
		}
	}

	*a = res.After
	return res, nil
}

// setPeg is restricted to the repeg controller.
func (a *AMM) setPeg(peg fpmath.Fixed) error {
	if !peg.IsPositive() {
		return fmt.Errorf("%w: peg %s", errs.ErrInvalidPeg, peg)
	}
	a.PegMultiplier = peg
	return nil
}
