package clearing

import (
	"fmt"

	"PerpClearing/internal/amm"
	"PerpClearing/internal/errs"
	"PerpClearing/internal/funding"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

// MarketParams describe a new market's feed and initial curve.
type MarketParams struct {
	ID                string       `json:"market_id"`
	OracleFeedID      string       `json:"oracle_feed_id"`
	BaseAssetReserve  fpmath.Fixed `json:"base_asset_reserve"`
	QuoteAssetReserve fpmath.Fixed `json:"quote_asset_reserve"`
	PegMultiplier     fpmath.Fixed `json:"peg_multiplier"`
}

func (ch *ClearingHouse) InitializeMarket(params MarketParams, now int64) (*Delta, error) {
	if params.ID == "" || params.OracleFeedID == "" {
		return nil, fmt.Errorf("%w: market and oracle feed ids are required", errs.ErrInvalidAmount)
	}
	if len(params.ID) > state.MaxIDLength || len(params.OracleFeedID) > state.MaxIDLength {
		return nil, fmt.Errorf("%w: market and oracle feed ids are limited to %d bytes",
			errs.ErrInvalidAmount, state.MaxIDLength)
	}
	if _, ok := ch.store.Market(params.ID); ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrMarketExists, params.ID)
	}
	curve, err := amm.New(params.BaseAssetReserve, params.QuoteAssetReserve, params.PegMultiplier)
	if err != nil {
		return nil, err
	}

	t := ch.begin(now)
	t.markets[params.ID] = &state.Market{
		ID:                 params.ID,
		OracleFeedID:       params.OracleFeedID,
		AMM:                curve,
		Funding:            funding.State{LastFundingTs: now},
		PegWindow:          amm.PegWindow{StartTs: now, StartPeg: curve.PegMultiplier},
		InitialBaseReserve: curve.BaseAssetReserve,
		CreatedAt:          now,
	}
	return t.commit(OpInitializeMarket, params.ID, uuid.Nil)
}

// DepositCollateral credits quote collateral, opening the account on first use.
func (ch *ClearingHouse) DepositCollateral(owner uuid.UUID, amount fpmath.Fixed, now int64) (*Delta, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit %s", errs.ErrInvalidAmount, amount)
	}
	t := ch.begin(now)
	acct := t.accountOrNew(owner)
	var err error
	if acct.Total, err = fpmath.Add(acct.Total, amount); err != nil {
		return nil, err
	}
	t.journal.Deposit(owner, amount)
	return t.commit(OpDeposit, "", owner)
}

// WithdrawCollateral settles the account's funding, then releases amount
// if it stays within free collateral and leaves unrealized losses covered:
// total - amount + min(uPnL, 0) >= locked.
func (ch *ClearingHouse) WithdrawCollateral(owner uuid.UUID, amount fpmath.Fixed, now int64) (*Delta, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: withdrawal %s", errs.ErrInvalidAmount, amount)
	}
	t := ch.begin(now)
	acct, err := t.account(owner)
	if err != nil {
		return nil, err
	}
	if err := t.settleAccount(owner); err != nil {
		return nil, err
	}

	if amount > acct.Free() {
		return nil, fmt.Errorf("%w: withdrawal %s exceeds free collateral %s",
			errs.ErrInsufficientCollateral, amount, acct.Free())
	}
	risk, err := t.risk(owner)
	if err != nil {
		return nil, err
	}
	remaining, err := fpmath.Sub(acct.Total, amount)
	if err != nil {
		return nil, err
	}
	if remaining, err = fpmath.Add(remaining, fpmath.Min(risk.UnrealizedPnL, 0)); err != nil {
		return nil, err
	}
	if remaining < acct.Locked {
		return nil, fmt.Errorf("%w: unrealized loss %s leaves %s against locked %s",
			errs.ErrInsufficientCollateral, risk.UnrealizedPnL, remaining, acct.Locked)
	}

	acct.Total -= amount
	t.journal.Withdrawal(owner, amount)
	return t.commit(OpWithdraw, "", owner)
}
