// Package clearing implements the clearing house operations. Each exported
// operation runs against working copies of the records it touches and
// commits them to the store only when every step has succeeded; on error
// the store and funding history are left exactly as they were.
package clearing

import (
	"fmt"

	"PerpClearing/internal/amm"
	"PerpClearing/internal/config"
	"PerpClearing/internal/errs"
	"PerpClearing/internal/funding"
	"PerpClearing/internal/ledger"
	"PerpClearing/internal/margin"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

// Op names an operation in deltas and events
type Op string

const (
	OpInitializeMarket     Op = "initialize_market"
	OpDeposit              Op = "deposit_collateral"
	OpWithdraw             Op = "withdraw_collateral"
	OpOpenPosition         Op = "open_position"
	OpClosePosition        Op = "close_position"
	OpLiquidate            Op = "liquidate"
	OpSettleFunding        Op = "settle_funding"
	OpSettleAccountFunding Op = "settle_account_funding"
	OpRepeg                Op = "repeg"
)

type ClearingHouse struct {
	cfg     config.Config
	store   *state.Store
	history *funding.History
	prices  oracle.Source
	funding *funding.Engine
}

// New validates cfg and binds the clearing house to its records.
func New(cfg config.Config, store *state.Store, history *funding.History, prices oracle.Source) (*ClearingHouse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("clearing config: %w", err)
	}
	return &ClearingHouse{
		cfg:     cfg,
		store:   store,
		history: history,
		prices:  prices,
		funding: funding.NewEngine(cfg.Funding, cfg.Oracle),
	}, nil
}

func (ch *ClearingHouse) Config() config.Config     { return ch.cfg }
func (ch *ClearingHouse) Store() *state.Store       { return ch.store }
func (ch *ClearingHouse) History() *funding.History { return ch.history }

// Risk reports the current margin state of an account. Funding that has
// accrued but not yet been settled is not included.
func (ch *ClearingHouse) Risk(owner uuid.UUID) (margin.AccountRisk, error) {
	acct, ok := ch.store.Account(owner)
	if !ok {
		return margin.AccountRisk{}, fmt.Errorf("%w: %s", errs.ErrUnknownAccount, owner)
	}
	return margin.Compute(acct, ch.store.AccountPositions(owner), ch.store)
}

// TradeOptions bound a trade. A zero MaxSlippage selects the configured
// default; amm.NoSlippageLimit disables the bound. A zero LimitPrice
// disables the average-price check.
type TradeOptions struct {
	MaxSlippage fpmath.Fixed
	LimitPrice  fpmath.Fixed
}

func (ch *ClearingHouse) slippage(opts TradeOptions) fpmath.Fixed {
	if opts.MaxSlippage.IsZero() {
		return ch.cfg.Trading.DefaultMaxSlippage
	}
	return opts.MaxSlippage
}

// FundingSettlement is one lazily applied funding payment.
type FundingSettlement struct {
	PositionID state.PositionID `json:"position_id"`
	MarketID   string           `json:"market_id"`
	Payment    fpmath.Fixed     `json:"payment"` // Positive = trader paid
	Index      fpmath.Fixed     `json:"index"`
}

// TradeResult describes the effect of one swap on a position.
type TradeResult struct {
	PositionID  state.PositionID `json:"position_id"`
	Direction   state.Direction  `json:"direction"`
	BaseDelta   fpmath.Fixed     `json:"base_delta"`
	QuoteAmount fpmath.Fixed     `json:"quote_amount"` // Positive = trader paid the AMM
	AvgPrice    fpmath.Fixed     `json:"avg_price"`
	Fee         fpmath.Fixed     `json:"fee"`
	RealizedPnL fpmath.Fixed     `json:"realized_pnl"`
	Opened      fpmath.Fixed     `json:"opened"`  // Base added in the trade direction
	Reduced     fpmath.Fixed     `json:"reduced"` // Base removed from the existing position
	LockDelta   fpmath.Fixed     `json:"lock_delta"`
	MarkBefore  fpmath.Fixed     `json:"mark_before"`
	MarkAfter   fpmath.Fixed     `json:"mark_after"`
}

type LiquidationStep struct {
	Size        fpmath.Fixed `json:"size"`
	QuoteAmount fpmath.Fixed `json:"quote_amount"`
	RealizedPnL fpmath.Fixed `json:"realized_pnl"`
	Fee         fpmath.Fixed `json:"fee"`
	RatioAfter  fpmath.Fixed `json:"ratio_after"`
}

type LiquidationResult struct {
	PositionID  state.PositionID  `json:"position_id"`
	RatioBefore fpmath.Fixed      `json:"ratio_before"`
	RatioAfter  fpmath.Fixed      `json:"ratio_after"`
	Steps       []LiquidationStep `json:"steps"`
	TotalFee    fpmath.Fixed      `json:"total_fee"`
	BadDebt     fpmath.Fixed      `json:"bad_debt"`
	FullyClosed bool              `json:"fully_closed"`
	Recovered   bool              `json:"recovered"` // Ratio restored to maintenance or better
}

// Delta is the state transition produced by one successful operation:
// post-state copies of every touched record plus the journals that
// explain the quote flows between them.
type Delta struct {
	Op        Op        `json:"op"`
	MarketID  string    `json:"market_id,omitempty"`
	Owner     uuid.UUID `json:"owner"`
	Timestamp int64     `json:"timestamp"`

	Markets   []state.Market            `json:"markets,omitempty"`
	Accounts  []state.CollateralAccount `json:"accounts,omitempty"`
	Positions []state.Position          `json:"positions,omitempty"`
	Journals  []ledger.Journal          `json:"-"`

	FundingSettlements []FundingSettlement `json:"funding_settlements,omitempty"`
	FundingRecord      *funding.Record     `json:"funding_record,omitempty"`
	Repeg              *amm.RepegResult    `json:"repeg,omitempty"`
	Trade              *TradeResult        `json:"trade,omitempty"`
	Liquidation        *LiquidationResult  `json:"liquidation,omitempty"`
}

// CanonicalBytes covers every record written by the operation, in order.
func (d *Delta) CanonicalBytes() []byte {
	buf := make([]byte, 0, 512)
	buf = append(buf, d.Op...)
	buf = append(buf, 0)
	buf = append(buf, d.Owner[:]...)
	buf = appendInt64LE(buf, d.Timestamp)
	for i := range d.Markets {
		buf = append(buf, d.Markets[i].CanonicalBytes()...)
	}
	for i := range d.Accounts {
		buf = append(buf, d.Accounts[i].CanonicalBytes()...)
	}
	for i := range d.Positions {
		buf = append(buf, d.Positions[i].CanonicalBytes()...)
	}
	return buf
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
