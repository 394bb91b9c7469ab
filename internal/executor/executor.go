// Package executor turns orders into single atomic trades. Orders are
// transient: a rejected order leaves no state behind.
package executor

import (
	"fmt"

	"PerpClearing/internal/clearing"
	"PerpClearing/internal/errs"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

type OrderType int8

const (
	OrderTypeMarket OrderType = iota + 1
	OrderTypeLimit
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "market"
	case OrderTypeLimit:
		return "limit"
	default:
		return "unknown"
	}
}

func (t OrderType) MarshalText() ([]byte, error) {
	if t == 0 {
		return []byte{}, nil
	}
	return []byte(t.String()), nil
}

func (t *OrderType) UnmarshalText(b []byte) error {
	parsed, err := ParseOrderType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func ParseOrderType(s string) (OrderType, error) {
	switch s {
	case "market", "":
		return OrderTypeMarket, nil
	case "limit":
		return OrderTypeLimit, nil
	default:
		return 0, fmt.Errorf("%w: order type %q", errs.ErrInvalidOrder, s)
	}
}

// Trigger gates execution on the current mark price
type Trigger int8

const (
	TriggerImmediate Trigger = iota + 1
	TriggerAbove             // Mark >= TriggerPrice
	TriggerBelow             // Mark <= TriggerPrice
)

func (t Trigger) String() string {
	switch t {
	case TriggerImmediate:
		return "immediate"
	case TriggerAbove:
		return "above"
	case TriggerBelow:
		return "below"
	default:
		return "unknown"
	}
}

func (t Trigger) MarshalText() ([]byte, error) {
	if t == 0 {
		return []byte{}, nil
	}
	return []byte(t.String()), nil
}

func (t *Trigger) UnmarshalText(b []byte) error {
	parsed, err := ParseTrigger(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func ParseTrigger(s string) (Trigger, error) {
	switch s {
	case "immediate", "":
		return TriggerImmediate, nil
	case "above":
		return TriggerAbove, nil
	case "below":
		return TriggerBelow, nil
	default:
		return 0, fmt.Errorf("%w: trigger %q", errs.ErrInvalidOrder, s)
	}
}

type Order struct {
	ID        uuid.UUID       `json:"id"`
	Owner     uuid.UUID       `json:"owner"`
	MarketID  string          `json:"market_id"`
	Direction state.Direction `json:"direction"`
	Size      fpmath.Fixed    `json:"size"`

	Type       OrderType    `json:"type"`
	LimitPrice fpmath.Fixed `json:"limit_price"` // Worst acceptable average fill

	Trigger      Trigger      `json:"trigger"`
	TriggerPrice fpmath.Fixed `json:"trigger_price"`

	MaxSlippage fpmath.Fixed `json:"max_slippage"` // Zero selects the configured default
	ReduceOnly  bool         `json:"reduce_only"`
}

// Validate checks the order's shape without looking at market state.
func (o Order) Validate() error {
	if o.MarketID == "" {
		return fmt.Errorf("%w: market id required", errs.ErrInvalidOrder)
	}
	if o.Direction != state.DirectionLong && o.Direction != state.DirectionShort {
		return fmt.Errorf("%w: direction %d", errs.ErrInvalidOrder, o.Direction)
	}
	if !o.Size.IsPositive() {
		return fmt.Errorf("%w: size %s", errs.ErrInvalidPositionSize, o.Size)
	}
	switch o.Type {
	case OrderTypeMarket:
		if !o.LimitPrice.IsZero() {
			return fmt.Errorf("%w: market order with limit price", errs.ErrInvalidOrder)
		}
	case OrderTypeLimit:
		if !o.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit price %s", errs.ErrInvalidOrder, o.LimitPrice)
		}
	default:
		return fmt.Errorf("%w: order type %d", errs.ErrInvalidOrder, o.Type)
	}
	switch o.Trigger {
	case TriggerImmediate:
	case TriggerAbove, TriggerBelow:
		if !o.TriggerPrice.IsPositive() {
			return fmt.Errorf("%w: trigger price %s", errs.ErrInvalidOrder, o.TriggerPrice)
		}
	default:
		return fmt.Errorf("%w: trigger %d", errs.ErrInvalidOrder, o.Trigger)
	}
	if o.MaxSlippage < 0 {
		return fmt.Errorf("%w: max slippage %s", errs.ErrInvalidOrder, o.MaxSlippage)
	}
	return nil
}

// Fill reports an executed order
type Fill struct {
	OrderID     uuid.UUID        `json:"order_id"`
	Owner       uuid.UUID        `json:"owner"`
	MarketID    string           `json:"market_id"`
	PositionID  state.PositionID `json:"position_id"`
	Direction   state.Direction  `json:"direction"`
	Size        fpmath.Fixed     `json:"size"`
	QuoteAmount fpmath.Fixed     `json:"quote_amount"`
	AvgPrice    fpmath.Fixed     `json:"avg_price"`
	Fee         fpmath.Fixed     `json:"fee"`
	RealizedPnL fpmath.Fixed     `json:"realized_pnl"`
	MarkAfter   fpmath.Fixed     `json:"mark_after"`
	Timestamp   int64            `json:"timestamp"`
}

type Executor struct {
	ch *clearing.ClearingHouse
}

func New(ch *clearing.ClearingHouse) *Executor {
	return &Executor{ch: ch}
}

// Execute runs o as one clearing house operation.
func (e *Executor) Execute(o Order, now int64) (Fill, *clearing.Delta, error) {
	if err := o.Validate(); err != nil {
		return Fill{}, nil, err
	}
	m, ok := e.ch.Store().Market(o.MarketID)
	if !ok {
		return Fill{}, nil, fmt.Errorf("%w: %q", errs.ErrUnknownMarket, o.MarketID)
	}
	mark, err := m.MarkPrice()
	if err != nil {
		return Fill{}, nil, err
	}
	if err := checkTrigger(o, mark); err != nil {
		return Fill{}, nil, err
	}

	opts := clearing.TradeOptions{MaxSlippage: o.MaxSlippage, LimitPrice: o.LimitPrice}

	var d *clearing.Delta
	if o.ReduceOnly {
		d, err = e.reduce(o, opts, now)
	} else {
		d, err = e.ch.OpenPosition(o.Owner, o.MarketID, o.Direction, o.Size, opts, now)
	}
	if err != nil {
		return Fill{}, nil, err
	}

	tr := d.Trade
	return Fill{
		OrderID:     o.ID,
		Owner:       o.Owner,
		MarketID:    o.MarketID,
		PositionID:  tr.PositionID,
		Direction:   tr.Direction,
		Size:        o.Size,
		QuoteAmount: tr.QuoteAmount,
		AvgPrice:    tr.AvgPrice,
		Fee:         tr.Fee,
		RealizedPnL: tr.RealizedPnL,
		MarkAfter:   tr.MarkAfter,
		Timestamp:   now,
	}, d, nil
}

func (e *Executor) reduce(o Order, opts clearing.TradeOptions, now int64) (*clearing.Delta, error) {
	p, ok := e.ch.Store().PositionFor(o.Owner, o.MarketID)
	if !ok || p.IsFlat() {
		return nil, fmt.Errorf("%w: reduce-only order without a position", errs.ErrInvalidPositionSize)
	}
	if p.Direction() == o.Direction {
		return nil, fmt.Errorf("%w: reduce-only %s order would grow a %s position",
			errs.ErrInvalidOrder, o.Direction, p.Direction())
	}
	open, err := fpmath.Abs(p.BaseAssetAmount)
	if err != nil {
		return nil, err
	}
	if o.Size > open {
		return nil, fmt.Errorf("%w: reduce-only size %s exceeds position %s",
			errs.ErrInvalidPositionSize, o.Size, open)
	}
	return e.ch.ClosePosition(o.Owner, o.MarketID, o.Size, opts, now)
}

func checkTrigger(o Order, mark fpmath.Fixed) error {
	switch o.Trigger {
	case TriggerAbove:
		if mark < o.TriggerPrice {
			return fmt.Errorf("%w: mark %s below trigger %s", errs.ErrTriggerNotMet, mark, o.TriggerPrice)
		}
	case TriggerBelow:
		if mark > o.TriggerPrice {
			return fmt.Errorf("%w: mark %s above trigger %s", errs.ErrTriggerNotMet, mark, o.TriggerPrice)
		}
	}
	return nil
}
