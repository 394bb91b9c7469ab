// Package instruction defines the typed inputs the engine consumes. Every
// instruction carries its own idempotency key and timestamp: the engine
// never reads the wall clock.
package instruction

import (
	"fmt"

	"PerpClearing/internal/clearing"
	"PerpClearing/internal/executor"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/oracle"

	"github.com/google/uuid"
)

// Kind discriminates instruction payloads
type Kind int32

const (
	KindUnknown Kind = iota
	KindInitializeMarket
	KindDeposit
	KindWithdraw
	KindPlaceOrder
	KindClosePosition
	KindLiquidate
	KindSettleFunding
	KindSettleAccountFunding
	KindRepeg
	KindOracleUpdate
)

var kindNames = map[Kind]string{
	KindInitializeMarket:     "initialize_market",
	KindDeposit:              "deposit",
	KindWithdraw:             "withdraw",
	KindPlaceOrder:           "place_order",
	KindClosePosition:        "close_position",
	KindLiquidate:            "liquidate",
	KindSettleFunding:        "settle_funding",
	KindSettleAccountFunding: "settle_account_funding",
	KindRepeg:                "repeg",
	KindOracleUpdate:         "oracle_update",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown instruction kind %q", s)
}

// Kinds lists every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindInitializeMarket, KindDeposit, KindWithdraw, KindPlaceOrder, KindClosePosition,
		KindLiquidate, KindSettleFunding, KindSettleAccountFunding, KindRepeg, KindOracleUpdate,
	}
}

// Instruction is implemented by every payload
type Instruction interface {
	IdempotencyKey() string
	Kind() Kind
	// MarketID is empty for account-level instructions
	MarketID() string
	Timestamp() int64
}

// Meta carries the fields common to all instructions
type Meta struct {
	Key string `json:"idempotency_key"`
	Ts  int64  `json:"timestamp"`
}

func (m Meta) IdempotencyKey() string { return m.Key }
func (m Meta) Timestamp() int64       { return m.Ts }

type InitializeMarket struct {
	Meta
	Params clearing.MarketParams `json:"params"`
}

func (i *InitializeMarket) Kind() Kind       { return KindInitializeMarket }
func (i *InitializeMarket) MarketID() string { return i.Params.ID }

type Deposit struct {
	Meta
	Owner  uuid.UUID    `json:"owner"`
	Amount fpmath.Fixed `json:"amount"`
}

func (d *Deposit) Kind() Kind       { return KindDeposit }
func (d *Deposit) MarketID() string { return "" }

type Withdraw struct {
	Meta
	Owner  uuid.UUID    `json:"owner"`
	Amount fpmath.Fixed `json:"amount"`
}

func (w *Withdraw) Kind() Kind       { return KindWithdraw }
func (w *Withdraw) MarketID() string { return "" }

type PlaceOrder struct {
	Meta
	Order executor.Order `json:"order"`
}

func (p *PlaceOrder) Kind() Kind       { return KindPlaceOrder }
func (p *PlaceOrder) MarketID() string { return p.Order.MarketID }

// ClosePosition with a zero Size closes the whole position.
type ClosePosition struct {
	Meta
	Owner       uuid.UUID    `json:"owner"`
	Market      string       `json:"market_id"`
	Size        fpmath.Fixed `json:"size"`
	MaxSlippage fpmath.Fixed `json:"max_slippage"`
}

func (c *ClosePosition) Kind() Kind       { return KindClosePosition }
func (c *ClosePosition) MarketID() string { return c.Market }

type Liquidate struct {
	Meta
	Owner  uuid.UUID `json:"owner"`
	Market string    `json:"market_id"`
}

func (l *Liquidate) Kind() Kind       { return KindLiquidate }
func (l *Liquidate) MarketID() string { return l.Market }

type SettleFunding struct {
	Meta
	Market string `json:"market_id"`
}

func (s *SettleFunding) Kind() Kind       { return KindSettleFunding }
func (s *SettleFunding) MarketID() string { return s.Market }

type SettleAccountFunding struct {
	Meta
	Owner uuid.UUID `json:"owner"`
}

func (s *SettleAccountFunding) Kind() Kind       { return KindSettleAccountFunding }
func (s *SettleAccountFunding) MarketID() string { return "" }

type Repeg struct {
	Meta
	Market string `json:"market_id"`
}

func (r *Repeg) Kind() Kind       { return KindRepeg }
func (r *Repeg) MarketID() string { return r.Market }

// OracleUpdate feeds one observation into the engine's price snapshot.
type OracleUpdate struct {
	Meta
	FeedID string       `json:"feed_id"`
	Price  oracle.Price `json:"price"`
}

func (o *OracleUpdate) Kind() Kind       { return KindOracleUpdate }
func (o *OracleUpdate) MarketID() string { return "" }

// Owner returns the account an instruction acts for, or uuid.Nil.
func Owner(in Instruction) uuid.UUID {
	switch v := in.(type) {
	case *Deposit:
		return v.Owner
	case *Withdraw:
		return v.Owner
	case *PlaceOrder:
		return v.Order.Owner
	case *ClosePosition:
		return v.Owner
	case *Liquidate:
		return v.Owner
	case *SettleAccountFunding:
		return v.Owner
	default:
		return uuid.Nil
	}
}
