package instruction

import (
	"encoding/json"
	"fmt"

	"PerpClearing/internal/errs"
	"PerpClearing/internal/executor"
)

var ErrMalformed = errs.ErrMalformed

// New returns an empty payload for kind.
func New(kind Kind) (Instruction, error) {
	switch kind {
	case KindInitializeMarket:
		return &InitializeMarket{}, nil
	case KindDeposit:
		return &Deposit{}, nil
	case KindWithdraw:
		return &Withdraw{}, nil
	case KindPlaceOrder:
		return &PlaceOrder{}, nil
	case KindClosePosition:
		return &ClosePosition{}, nil
	case KindLiquidate:
		return &Liquidate{}, nil
	case KindSettleFunding:
		return &SettleFunding{}, nil
	case KindSettleAccountFunding:
		return &SettleAccountFunding{}, nil
	case KindRepeg:
		return &Repeg{}, nil
	case KindOracleUpdate:
		return &OracleUpdate{}, nil
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrMalformed, kind)
	}
}

// Decode parses a JSON payload of the given kind. Amounts are decimal
// strings with at most six fractional digits. Orders that omit type or
// trigger default to an immediate market order.
func Decode(kind Kind, data []byte) (Instruction, error) {
	in, err := New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, in); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	if in.IdempotencyKey() == "" {
		return nil, fmt.Errorf("%w: %s: missing idempotency_key", ErrMalformed, kind)
	}
	if in.Timestamp() <= 0 {
		return nil, fmt.Errorf("%w: %s: missing timestamp", ErrMalformed, kind)
	}
	if po, ok := in.(*PlaceOrder); ok {
		if po.Order.Type == 0 {
			po.Order.Type = executor.OrderTypeMarket
		}
		if po.Order.Trigger == 0 {
			po.Order.Trigger = executor.TriggerImmediate
		}
	}
	return in, nil
}

func Encode(in Instruction) ([]byte, error) {
	return json.Marshal(in)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "applied":
		*s = StatusApplied
	case "rejected":
		*s = StatusRejected
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}
