package instruction_test

import (
	"encoding/json"
	"errors"
	"testing"

	"PerpClearing/internal/executor"
	"PerpClearing/internal/instruction"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"

	"github.com/google/uuid"
)

// ============================================================================
// Kinds
// ============================================================================

func TestParseKind_RoundTripsEveryKind(t *testing.T) {
	for _, k := range instruction.Kinds() {
		got, err := instruction.ParseKind(k.String())
		if err != nil {
			t.Errorf("%s: %v", k, err)
			continue
		}
		if got != k {
			t.Errorf("%s: parsed as %s", k, got)
		}
	}
	if _, err := instruction.ParseKind("mint"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestNew_ReturnsMatchingKind(t *testing.T) {
	for _, k := range instruction.Kinds() {
		in, err := instruction.New(k)
		if err != nil {
			t.Fatalf("%s: %v", k, err)
		}
		if in.Kind() != k {
			t.Errorf("New(%s) returned %s", k, in.Kind())
		}
	}
	if _, err := instruction.New(instruction.KindUnknown); !errors.Is(err, instruction.ErrMalformed) {
		t.Errorf("unknown kind: got %v", err)
	}
}

// ============================================================================
// Decode
// ============================================================================

func TestDecode_PlaceOrder(t *testing.T) {
	owner := uuid.New()
	data := []byte(`{
		"idempotency_key": "ord-1",
		"timestamp": 1700000000,
		"order": {
			"owner": "` + owner.String() + `",
			"market_id": "SOL-PERP",
			"direction": "long",
			"size": "2.5",
			"type": "limit",
			"limit_price": "1.05"
		}
	}`)

	in, err := instruction.Decode(instruction.KindPlaceOrder, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	po, ok := in.(*instruction.PlaceOrder)
	if !ok {
		t.Fatalf("decoded %T", in)
	}
	if po.IdempotencyKey() != "ord-1" || po.Timestamp() != 1_700_000_000 {
		t.Errorf("meta: %+v", po.Meta)
	}
	if po.MarketID() != "SOL-PERP" || instruction.Owner(po) != owner {
		t.Errorf("routing: market %q owner %s", po.MarketID(), instruction.Owner(po))
	}
	o := po.Order
	if o.Direction != state.DirectionLong || o.Type != executor.OrderTypeLimit {
		t.Errorf("order enums: %s %s", o.Direction, o.Type)
	}
	if o.Size != fpmath.MustParse("2.5") || o.LimitPrice != fpmath.MustParse("1.05") {
		t.Errorf("order amounts: size %s limit %s", o.Size, o.LimitPrice)
	}
	if o.Trigger != executor.TriggerImmediate {
		t.Errorf("omitted trigger: got %s", o.Trigger)
	}
	if err := o.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestDecode_RejectsMissingMeta(t *testing.T) {
	cases := map[string]string{
		"no key":       `{"timestamp": 1, "owner": "` + uuid.NewString() + `", "amount": "1"}`,
		"no timestamp": `{"idempotency_key": "d-1", "owner": "` + uuid.NewString() + `", "amount": "1"}`,
		"bad json":     `{"idempotency_key": `,
		"bad amount":   `{"idempotency_key": "d-1", "timestamp": 1, "amount": "1.0000001"}`,
	}
	for name, body := range cases {
		if _, err := instruction.Decode(instruction.KindDeposit, []byte(body)); !errors.Is(err, instruction.ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestEncode_DecodeRoundTrip(t *testing.T) {
	in := &instruction.ClosePosition{
		Meta:   instruction.Meta{Key: "close-1", Ts: 1_700_000_100},
		Owner:  uuid.New(),
		Market: "SOL-PERP",
		Size:   fpmath.MustParse("0.5"),
	}
	data, err := instruction.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := instruction.Decode(instruction.KindClosePosition, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := out.(*instruction.ClosePosition)
	if *got != *in {
		t.Errorf("round trip: got %+v, want %+v", got, in)
	}
}

// ============================================================================
// Envelope
// ============================================================================

func TestEnvelope_JSONUsesNames(t *testing.T) {
	env := instruction.Envelope{
		IdempotencyKey: "k",
		Kind:           instruction.KindRepeg,
		Status:         instruction.StatusRejected,
		ErrorCode:      "ORACLE_STALE",
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["kind"] != "repeg" || raw["status"] != "rejected" {
		t.Errorf("names: kind %v status %v", raw["kind"], raw["status"])
	}
	if h, _ := raw["state_hash"].(string); len(h) != 64 {
		t.Errorf("state hash should be hex: %v", raw["state_hash"])
	}

	var back instruction.Envelope
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if back.Kind != env.Kind || back.Applied() {
		t.Errorf("decoded envelope: %+v", back)
	}
}
