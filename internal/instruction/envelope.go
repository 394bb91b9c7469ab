package instruction

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Hash is a state hash. It renders as lowercase hex.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	if hex.DecodedLen(len(b)) != len(h) {
		return fmt.Errorf("hash: want %d hex digits, got %d", 2*len(h), len(b))
	}
	_, err := hex.Decode(h[:], b)
	return err
}

type Status int32

const (
	StatusApplied Status = iota + 1
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Envelope records the outcome of one instruction in the event log.
type Envelope struct {
	// Engine sequence; zero for rejections, which do not advance state
	Sequence int64 `json:"sequence"`

	IdempotencyKey string    `json:"idempotency_key"`
	Kind           Kind      `json:"kind"`
	MarketID       string    `json:"market_id,omitempty"`
	Owner          uuid.UUID `json:"owner"`

	// Instruction timestamp, unix seconds
	Timestamp int64 `json:"timestamp"`

	Status    Status `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`

	// JSON-encoded instruction, enough to replay it
	Payload json.RawMessage `json:"payload,omitempty"`

	// SHA-256 chain over applied instructions
	StateHash Hash `json:"state_hash"`
	PrevHash  Hash `json:"prev_hash"`
}

func (e *Envelope) Applied() bool {
	return e.Status == StatusApplied
}
