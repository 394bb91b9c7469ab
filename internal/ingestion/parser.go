package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"PerpClearing/internal/errs"
	"PerpClearing/internal/instruction"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/oracle"
)

const (
	InstructionSubjectPrefix = "clearing.instructions"
	OracleSubjectPrefix      = "oracle.prices"
	EventSubjectPrefix       = "clearing.events"
)

// InstructionSubject returns the subject producers publish kind on.
// The trailing token is free for partitioning, e.g. by market.
func InstructionSubject(kind instruction.Kind, partition string) string {
	return fmt.Sprintf("%s.%s.%s", InstructionSubjectPrefix, kind, partition)
}

// KindFromSubject extracts the instruction kind from
// clearing.instructions.<kind>.<partition>.
func KindFromSubject(subject string) (instruction.Kind, error) {
	rest, ok := strings.CutPrefix(subject, InstructionSubjectPrefix+".")
	if !ok {
		return instruction.KindUnknown, fmt.Errorf("%w: subject %q is not an instruction subject", errs.ErrMalformed, subject)
	}
	name, _, _ := strings.Cut(rest, ".")
	kind, err := instruction.ParseKind(name)
	if err != nil {
		return instruction.KindUnknown, fmt.Errorf("%w: %v", errs.ErrMalformed, err)
	}
	return kind, nil
}

// ParseInstruction decodes a NATS instruction message.
func ParseInstruction(subject string, data []byte) (instruction.Instruction, error) {
	kind, err := KindFromSubject(subject)
	if err != nil {
		return nil, err
	}
	return instruction.Decode(kind, data)
}

// --- Oracle wire format ---

// oraclePriceJSON is published by the price relay on oracle.prices.<feed>.
// Prices are decimal strings.
type oraclePriceJSON struct {
	Price      string `json:"price"`
	Confidence string `json:"confidence"`
	Timestamp  int64  `json:"timestamp"`
	Key        string `json:"idempotency_key"`
}

// ParseOraclePrice turns an oracle feed message into an OracleUpdate. The
// feed id is the subject token after oracle.prices. When the relay sends
// no key, feed and timestamp identify the observation.
func ParseOraclePrice(subject string, data []byte) (*instruction.OracleUpdate, error) {
	feed, ok := strings.CutPrefix(subject, OracleSubjectPrefix+".")
	if !ok || feed == "" {
		return nil, fmt.Errorf("%w: subject %q is not an oracle subject", errs.ErrMalformed, subject)
	}

	var j oraclePriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: oracle %s: %v", errs.ErrMalformed, feed, err)
	}
	if j.Timestamp <= 0 {
		return nil, fmt.Errorf("%w: oracle %s: missing timestamp", errs.ErrMalformed, feed)
	}
	price, err := fpmath.ParseFixed(j.Price)
	if err != nil {
		return nil, fmt.Errorf("%w: oracle %s price: %v", errs.ErrMalformed, feed, err)
	}
	var confidence fpmath.Fixed
	if j.Confidence != "" {
		if confidence, err = fpmath.ParseFixed(j.Confidence); err != nil {
			return nil, fmt.Errorf("%w: oracle %s confidence: %v", errs.ErrMalformed, feed, err)
		}
	}

	key := j.Key
	if key == "" {
		key = fmt.Sprintf("%s@%d", feed, j.Timestamp)
	}
	return &instruction.OracleUpdate{
		Meta:   instruction.Meta{Key: key, Ts: j.Timestamp},
		FeedID: feed,
		Price:  oracle.Price{Price: price, Confidence: confidence, Timestamp: j.Timestamp},
	}, nil
}
