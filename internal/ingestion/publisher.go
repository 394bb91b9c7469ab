package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"PerpClearing/internal/clearing"
	"PerpClearing/internal/engine"
	"PerpClearing/internal/observability"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// JetStreamPublisher is the subset of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes engine outputs to NATS for downstream
// consumers. Publishing is best effort: the event log is authoritative.
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan <-chan engine.Output
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// PublishedEvent is the outbound wire format.
type PublishedEvent struct {
	Sequence       int64                `json:"sequence"`
	Kind           string               `json:"kind"`
	Status         string               `json:"status"`
	IdempotencyKey string               `json:"idempotency_key"`
	MarketID       string               `json:"market_id,omitempty"`
	Owner          *uuid.UUID           `json:"owner,omitempty"`
	StateHash      string               `json:"state_hash"`
	Delta          *clearing.Delta      `json:"delta,omitempty"`
	Oracle         *engine.OracleChange `json:"oracle,omitempty"`
	ErrorCode      string               `json:"error_code,omitempty"`
	Error          string               `json:"error,omitempty"`
	Timestamp      int64                `json:"timestamp"`
}

func NewOutboundPublisher(js JetStreamPublisher, inputChan <-chan engine.Output, metrics *observability.Metrics, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{js: js, inputChan: inputChan, metrics: metrics, log: log}
}

// Run publishes outputs until ctx is cancelled or the channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.Publish(ctx, out); err != nil {
				op.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// Publish sends one output. Applied outputs carry their sequence as the
// JetStream message id so redelivery after a restart is deduplicated.
func (op *OutboundPublisher) Publish(ctx context.Context, out engine.Output) error {
	evt := EventFromOutput(out)
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	var opts []jetstream.PublishOpt
	if out.Envelope.Applied() {
		opts = append(opts, jetstream.WithMsgID(strconv.FormatInt(evt.Sequence, 10)))
	}
	_, err = op.js.Publish(ctx, EventSubject(out), data, opts...)
	return err
}

// EventSubject is clearing.events.<op>[.<market>]. Rejections publish under
// rejected.<kind>, oracle updates under oracle_update.
func EventSubject(out engine.Output) string {
	env := out.Envelope
	var op string
	switch {
	case !env.Applied():
		op = "rejected." + env.Kind.String()
	case out.Delta != nil:
		op = string(out.Delta.Op)
	default:
		op = env.Kind.String()
	}
	subject := EventSubjectPrefix + "." + op
	if env.MarketID != "" {
		subject += "." + env.MarketID
	}
	return subject
}

func EventFromOutput(out engine.Output) PublishedEvent {
	env := out.Envelope
	evt := PublishedEvent{
		Sequence:       env.Sequence,
		Kind:           env.Kind.String(),
		Status:         env.Status.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		StateHash:      env.StateHash.String(),
		Delta:          out.Delta,
		Oracle:         out.Oracle,
		ErrorCode:      env.ErrorCode,
		Error:          env.Error,
		Timestamp:      env.Timestamp,
	}
	if env.Owner != uuid.Nil {
		o := env.Owner
		evt.Owner = &o
	}
	return evt
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{EventSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}

// Fanout copies every output from in to each of outs without blocking.
// A full destination loses the output and bumps drops for its index.
func Fanout(ctx context.Context, in <-chan engine.Output, drops func(i int), outs ...chan<- engine.Output) {
	defer func() {
		for _, o := range outs {
			close(o)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-in:
			if !ok {
				return
			}
			for i, o := range outs {
				select {
				case o <- out:
				default:
					if drops != nil {
						drops(i)
					}
				}
			}
		}
	}
}
