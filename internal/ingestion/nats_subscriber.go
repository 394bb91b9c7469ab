package ingestion

import (
	"context"
	"fmt"
	"time"

	"PerpClearing/internal/instruction"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes instruction and oracle subjects from JetStream and
// feeds parsed instructions to the engine. Messages are acked once they
// are queued for the engine; malformed messages are terminated so they
// are not redelivered.
type NATSSubscriber struct {
	js        jetstream.JetStream
	instrChan chan<- instruction.Instruction
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// SubjectConfig binds a durable consumer to a filter subject.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
	Oracle       bool // Payload is an oracle price, not an instruction
}

const (
	InstructionStream = "CLEARING_INSTRUCTIONS"
	OracleStream      = "ORACLE_PRICES"
	EventStream       = "CLEARING_EVENTS"
)

// DefaultSubjects returns one consumer per instruction kind plus the
// oracle feed consumer.
func DefaultSubjects() []SubjectConfig {
	var subjects []SubjectConfig
	for _, k := range instruction.Kinds() {
		if k == instruction.KindOracleUpdate {
			continue
		}
		subjects = append(subjects, SubjectConfig{
			Subject:      fmt.Sprintf("%s.%s.>", InstructionSubjectPrefix, k),
			ConsumerName: "clearing-" + k.String(),
			StreamName:   InstructionStream,
		})
	}
	return append(subjects, SubjectConfig{
		Subject:      OracleSubjectPrefix + ".>",
		ConsumerName: "clearing-oracle",
		StreamName:   OracleStream,
		Oracle:       true,
	})
}

func NewNATSSubscriber(js jetstream.JetStream, instrChan chan<- instruction.Instruction, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, instrChan: instrChan, log: log}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		oracleFeed := cfg.Oracle
		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.handle(ctx, msg, oracleFeed)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

func (ns *NATSSubscriber) handle(ctx context.Context, msg jetstream.Msg, oracleFeed bool) {
	var (
		in  instruction.Instruction
		err error
	)
	if oracleFeed {
		in, err = ParseOraclePrice(msg.Subject(), msg.Data())
	} else {
		in, err = ParseInstruction(msg.Subject(), msg.Data())
	}
	if err != nil {
		ns.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed message")
		msg.Term()
		return
	}

	select {
	case ns.instrChan <- in:
		msg.Ack()
	case <-ctx.Done():
		msg.Nak()
	}
}

// EnsureStreams creates the inbound streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      InstructionStream,
			Subjects:  []string{InstructionSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      OracleStream,
			Subjects:  []string{OracleSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Replicas:  1,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("clearinghouse"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
