package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// messages to the dispatcher via eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is a message as delivered by NATS, before parsing.
type RawEvent struct {
	Subject   string
	Kind      string
	Data      []byte
	Timestamp time.Time
	// Authorization is the bearer token from the message header; it
	// names the caller the command runs as.
	Authorization string
	// Delivered counts deliveries including this one; MaxDeliver is the
	// consumer limit, 0 when unknown.
	Delivered  uint64
	MaxDeliver int
	AckFunc    func() // processed, or rejected for a business reason
	NakFunc    func() // transient failure, redeliver later
	TermFunc   func() // malformed or out of retries, never redeliver
}

// SubjectConfig maps a NATS subject to the kind of command it carries.
type SubjectConfig struct {
	Subject      string
	Kind         string
	ConsumerName string
	StreamName   string
	MaxDeliver   int
}

const (
	KindOracleReport   = "OracleReport"
	KindPolicyPurchase = "PolicyPurchase"
)

// AuthorizationHeader carries the publisher's bearer token.
const AuthorizationHeader = "Authorization"

// NewCommandMsg builds a command message signed with a bearer token.
func NewCommandMsg(subject string, data []byte, bearer string) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(AuthorizationHeader, "Bearer "+bearer)
	return msg
}

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		// A report that cannot be applied leaves a policy unsettled, so it
		// is retried for longer than a purchase the buyer can resubmit.
		{Subject: "delay.oracle.reports.>", Kind: KindOracleReport, ConsumerName: "ledger-oracle-reports", StreamName: "DELAY_ORACLE", MaxDeliver: 20},
		{Subject: "delay.policies.purchases.>", Kind: KindPolicyPurchase, ConsumerName: "ledger-policy-purchases", StreamName: "DELAY_POLICIES", MaxDeliver: 5},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates one durable explicit-ack consumer per subject. Retried
// messages are redelivered with a growing delay.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		maxDeliver := cfg.MaxDeliver
		if maxDeliver <= 0 {
			maxDeliver = 5
		}
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    maxDeliver,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		kind := cfg.Kind
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			var delivered uint64 = 1
			if md, err := msg.Metadata(); err == nil {
				delivered = md.NumDelivered
			}
			raw := RawEvent{
				Subject:       msg.Subject(),
				Kind:          kind,
				Data:          msg.Data(),
				Timestamp:     time.Now(),
				Authorization: msg.Headers().Get(AuthorizationHeader),
				Delivered:     delivered,
				MaxDeliver:    maxDeliver,
				AckFunc:       func() { msg.Ack() },
				NakFunc:       func() { msg.NakWithDelay(redeliveryDelay(delivered)) },
				TermFunc:      func() { msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       "DELAY_ORACLE",
			Subjects:   []string{"delay.oracle.>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
		{
			Name:       "DELAY_POLICIES",
			Subjects:   []string{"delay.policies.>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// redeliveryDelay backs off from 1s, doubling per delivery, capped at 5m.
func redeliveryDelay(delivered uint64) time.Duration {
	const maxDelay = 5 * time.Minute
	if delivered == 0 {
		delivered = 1
	}
	if delivered > 10 {
		return maxDelay
	}
	d := time.Second << (delivered - 1)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("delayledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
