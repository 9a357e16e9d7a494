package ingestion

import (
	"DelayLedger/internal/event"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes committed events to NATS for downstream
// consumers. It is called by the persistence worker after the batch is
// durable, so nothing is announced that a crash could lose.
type OutboundPublisher struct {
	js jetstream.JetStream
}

// PublishableEvent is the outbound wire form of an envelope.
type PublishableEvent struct {
	EventID        string          `json:"event_id"`
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	AggregateKey   string          `json:"aggregate_key"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream) *OutboundPublisher {
	return &OutboundPublisher{js: js}
}

// Publish sends env to delay.ledger.events.{event_type}. The event id is the
// JetStream message id, so a republish after a retry is deduplicated.
func (op *OutboundPublisher) Publish(ctx context.Context, env *event.EventEnvelope) error {
	subject, data, err := EncodeOutbound(env)
	if err != nil {
		return err
	}
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(env.EventID.String()))
	return err
}

// EncodeOutbound builds the subject and body for an envelope.
func EncodeOutbound(env *event.EventEnvelope) (string, []byte, error) {
	data, err := json.Marshal(PublishableEvent{
		EventID:        env.EventID.String(),
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		AggregateKey:   env.AggregateKey,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	})
	if err != nil {
		return "", nil, fmt.Errorf("marshal event: %w", err)
	}
	return "delay.ledger.events." + env.EventType.String(), data, nil
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "DELAY_LEDGER_EVENTS",
		Subjects:   []string{"delay.ledger.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "DELAY_LEDGER_EVENTS").Msg("ensured outbound stream")
	return nil
}
