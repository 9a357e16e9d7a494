package persistence

import (
	"DelayLedger/internal/core"
	"DelayLedger/internal/event"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventRow represents a row in event_log.events
type EventRow struct {
	EventID        string
	Sequence       int64
	EventType      string
	Command        string
	IdempotencyKey *string // NULL when the caller supplied none
	AggregateKey   string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        int64
	JournalType   string
	Timestamp     int64
}

// RowsFromOutput converts one committed core output into storage rows.
func RowsFromOutput(output core.CoreOutput) (EventRow, []JournalRow) {
	env := output.Envelope

	var key *string
	if env.IdempotencyKey != "" {
		k := env.IdempotencyKey
		key = &k
	}

	row := EventRow{
		EventID:        env.EventID.String(),
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		Command:        env.Command,
		IdempotencyKey: key,
		AggregateKey:   env.AggregateKey,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
	}

	var journals []JournalRow
	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			journals = append(journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount,
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return row, journals
}

// Envelope rebuilds the envelope for replay.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	eventType, err := event.ParseEventType(r.EventType)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", r.Sequence, err)
	}
	eventID, err := uuid.Parse(r.EventID)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", r.Sequence, err)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("event %d: malformed hash", r.Sequence)
	}

	env := &event.EventEnvelope{
		EventID:      eventID,
		Sequence:     r.Sequence,
		Command:      r.Command,
		EventType:    eventType,
		AggregateKey: r.AggregateKey,
		Timestamp:    r.Timestamp.UTC(),
		Payload:      r.Payload,
	}
	if r.IdempotencyKey != nil {
		env.IdempotencyKey = *r.IdempotencyKey
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}
