package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeFunded
	EventTypeWithdrawn
	EventTypeCompensationPaid
	EventTypePolicyCreated
	EventTypePolicySettled
	EventTypeAuthorityGranted
	EventTypeAuthorityRevoked
	EventTypeAdminRotated
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	EventID uuid.UUID

	// Global monotonic sequence assigned by core
	Sequence int64

	// Optional dedup key supplied by the caller
	IdempotencyKey string

	// Core operation that produced the event (fund, settle_policy, ...)
	Command string

	// Event type discriminator
	EventType EventType

	// Aggregate the event belongs to (company:<id>, policy:<id>, role:<name>)
	AggregateKey string

	// Operation time from the core clock (NOT read by the core itself)
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// AggregateKey names the entity the fact is about
	AggregateKey() string
}

func (et EventType) String() string {
	switch et {
	case EventTypeFunded:
		return "Funded"
	case EventTypeWithdrawn:
		return "Withdrawn"
	case EventTypeCompensationPaid:
		return "CompensationPaid"
	case EventTypePolicyCreated:
		return "PolicyCreated"
	case EventTypePolicySettled:
		return "PolicySettled"
	case EventTypeAuthorityGranted:
		return "AuthorityGranted"
	case EventTypeAuthorityRevoked:
		return "AuthorityRevoked"
	case EventTypeAdminRotated:
		return "AdminRotated"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, error) {
	for et := EventTypeFunded; et <= EventTypeAdminRotated; et++ {
		if et.String() == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}
