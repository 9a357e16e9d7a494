package event

import (
	"DelayLedger/internal/identity"
	"fmt"
	"time"
)

// PolicyCreated carries the public fields (id, holder, flight, premium,
// payout) plus everything needed to rebuild the policy on replay.
type PolicyCreated struct {
	PolicyID              uint64      `json:"policy_id"`
	Holder                identity.ID `json:"holder"`
	FlightCode            string      `json:"flight_code"`
	Premium               int64       `json:"premium"`
	Payout                int64       `json:"payout"`
	CompanyID             identity.ID `json:"company_id"`
	TicketID              string      `json:"ticket_id,omitempty"`
	BookingID             string      `json:"booking_id"`
	DelayThresholdMinutes int64       `json:"delay_threshold_minutes"`
	CreatedAt             time.Time   `json:"created_at"`
}

func (e *PolicyCreated) EventType() EventType {
	return EventTypePolicyCreated
}

func (e *PolicyCreated) AggregateKey() string {
	return fmt.Sprintf("policy:%d", e.PolicyID)
}

type PolicySettled struct {
	PolicyID             uint64    `json:"policy_id"`
	Paid                 bool      `json:"paid"`
	Amount               int64     `json:"amount"`
	ObservedDelayMinutes int64     `json:"observed_delay_minutes"`
	SettledAt            time.Time `json:"settled_at"`
}

func (e *PolicySettled) EventType() EventType {
	return EventTypePolicySettled
}

func (e *PolicySettled) AggregateKey() string {
	return fmt.Sprintf("policy:%d", e.PolicyID)
}
