package policy

import (
	"DelayLedger/internal/identity"
	"time"
)

// Status of a policy. Settled is terminal whether or not it paid out.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusSettled Status = "SETTLED"
)

// Policy is the append-only audit record of one insured booking.
type Policy struct {
	ID                    uint64      `json:"id"`
	Holder                identity.ID `json:"holder"`
	FlightCode            string      `json:"flight_code"`
	TicketID              string      `json:"ticket_id,omitempty"`
	BookingID             string      `json:"booking_id"`
	CompanyID             identity.ID `json:"company_id"`
	DelayThresholdMinutes int64       `json:"delay_threshold_minutes"`
	PremiumAmount         int64       `json:"premium_amount"`
	PayoutAmount          int64       `json:"payout_amount"`
	Status                Status      `json:"status"`
	CreatedAt             time.Time   `json:"created_at"`

	// Set once on settlement.
	SettledAt            *time.Time `json:"settled_at,omitempty"`
	ObservedDelayMinutes *int64     `json:"observed_delay_minutes,omitempty"`
	Paid                 bool       `json:"paid"`
}

// BuyRequest is a user's purchase order.
type BuyRequest struct {
	FlightCode            string `json:"flight_code"`
	TicketID              string `json:"ticket_id"`
	BookingID             string `json:"booking_id"`
	DelayThresholdMinutes int64  `json:"delay_threshold_minutes"`
	Premium               int64  `json:"premium"`
	Payout                int64  `json:"payout"`
}

// Pays reports whether an observed delay meets the threshold. The comparison
// is inclusive, so a zero threshold pays on any reported delay.
func (p *Policy) Pays(observedDelayMinutes int64) bool {
	return observedDelayMinutes >= p.DelayThresholdMinutes
}
