package event

import (
	"DelayLedger/internal/identity"
	"fmt"
)

type Funded struct {
	CompanyID identity.ID `json:"company_id"`
	Amount    int64       `json:"amount"`
}

func (e *Funded) EventType() EventType {
	return EventTypeFunded
}

func (e *Funded) AggregateKey() string {
	return "company:" + e.CompanyID.String()
}

type Withdrawn struct {
	CompanyID identity.ID `json:"company_id"`
	Amount    int64       `json:"amount"`
}

func (e *Withdrawn) EventType() EventType {
	return EventTypeWithdrawn
}

func (e *Withdrawn) AggregateKey() string {
	return "company:" + e.CompanyID.String()
}

// CompensationPaid records a payout debited from a company pool.
type CompensationPaid struct {
	CompanyID   identity.ID `json:"company_id"`
	Beneficiary identity.ID `json:"beneficiary"`
	PolicyID    uint64      `json:"policy_id"`
	Amount      int64       `json:"amount"`
}

func (e *CompensationPaid) EventType() EventType {
	return EventTypeCompensationPaid
}

func (e *CompensationPaid) AggregateKey() string {
	return fmt.Sprintf("policy:%d", e.PolicyID)
}
