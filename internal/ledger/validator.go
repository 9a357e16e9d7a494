package ledger

import (
	"DelayLedger/internal/identity"
	"fmt"
)

// Totals summarizes every token that crossed the pool boundary.
type Totals struct {
	Funded      int64 `json:"funded"`
	Withdrawn   int64 `json:"withdrawn"`
	Compensated int64 `json:"compensated"`
	Pooled      int64 `json:"pooled"`
}

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ComputeTotals derives the conservation terms from the boundary accounts.
func (v *InvariantValidator) ComputeTotals() Totals {
	t := Totals{
		Funded:      -v.tracker.GetBalance(NewExternalAccountKey(SubTypeExternalFunded)),
		Withdrawn:   v.tracker.GetBalance(NewExternalAccountKey(SubTypeExternalWithdrawn)),
		Compensated: v.tracker.GetBalance(NewExternalAccountKey(SubTypeExternalCompensated)),
	}
	for _, balance := range v.tracker.Pools() {
		t.Pooled += balance
	}
	return t
}

// ValidateConservation verifies funded == withdrawn + compensated + pooled,
// which is the zero-sum property of the journal restated in business terms.
func (v *InvariantValidator) ValidateConservation() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	t := v.ComputeTotals()
	if t.Funded != t.Withdrawn+t.Compensated+t.Pooled {
		return fmt.Errorf("conservation violated: funded=%d withdrawn=%d compensated=%d pooled=%d",
			t.Funded, t.Withdrawn, t.Compensated, t.Pooled)
	}
	return nil
}

// ValidatePoolNonNegative checks a company pool >= 0
func (v *InvariantValidator) ValidatePoolNonNegative(company identity.ID) error {
	return v.tracker.ValidateNonNegative(NewPoolAccountKey(company))
}
