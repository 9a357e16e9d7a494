package ledger

import (
	"DelayLedger/internal/identity"
	"fmt"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for pool operations.
// Debits pre-check the pool so that an under-funded company is rejected
// before any external transfer is attempted.
type JournalGenerator struct {
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

// GenerateFund moves funds: external:funded -> company:pool
func (jg *JournalGenerator) GenerateFund(company identity.ID, amount int64, timestamp int64) (*Batch, error) {
	return jg.single(
		"company:"+company.String(),
		NewPoolAccountKey(company),
		NewExternalAccountKey(SubTypeExternalFunded),
		amount, JournalTypeFund, timestamp,
	)
}

// GenerateWithdraw moves funds: company:pool -> external:withdrawn
func (jg *JournalGenerator) GenerateWithdraw(company identity.ID, amount int64, timestamp int64) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientPool(company, amount); err != nil {
		return nil, fmt.Errorf("withdraw pre-check failed: %w", err)
	}
	return jg.single(
		"company:"+company.String(),
		NewExternalAccountKey(SubTypeExternalWithdrawn),
		NewPoolAccountKey(company),
		amount, JournalTypeWithdraw, timestamp,
	)
}

// GenerateCompensation moves funds: company:pool -> external:compensated
func (jg *JournalGenerator) GenerateCompensation(company identity.ID, policyID uint64, amount int64, timestamp int64) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientPool(company, amount); err != nil {
		return nil, fmt.Errorf("compensation pre-check failed: %w", err)
	}
	return jg.single(
		fmt.Sprintf("policy:%d", policyID),
		NewExternalAccountKey(SubTypeExternalCompensated),
		NewPoolAccountKey(company),
		amount, JournalTypeCompensation, timestamp,
	)
}

func (jg *JournalGenerator) single(
	ref string,
	debit, credit AccountKey,
	amount int64,
	journalType JournalType,
	timestamp int64,
) (*Batch, error) {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  ref,
		Timestamp: timestamp,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      ref,
			DebitAccount:  debit,
			CreditAccount: credit,
			Amount:        amount,
			JournalType:   journalType,
			Timestamp:     timestamp,
		}},
	}

	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch, nil
}
