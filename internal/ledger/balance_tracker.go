package ledger

import (
	"DelayLedger/internal/errs"
	"DelayLedger/internal/identity"
	"fmt"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// GetPoolBalance returns a company's pool balance.
func (bt *BalanceTracker) GetPoolBalance(company identity.ID) int64 {
	return bt.GetBalance(NewPoolAccountKey(company))
}

// ValidateSufficientPool checks that a company pool can cover required.
func (bt *BalanceTracker) ValidateSufficientPool(company identity.ID, required int64) error {
	balance := bt.GetPoolBalance(company)
	if balance < required {
		return fmt.Errorf("%w: pool %s has %d, need %d", errs.ErrInsufficientBalance, company, balance, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (always 0 for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// Pools returns every company pool balance.
func (bt *BalanceTracker) Pools() map[identity.ID]int64 {
	out := make(map[identity.ID]int64)
	for key, balance := range bt.balances {
		if key.Scope == AccountScopeCompany && key.SubType == SubTypePool {
			out[key.EntityID] = balance
		}
	}
	return out
}

// Snapshot returns a copy of all balances keyed by account path.
func (bt *BalanceTracker) Snapshot() map[string]int64 {
	snapshot := make(map[string]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k.AccountPath()] = v
	}
	return snapshot
}

// Restore replaces all balances with a snapshot taken by Snapshot.
func (bt *BalanceTracker) Restore(snapshot map[string]int64) error {
	balances := make(map[AccountKey]int64, len(snapshot))
	for path, v := range snapshot {
		key, err := ParseAccountPath(path)
		if err != nil {
			return err
		}
		balances[key] = v
	}
	bt.balances = balances
	return nil
}
