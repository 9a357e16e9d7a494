// Package funding is the per-company funding pool: token custody for fund,
// withdraw and compensation debits, backed by the double-entry ledger.
//
// Every mutation runs validate -> external transfer -> journal apply, so a
// failed transfer leaves balances untouched. The pool never reads policy
// state; compensation takes the amount and beneficiary it is given.
//
// Not thread-safe: only accessed from the core ledger lock.
package funding

import (
	"DelayLedger/internal/access"
	"DelayLedger/internal/errs"
	"DelayLedger/internal/event"
	"DelayLedger/internal/identity"
	"DelayLedger/internal/ledger"
	"DelayLedger/internal/token"
	"context"
	"fmt"
	"time"
)

type Pool struct {
	custody   identity.ID
	token     token.Transferer
	roles     *access.Table
	tracker   *ledger.BalanceTracker
	generator *ledger.JournalGenerator
	validator *ledger.InvariantValidator
}

// NewPool creates a pool holding tokens under custody. roles is shared with
// the rest of the core so grants made here are visible everywhere.
func NewPool(custody identity.ID, transferer token.Transferer, roles *access.Table) *Pool {
	tracker := ledger.NewBalanceTracker()
	return &Pool{
		custody:   custody,
		token:     transferer,
		roles:     roles,
		tracker:   tracker,
		generator: ledger.NewJournalGenerator(tracker),
		validator: ledger.NewInvariantValidator(tracker),
	}
}

// Custody is the token account that holds every company's pooled funds.
func (p *Pool) Custody() identity.ID {
	return p.custody
}

// Fund pulls amount from the company into custody and credits its pool.
func (p *Pool) Fund(ctx context.Context, caller, company identity.ID, amount int64, at time.Time) (*event.Funded, *ledger.Batch, error) {
	if err := requireSelf(caller, company); err != nil {
		return nil, nil, err
	}
	if err := requirePositive(amount); err != nil {
		return nil, nil, err
	}

	batch, err := p.generator.GenerateFund(company, amount, at.UnixMicro())
	if err != nil {
		return nil, nil, err
	}

	if err := p.token.Pull(ctx, caller, amount); err != nil {
		return nil, nil, fmt.Errorf("fund %s: %w", company, err)
	}

	if err := p.tracker.ApplyBatch(batch); err != nil {
		return nil, nil, err
	}
	return &event.Funded{CompanyID: company, Amount: amount}, batch, nil
}

// Withdraw debits the company pool and pushes amount back to the company.
func (p *Pool) Withdraw(ctx context.Context, caller, company identity.ID, amount int64, at time.Time) (*event.Withdrawn, *ledger.Batch, error) {
	if err := requireSelf(caller, company); err != nil {
		return nil, nil, err
	}
	if err := requirePositive(amount); err != nil {
		return nil, nil, err
	}

	batch, err := p.generator.GenerateWithdraw(company, amount, at.UnixMicro())
	if err != nil {
		return nil, nil, err
	}

	if err := p.token.Push(ctx, caller, amount); err != nil {
		return nil, nil, fmt.Errorf("withdraw %s: %w", company, err)
	}

	if err := p.tracker.ApplyBatch(batch); err != nil {
		return nil, nil, err
	}
	return &event.Withdrawn{CompanyID: company, Amount: amount}, batch, nil
}

// PayCompensation debits the company pool and pushes amount to beneficiary.
// Only holders of the insurance authority role may call it. An under-funded
// pool fails with ErrInsufficientBalance and nothing moves.
func (p *Pool) PayCompensation(
	ctx context.Context,
	caller, company, beneficiary identity.ID,
	policyID uint64,
	amount int64,
	at time.Time,
) (*event.CompensationPaid, *ledger.Batch, error) {
	if err := p.roles.Require(access.RoleInsuranceAuthority, caller); err != nil {
		return nil, nil, err
	}
	if err := requirePositive(amount); err != nil {
		return nil, nil, err
	}
	if beneficiary.IsZero() {
		return nil, nil, fmt.Errorf("%w: beneficiary is empty", errs.ErrInvalidArgument)
	}

	batch, err := p.generator.GenerateCompensation(company, policyID, amount, at.UnixMicro())
	if err != nil {
		return nil, nil, err
	}

	if err := p.token.Push(ctx, beneficiary, amount); err != nil {
		return nil, nil, fmt.Errorf("compensate policy %d: %w", policyID, err)
	}

	if err := p.tracker.ApplyBatch(batch); err != nil {
		return nil, nil, err
	}
	return &event.CompensationPaid{
		CompanyID:   company,
		Beneficiary: beneficiary,
		PolicyID:    policyID,
		Amount:      amount,
	}, batch, nil
}

// GrantAuthority gives who the insurance authority role. Returns a nil
// event when who already held it.
func (p *Pool) GrantAuthority(caller, who identity.ID) (*event.AuthorityGranted, error) {
	changed, err := p.roles.Grant(caller, access.RoleInsuranceAuthority, who)
	if err != nil || !changed {
		return nil, err
	}
	return &event.AuthorityGranted{
		Role:     string(access.RoleInsuranceAuthority),
		Identity: who,
		By:       caller,
	}, nil
}

// RevokeAuthority removes the insurance authority role from who.
func (p *Pool) RevokeAuthority(caller, who identity.ID) (*event.AuthorityRevoked, error) {
	changed, err := p.roles.Revoke(caller, access.RoleInsuranceAuthority, who)
	if err != nil || !changed {
		return nil, err
	}
	return &event.AuthorityRevoked{
		Role:     string(access.RoleInsuranceAuthority),
		Identity: who,
		By:       caller,
	}, nil
}

func (p *Pool) Balance(company identity.ID) int64 {
	return p.tracker.GetPoolBalance(company)
}

// Balances returns every company pool with a recorded balance.
func (p *Pool) Balances() map[identity.ID]int64 {
	return p.tracker.Pools()
}

func (p *Pool) Totals() ledger.Totals {
	return p.validator.ComputeTotals()
}

// CheckConservation verifies funded == withdrawn + compensated + pooled and
// that the given pools are non-negative.
func (p *Pool) CheckConservation(companies ...identity.ID) error {
	if err := p.validator.ValidateConservation(); err != nil {
		return err
	}
	for _, c := range companies {
		if err := p.validator.ValidatePoolNonNegative(c); err != nil {
			return err
		}
	}
	return nil
}

// ApplyFunded rebuilds balances from a logged event without moving tokens.
func (p *Pool) ApplyFunded(e *event.Funded, at time.Time) error {
	batch, err := p.generator.GenerateFund(e.CompanyID, e.Amount, at.UnixMicro())
	if err != nil {
		return err
	}
	return p.tracker.ApplyBatch(batch)
}

func (p *Pool) ApplyWithdrawn(e *event.Withdrawn, at time.Time) error {
	batch, err := p.generator.GenerateWithdraw(e.CompanyID, e.Amount, at.UnixMicro())
	if err != nil {
		return err
	}
	return p.tracker.ApplyBatch(batch)
}

func (p *Pool) ApplyCompensationPaid(e *event.CompensationPaid, at time.Time) error {
	batch, err := p.generator.GenerateCompensation(e.CompanyID, e.PolicyID, e.Amount, at.UnixMicro())
	if err != nil {
		return err
	}
	return p.tracker.ApplyBatch(batch)
}

// SnapshotBalances returns the journal balances keyed by account path.
func (p *Pool) SnapshotBalances() map[string]int64 {
	return p.tracker.Snapshot()
}

func (p *Pool) RestoreBalances(balances map[string]int64) error {
	return p.tracker.Restore(balances)
}

func requireSelf(caller, company identity.ID) error {
	if company.IsZero() || caller != company {
		return fmt.Errorf("%w: %s cannot act for company %s", errs.ErrUnauthorized, caller, company)
	}
	return nil
}

func requirePositive(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", errs.ErrInvalidAmount, amount)
	}
	return nil
}

// AccountBalance exposes any journal account, for state hashing.
func (p *Pool) AccountBalance(key ledger.AccountKey) int64 {
	return p.tracker.GetBalance(key)
}
