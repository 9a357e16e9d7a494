// Package policy is the settlement engine: it sells policies against
// registered flights and settles them once on the oracle's delay report.
package policy

import (
	"DelayLedger/internal/directory"
	"DelayLedger/internal/errs"
	"DelayLedger/internal/event"
	"DelayLedger/internal/identity"
	"DelayLedger/internal/ledger"
	"DelayLedger/internal/token"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CompensationPayer is the funding pool's debit path as seen by the engine.
type CompensationPayer interface {
	PayCompensation(
		ctx context.Context,
		caller, company, beneficiary identity.ID,
		policyID uint64,
		amount int64,
		at time.Time,
	) (*event.CompensationPaid, *ledger.Batch, error)
}

// Engine exclusively owns policy records.
//
// Not thread-safe: only accessed from the core ledger lock.
type Engine struct {
	self      identity.ID // escrow custody and the caller presented to the pool
	oracle    identity.ID
	directory directory.Directory
	escrow    token.Transferer
	payer     CompensationPayer

	policies map[uint64]*Policy
	byHolder map[identity.ID][]uint64
	nextID   uint64
	premiums int64
}

func NewEngine(
	self, oracle identity.ID,
	dir directory.Directory,
	escrow token.Transferer,
	payer CompensationPayer,
) *Engine {
	return &Engine{
		self:      self,
		oracle:    oracle,
		directory: dir,
		escrow:    escrow,
		payer:     payer,
		policies:  make(map[uint64]*Policy),
		byHolder:  make(map[identity.ID][]uint64),
		nextID:    1,
	}
}

// Identity is the engine's own account: premium escrow and pool caller.
func (e *Engine) Identity() identity.ID {
	return e.self
}

func (e *Engine) Oracle() identity.ID {
	return e.oracle
}

// BuyPolicy validates the flight, pulls the premium into escrow and records
// an Active policy. The payout is not reserved against the company pool;
// sufficiency is only checked at settlement.
func (e *Engine) BuyPolicy(ctx context.Context, caller identity.ID, req BuyRequest, at time.Time) (*Policy, *event.PolicyCreated, error) {
	if caller.IsZero() {
		return nil, nil, fmt.Errorf("%w: anonymous caller", errs.ErrUnauthorized)
	}
	if req.Premium <= 0 || req.Payout <= 0 {
		return nil, nil, fmt.Errorf("%w: premium %d payout %d", errs.ErrInvalidAmount, req.Premium, req.Payout)
	}
	if req.DelayThresholdMinutes < 0 {
		return nil, nil, fmt.Errorf("%w: threshold %d", errs.ErrInvalidAmount, req.DelayThresholdMinutes)
	}

	flight, err := e.directory.LookupFlight(ctx, req.FlightCode)
	if err != nil {
		if errors.Is(err, directory.ErrFlightNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", errs.ErrUnknownFlight, req.FlightCode)
		}
		return nil, nil, fmt.Errorf("lookup flight %s: %w", req.FlightCode, err)
	}

	if err := e.escrow.Pull(ctx, caller, req.Premium); err != nil {
		return nil, nil, fmt.Errorf("premium for %s: %w", flight.Code, err)
	}

	p := &Policy{
		ID:                    e.nextID,
		Holder:                caller,
		FlightCode:            flight.Code,
		TicketID:              strings.TrimSpace(req.TicketID),
		BookingID:             strings.TrimSpace(req.BookingID),
		CompanyID:             flight.CompanyID,
		DelayThresholdMinutes: req.DelayThresholdMinutes,
		PremiumAmount:         req.Premium,
		PayoutAmount:          req.Payout,
		Status:                StatusActive,
		CreatedAt:             at,
	}
	created := createdEvent(p)
	e.insert(p)

	return p.clone(), created, nil
}

// SettlePolicy applies the oracle's delay report. When the policy pays, the
// compensation is ordered first and the status only flips once it
// succeeded, so an under-funded pool leaves the policy Active for a retry.
//
// The returned events are CompensationPaid (when paid) then PolicySettled.
func (e *Engine) SettlePolicy(
	ctx context.Context,
	caller identity.ID,
	id uint64,
	observedDelayMinutes int64,
	at time.Time,
) (*Policy, []event.Event, *ledger.Batch, error) {
	if caller.IsZero() || caller != e.oracle {
		return nil, nil, nil, fmt.Errorf("%w: %s is not the oracle", errs.ErrUnauthorized, caller)
	}

	p, ok := e.policies[id]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %d", errs.ErrUnknownPolicy, id)
	}
	if p.Status != StatusActive {
		return nil, nil, nil, fmt.Errorf("%w: policy %d", errs.ErrAlreadySettled, id)
	}
	if observedDelayMinutes < 0 {
		return nil, nil, nil, fmt.Errorf("%w: delay %d", errs.ErrInvalidAmount, observedDelayMinutes)
	}

	paid := p.Pays(observedDelayMinutes)

	var (
		events []event.Event
		batch  *ledger.Batch
		amount int64
	)
	if paid {
		compensation, b, err := e.payer.PayCompensation(ctx, e.self, p.CompanyID, p.Holder, p.ID, p.PayoutAmount, at)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("settle policy %d: %w", id, err)
		}
		events = append(events, compensation)
		batch = b
		amount = p.PayoutAmount
	}

	settled := &event.PolicySettled{
		PolicyID:             id,
		Paid:                 paid,
		Amount:               amount,
		ObservedDelayMinutes: observedDelayMinutes,
		SettledAt:            at,
	}
	e.markSettled(p, settled)
	events = append(events, settled)

	return p.clone(), events, batch, nil
}

// Policy returns a copy of the policy with the given id.
func (e *Engine) Policy(id uint64) (*Policy, error) {
	p, ok := e.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errs.ErrUnknownPolicy, id)
	}
	return p.clone(), nil
}

// PoliciesByHolder returns the holder's policies in id order.
func (e *Engine) PoliciesByHolder(holder identity.ID) []*Policy {
	ids := e.byHolder[holder]
	out := make([]*Policy, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.policies[id].clone())
	}
	return out
}

// PremiumsCollected is the total premium held in escrow.
func (e *Engine) PremiumsCollected() int64 {
	return e.premiums
}

// Counts returns the number of active and settled policies.
func (e *Engine) Counts() (active, settled int) {
	for _, p := range e.policies {
		if p.Status == StatusActive {
			active++
		} else {
			settled++
		}
	}
	return active, settled
}

// ApplyCreated rebuilds a policy from a logged event without moving tokens.
func (e *Engine) ApplyCreated(ev *event.PolicyCreated) error {
	if ev.PolicyID != e.nextID {
		return fmt.Errorf("policy id gap: got %d, expected %d", ev.PolicyID, e.nextID)
	}
	e.insert(&Policy{
		ID:                    ev.PolicyID,
		Holder:                ev.Holder,
		FlightCode:            ev.FlightCode,
		TicketID:              ev.TicketID,
		BookingID:             ev.BookingID,
		CompanyID:             ev.CompanyID,
		DelayThresholdMinutes: ev.DelayThresholdMinutes,
		PremiumAmount:         ev.Premium,
		PayoutAmount:          ev.Payout,
		Status:                StatusActive,
		CreatedAt:             ev.CreatedAt,
	})
	return nil
}

func (e *Engine) ApplySettled(ev *event.PolicySettled) error {
	p, ok := e.policies[ev.PolicyID]
	if !ok {
		return fmt.Errorf("%w: %d", errs.ErrUnknownPolicy, ev.PolicyID)
	}
	if p.Status != StatusActive {
		return fmt.Errorf("%w: policy %d", errs.ErrAlreadySettled, ev.PolicyID)
	}
	e.markSettled(p, ev)
	return nil
}

// Snapshot returns copies of every policy in id order.
func (e *Engine) Snapshot() []*Policy {
	out := make([]*Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces all policies. Ids must be contiguous from 1.
func (e *Engine) Restore(policies []*Policy) error {
	e.policies = make(map[uint64]*Policy, len(policies))
	e.byHolder = make(map[identity.ID][]uint64)
	e.nextID = 1
	e.premiums = 0

	sorted := append([]*Policy(nil), policies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, p := range sorted {
		if p.ID != e.nextID {
			return fmt.Errorf("policy id gap: got %d, expected %d", p.ID, e.nextID)
		}
		e.insert(p.clone())
	}
	return nil
}

func (e *Engine) insert(p *Policy) {
	e.policies[p.ID] = p
	e.byHolder[p.Holder] = append(e.byHolder[p.Holder], p.ID)
	e.premiums += p.PremiumAmount
	e.nextID = p.ID + 1
}

func (e *Engine) markSettled(p *Policy, ev *event.PolicySettled) {
	settledAt := ev.SettledAt
	delay := ev.ObservedDelayMinutes
	p.Status = StatusSettled
	p.Paid = ev.Paid
	p.SettledAt = &settledAt
	p.ObservedDelayMinutes = &delay
}

func createdEvent(p *Policy) *event.PolicyCreated {
	return &event.PolicyCreated{
		PolicyID:              p.ID,
		Holder:                p.Holder,
		FlightCode:            p.FlightCode,
		Premium:               p.PremiumAmount,
		Payout:                p.PayoutAmount,
		CompanyID:             p.CompanyID,
		TicketID:              p.TicketID,
		BookingID:             p.BookingID,
		DelayThresholdMinutes: p.DelayThresholdMinutes,
		CreatedAt:             p.CreatedAt,
	}
}

func (p *Policy) clone() *Policy {
	c := *p
	if p.SettledAt != nil {
		t := *p.SettledAt
		c.SettledAt = &t
	}
	if p.ObservedDelayMinutes != nil {
		d := *p.ObservedDelayMinutes
		c.ObservedDelayMinutes = &d
	}
	return &c
}
