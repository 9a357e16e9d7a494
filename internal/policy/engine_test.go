package policy_test

import (
	"DelayLedger/internal/access"
	"DelayLedger/internal/directory"
	"DelayLedger/internal/errs"
	"DelayLedger/internal/event"
	"DelayLedger/internal/funding"
	"DelayLedger/internal/identity"
	"DelayLedger/internal/policy"
	"DelayLedger/internal/token"
	"context"
	"errors"
	"testing"
	"time"
)

const (
	admin   identity.ID = "admin"
	oracle  identity.ID = "oracle"
	engine  identity.ID = "settlement-engine"
	custody identity.ID = "pool-custody"
	acme    identity.ID = "acme-air"
	alice   identity.ID = "alice"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	tok    *token.MemoryToken
	pool   *funding.Pool
	engine *policy.Engine
}

func newFixture(t *testing.T, poolFunds int64) *fixture {
	t.Helper()
	tok := token.NewMemoryToken()

	registry := directory.NewRegistry(admin)
	if err := registry.RegisterCompany(admin, directory.Company{ID: acme, Name: "Acme Air"}); err != nil {
		t.Fatalf("register company: %v", err)
	}
	if _, err := registry.RegisterFlight(acme, "AC101", epoch.Add(24*time.Hour)); err != nil {
		t.Fatalf("register flight: %v", err)
	}

	roles := access.NewTable(admin)
	pool := funding.NewPool(custody, tok.Account(custody), roles)
	if _, err := pool.GrantAuthority(admin, engine); err != nil {
		t.Fatalf("grant: %v", err)
	}
	eng := policy.NewEngine(engine, oracle, registry, tok.Account(engine), pool)

	if poolFunds > 0 {
		if err := tok.Mint(acme, poolFunds); err != nil {
			t.Fatalf("mint: %v", err)
		}
		if err := tok.Approve(acme, custody, poolFunds); err != nil {
			t.Fatalf("approve: %v", err)
		}
		if _, _, err := pool.Fund(context.Background(), acme, acme, poolFunds, epoch); err != nil {
			t.Fatalf("fund: %v", err)
		}
	}

	if err := tok.Mint(alice, 1000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := tok.Approve(alice, engine, 1000); err != nil {
		t.Fatalf("approve: %v", err)
	}

	return &fixture{tok: tok, pool: pool, engine: eng}
}

func (f *fixture) buy(t *testing.T, threshold int64) *policy.Policy {
	t.Helper()
	p, _, err := f.engine.BuyPolicy(context.Background(), alice, policy.BuyRequest{
		FlightCode:            "ac101",
		BookingID:             "BK-1",
		TicketID:              "T-1",
		DelayThresholdMinutes: threshold,
		Premium:               10,
		Payout:                100,
	}, epoch)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	return p
}

func TestBuyPolicy(t *testing.T) {
	f := newFixture(t, 0)

	p, created, err := f.engine.BuyPolicy(context.Background(), alice, policy.BuyRequest{
		FlightCode:            "AC101",
		BookingID:             "BK-1",
		DelayThresholdMinutes: 60,
		Premium:               10,
		Payout:                100,
	}, epoch)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	if p.ID != 1 || p.Status != policy.StatusActive || p.CompanyID != acme {
		t.Errorf("unexpected policy %+v", p)
	}
	if created.PolicyID != 1 || created.Holder != alice || created.FlightCode != "AC101" ||
		created.Premium != 10 || created.Payout != 100 {
		t.Errorf("unexpected event %+v", created)
	}
	if got := f.tok.BalanceOf(engine); got != 10 {
		t.Errorf("escrow: got %d, want 10", got)
	}
	if got := f.tok.BalanceOf(alice); got != 990 {
		t.Errorf("holder: got %d, want 990", got)
	}
	if got := f.engine.PremiumsCollected(); got != 10 {
		t.Errorf("premiums: got %d, want 10", got)
	}
}

func TestBuyPolicy_IDsIncrease(t *testing.T) {
	f := newFixture(t, 0)
	first := f.buy(t, 60)
	second := f.buy(t, 60)
	if second.ID != first.ID+1 {
		t.Errorf("ids not monotonic: %d then %d", first.ID, second.ID)
	}
	if got := len(f.engine.PoliciesByHolder(alice)); got != 2 {
		t.Errorf("holder policies: got %d, want 2", got)
	}
}

func TestBuyPolicy_UnknownFlight(t *testing.T) {
	f := newFixture(t, 0)
	_, _, err := f.engine.BuyPolicy(context.Background(), alice, policy.BuyRequest{
		FlightCode: "ZZ999", Premium: 10, Payout: 100,
	}, epoch)
	if !errors.Is(err, errs.ErrUnknownFlight) {
		t.Fatalf("expected ErrUnknownFlight, got %v", err)
	}
	if f.tok.BalanceOf(alice) != 1000 {
		t.Error("premium pulled for unknown flight")
	}
}

func TestBuyPolicy_PremiumPullFails(t *testing.T) {
	f := newFixture(t, 0)
	if err := f.tok.Approve(alice, engine, 5); err != nil {
		t.Fatalf("approve: %v", err)
	}

	_, _, err := f.engine.BuyPolicy(context.Background(), alice, policy.BuyRequest{
		FlightCode: "AC101", Premium: 10, Payout: 100,
	}, epoch)
	if !errors.Is(err, errs.ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if _, err := f.engine.Policy(1); !errors.Is(err, errs.ErrUnknownPolicy) {
		t.Error("policy recorded after failed premium pull")
	}
}

func TestBuyPolicy_NotReservedAgainstPool(t *testing.T) {
	f := newFixture(t, 0)
	// The pool is empty, yet the purchase succeeds.
	f.buy(t, 60)
}

func TestSettle_PaysOut(t *testing.T) {
	f := newFixture(t, 1000)
	p := f.buy(t, 60)

	settled, events, batch, err := f.engine.SettlePolicy(context.Background(), oracle, p.ID, 120, epoch)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Status != policy.StatusSettled || !settled.Paid {
		t.Errorf("unexpected policy %+v", settled)
	}
	if len(events) != 2 || batch == nil {
		t.Fatalf("expected compensation + settled events and a batch, got %d events", len(events))
	}
	if _, ok := events[0].(*event.CompensationPaid); !ok {
		t.Errorf("first event: got %T", events[0])
	}
	ps := events[1].(*event.PolicySettled)
	if !ps.Paid || ps.Amount != 100 {
		t.Errorf("unexpected settled event %+v", ps)
	}
	if got := f.pool.Balance(acme); got != 900 {
		t.Errorf("pool: got %d, want 900", got)
	}
	if got := f.tok.BalanceOf(alice); got != 1090 {
		t.Errorf("holder: got %d, want 1090", got)
	}
}

func TestSettle_BelowThreshold(t *testing.T) {
	f := newFixture(t, 1000)
	p := f.buy(t, 60)

	settled, events, batch, err := f.engine.SettlePolicy(context.Background(), oracle, p.ID, 30, epoch)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Paid || batch != nil || len(events) != 1 {
		t.Fatalf("unexpected settlement: paid=%v events=%d", settled.Paid, len(events))
	}
	ps := events[0].(*event.PolicySettled)
	if ps.Paid || ps.Amount != 0 {
		t.Errorf("unexpected settled event %+v", ps)
	}
	if got := f.pool.Balance(acme); got != 1000 {
		t.Errorf("pool: got %d, want 1000", got)
	}
}

func TestSettle_ThresholdInclusive(t *testing.T) {
	f := newFixture(t, 1000)
	p := f.buy(t, 60)

	settled, _, _, err := f.engine.SettlePolicy(context.Background(), oracle, p.ID, 60, epoch)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settled.Paid {
		t.Error("delay equal to threshold must pay")
	}
}

func TestSettle_ZeroThresholdPaysOnZeroDelay(t *testing.T) {
	f := newFixture(t, 1000)
	p := f.buy(t, 0)

	settled, _, _, err := f.engine.SettlePolicy(context.Background(), oracle, p.ID, 0, epoch)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settled.Paid {
		t.Error("zero threshold must pay on zero delay")
	}
}

func TestSettle_OnlyOracle(t *testing.T) {
	f := newFixture(t, 1000)
	p := f.buy(t, 60)

	for _, caller := range []identity.ID{alice, admin, engine, acme} {
		_, _, _, err := f.engine.SettlePolicy(context.Background(), caller, p.ID, 120, epoch)
		if !errors.Is(err, errs.ErrUnauthorized) {
			t.Errorf("%s: expected ErrUnauthorized, got %v", caller, err)
		}
	}
	got, _ := f.engine.Policy(p.ID)
	if got.Status != policy.StatusActive {
		t.Error("unauthorized settle changed status")
	}
}

func TestSettle_UnknownPolicy(t *testing.T) {
	f := newFixture(t, 1000)
	_, _, _, err := f.engine.SettlePolicy(context.Background(), oracle, 42, 120, epoch)
	if !errors.Is(err, errs.ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
}

func TestSettle_AlreadySettled(t *testing.T) {
	f := newFixture(t, 1000)
	p := f.buy(t, 60)

	if _, _, _, err := f.engine.SettlePolicy(context.Background(), oracle, p.ID, 120, epoch); err != nil {
		t.Fatalf("settle: %v", err)
	}
	_, _, _, err := f.engine.SettlePolicy(context.Background(), oracle, p.ID, 120, epoch)
	if !errors.Is(err, errs.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	if got := f.pool.Balance(acme); got != 900 {
		t.Errorf("double payout: pool %d, want 900", got)
	}
}

func TestSettle_UnderFundedRollsBackThenRetries(t *testing.T) {
	f := newFixture(t, 50)
	p := f.buy(t, 60)

	_, _, _, err := f.engine.SettlePolicy(context.Background(), oracle, p.ID, 120, epoch)
	if !errors.Is(err, errs.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	got, _ := f.engine.Policy(p.ID)
	if got.Status != policy.StatusActive || got.SettledAt != nil {
		t.Fatalf("policy not left active: %+v", got)
	}
	if f.pool.Balance(acme) != 50 || f.tok.BalanceOf(alice) != 990 {
		t.Fatal("partial payout observed")
	}

	// Company tops up; the same report now settles.
	if err := f.tok.Mint(acme, 50); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.tok.Approve(acme, custody, 50); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, _, err := f.pool.Fund(context.Background(), acme, acme, 50, epoch); err != nil {
		t.Fatalf("top up: %v", err)
	}
	settled, _, _, err := f.engine.SettlePolicy(context.Background(), oracle, p.ID, 120, epoch)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !settled.Paid || f.pool.Balance(acme) != 0 || f.tok.BalanceOf(alice) != 1090 {
		t.Errorf("retry did not pay out: %+v pool=%d", settled, f.pool.Balance(acme))
	}
}

func TestSettle_EngineWithoutAuthority(t *testing.T) {
	f := newFixture(t, 1000)
	p := f.buy(t, 60)
	if _, err := f.pool.RevokeAuthority(admin, engine); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	_, _, _, err := f.engine.SettlePolicy(context.Background(), oracle, p.ID, 120, epoch)
	if !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	got, _ := f.engine.Policy(p.ID)
	if got.Status != policy.StatusActive {
		t.Error("policy settled without authority")
	}
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t, 1000)
	first := f.buy(t, 60)
	f.buy(t, 30)
	if _, _, _, err := f.engine.SettlePolicy(context.Background(), oracle, first.ID, 90, epoch); err != nil {
		t.Fatalf("settle: %v", err)
	}

	restored := policy.NewEngine(engine, oracle, nil, nil, nil)
	if err := restored.Restore(f.engine.Snapshot()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	active, settled := restored.Counts()
	if active != 1 || settled != 1 {
		t.Errorf("counts: active=%d settled=%d", active, settled)
	}
	if restored.PremiumsCollected() != 20 {
		t.Errorf("premiums: got %d, want 20", restored.PremiumsCollected())
	}

	// The next id continues after restored policies.
	if err := restored.ApplyCreated(&event.PolicyCreated{PolicyID: 3, Holder: alice, Premium: 10, Payout: 100}); err != nil {
		t.Fatalf("apply created: %v", err)
	}
	if err := restored.ApplyCreated(&event.PolicyCreated{PolicyID: 5, Holder: alice}); err == nil {
		t.Error("expected error for id gap")
	}
}
