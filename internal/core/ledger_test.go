package core_test

import (
	"DelayLedger/internal/core"
	"DelayLedger/internal/directory"
	"DelayLedger/internal/errs"
	"DelayLedger/internal/event"
	"DelayLedger/internal/identity"
	"DelayLedger/internal/observability"
	"DelayLedger/internal/policy"
	"DelayLedger/internal/token"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const (
	admin   identity.ID = "admin"
	oracle  identity.ID = "oracle"
	engine  identity.ID = "settlement-engine"
	custody identity.ID = "pool-custody"
	acme    identity.ID = "acme-air"
	user    identity.ID = "alice"
)

// --- Test helpers ---

type harness struct {
	ledger   *core.Ledger
	tok      *token.MemoryToken
	persist  chan core.CoreOutput
	projChan chan core.CoreOutput
	now      time.Time
}

// newHarness wires a ledger with buffered channels, an in-memory token and
// one registered flight AC101 operated by acme. The engine already holds
// the insurance authority role.
func newHarness(t *testing.T) *harness {
	t.Helper()

	registry := directory.NewRegistry(admin)
	if err := registry.RegisterCompany(admin, directory.Company{ID: acme, Name: "Acme Air"}); err != nil {
		t.Fatalf("register company: %v", err)
	}
	if _, err := registry.RegisterFlight(acme, "AC101", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("register flight: %v", err)
	}

	h := &harness{
		tok:      token.NewMemoryToken(),
		persist:  make(chan core.CoreOutput, 1024),
		projChan: make(chan core.CoreOutput, 1024),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.ledger = core.NewLedger(core.Config{
		Admin:          admin,
		Oracle:         oracle,
		Engine:         engine,
		Custody:        custody,
		Token:          h.tok,
		Directory:      registry,
		Clock:          func() time.Time { h.now = h.now.Add(time.Second); return h.now },
		Metrics:        observability.NewMetricsWith(nil),
		Logger:         zerolog.Nop(),
		PersistChan:    h.persist,
		ProjectionChan: h.projChan,
	})

	if _, err := h.ledger.GrantAuthority(context.Background(), core.Call{Caller: admin}, engine); err != nil {
		t.Fatalf("grant authority: %v", err)
	}
	return h
}

func (h *harness) fund(t *testing.T, amount int64) {
	t.Helper()
	if err := h.tok.Mint(acme, amount); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := h.tok.Approve(acme, custody, amount); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, _, err := h.ledger.Fund(context.Background(), core.Call{Caller: acme}, acme, amount); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (h *harness) buy(t *testing.T, threshold int64) *policy.Policy {
	t.Helper()
	if err := h.tok.Mint(user, 10); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := h.tok.Approve(user, engine, 10); err != nil {
		t.Fatalf("approve: %v", err)
	}
	p, _, err := h.ledger.BuyPolicy(context.Background(), core.Call{Caller: user}, policy.BuyRequest{
		FlightCode:            "AC101",
		BookingID:             "BK-7781",
		DelayThresholdMinutes: threshold,
		Premium:               10,
		Payout:                100,
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	return p
}

func (h *harness) settle(policyID uint64, delay int64) (*policy.Policy, *core.Receipt, error) {
	return h.ledger.SettlePolicy(context.Background(), core.Call{Caller: oracle}, policyID, delay)
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

// --- Scenarios ---

func TestScenario_DelayAboveThresholdPays(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	p := h.buy(t, 60)
	userBefore := h.tok.BalanceOf(user)

	settled, receipt, err := h.settle(p.ID, 120)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	last := receipt.Events[len(receipt.Events)-1].(*event.PolicySettled)
	if !last.Paid || last.Amount != 100 {
		t.Errorf("PolicySettled: got paid=%v amount=%d, want paid=true amount=100", last.Paid, last.Amount)
	}
	if settled.Status != policy.StatusSettled {
		t.Errorf("status: got %s", settled.Status)
	}
	if got := h.ledger.PoolBalance(acme); got != 900 {
		t.Errorf("pool: got %d, want 900", got)
	}
	if got := h.tok.BalanceOf(user) - userBefore; got != 100 {
		t.Errorf("user balance increase: got %d, want 100", got)
	}
}

func TestScenario_DelayBelowThresholdDoesNotPay(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	p := h.buy(t, 60)

	_, receipt, err := h.settle(p.ID, 30)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(receipt.Events) != 1 {
		t.Fatalf("events: got %d, want 1", len(receipt.Events))
	}
	last := receipt.Events[0].(*event.PolicySettled)
	if last.Paid || last.Amount != 0 {
		t.Errorf("PolicySettled: got paid=%v amount=%d, want paid=false amount=0", last.Paid, last.Amount)
	}
	if got := h.ledger.PoolBalance(acme); got != 1000 {
		t.Errorf("pool: got %d, want 1000", got)
	}
}

func TestSettle_ThresholdBoundary(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	atThreshold := h.buy(t, 60)
	belowThreshold := h.buy(t, 60)

	p, _, err := h.settle(atThreshold.ID, 60)
	if err != nil || !p.Paid {
		t.Errorf("delay == threshold: paid=%v err=%v, want paid", p != nil && p.Paid, err)
	}
	p, _, err = h.settle(belowThreshold.ID, 59)
	if err != nil || p.Paid {
		t.Errorf("delay == threshold-1: paid=%v err=%v, want unpaid", p != nil && p.Paid, err)
	}
}

func TestSettle_TwiceFailsWithoutTransfer(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	p := h.buy(t, 60)

	if _, _, err := h.settle(p.ID, 120); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	userAfterFirst := h.tok.BalanceOf(user)
	seq := h.ledger.Sequence()

	_, _, err := h.settle(p.ID, 120)
	if !errors.Is(err, errs.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	if h.tok.BalanceOf(user) != userAfterFirst || h.ledger.PoolBalance(acme) != 900 {
		t.Error("second settle moved funds")
	}
	if h.ledger.Sequence() != seq {
		t.Error("second settle committed events")
	}
}

func TestSettle_UnderFundedThenRetry(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 40)
	p := h.buy(t, 60)
	seq := h.ledger.Sequence()

	_, _, err := h.settle(p.ID, 120)
	if !errors.Is(err, errs.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	got, _ := h.ledger.Policy(p.ID)
	if got.Status != policy.StatusActive {
		t.Fatalf("policy status: got %s, want ACTIVE", got.Status)
	}
	if h.ledger.Sequence() != seq {
		t.Error("failed settlement committed events")
	}

	h.fund(t, 60)
	userBefore := h.tok.BalanceOf(user)
	settled, _, err := h.settle(p.ID, 120)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !settled.Paid {
		t.Error("retry did not pay")
	}
	if paid := h.tok.BalanceOf(user) - userBefore; paid != 100 {
		t.Errorf("retry paid %d, want exactly 100", paid)
	}
	if got := h.ledger.PoolBalance(acme); got != 0 {
		t.Errorf("pool: got %d, want 0", got)
	}
}

func TestWithdraw_OverBalanceLeavesBalance(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 500)

	_, _, err := h.ledger.Withdraw(context.Background(), core.Call{Caller: acme}, acme, 501)
	if !errors.Is(err, errs.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := h.ledger.PoolBalance(acme); got != 500 {
		t.Errorf("pool: got %d, want 500", got)
	}

	balance, _, err := h.ledger.Withdraw(context.Background(), core.Call{Caller: acme}, acme, 200)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if balance != 300 {
		t.Errorf("returned balance: got %d, want 300", balance)
	}
}

func TestSettle_OnlyOracle(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	p := h.buy(t, 60)
	userBefore := h.tok.BalanceOf(user)

	for _, caller := range []identity.ID{user, admin, engine, acme, ""} {
		_, _, err := h.ledger.SettlePolicy(context.Background(), core.Call{Caller: caller}, p.ID, 120)
		if !errors.Is(err, errs.ErrUnauthorized) {
			t.Errorf("caller %q: expected ErrUnauthorized, got %v", caller, err)
		}
	}

	got, _ := h.ledger.Policy(p.ID)
	if got.Status != policy.StatusActive {
		t.Error("policy changed by unauthorized settle")
	}
	if h.ledger.PoolBalance(acme) != 1000 || h.tok.BalanceOf(user) != userBefore {
		t.Error("balances changed by unauthorized settle")
	}
}

func TestPayCompensation_DirectRequiresAuthority(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)

	_, _, err := h.ledger.PayCompensation(context.Background(), core.Call{Caller: acme}, acme, user, 9, 10)
	if !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	balance, _, err := h.ledger.PayCompensation(context.Background(), core.Call{Caller: engine}, acme, user, 9, 10)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if balance != 990 {
		t.Errorf("pool: got %d, want 990", balance)
	}
}

// --- Administration ---

func TestAdmin_GrantRevokeRotate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ops := identity.ID("ops-desk")

	if _, err := h.ledger.GrantAuthority(ctx, core.Call{Caller: acme}, ops); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("non-admin grant: expected ErrUnauthorized, got %v", err)
	}

	receipt, err := h.ledger.GrantAuthority(ctx, core.Call{Caller: admin}, ops)
	if err != nil || len(receipt.Events) != 1 {
		t.Fatalf("grant: err=%v", err)
	}
	if !h.ledger.HasAuthority(ops) {
		t.Error("grant not visible")
	}

	// Granting twice is a no-op.
	receipt, err = h.ledger.GrantAuthority(ctx, core.Call{Caller: admin}, ops)
	if err != nil || len(receipt.Events) != 0 {
		t.Errorf("re-grant: events=%d err=%v", len(receipt.Events), err)
	}

	next := identity.ID("new-admin")
	if _, err := h.ledger.RotateAdmin(ctx, core.Call{Caller: admin}, next); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := h.ledger.RevokeAuthority(ctx, core.Call{Caller: admin}, ops); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("old admin revoke: expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.ledger.RevokeAuthority(ctx, core.Call{Caller: next}, ops); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if h.ledger.HasAuthority(ops) {
		t.Error("revoke not visible")
	}
	if h.ledger.Stats().Admin != next {
		t.Error("stats admin not rotated")
	}
}

// --- Pipeline ---

func TestIdempotency_DuplicateKeyRejected(t *testing.T) {
	h := newHarness(t)
	if err := h.tok.Mint(acme, 1000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := h.tok.Approve(acme, custody, 1000); err != nil {
		t.Fatalf("approve: %v", err)
	}
	call := core.Call{Caller: acme, IdempotencyKey: "fund-2026-03-01"}

	if _, _, err := h.ledger.Fund(context.Background(), call, acme, 100); err != nil {
		t.Fatalf("fund: %v", err)
	}
	_, _, err := h.ledger.Fund(context.Background(), call, acme, 100)
	if !errors.Is(err, errs.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if got := h.ledger.PoolBalance(acme); got != 100 {
		t.Errorf("pool: got %d, want 100", got)
	}

	// Keys are scoped per command.
	if _, _, err := h.ledger.Withdraw(context.Background(), core.Call{Caller: acme, IdempotencyKey: call.IdempotencyKey}, acme, 10); err != nil {
		t.Errorf("same key on another command: %v", err)
	}
}

func TestIdempotency_FailedCallNotMarked(t *testing.T) {
	h := newHarness(t)
	call := core.Call{Caller: acme, IdempotencyKey: "k1"}

	if _, _, err := h.ledger.Fund(context.Background(), call, acme, 100); !errors.Is(err, errs.ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if err := h.tok.Mint(acme, 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := h.tok.Approve(acme, custody, 100); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, _, err := h.ledger.Fund(context.Background(), call, acme, 100); err != nil {
		t.Fatalf("retry with same key: %v", err)
	}
}

func TestOutputs_SequencedAndChained(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	p := h.buy(t, 60)
	if _, _, err := h.settle(p.ID, 120); err != nil {
		t.Fatalf("settle: %v", err)
	}

	outputs := drain(h.persist)
	// AuthorityGranted, Funded, PolicyCreated, CompensationPaid, PolicySettled
	want := []event.EventType{
		event.EventTypeAuthorityGranted,
		event.EventTypeFunded,
		event.EventTypePolicyCreated,
		event.EventTypeCompensationPaid,
		event.EventTypePolicySettled,
	}
	if len(outputs) != len(want) {
		t.Fatalf("outputs: got %d, want %d", len(outputs), len(want))
	}

	prev := core.GenesisHash()
	for i, out := range outputs {
		env := out.Envelope
		if env.Sequence != int64(i+1) {
			t.Errorf("output %d: sequence %d", i, env.Sequence)
		}
		if env.EventType != want[i] {
			t.Errorf("output %d: type %s, want %s", i, env.EventType, want[i])
		}
		if env.PrevHash != prev {
			t.Errorf("output %d: prev hash does not chain", i)
		}
		prev = env.StateHash
	}

	if outputs[3].Batch == nil || outputs[3].Batch.Sequence != 4 {
		t.Error("compensation output missing its sequenced batch")
	}
	if outputs[4].Batch != nil {
		t.Error("PolicySettled should carry no batch")
	}
	if len(drain(h.projChan)) != len(want) {
		t.Error("projection channel did not receive every output")
	}
}

func TestProjectionChannelFull_DoesNotBlock(t *testing.T) {
	projChan := make(chan core.CoreOutput) // unbuffered, never read
	tok := token.NewMemoryToken()
	l := core.NewLedger(core.Config{
		Admin:          admin,
		Oracle:         oracle,
		Engine:         engine,
		Custody:        custody,
		Token:          tok,
		Directory:      directory.NewRegistry(admin),
		Logger:         zerolog.Nop(),
		ProjectionChan: projChan,
	})

	done := make(chan error, 1)
	go func() {
		_, err := l.GrantAuthority(context.Background(), core.Call{Caller: admin}, engine)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("grant: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("core blocked on full projection channel")
	}
}

func TestCancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := h.ledger.Fund(ctx, core.Call{Caller: acme}, acme, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// --- Recovery ---

func TestReplay_RebuildsSameState(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	first := h.buy(t, 60)
	second := h.buy(t, 60)
	if _, _, err := h.settle(first.ID, 120); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, _, err := h.settle(second.ID, 10); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, _, err := h.ledger.Withdraw(context.Background(), core.Call{Caller: acme, IdempotencyKey: "w1"}, acme, 100); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	replica := newReplica()
	for _, out := range drain(h.persist) {
		if err := replica.Replay(out.Envelope); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}

	if replica.StateHash() != h.ledger.StateHash() {
		t.Error("replayed state hash differs")
	}
	if replica.PoolBalance(acme) != 800 {
		t.Errorf("replayed pool: got %d, want 800", replica.PoolBalance(acme))
	}
	live, rebuilt := h.ledger.Stats(), replica.Stats()
	if live.Totals != rebuilt.Totals || live.SettledPolicies != rebuilt.SettledPolicies {
		t.Errorf("stats differ: live %+v, replayed %+v", live, rebuilt)
	}
	if !replica.HasAuthority(engine) {
		t.Error("authority grant not replayed")
	}

	// Replayed idempotency keys still dedup.
	_, _, err := replica.Withdraw(context.Background(), core.Call{Caller: acme, IdempotencyKey: "w1"}, acme, 100)
	if !errors.Is(err, errs.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate after replay, got %v", err)
	}
}

func TestReplay_DetectsTampering(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	outputs := drain(h.persist)

	tampered := *outputs[1].Envelope
	tampered.Payload = []byte(`{"company_id":"acme-air","amount":2000}`)

	replica := newReplica()
	if err := replica.Replay(outputs[0].Envelope); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if err := replica.Replay(&tampered); err == nil {
		t.Fatal("expected hash mismatch")
	}
}

func TestSnapshot_RestoreThenReplay(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	p := h.buy(t, 60)
	snap := h.ledger.CreateSnapshotState()
	drain(h.persist)

	if _, _, err := h.settle(p.ID, 90); err != nil {
		t.Fatalf("settle: %v", err)
	}
	tail := drain(h.persist)

	replica := newReplica()
	if err := replica.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	for _, out := range tail {
		if err := replica.Replay(out.Envelope); err != nil {
			t.Fatalf("replay tail: %v", err)
		}
	}
	if replica.StateHash() != h.ledger.StateHash() {
		t.Error("state hash differs after snapshot + replay")
	}
	got, err := replica.Policy(p.ID)
	if err != nil || !got.Paid {
		t.Errorf("policy after restore: %+v err=%v", got, err)
	}
}

func TestSnapshot_CompanyIDWithColons(t *testing.T) {
	h := newHarness(t)
	did := identity.MustParse("did:web:acme")
	if err := h.tok.Mint(did, 500); err != nil {
		t.Fatal(err)
	}
	if err := h.tok.Approve(did, custody, 500); err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.ledger.Fund(context.Background(), core.Call{Caller: did}, did, 500); err != nil {
		t.Fatalf("fund: %v", err)
	}
	snap := h.ledger.CreateSnapshotState()

	replica := newReplica()
	if err := replica.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := replica.PoolBalance(did); got != 500 {
		t.Errorf("pool balance = %d, want 500", got)
	}
	if replica.StateHash() != h.ledger.StateHash() {
		t.Error("state hash differs after restore")
	}
}

func TestSnapshot_RejectedRestoreKeepsState(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	early := h.ledger.CreateSnapshotState()
	h.fund(t, 500)
	p := h.buy(t, 60)

	replica := newReplica()
	if err := replica.RestoreFromSnapshot(h.ledger.CreateSnapshotState()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	// Balances that would restore fine, paired with a policy id gap.
	bad := *early
	bad.Policies = []*policy.Policy{{ID: 7, Holder: user, Status: policy.StatusActive}}
	if err := replica.RestoreFromSnapshot(&bad); err == nil {
		t.Fatal("expected policy id gap to be rejected")
	}

	if got := replica.PoolBalance(acme); got != 1500 {
		t.Errorf("pool balance = %d, want 1500", got)
	}
	if _, err := replica.Policy(p.ID); err != nil {
		t.Errorf("policy lost after rejected restore: %v", err)
	}
	if replica.Sequence() != h.ledger.Sequence() || replica.StateHash() != h.ledger.StateHash() {
		t.Error("sequence or state hash changed by a rejected restore")
	}
}

func newReplica() *core.Ledger {
	return core.NewLedger(core.Config{
		Admin:     admin,
		Oracle:    oracle,
		Engine:    engine,
		Custody:   custody,
		Token:     token.NewMemoryToken(),
		Directory: directory.NewRegistry(admin),
		Logger:    zerolog.Nop(),
	})
}
