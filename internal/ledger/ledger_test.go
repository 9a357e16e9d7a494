package ledger_test

import (
	"DelayLedger/internal/errs"
	"DelayLedger/internal/identity"
	"DelayLedger/internal/ledger"
	"errors"
	"testing"
)

const acme identity.ID = "acme-air"

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_PoolPath(t *testing.T) {
	key := ledger.NewPoolAccountKey(acme)
	if got := key.AccountPath(); got != "company:acme-air:pool" {
		t.Errorf("got %q, want %q", got, "company:acme-air:pool")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalCompensated)
	if got := key.AccountPath(); got != "external:compensated" {
		t.Errorf("got %q, want %q", got, "external:compensated")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewPoolAccountKey(acme),
		ledger.NewPoolAccountKey(identity.MustParse("did:web:acme")),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalFunded),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawn),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalCompensated),
	}
	for _, k := range keys {
		parsed, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", k.AccountPath(), err)
		}
		if parsed != k {
			t.Errorf("round trip mismatch for %s", k.AccountPath())
		}
	}

	for _, bad := range []string{"user:x:collateral", "company::pool", "company:acme", "external:fees"} {
		if _, err := ledger.ParseAccountPath(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

// ============================================================================
// Test: Generator + Tracker
// ============================================================================

func TestFundWithdraw_Balances(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(tracker)

	batch, err := gen.GenerateFund(acme, 1000, 1)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := tracker.ApplyBatch(batch); err != nil {
		t.Fatalf("apply: %v", err)
	}

	batch, err = gen.GenerateWithdraw(acme, 300, 2)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := tracker.ApplyBatch(batch); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := tracker.GetPoolBalance(acme); got != 700 {
		t.Errorf("pool balance: got %d, want 700", got)
	}
	if got := tracker.ComputeGlobalBalance(); got != 0 {
		t.Errorf("global balance: got %d, want 0", got)
	}
}

func TestWithdraw_InsufficientPool(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(tracker)

	_, err := gen.GenerateWithdraw(acme, 1, 1)
	if !errors.Is(err, errs.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestCompensation_DebitsPool(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(tracker)

	fund, _ := gen.GenerateFund(acme, 500, 1)
	_ = tracker.ApplyBatch(fund)

	batch, err := gen.GenerateCompensation(acme, 7, 500, 2)
	if err != nil {
		t.Fatalf("compensation: %v", err)
	}
	if batch.EventRef != "policy:7" {
		t.Errorf("event ref: got %q", batch.EventRef)
	}
	_ = tracker.ApplyBatch(batch)

	if got := tracker.GetPoolBalance(acme); got != 0 {
		t.Errorf("pool balance: got %d, want 0", got)
	}

	if _, err := gen.GenerateCompensation(acme, 8, 1, 3); !errors.Is(err, errs.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestBatch_RejectsNonPositive(t *testing.T) {
	gen := ledger.NewJournalGenerator(ledger.NewBalanceTracker())
	if _, err := gen.GenerateFund(acme, 0, 1); err == nil {
		t.Error("expected error for zero amount")
	}
}

func TestBatch_SetSequence(t *testing.T) {
	gen := ledger.NewJournalGenerator(ledger.NewBalanceTracker())
	batch, _ := gen.GenerateFund(acme, 10, 1)
	batch.SetSequence(42)
	if batch.Sequence != 42 || batch.Journals[0].Sequence != 42 {
		t.Error("sequence not propagated to journals")
	}
}

// ============================================================================
// Test: Snapshot / Restore
// ============================================================================

func TestSnapshotRestore(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(tracker)
	fund, _ := gen.GenerateFund(acme, 250, 1)
	_ = tracker.ApplyBatch(fund)

	restored := ledger.NewBalanceTracker()
	if err := restored.Restore(tracker.Snapshot()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := restored.GetPoolBalance(acme); got != 250 {
		t.Errorf("restored pool: got %d, want 250", got)
	}
	if got := restored.ComputeGlobalBalance(); got != 0 {
		t.Errorf("restored global: got %d, want 0", got)
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestConservation(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(tracker)
	v := ledger.NewInvariantValidator(tracker)

	other := identity.ID("globex")
	for _, step := range []func() (*ledger.Batch, error){
		func() (*ledger.Batch, error) { return gen.GenerateFund(acme, 1000, 1) },
		func() (*ledger.Batch, error) { return gen.GenerateFund(other, 400, 2) },
		func() (*ledger.Batch, error) { return gen.GenerateWithdraw(acme, 100, 3) },
		func() (*ledger.Batch, error) { return gen.GenerateCompensation(other, 1, 300, 4) },
	} {
		batch, err := step()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if err := tracker.ApplyBatch(batch); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if err := v.ValidateConservation(); err != nil {
			t.Fatalf("conservation: %v", err)
		}
	}

	totals := v.ComputeTotals()
	want := ledger.Totals{Funded: 1400, Withdrawn: 100, Compensated: 300, Pooled: 1000}
	if totals != want {
		t.Errorf("totals: got %+v, want %+v", totals, want)
	}
	if err := v.ValidatePoolNonNegative(acme); err != nil {
		t.Errorf("pool non-negative: %v", err)
	}
}
