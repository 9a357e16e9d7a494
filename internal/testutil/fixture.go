package testutil

import (
	"DelayLedger/internal/core"
	"DelayLedger/internal/directory"
	"DelayLedger/internal/identity"
	"DelayLedger/internal/observability"
	"DelayLedger/internal/policy"
	"DelayLedger/internal/token"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// Well-known identities used across fixtures.
const (
	Admin   identity.ID = "admin"
	Oracle  identity.ID = "oracle"
	Engine  identity.ID = "settlement-engine"
	Custody identity.ID = "pool-custody"
	Company identity.ID = "acme-air"
	Holder  identity.ID = "alice"

	Flight = "AC101"
)

// Fixture is a fully wired ledger over an in-memory token and directory.
type Fixture struct {
	Ledger      *core.Ledger
	Token       *token.MemoryToken
	Registry    *directory.Registry
	Persist     chan core.CoreOutput
	Projections chan core.CoreOutput
	Metrics     *observability.Metrics

	now time.Time
}

// NewFixture registers Company with flight AC101 and grants the engine the
// insurance authority role.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()

	registry := directory.NewRegistry(Admin)
	if err := registry.RegisterCompany(Admin, directory.Company{ID: Company, Name: "Acme Air"}); err != nil {
		t.Fatalf("register company: %v", err)
	}
	if _, err := registry.RegisterFlight(Company, Flight, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("register flight: %v", err)
	}

	f := &Fixture{
		Token:       token.NewMemoryToken(),
		Registry:    registry,
		Persist:     make(chan core.CoreOutput, 1024),
		Projections: make(chan core.CoreOutput, 1024),
		Metrics:     observability.NewMetricsWith(nil),
		now:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.Ledger = core.NewLedger(core.Config{
		Admin:          Admin,
		Oracle:         Oracle,
		Engine:         Engine,
		Custody:        Custody,
		Token:          f.Token,
		Directory:      registry,
		Clock:          f.tick,
		Metrics:        f.Metrics,
		Logger:         zerolog.Nop(),
		PersistChan:    f.Persist,
		ProjectionChan: f.Projections,
	})

	if _, err := f.Ledger.GrantAuthority(context.Background(), core.Call{Caller: Admin}, Engine); err != nil {
		t.Fatalf("grant authority: %v", err)
	}
	return f
}

func (f *Fixture) tick() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

// Fund mints, approves and deposits amount into Company's pool.
func (f *Fixture) Fund(t *testing.T, amount int64) {
	t.Helper()
	if err := f.Token.Mint(Company, amount); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.Token.Approve(Company, Custody, amount); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, _, err := f.Ledger.Fund(context.Background(), core.Call{Caller: Company}, Company, amount); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

// PremiumFor gives Holder enough tokens and allowance for one premium.
func (f *Fixture) PremiumFor(t *testing.T, premium int64) {
	t.Helper()
	if err := f.Token.Mint(Holder, premium); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.Token.Approve(Holder, Engine, premium); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

// Buy purchases a policy on AC101 for Holder: premium 10, payout 100.
func (f *Fixture) Buy(t *testing.T, threshold int64) *policy.Policy {
	t.Helper()
	f.PremiumFor(t, 10)
	p, _, err := f.Ledger.BuyPolicy(context.Background(), core.Call{Caller: Holder}, policy.BuyRequest{
		FlightCode:            Flight,
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

// Drain empties both output channels and returns what the persistence
// channel held.
func (f *Fixture) Drain() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-f.Persist:
			out = append(out, o)
		case <-f.Projections:
		default:
			return out
		}
	}
}
