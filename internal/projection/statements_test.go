package projection

import (
	"DelayLedger/internal/event"
	"DelayLedger/internal/identity"
	"strings"
	"testing"
	"time"
)

func TestStatementsFor_PoolEvents(t *testing.T) {
	acme := identity.MustParse("0xacme")

	tests := []struct {
		name   string
		evt    event.Event
		delta  int64
		column string
	}{
		{"fund", &event.Funded{CompanyID: acme, Amount: 500}, 500, "total_funded"},
		{"withdraw", &event.Withdrawn{CompanyID: acme, Amount: 200}, -200, "total_withdrawn"},
		{"compensation", &event.CompensationPaid{CompanyID: acme, Beneficiary: "0xbob", PolicyID: 3, Amount: 90}, -90, "total_compensated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmts, err := statementsFor(12, tt.evt)
			if err != nil {
				t.Fatalf("statementsFor: %v", err)
			}
			if len(stmts) != 1 {
				t.Fatalf("expected 1 statement, got %d", len(stmts))
			}
			s := stmts[0]
			if !strings.Contains(s.query, tt.column) {
				t.Errorf("query does not touch %s:\n%s", tt.column, s.query)
			}
			if got := s.args[0]; got != "0xacme" {
				t.Errorf("company arg = %v", got)
			}
			if got := s.args[1]; got != tt.delta {
				t.Errorf("delta arg = %v, want %d", got, tt.delta)
			}
			if got := s.args[3]; got != int64(12) {
				t.Errorf("sequence arg = %v", got)
			}
		})
	}
}

func TestStatementsFor_Policy(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	created, err := statementsFor(4, &event.PolicyCreated{
		PolicyID: 1, Holder: "0xbob", FlightCode: "AC101", Premium: 10, Payout: 100,
		CompanyID: "0xacme", BookingID: "B-1", DelayThresholdMinutes: 120, CreatedAt: now,
	})
	if err != nil || len(created) != 1 {
		t.Fatalf("created: %v, %d statements", err, len(created))
	}
	if created[0].args[9] != "ACTIVE" {
		t.Errorf("status arg = %v", created[0].args[9])
	}

	settled, err := statementsFor(5, &event.PolicySettled{PolicyID: 1, Paid: true, Amount: 100, ObservedDelayMinutes: 130, SettledAt: now})
	if err != nil || len(settled) != 1 {
		t.Fatalf("settled: %v, %d statements", err, len(settled))
	}
	if settled[0].args[1] != "SETTLED" || settled[0].args[2] != true {
		t.Errorf("unexpected settle args %v", settled[0].args)
	}
}

func TestStatementsFor_RoleEventsOnlyMoveWatermark(t *testing.T) {
	for _, evt := range []event.Event{
		&event.AuthorityGranted{Role: "INSURANCE_AUTHORITY", Identity: "0xacme", By: "0xadmin"},
		&event.AuthorityRevoked{Role: "INSURANCE_AUTHORITY", Identity: "0xacme", By: "0xadmin"},
		&event.AdminRotated{Previous: "0xadmin", Next: "0xnew"},
	} {
		stmts, err := statementsFor(1, evt)
		if err != nil {
			t.Fatalf("%T: %v", evt, err)
		}
		if len(stmts) != 0 {
			t.Errorf("%T: expected no statements, got %d", evt, len(stmts))
		}
	}
}
