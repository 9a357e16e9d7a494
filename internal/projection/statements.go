package projection

import (
	"DelayLedger/internal/event"
	"DelayLedger/internal/policy"
	"fmt"
)

// statement is one parameterized write against the projection schema.
type statement struct {
	query string
	args  []any
}

// statementsFor maps a committed event to the projection writes it implies.
// Role changes have no projection; they only move the watermark.
func statementsFor(seq int64, evt event.Event) ([]statement, error) {
	switch e := evt.(type) {
	case *event.Funded:
		return []statement{poolDelta(seq, e.CompanyID.String(), e.Amount, "total_funded", e.Amount)}, nil

	case *event.Withdrawn:
		return []statement{poolDelta(seq, e.CompanyID.String(), -e.Amount, "total_withdrawn", e.Amount)}, nil

	case *event.CompensationPaid:
		return []statement{poolDelta(seq, e.CompanyID.String(), -e.Amount, "total_compensated", e.Amount)}, nil

	case *event.PolicyCreated:
		return []statement{{
			query: `
				INSERT INTO projections.policies
					(policy_id, holder, flight_code, ticket_id, booking_id, company_id,
					 delay_threshold_minutes, premium_amount, payout_amount, status,
					 created_at, last_sequence)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (policy_id) DO NOTHING
			`,
			args: []any{
				int64(e.PolicyID), e.Holder.String(), e.FlightCode, e.TicketID, e.BookingID,
				e.CompanyID.String(), e.DelayThresholdMinutes, e.Premium, e.Payout,
				string(policy.StatusActive), e.CreatedAt, seq,
			},
		}}, nil

	case *event.PolicySettled:
		return []statement{{
			query: `
				UPDATE projections.policies
				SET status = $2, paid = $3, amount_paid = $4,
				    observed_delay_minutes = $5, settled_at = $6, last_sequence = $7
				WHERE policy_id = $1 AND last_sequence < $7
			`,
			args: []any{
				int64(e.PolicyID), string(policy.StatusSettled), e.Paid, e.Amount,
				e.ObservedDelayMinutes, e.SettledAt, seq,
			},
		}}, nil

	case *event.AuthorityGranted, *event.AuthorityRevoked, *event.AdminRotated:
		return nil, nil

	default:
		return nil, fmt.Errorf("no projection for %T", evt)
	}
}

// poolDelta upserts a company row, moving the balance by delta and the named
// running total by amount. Rows already at or past seq are left alone so a
// rebuild can overlap the live stream.
func poolDelta(seq int64, company string, delta int64, totalColumn string, amount int64) statement {
	return statement{
		query: fmt.Sprintf(`
			INSERT INTO projections.pool_balances (company_id, balance, %[1]s, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (company_id) DO UPDATE
			SET balance = projections.pool_balances.balance + $2,
			    %[1]s = projections.pool_balances.%[1]s + $3,
			    last_sequence = $4,
			    updated_at = NOW()
			WHERE projections.pool_balances.last_sequence < $4
		`, totalColumn),
		args: []any{company, delta, amount, seq},
	}
}
