package query

import (
	"DelayLedger/internal/identity"
	"DelayLedger/internal/ledger"
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a projected row does not exist (yet).
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to projection tables. All responses
// carry as_of_sequence: the last event the projection worker applied.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPool returns the projected pool for a company.
func (qs *QueryService) GetPool(ctx context.Context, company string) (*PoolResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	p := PoolResponse{CompanyID: company, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT balance, total_funded, total_withdrawn, total_compensated, last_sequence
		FROM projections.pool_balances
		WHERE company_id = $1
	`, company).Scan(&p.Balance, &p.TotalFunded, &p.TotalWithdrawn, &p.TotalCompensated, &p.LastSequence)
	if err == sql.ErrNoRows {
		// A company that was never funded has an empty pool.
		return &p, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPolicy returns one projected policy.
func (qs *QueryService) GetPolicy(ctx context.Context, policyID uint64) (*PolicyResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx, policySelect+` WHERE policy_id = $1`, int64(policyID))
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("policy %d: %w", policyID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.AsOfSequence = asOfSeq
	return p, nil
}

// ListPolicies returns a holder's policies, newest first, with cursor-based
// pagination on policy id.
func (qs *QueryService) ListPolicies(
	ctx context.Context,
	holder string,
	limit int,
	beforeID *uint64,
) ([]PolicyResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	query := policySelect + ` WHERE holder = $1`
	args := []interface{}{holder}
	argIdx := 2

	if beforeID != nil {
		query += fmt.Sprintf(" AND policy_id < $%d", argIdx)
		args = append(args, int64(*beforeID))
		argIdx++
	}

	query += " ORDER BY policy_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []PolicyResponse
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		p.AsOfSequence = asOfSeq
		policies = append(policies, *p)
	}

	return policies, rows.Err()
}

// GetJournalHistory returns journal entries touching a company pool.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	company string,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	id, err := identity.Parse(company)
	if err != nil {
		return nil, err
	}
	account := ledger.NewPoolAccountKey(id).AccountPath()

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{account}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity, the zero-sum journal and the
// pool projections against the journal.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// A journal row is balanced by construction; a non-positive amount or a
	// self-transfer can only come from tampering.
	if err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM event_log.journal
		WHERE amount <= 0 OR debit_account = credit_account
	`).Scan(&report.MalformedJournals); err != nil {
		return nil, err
	}

	driftRows, err := qs.db.QueryContext(ctx, `
		WITH journal_pools AS (
			SELECT account, SUM(delta) AS balance FROM (
				SELECT debit_account AS account, amount AS delta FROM event_log.journal
				UNION ALL
				SELECT credit_account AS account, -amount AS delta FROM event_log.journal
			) j
			WHERE account LIKE 'company:%:pool'
			GROUP BY account
		)
		SELECT p.company_id
		FROM projections.pool_balances p
		LEFT JOIN journal_pools j ON j.account = 'company:' || p.company_id || ':pool'
		WHERE p.balance != COALESCE(j.balance, 0)
		ORDER BY p.company_id
	`)
	if err != nil {
		return nil, err
	}
	defer driftRows.Close()

	for driftRows.Next() {
		var company string
		if err := driftRows.Scan(&company); err != nil {
			return nil, err
		}
		report.ProjectionDrift = append(report.ProjectionDrift, company)
	}
	if err := driftRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		report.MalformedJournals == 0 &&
		len(report.ProjectionDrift) == 0
	return report, nil
}

// --- helpers ---

const policySelect = `
	SELECT policy_id, holder, flight_code, ticket_id, booking_id, company_id,
	       delay_threshold_minutes, premium_amount, payout_amount, status, paid,
	       amount_paid, observed_delay_minutes, created_at, settled_at
	FROM projections.policies`

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(s scanner) (*PolicyResponse, error) {
	var (
		p        PolicyResponse
		id       int64
		observed sql.NullInt64
		settled  sql.NullTime
	)
	if err := s.Scan(
		&id, &p.Holder, &p.FlightCode, &p.TicketID, &p.BookingID, &p.CompanyID,
		&p.DelayThresholdMinutes, &p.Premium, &p.Payout, &p.Status, &p.Paid,
		&p.AmountPaid, &observed, &p.CreatedAt, &settled,
	); err != nil {
		return nil, err
	}
	p.PolicyID = uint64(id)
	if observed.Valid {
		v := observed.Int64
		p.ObservedDelayMinutes = &v
	}
	if settled.Valid {
		v := settled.Time
		p.SettledAt = &v
	}
	return &p, nil
}

// Watermark is the last sequence the projection worker applied.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}
