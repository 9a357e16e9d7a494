package query

import "time"

// PoolResponse is a company pool as seen by the projection tables.
type PoolResponse struct {
	CompanyID        string `json:"company_id"`
	Balance          int64  `json:"balance"`
	TotalFunded      int64  `json:"total_funded"`
	TotalWithdrawn   int64  `json:"total_withdrawn"`
	TotalCompensated int64  `json:"total_compensated"`
	LastSequence     int64  `json:"last_sequence"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

// PolicyResponse represents a policy row for API queries.
type PolicyResponse struct {
	PolicyID              uint64     `json:"policy_id"`
	Holder                string     `json:"holder"`
	FlightCode            string     `json:"flight_code"`
	TicketID              string     `json:"ticket_id,omitempty"`
	BookingID             string     `json:"booking_id"`
	CompanyID             string     `json:"company_id"`
	DelayThresholdMinutes int64      `json:"delay_threshold_minutes"`
	Premium               int64      `json:"premium"`
	Payout                int64      `json:"payout"`
	Status                string     `json:"status"`
	Paid                  bool       `json:"paid"`
	AmountPaid            int64      `json:"amount_paid"`
	ObservedDelayMinutes  *int64     `json:"observed_delay_minutes,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	SettledAt             *time.Time `json:"settled_at,omitempty"`
	AsOfSequence          int64      `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy         bool    `json:"is_healthy"`
	HashChainBreaks   []int64 `json:"hash_chain_breaks,omitempty"`
	MalformedJournals int64   `json:"malformed_journals"`
	// ProjectionDrift lists companies whose projected balance disagrees
	// with the journal.
	ProjectionDrift []string `json:"projection_drift,omitempty"`
}
