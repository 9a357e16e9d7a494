package ingestion

import (
	"DelayLedger/internal/errs"
	"DelayLedger/internal/identity"
	"DelayLedger/internal/policy"
	"encoding/json"
	"fmt"
	"strings"
)

// Command is a parsed inbound message, ready to hand to the ledger.
type Command interface {
	// IdempotencyKey scopes redelivery: the same key is applied once.
	IdempotencyKey() string
	Caller() identity.ID
}

// OracleReport is the oracle's observed delay for one policy's flight.
type OracleReport struct {
	ReportID             string
	PolicyID             uint64
	ObservedDelayMinutes int64
	Reporter             identity.ID
}

func (r *OracleReport) IdempotencyKey() string { return r.ReportID }
func (r *OracleReport) Caller() identity.ID    { return r.Reporter }

// PolicyPurchase is a buyPolicy request relayed by a booking front end.
type PolicyPurchase struct {
	RequestID string
	Holder    identity.ID
	Request   policy.BuyRequest
}

func (p *PolicyPurchase) IdempotencyKey() string { return p.RequestID }
func (p *PolicyPurchase) Caller() identity.ID    { return p.Holder }

// ParseRawEvent converts a RawEvent into a typed command.
func ParseRawEvent(raw RawEvent) (Command, error) {
	switch raw.Kind {
	case KindOracleReport:
		return parseOracleReport(raw.Data)
	case KindPolicyPurchase:
		return parsePolicyPurchase(raw.Data)
	default:
		return nil, fmt.Errorf("unknown message kind: %s", raw.Kind)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type oracleReportJSON struct {
	ReportID             string `json:"report_id"`
	PolicyID             uint64 `json:"policy_id"`
	ObservedDelayMinutes *int64 `json:"observed_delay_minutes"`
	Reporter             string `json:"reporter,omitempty"`
}

func parseOracleReport(data []byte) (*OracleReport, error) {
	var j oracleReportJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OracleReport: %w", err)
	}
	if strings.TrimSpace(j.ReportID) == "" {
		return nil, fmt.Errorf("parse OracleReport: report_id: %w", errs.ErrInvalidArgument)
	}
	if j.PolicyID == 0 {
		return nil, fmt.Errorf("parse OracleReport: policy_id: %w", errs.ErrInvalidArgument)
	}
	if j.ObservedDelayMinutes == nil {
		return nil, fmt.Errorf("parse OracleReport: observed_delay_minutes missing: %w", errs.ErrInvalidArgument)
	}
	// reporter is optional: the caller is whoever signed the message.
	var reporter identity.ID
	if strings.TrimSpace(j.Reporter) != "" {
		var err error
		if reporter, err = identity.Parse(j.Reporter); err != nil {
			return nil, fmt.Errorf("parse OracleReport: reporter: %w", errs.ErrInvalidArgument)
		}
	}

	return &OracleReport{
		ReportID:             j.ReportID,
		PolicyID:             j.PolicyID,
		ObservedDelayMinutes: *j.ObservedDelayMinutes,
		Reporter:             reporter,
	}, nil
}

type policyPurchaseJSON struct {
	RequestID             string `json:"request_id"`
	Holder                string `json:"holder"`
	FlightCode            string `json:"flight_code"`
	TicketID              string `json:"ticket_id"`
	BookingID             string `json:"booking_id"`
	DelayThresholdMinutes int64  `json:"delay_threshold_minutes"`
	Premium               int64  `json:"premium"`
	Payout                int64  `json:"payout"`
}

func parsePolicyPurchase(data []byte) (*PolicyPurchase, error) {
	var j policyPurchaseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PolicyPurchase: %w", err)
	}
	if strings.TrimSpace(j.RequestID) == "" {
		return nil, fmt.Errorf("parse PolicyPurchase: request_id: %w", errs.ErrInvalidArgument)
	}
	holder, err := identity.Parse(j.Holder)
	if err != nil {
		return nil, fmt.Errorf("parse PolicyPurchase: holder: %w", errs.ErrInvalidArgument)
	}

	return &PolicyPurchase{
		RequestID: j.RequestID,
		Holder:    holder,
		Request: policy.BuyRequest{
			FlightCode:            j.FlightCode,
			TicketID:              j.TicketID,
			BookingID:             j.BookingID,
			DelayThresholdMinutes: j.DelayThresholdMinutes,
			Premium:               j.Premium,
			Payout:                j.Payout,
		},
	}, nil
}

// EncodeOracleReport renders a report in the wire format the ledger
// consumes and returns the subject to publish it on.
func EncodeOracleReport(r OracleReport) (string, []byte, error) {
	delay := r.ObservedDelayMinutes
	data, err := json.Marshal(oracleReportJSON{
		ReportID:             r.ReportID,
		PolicyID:             r.PolicyID,
		ObservedDelayMinutes: &delay,
		Reporter:             string(r.Reporter),
	})
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("delay.oracle.reports.%d", r.PolicyID), data, nil
}

// EncodePolicyPurchase is EncodeOracleReport for purchase requests.
func EncodePolicyPurchase(p PolicyPurchase) (string, []byte, error) {
	data, err := json.Marshal(policyPurchaseJSON{
		RequestID:             p.RequestID,
		Holder:                p.Holder.String(),
		FlightCode:            p.Request.FlightCode,
		TicketID:              p.Request.TicketID,
		BookingID:             p.Request.BookingID,
		DelayThresholdMinutes: p.Request.DelayThresholdMinutes,
		Premium:               p.Request.Premium,
		Payout:                p.Request.Payout,
	})
	if err != nil {
		return "", nil, err
	}
	return "delay.policies.purchases." + p.Holder.String(), data, nil
}
