package main

import (
	"DelayLedger/internal/auth"
	"DelayLedger/internal/config"
	"DelayLedger/internal/identity"
	"DelayLedger/internal/ingestion"
	"DelayLedger/internal/observability"
	"DelayLedger/internal/policy"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
)

func newReportCmd(s *settings) *cobra.Command {
	var reportID, reporter string

	cmd := &cobra.Command{
		Use:   "report <policy-id> <observed-delay-minutes>",
		Short: "Publish an oracle delay report",
		Long: `Publish an oracle delay report for one policy. The ledger settles the
policy when the report arrives: it pays out when the observed delay reaches
the policy threshold. The message is signed as the reporter with
auth.jwt_secret; the ledger only settles reports signed by the oracle.

Reusing --id makes the publish idempotent end to end.

Examples:
  delayctl report 12 95
  delayctl report 12 0 --id rep-2026-03-01-12`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			policyID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || policyID == 0 {
				return fmt.Errorf("invalid policy id %q", args[0])
			}
			delay, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid delay %q", args[1])
			}

			cfg, err := s.load()
			if err != nil {
				return err
			}
			if reporter == "" {
				reporter = cfg.Identities.Oracle
			}
			who, err := identity.Parse(reporter)
			if err != nil {
				return err
			}
			if reportID == "" {
				reportID = uuid.NewString()
			}

			subject, data, err := ingestion.EncodeOracleReport(ingestion.OracleReport{
				ReportID:             reportID,
				PolicyID:             policyID,
				ObservedDelayMinutes: delay,
				Reporter:             who,
			})
			if err != nil {
				return err
			}
			return publish(cmd, cfg, who, subject, data, reportID)
		},
	}
	cmd.Flags().StringVar(&reportID, "id", "", "report id (default: random uuid)")
	cmd.Flags().StringVar(&reporter, "reporter", "", "reporting identity (default identities.oracle)")
	return cmd
}

func newPurchaseCmd(s *settings) *cobra.Command {
	var (
		requestID string
		req       policy.BuyRequest
	)

	cmd := &cobra.Command{
		Use:   "purchase <holder> <flight-code>",
		Short: "Publish a policy purchase request",
		Long: `Publish a policy purchase on behalf of a holder. The holder must have
approved the settlement engine for at least the premium. The message is
signed as the holder with auth.jwt_secret.

Examples:
  delayctl purchase alice AZ301 --booking BK-1 --threshold 60 --premium 10 --payout 100`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			holder, err := identity.Parse(args[0])
			if err != nil {
				return err
			}
			cfg, err := s.load()
			if err != nil {
				return err
			}
			if requestID == "" {
				requestID = uuid.NewString()
			}
			req.FlightCode = args[1]

			subject, data, err := ingestion.EncodePolicyPurchase(ingestion.PolicyPurchase{
				RequestID: requestID,
				Holder:    holder,
				Request:   req,
			})
			if err != nil {
				return err
			}
			return publish(cmd, cfg, holder, subject, data, requestID)
		},
	}
	f := cmd.Flags()
	f.StringVar(&requestID, "id", "", "request id (default: random uuid)")
	f.StringVar(&req.TicketID, "ticket", "", "ticket id")
	f.StringVar(&req.BookingID, "booking", "", "booking reference")
	f.Int64Var(&req.DelayThresholdMinutes, "threshold", 60, "delay threshold in minutes")
	f.Int64Var(&req.Premium, "premium", 0, "premium paid by the holder")
	f.Int64Var(&req.Payout, "payout", 0, "payout on a qualifying delay")
	return cmd
}

// publish signs the message as who and publishes it with msgID as the
// JetStream dedup id.
func publish(cmd *cobra.Command, cfg config.Config, who identity.ID, subject string, data []byte, msgID string) error {
	msg, err := signedMsg(cfg.Auth, who, subject, data)
	if err != nil {
		return err
	}
	if cfg.NATS.URL == "" {
		return fmt.Errorf("nats.url is not set")
	}
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, observability.NewLogger("delayctl"))
	if err != nil {
		return err
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	ack, err := js.PublishMsg(ctx, msg, jetstream.WithMsgID(msgID))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s (id=%s stream=%s seq=%d duplicate=%t)\n",
		subject, msgID, ack.Stream, ack.Sequence, ack.Duplicate)
	return nil
}

func signedMsg(cfg config.AuthConfig, who identity.ID, subject string, data []byte) (*nats.Msg, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is not set")
	}
	tok, err := auth.NewAuthenticator(cfg.JWTSecret, cfg.Issuer).Issue(who, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	return ingestion.NewCommandMsg(subject, data, tok), nil
}
