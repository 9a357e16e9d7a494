package ingestion

import (
	"DelayLedger/internal/core"
	"DelayLedger/internal/errs"
	"DelayLedger/internal/identity"
	"DelayLedger/internal/observability"
	"DelayLedger/internal/policy"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Ledger is the subset of the core the dispatcher drives.
type Ledger interface {
	BuyPolicy(ctx context.Context, call core.Call, req policy.BuyRequest) (*policy.Policy, *core.Receipt, error)
	SettlePolicy(ctx context.Context, call core.Call, policyID uint64, observedDelayMinutes int64) (*policy.Policy, *core.Receipt, error)
}

// Verifier resolves a message's bearer token to the caller it names.
// *auth.Authenticator satisfies it.
type Verifier interface {
	Validate(header string) (identity.ID, error)
}

// Outcome of handling one message.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeMalformed = "malformed"
	OutcomeRetry     = "retry"
	OutcomeExhausted = "exhausted"
)

// Dispatcher parses raw NATS messages and applies them to the ledger, one at
// a time, in delivery order.
type Dispatcher struct {
	ledger   Ledger
	verifier Verifier
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewDispatcher(ledger Ledger, verifier Verifier, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{ledger: ledger, verifier: verifier, metrics: metrics, logger: logger}
}

// Run consumes raw events until ctx is cancelled or the channel is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle applies one message and settles its delivery: ack when done or
// rejected for a business reason, term when malformed, nak when the failure
// may clear on redelivery.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) string {
	outcome := d.handle(ctx, raw)

	switch outcome {
	case OutcomeMalformed, OutcomeExhausted:
		call(raw.TermFunc)
	case OutcomeRetry:
		call(raw.NakFunc)
	default:
		call(raw.AckFunc)
	}

	if d.metrics != nil {
		d.metrics.IngestedMessages.WithLabelValues(raw.Kind, outcome).Inc()
		d.metrics.NATSHandleLatency.WithLabelValues(raw.Kind).Observe(time.Since(raw.Timestamp).Seconds())
	}
	return outcome
}

func (d *Dispatcher) handle(ctx context.Context, raw RawEvent) string {
	cmd, err := ParseRawEvent(raw)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed message")
		return OutcomeMalformed
	}

	// The token names the caller. A body claiming someone else is dropped.
	caller, err := d.verifier.Validate(raw.Authorization)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Str("key", cmd.IdempotencyKey()).Msg("dropping unauthenticated message")
		return OutcomeMalformed
	}
	if claimed := cmd.Caller(); !claimed.IsZero() && claimed != caller {
		d.logger.Warn().
			Str("subject", raw.Subject).
			Str("key", cmd.IdempotencyKey()).
			Str("claimed", claimed.String()).
			Str("caller", caller.String()).
			Msg("dropping message: body names a different caller than its token")
		return OutcomeMalformed
	}

	err = d.apply(ctx, caller, cmd)
	outcome := classify(err)
	if outcome == OutcomeRetry && raw.MaxDeliver > 0 && raw.Delivered >= uint64(raw.MaxDeliver) {
		outcome = OutcomeExhausted
	}

	log := d.logger.Info()
	switch outcome {
	case OutcomeRetry:
		log = d.logger.Warn()
	case OutcomeExhausted:
		// Needs an operator: the command was valid but never applied.
		log = d.logger.Error()
	}
	log.Err(err).
		Str("kind", raw.Kind).
		Str("key", cmd.IdempotencyKey()).
		Str("caller", caller.String()).
		Uint64("delivered", raw.Delivered).
		Str("outcome", outcome).
		Msg("message handled")
	return outcome
}

func (d *Dispatcher) apply(ctx context.Context, caller identity.ID, cmd Command) error {
	c := core.Call{Caller: caller, IdempotencyKey: cmd.IdempotencyKey()}

	switch m := cmd.(type) {
	case *OracleReport:
		_, _, err := d.ledger.SettlePolicy(ctx, c, m.PolicyID, m.ObservedDelayMinutes)
		return err
	case *PolicyPurchase:
		_, _, err := d.ledger.BuyPolicy(ctx, c, m.Request)
		return err
	default:
		return fmt.Errorf("unhandled command %T", cmd)
	}
}

// classify maps a ledger error to a delivery outcome. Domain rejections are
// final: redelivering the same message would be rejected again.
func classify(err error) string {
	switch {
	case err == nil:
		return OutcomeApplied
	case errors.Is(err, errs.ErrDuplicate):
		return OutcomeDuplicate
	case errors.Is(err, errs.ErrTransferFailed),
		errors.Is(err, errs.ErrUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return OutcomeRetry
	case errs.Reason(err) == "internal":
		return OutcomeRetry
	default:
		return OutcomeRejected
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
