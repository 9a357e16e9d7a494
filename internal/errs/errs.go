// Package errs holds the sentinel errors surfaced by the funding pool and the
// settlement engine. Callers match them with errors.Is; every layer wraps them
// with context but never replaces them.
package errs

import "errors"

var (
	// ErrUnauthorized: the caller lacks the required role or identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnknownFlight: the directory has no such flight.
	ErrUnknownFlight = errors.New("unknown flight")

	// ErrUnknownPolicy: no policy with that id.
	ErrUnknownPolicy = errors.New("unknown policy")

	// ErrInsufficientBalance: a company pool cannot cover a debit.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientAllowance: a delegated pull exceeds what the owner approved.
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// ErrAlreadySettled: the policy reached its terminal state earlier.
	ErrAlreadySettled = errors.New("policy already settled")

	// ErrTransferFailed: the value transfer service declined the movement.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrInvalidAmount: non-positive amount, negative threshold or delay.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidArgument: malformed request field other than an amount.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDuplicate: a command with the same idempotency key was already applied.
	ErrDuplicate = errors.New("duplicate request")

	// ErrUnavailable: an optional backing service is not configured or down.
	ErrUnavailable = errors.New("unavailable")
)

// Reason returns a short label for err, used as a metrics label and in API
// error bodies.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnknownFlight):
		return "unknown_flight"
	case errors.Is(err, ErrUnknownPolicy):
		return "unknown_policy"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInsufficientAllowance):
		return "insufficient_allowance"
	case errors.Is(err, ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}
