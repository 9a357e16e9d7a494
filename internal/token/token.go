// Package token is the boundary to the fungible value transfer service.
// The core only ever moves tokens through a Transferer bound to its own
// custody account: it pulls what an owner pre-approved and pushes out of
// custody. Both movements are all-or-nothing.
package token

import (
	"DelayLedger/internal/identity"
	"context"
)

// Transferer moves tokens in and out of one custody account.
type Transferer interface {
	// Pull moves amount from `from` into custody, consuming the allowance
	// `from` granted to the custody account.
	Pull(ctx context.Context, from identity.ID, amount int64) error

	// Push moves amount from custody to `to`.
	Push(ctx context.Context, to identity.ID, amount int64) error
}

// Provider hands out Transferers bound to a custody identity.
type Provider interface {
	Account(custody identity.ID) Transferer
}
