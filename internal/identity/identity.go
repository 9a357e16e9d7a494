package identity

import (
	"errors"
	"strings"
)

// ID identifies an account holder: a company, a policyholder, the oracle,
// the administrator, or a component holding custody (ledger, engine escrow).
// IDs are compared case-insensitively, so they are stored lower-cased.
type ID string

var ErrEmpty = errors.New("identity is empty")

// Parse normalizes s into an ID.
func Parse(s string) (ID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", ErrEmpty
	}
	return ID(s), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	return string(id)
}

func (id ID) IsZero() bool {
	return id == ""
}
