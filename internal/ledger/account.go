package ledger

import (
	"DelayLedger/internal/identity"
	"fmt"
	"strings"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeCompany AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Company sub-types
	SubTypePool AccountSubType = iota

	// External boundary sub-types. Their balances mirror everything that
	// ever crossed the ledger boundary, so the whole ledger sums to zero.
	SubTypeExternalFunded
	SubTypeExternalWithdrawn
	SubTypeExternalCompensated
)

// AccountKey is the in-memory key for balance tracking.
type AccountKey struct {
	Scope    AccountScope
	EntityID identity.ID // company identity; empty for external accounts
	SubType  AccountSubType
}

// NewPoolAccountKey creates the key of a company's funding pool.
func NewPoolAccountKey(company identity.ID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeCompany,
		EntityID: company,
		SubType:  SubTypePool,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeCompany:
		return fmt.Sprintf("company:%s:%s", k.EntityID, k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath. Company ids may contain
// ':' themselves (did:web:acme), so only the prefix and suffix are fixed.
func ParseAccountPath(path string) (AccountKey, error) {
	if rest, ok := strings.CutPrefix(path, "company:"); ok {
		if company, ok := strings.CutSuffix(rest, ":pool"); ok && company != "" {
			return NewPoolAccountKey(identity.ID(company)), nil
		}
		return AccountKey{}, fmt.Errorf("unknown account path %q", path)
	}
	if name, ok := strings.CutPrefix(path, "external:"); ok {
		switch name {
		case "funded":
			return NewExternalAccountKey(SubTypeExternalFunded), nil
		case "withdrawn":
			return NewExternalAccountKey(SubTypeExternalWithdrawn), nil
		case "compensated":
			return NewExternalAccountKey(SubTypeExternalCompensated), nil
		}
	}
	return AccountKey{}, fmt.Errorf("unknown account path %q", path)
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypePool:
		return "pool"
	case SubTypeExternalFunded:
		return "funded"
	case SubTypeExternalWithdrawn:
		return "withdrawn"
	case SubTypeExternalCompensated:
		return "compensated"
	default:
		return "unknown"
	}
}
