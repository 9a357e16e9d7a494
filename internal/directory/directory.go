// Package directory resolves flight codes to the company that operates them.
// The settlement engine consults it only to check that a flight exists and
// to learn which company pool backs a policy.
package directory

import (
	"DelayLedger/internal/identity"
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrFlightNotFound  = errors.New("flight not found")
	ErrFlightExists    = errors.New("flight already registered")
	ErrCompanyNotFound = errors.New("company not registered")
)

// Flight is a directory record.
type Flight struct {
	Code          string      `json:"code"`
	CompanyID     identity.ID `json:"company_id"`
	DepartureTime time.Time   `json:"departure_time"`
}

// Company is an airline allowed to register flights.
type Company struct {
	ID          identity.ID `json:"id"`
	Name        string      `json:"name"`
	MetadataURI string      `json:"metadata_uri"`
}

// Directory looks up flights by code.
type Directory interface {
	LookupFlight(ctx context.Context, code string) (Flight, error)
}

// NormalizeCode upper-cases and trims a flight code ("az301 " -> "AZ301").
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
