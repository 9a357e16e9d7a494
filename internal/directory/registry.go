package directory

import (
	"DelayLedger/internal/errs"
	"DelayLedger/internal/identity"
	"context"
	"fmt"
	"sync"
	"time"
)

// Registry is an in-memory directory. The administrator registers
// companies; a registered company registers its own flights.
type Registry struct {
	mu        sync.RWMutex
	admin     identity.ID
	companies map[identity.ID]Company
	flights   map[string]Flight
}

func NewRegistry(admin identity.ID) *Registry {
	return &Registry{
		admin:     admin,
		companies: make(map[identity.ID]Company),
		flights:   make(map[string]Flight),
	}
}

// RegisterCompany adds or updates a company. Administrator only.
func (r *Registry) RegisterCompany(caller identity.ID, c Company) error {
	if caller != r.admin {
		return fmt.Errorf("%w: only the administrator registers companies", errs.ErrUnauthorized)
	}
	if c.ID.IsZero() {
		return fmt.Errorf("%w: company id is empty", errs.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.companies[c.ID] = c
	return nil
}

// RegisterFlight registers a flight operated by caller.
func (r *Registry) RegisterFlight(caller identity.ID, code string, departure time.Time) (Flight, error) {
	code = NormalizeCode(code)
	if code == "" {
		return Flight{}, fmt.Errorf("%w: flight code is empty", errs.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.companies[caller]; !ok {
		return Flight{}, fmt.Errorf("%w: %s: %w", errs.ErrUnauthorized, caller, ErrCompanyNotFound)
	}
	if _, exists := r.flights[code]; exists {
		return Flight{}, fmt.Errorf("%s: %w", code, ErrFlightExists)
	}

	f := Flight{Code: code, CompanyID: caller, DepartureTime: departure.UTC()}
	r.flights[code] = f
	return f, nil
}

func (r *Registry) LookupFlight(ctx context.Context, code string) (Flight, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.flights[NormalizeCode(code)]
	if !ok {
		return Flight{}, fmt.Errorf("%s: %w", code, ErrFlightNotFound)
	}
	return f, nil
}

// Company returns a registered company.
func (r *Registry) Company(id identity.ID) (Company, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.companies[id]
	return c, ok
}
