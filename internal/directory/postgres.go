package directory

import (
	"DelayLedger/internal/identity"
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresDirectory reads flights from the directory schema.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) LookupFlight(ctx context.Context, code string) (Flight, error) {
	code = NormalizeCode(code)

	var f Flight
	var companyID string
	err := d.db.QueryRowContext(ctx, `
		SELECT code, company_id, departure_time
		FROM directory.flights
		WHERE code = $1
	`, code).Scan(&f.Code, &companyID, &f.DepartureTime)
	if errors.Is(err, sql.ErrNoRows) {
		return Flight{}, fmt.Errorf("%s: %w", code, ErrFlightNotFound)
	}
	if err != nil {
		return Flight{}, fmt.Errorf("lookup flight %s: %w", code, err)
	}

	f.CompanyID = identity.ID(companyID)
	f.DepartureTime = f.DepartureTime.UTC()
	return f, nil
}

// RegisterCompany upserts a company row.
func (d *PostgresDirectory) RegisterCompany(ctx context.Context, c Company) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO directory.companies (company_id, name, metadata_uri)
		VALUES ($1, $2, $3)
		ON CONFLICT (company_id) DO UPDATE SET name = $2, metadata_uri = $3
	`, c.ID.String(), c.Name, c.MetadataURI)
	if err != nil {
		return fmt.Errorf("register company %s: %w", c.ID, err)
	}
	return nil
}

// RegisterFlight inserts a flight for an already registered company.
func (d *PostgresDirectory) RegisterFlight(ctx context.Context, f Flight) error {
	f.Code = NormalizeCode(f.Code)

	var exists bool
	if err := d.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM directory.companies WHERE company_id = $1)`,
		f.CompanyID.String(),
	).Scan(&exists); err != nil {
		return fmt.Errorf("check company %s: %w", f.CompanyID, err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", f.CompanyID, ErrCompanyNotFound)
	}

	res, err := d.db.ExecContext(ctx, `
		INSERT INTO directory.flights (code, company_id, departure_time)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO NOTHING
	`, f.Code, f.CompanyID.String(), f.DepartureTime.UTC())
	if err != nil {
		return fmt.Errorf("register flight %s: %w", f.Code, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", f.Code, ErrFlightExists)
	}
	return nil
}
