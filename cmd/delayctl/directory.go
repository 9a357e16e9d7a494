package main

import (
	"DelayLedger/internal/directory"
	"DelayLedger/internal/identity"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func openDirectory(s *settings) (*directory.PostgresDirectory, *sql.DB, error) {
	cfg, err := s.load()
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	return directory.NewPostgresDirectory(db), db, nil
}

func newCompanyCmd(s *settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "company",
		Short: "Manage airlines in the flight directory",
	}

	var metadataURI string
	add := &cobra.Command{
		Use:   "add <company-id> <name>",
		Short: "Register or update an airline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.Parse(args[0])
			if err != nil {
				return err
			}
			dir, db, err := openDirectory(s)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := dir.RegisterCompany(cmd.Context(), directory.Company{ID: id, Name: args[1], MetadataURI: metadataURI}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "company %s registered\n", id)
			return nil
		},
	}
	add.Flags().StringVar(&metadataURI, "metadata-uri", "", "metadata URI")

	cmd.AddCommand(add)
	return cmd
}

func newFlightCmd(s *settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flight",
		Short: "Manage flights in the directory",
	}

	add := &cobra.Command{
		Use:   "add <code> <company-id> <departure RFC3339>",
		Short: "Register a flight",
		Long: `Register a flight for an airline already in the directory.

Examples:
  delayctl flight add AZ301 acme-air 2026-03-02T09:00:00Z`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			company, err := identity.Parse(args[1])
			if err != nil {
				return err
			}
			departure, err := time.Parse(time.RFC3339, args[2])
			if err != nil {
				return fmt.Errorf("departure: %w", err)
			}
			dir, db, err := openDirectory(s)
			if err != nil {
				return err
			}
			defer db.Close()

			f := directory.Flight{Code: args[0], CompanyID: company, DepartureTime: departure}
			if err := dir.RegisterFlight(cmd.Context(), f); err != nil {
				return err
			}
			looked, err := dir.LookupFlight(cmd.Context(), f.Code)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "flight %s registered for %s, departs %s\n",
				looked.Code, looked.CompanyID, looked.DepartureTime.Format(time.RFC3339))
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <code>",
		Short: "Look up a flight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, db, err := openDirectory(s)
			if err != nil {
				return err
			}
			defer db.Close()

			f, err := dir.LookupFlight(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", f.Code, f.CompanyID, f.DepartureTime.Format(time.RFC3339))
			return nil
		},
	}

	cmd.AddCommand(add, get)
	return cmd
}
