// Command delayledger runs the flight-delay insurance ledger: the funding
// pools, the policy settlement engine and their HTTP, gRPC and NATS
// surfaces.
package main

import (
	"DelayLedger/internal/config"
	"DelayLedger/internal/observability"
	"DelayLedger/internal/persistence"
	"DelayLedger/internal/projection"
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	root := &cobra.Command{
		Use:           "delayledger",
		Short:         "Flight-delay insurance ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	config.BindFlags(root, v)

	load := func() (config.Config, error) {
		cfg, err := config.Load(v, configFile)
		if err != nil {
			return config.Config{}, err
		}
		observability.SetLogLevel(cfg.Log.Level)
		return cfg, nil
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	rebuild := &cobra.Command{
		Use:   "rebuild-projections",
		Short: "Rebuild the query projections from the event log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return rebuildProjections(cmd.Context(), cfg)
		},
	}

	root.AddCommand(serve, rebuild)
	return root
}

func openDB(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func rebuildProjections(ctx context.Context, cfg config.Config) error {
	logger := observability.NewLogger("rebuild")

	db, err := openDB(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	last, err := projection.RebuildProjections(ctx, db, persistence.NewSnapshotManager(db), logger)
	if err != nil {
		return err
	}
	fmt.Printf("projections rebuilt up to sequence %d\n", last)
	return nil
}
