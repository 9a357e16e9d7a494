package main

import (
	"DelayLedger/internal/auth"
	"DelayLedger/internal/config"
	"DelayLedger/internal/core"
	"DelayLedger/internal/directory"
	"DelayLedger/internal/ingestion"
	"DelayLedger/internal/observability"
	"DelayLedger/internal/persistence"
	"DelayLedger/internal/projection"
	"DelayLedger/internal/query"
	"DelayLedger/internal/server"
	"DelayLedger/internal/token"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// run wires the service and blocks until ctx is cancelled or a component
// fails. Shutdown order: stop the inputs, drain the output channels, then
// take a final snapshot.
func run(ctx context.Context, cfg config.Config) error {
	logger := observability.NewLogger("delayledger")
	logger.Info().Msg("DelayLedger starting")

	actors, err := cfg.Actors()
	if err != nil {
		return err
	}

	// --- Postgres ---
	db, err := openDB(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("Postgres connected")

	if cfg.Migrations.Auto {
		migrator := persistence.NewMigrator(db, cfg.Migrations.Source(), observability.NewLogger("migrator"))
		if err := migrator.Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Msg("migrations applied")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	health.AddCheck("postgres", db.PingContext)

	// --- Directory ---
	var flights directory.Directory = directory.NewPostgresDirectory(db)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, flight lookups fall through to Postgres")
		}
		flights = directory.NewCachedDirectory(flights, rdb, cfg.Redis.FlightTTL, observability.NewLogger("directory"), metrics)
	}

	// --- Core ---
	snapMgr := persistence.NewSnapshotManager(db)
	head, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("event log head: %w", err)
	}
	tokens, wallet, err := openTokens(cfg.Token, db, head)
	if err != nil {
		return err
	}
	logger.Info().Str("backend", cfg.Token.Backend).Msg("token store ready")

	persistChan := make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Pipeline.ProjectionChanSize)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	ledger := core.NewLedger(core.Config{
		Admin:               actors.Admin,
		Oracle:              actors.Oracle,
		Engine:              actors.Engine,
		Custody:             actors.Custody,
		Token:               tokens,
		Directory:           flights,
		IdempotencyDB:       dbChecker,
		IdempotencyCapacity: cfg.Pipeline.IdempotencyCapacity,
		Metrics:             metrics,
		Logger:              observability.NewLogger("core"),
		PersistChan:         persistChan,
		ProjectionChan:      projectionChan,
	})

	// --- Recovery ---
	if err := recoverLedger(ctx, cfg, ledger, snapMgr, dbChecker, metrics, logger); err != nil {
		return err
	}

	queryService := query.NewQueryService(db)
	if err := catchUpProjections(ctx, db, queryService, snapMgr, ledger.Sequence(), logger); err != nil {
		return err
	}

	// --- NATS ---
	var (
		js         jetstream.JetStream
		subscriber *ingestion.NATSSubscriber
		rawChan    chan ingestion.RawEvent
	)
	if cfg.NATS.URL != "" {
		nc, stream, err := ingestion.ConnectNATS(cfg.NATS.URL, observability.NewLogger("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		js = stream
		health.AddCheck("nats", func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})
		logger.Info().Msg("NATS connected")

		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}
	} else {
		logger.Warn().Msg("NATS disabled, no oracle ingestion or outbound events")
	}

	// --- Output workers ---
	// They run on their own context so they drain everything the core
	// emitted before the process exits.
	persistWorker := persistence.NewPersistenceWorker(
		db, persistChan, cfg.Pipeline.PersistBatchSize, cfg.Pipeline.PersistFlushTimeout,
		metrics, observability.NewLogger("persistence"),
	)
	if js != nil {
		persistWorker.WithPublisher(ingestion.NewOutboundPublisher(js))
	}
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, observability.NewLogger("projection"))

	workers, workerCtx := errgroup.WithContext(context.Background())
	workers.Go(func() error { return persistWorker.Run(workerCtx) })
	workers.Go(func() error { return projWorker.Run(workerCtx) })

	takeSnapshot := func(ctx context.Context) (int64, error) {
		return saveSnapshot(ctx, ledger, snapMgr, metrics)
	}

	// --- Front: everything that can call into the core ---
	// HTTP and NATS callers present the same bearer tokens.
	authenticator := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	g, gctx := errgroup.WithContext(ctx)

	if js != nil {
		rawChan = make(chan ingestion.RawEvent, cfg.Pipeline.IngestChanSize)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, observability.NewLogger("subscriber"))
		if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		dispatcher := ingestion.NewDispatcher(ledger, authenticator, metrics, observability.NewLogger("dispatcher"))
		g.Go(func() error {
			err := dispatcher.Run(gctx, rawChan)
			subscriber.Stop()
			return ignoreCanceled(err)
		})
	}

	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, health, observability.NewLogger("grpc"))
	g.Go(func() error { return grpcServer.StartGRPC(gctx) })

	httpServer, err := server.NewHTTPServer(cfg.Server.HTTPAddr, server.HTTPDeps{
		Ledger:   ledger,
		Query:    queryService,
		Snapshot: takeSnapshot,
		Wallet:   wallet,
		Auth:     authenticator,
		Health:   health,
		Metrics:  metrics,
		Logger:   observability.NewLogger("http"),
	})
	if err != nil {
		return err
	}
	g.Go(func() error { return httpServer.Start(gctx) })

	g.Go(func() error {
		runPeriodicSnapshots(gctx, ledger, cfg.Pipeline.SnapshotEvery, cfg.Pipeline.SnapshotCheck, takeSnapshot, logger)
		return nil
	})

	g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, logger) })

	health.SetReady(true)
	logger.Info().
		Int64("sequence", ledger.Sequence()).
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("DelayLedger ready")

	runErr := g.Wait()
	health.SetReady(false)
	if runErr != nil {
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	} else {
		logger.Info().Msg("shutting down")
	}

	// Nothing writes to the core any more.
	close(persistChan)
	close(projectionChan)
	if err := workers.Wait(); err != nil {
		logger.Error().Err(err).Msg("output workers stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if seq, err := takeSnapshot(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}

	logger.Info().Msg("DelayLedger shutdown complete")
	return runErr
}

// openTokens builds the value transfer backend. The in-memory token starts
// empty, so it only runs over an empty event log: replayed pools would
// otherwise claim funds custody does not hold.
func openTokens(cfg config.TokenConfig, db *sql.DB, head int64) (token.Provider, server.Wallet, error) {
	switch cfg.Backend {
	case config.TokenBackendMemory:
		if head > 0 {
			return nil, nil, fmt.Errorf("token.backend %q cannot recover balances for an event log at sequence %d; use %q",
				cfg.Backend, head, config.TokenBackendPostgres)
		}
		mem := token.NewMemoryToken()
		return mem, token.MemoryWallet{MemoryToken: mem}, nil
	case config.TokenBackendPostgres:
		pg := token.NewPostgresToken(db)
		return pg, pg, nil
	default:
		return nil, nil, fmt.Errorf("token.backend %q is not supported", cfg.Backend)
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
