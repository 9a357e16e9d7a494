package server

import (
	"DelayLedger/internal/auth"
	"DelayLedger/internal/core"
	"DelayLedger/internal/identity"
	"DelayLedger/internal/observability"
	"DelayLedger/internal/policy"
	"DelayLedger/internal/query"
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

// Ledger is the command and live-read surface of the core.
type Ledger interface {
	Fund(ctx context.Context, call core.Call, company identity.ID, amount int64) (int64, *core.Receipt, error)
	Withdraw(ctx context.Context, call core.Call, company identity.ID, amount int64) (int64, *core.Receipt, error)
	PayCompensation(ctx context.Context, call core.Call, company, beneficiary identity.ID, policyID uint64, amount int64) (int64, *core.Receipt, error)
	BuyPolicy(ctx context.Context, call core.Call, req policy.BuyRequest) (*policy.Policy, *core.Receipt, error)
	SettlePolicy(ctx context.Context, call core.Call, policyID uint64, observedDelayMinutes int64) (*policy.Policy, *core.Receipt, error)
	GrantAuthority(ctx context.Context, call core.Call, who identity.ID) (*core.Receipt, error)
	RevokeAuthority(ctx context.Context, call core.Call, who identity.ID) (*core.Receipt, error)
	RotateAdmin(ctx context.Context, call core.Call, next identity.ID) (*core.Receipt, error)

	PoolBalance(company identity.ID) int64
	Policy(id uint64) (*policy.Policy, error)
	PoliciesByHolder(holder identity.ID) []*policy.Policy
	HasAuthority(who identity.ID) bool
	Sequence() int64
	Stats() core.Stats
}

// Snapshotter takes an on-demand snapshot and returns its sequence.
type Snapshotter func(ctx context.Context) (int64, error)

// HTTPDeps holds everything the HTTP API needs. Query and Snapshot may be
// nil when the service runs without Postgres; Wallet is nil unless the
// service owns the token store.
type HTTPDeps struct {
	Ledger   Ledger
	Query    *query.QueryService
	Snapshot Snapshotter
	Wallet   Wallet
	Auth     *auth.Authenticator
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

// HTTPServer serves the JSON API plus health endpoints.
type HTTPServer struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

func NewHTTPServer(addr string, deps HTTPDeps) (*HTTPServer, error) {
	handler, err := NewHandler(deps)
	if err != nil {
		return nil, err
	}
	return &HTTPServer{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: deps.Logger,
	}, nil
}

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type route struct {
	method  string
	pattern string
	name    string
	public  bool
	handle  func(*request) (int, any, error)
}

// NewHandler builds the API: routes are registered on a grpc-gateway
// ServeMux, health endpoints sit outside authentication.
func NewHandler(deps HTTPDeps) (http.Handler, error) {
	api := &api{deps: deps}
	mux := runtime.NewServeMux()

	for _, rt := range append(api.routes(), api.walletRoutes()...) {
		if err := mux.HandlePath(rt.method, rt.pattern, api.wrap(rt)); err != nil {
			return nil, err
		}
	}

	root := http.NewServeMux()
	if deps.Health != nil {
		root.HandleFunc("/healthz", deps.Health.LivenessHandler)
		root.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	}
	root.Handle("/", mux)
	return root, nil
}

// request is what a handler sees: the authenticated caller, path params and
// the raw request.
type request struct {
	*http.Request
	caller identity.ID
	params map[string]string
}

func (r *request) call() core.Call {
	return core.Call{Caller: r.caller, IdempotencyKey: r.Header.Get("Idempotency-Key")}
}

func (a *api) wrap(rt route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		status := a.serve(w, r, rt, params)

		if a.deps.Metrics != nil {
			a.deps.Metrics.HTTPRequests.WithLabelValues(rt.name, strconv.Itoa(status)).Inc()
			a.deps.Metrics.HTTPDuration.WithLabelValues(rt.name).Observe(time.Since(start).Seconds())
		}
	}
}

func (a *api) serve(w http.ResponseWriter, r *http.Request, rt route, params map[string]string) int {
	req := &request{Request: r, params: params}

	if !rt.public {
		who, err := a.deps.Auth.Validate(r.Header.Get("Authorization"))
		if err != nil {
			return writeError(w, err)
		}
		req.caller = who
		req.Request = r.WithContext(auth.WithCaller(r.Context(), who))
	}

	status, body, err := rt.handle(req)
	if err != nil {
		status = writeError(w, err)
		if status >= http.StatusInternalServerError {
			a.deps.Logger.Error().Err(err).Str("route", rt.name).Msg("request failed")
		}
		return status
	}
	writeJSON(w, status, body)
	return status
}
