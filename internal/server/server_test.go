package server_test

import (
	"DelayLedger/internal/auth"
	"DelayLedger/internal/identity"
	"DelayLedger/internal/observability"
	"DelayLedger/internal/policy"
	"DelayLedger/internal/server"
	"DelayLedger/internal/testutil"
	"DelayLedger/internal/token"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiHarness struct {
	fx      *testutil.Fixture
	handler http.Handler
	auth    *auth.Authenticator
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	fx := testutil.NewFixture(t)
	authn := auth.NewAuthenticator("test-secret", "delayledger")

	health := observability.NewHealthChecker()
	health.SetReady(true)

	h, err := server.NewHandler(server.HTTPDeps{
		Ledger:  fx.Ledger,
		Wallet:  token.MemoryWallet{MemoryToken: fx.Token},
		Auth:    authn,
		Health:  health,
		Metrics: fx.Metrics,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return &apiHarness{fx: fx, handler: h, auth: authn}
}

func (h *apiHarness) do(t *testing.T, method, path, caller string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != "" {
		tok, err := h.auth.Issue(identity.MustParse(caller), time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestAPI_FundWithdrawAndBalance(t *testing.T) {
	h := newAPI(t)
	require.NoError(t, h.fx.Token.Mint(testutil.Company, 1_000))
	require.NoError(t, h.fx.Token.Approve(testutil.Company, testutil.Custody, 1_000))

	rec, body := h.do(t, "POST", "/v1/pools/acme-air/fund", "acme-air", map[string]any{"amount": 1_000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1_000, body["balance"])

	rec, body = h.do(t, "POST", "/v1/pools/acme-air/withdraw", "acme-air", map[string]any{"amount": 400})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 600, body["balance"])

	rec, body = h.do(t, "GET", "/v1/pools/acme-air", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 600, body["balance"])
}

func TestAPI_ErrorMapping(t *testing.T) {
	h := newAPI(t)
	h.fx.Fund(t, 100)

	// Someone else's pool.
	rec, body := h.do(t, "POST", "/v1/pools/acme-air/withdraw", "alice", map[string]any{"amount": 10})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "unauthorized", body["error"])

	// More than the pool holds.
	rec, body = h.do(t, "POST", "/v1/pools/acme-air/withdraw", "acme-air", map[string]any{"amount": 101})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "insufficient_balance", body["error"])

	// Non-positive amount.
	rec, body = h.do(t, "POST", "/v1/pools/acme-air/fund", "acme-air", map[string]any{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_amount", body["error"])

	// Unknown policy.
	rec, body = h.do(t, "GET", "/v1/policies/42", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_policy", body["error"])

	// Unknown field in body.
	rec, _ = h.do(t, "POST", "/v1/pools/acme-air/fund", "acme-air", map[string]any{"amount": 1, "asset": "USDT"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	h := newAPI(t)

	rec, body := h.do(t, "GET", "/v1/pools/acme-air", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", body["error"])

	// Stats and health are public.
	rec, _ = h.do(t, "GET", "/v1/stats", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = h.do(t, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_BuyAndSettle(t *testing.T) {
	h := newAPI(t)
	h.fx.Fund(t, 1_000)
	h.fx.PremiumFor(t, 10)

	rec, body := h.do(t, "POST", "/v1/policies", "alice", policy.BuyRequest{
		FlightCode:            testutil.Flight,
		BookingID:             "BK-1",
		DelayThresholdMinutes: 120,
		Premium:               10,
		Payout:                100,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, body["id"])
	assert.Equal(t, "ACTIVE", body["status"])

	// Only the oracle settles.
	rec, _ = h.do(t, "POST", "/v1/policies/1/settle", "alice", map[string]any{"observed_delay_minutes": 180})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = h.do(t, "POST", "/v1/policies/1/settle", "oracle", map[string]any{"observed_delay_minutes": 180},
		"Idempotency-Key", "report-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "SETTLED", body["status"])
	assert.Equal(t, true, body["paid"])

	// The same report again is a duplicate; without a key it is already settled.
	rec, body = h.do(t, "POST", "/v1/policies/1/settle", "oracle", map[string]any{"observed_delay_minutes": 180},
		"Idempotency-Key", "report-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate", body["error"])

	rec, body = h.do(t, "POST", "/v1/policies/1/settle", "oracle", map[string]any{"observed_delay_minutes": 180})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_settled", body["error"])

	assert.EqualValues(t, 100, h.fx.Token.BalanceOf(testutil.Holder))

	rec, body = h.do(t, "GET", "/v1/holders/alice/policies", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["policies"], 1)
}

func TestAPI_AuthorityLifecycle(t *testing.T) {
	h := newAPI(t)

	rec, body := h.do(t, "POST", "/v1/authorities/bob", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["changed"])

	rec, body = h.do(t, "POST", "/v1/authorities/bob", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["changed"])

	rec, body = h.do(t, "GET", "/v1/authorities/bob", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["authority"])

	rec, _ = h.do(t, "DELETE", "/v1/authorities/bob", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = h.do(t, "POST", "/v1/admin/rotate", "admin", map[string]any{"next": "carol"})
	require.Equal(t, http.StatusOK, rec.Code)

	// The old admin lost the role table.
	rec, _ = h.do(t, "DELETE", "/v1/authorities/bob", "admin", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = h.do(t, "DELETE", "/v1/authorities/bob", "carol", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["changed"])
	assert.False(t, h.fx.Ledger.HasAuthority("bob"))
}

func TestAPI_ReadModelRoutesWithoutPostgres(t *testing.T) {
	h := newAPI(t)

	rec, body := h.do(t, "GET", "/v1/reports/holders/alice/policies", "alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", body["error"])

	rec, _ = h.do(t, "GET", "/v1/admin/integrity", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_WalletFlow(t *testing.T) {
	h := newAPI(t)

	rec, _ := h.do(t, "POST", "/v1/wallet/mint", "acme-air", map[string]any{"to": "acme-air", "amount": 500})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body := h.do(t, "POST", "/v1/wallet/mint", "admin", map[string]any{"to": "acme-air", "amount": 500})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 500, body["balance"])

	rec, body = h.do(t, "POST", "/v1/wallet/approve", "acme-air", map[string]any{"spender": "pool-custody", "amount": 300})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 300, body["allowance"])

	rec, _ = h.do(t, "POST", "/v1/pools/acme-air/fund", "acme-air", map[string]any{"amount": 300})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body = h.do(t, "GET", "/v1/wallet/acme-air", "acme-air", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 200, body["balance"])
}
