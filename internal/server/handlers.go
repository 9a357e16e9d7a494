package server

import (
	"DelayLedger/internal/core"
	"DelayLedger/internal/errs"
	"DelayLedger/internal/identity"
	"DelayLedger/internal/policy"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

type api struct {
	deps HTTPDeps
}

func (a *api) routes() []route {
	return []route{
		{method: "POST", pattern: "/v1/pools/{company}/fund", name: "fund", handle: a.fund},
		{method: "POST", pattern: "/v1/pools/{company}/withdraw", name: "withdraw", handle: a.withdraw},
		{method: "POST", pattern: "/v1/pools/{company}/compensate", name: "compensate", handle: a.compensate},
		{method: "GET", pattern: "/v1/pools/{company}", name: "get_pool", handle: a.getPool},
		{method: "GET", pattern: "/v1/pools/{company}/journal", name: "pool_journal", handle: a.poolJournal},

		{method: "POST", pattern: "/v1/policies", name: "buy_policy", handle: a.buyPolicy},
		{method: "GET", pattern: "/v1/policies/{id}", name: "get_policy", handle: a.getPolicy},
		{method: "POST", pattern: "/v1/policies/{id}/settle", name: "settle_policy", handle: a.settlePolicy},
		{method: "GET", pattern: "/v1/holders/{holder}/policies", name: "holder_policies", handle: a.holderPolicies},
		{method: "GET", pattern: "/v1/reports/holders/{holder}/policies", name: "holder_policy_report", handle: a.holderPolicyReport},

		{method: "GET", pattern: "/v1/authorities/{identity}", name: "get_authority", handle: a.getAuthority},
		{method: "POST", pattern: "/v1/authorities/{identity}", name: "grant_authority", handle: a.grantAuthority},
		{method: "DELETE", pattern: "/v1/authorities/{identity}", name: "revoke_authority", handle: a.revokeAuthority},
		{method: "POST", pattern: "/v1/admin/rotate", name: "rotate_admin", handle: a.rotateAdmin},
		{method: "POST", pattern: "/v1/admin/snapshot", name: "snapshot", handle: a.snapshot},
		{method: "GET", pattern: "/v1/admin/integrity", name: "integrity", handle: a.integrity},

		{method: "GET", pattern: "/v1/stats", name: "stats", public: true, handle: a.stats},
	}
}

// --- request / response bodies ---

type amountRequest struct {
	Amount int64 `json:"amount"`
}

type compensateRequest struct {
	Beneficiary string `json:"beneficiary"`
	PolicyID    uint64 `json:"policy_id"`
	Amount      int64  `json:"amount"`
}

type settleRequest struct {
	ObservedDelayMinutes *int64 `json:"observed_delay_minutes"`
}

type rotateRequest struct {
	Next string `json:"next"`
}

type poolResponse struct {
	Company  identity.ID `json:"company"`
	Balance  int64       `json:"balance"`
	Sequence int64       `json:"sequence"`
}

type authorityResponse struct {
	Identity  identity.ID `json:"identity"`
	Authority bool        `json:"authority"`
	Changed   bool        `json:"changed"`
}

// --- pools ---

func (a *api) fund(r *request) (int, any, error) {
	company, err := r.identity("company")
	if err != nil {
		return 0, nil, err
	}
	var body amountRequest
	if err := decode(r, &body); err != nil {
		return 0, nil, err
	}
	balance, receipt, err := a.deps.Ledger.Fund(r.Context(), r.call(), company, body.Amount)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, poolResponse{Company: company, Balance: balance, Sequence: lastSequence(receipt)}, nil
}

func (a *api) withdraw(r *request) (int, any, error) {
	company, err := r.identity("company")
	if err != nil {
		return 0, nil, err
	}
	var body amountRequest
	if err := decode(r, &body); err != nil {
		return 0, nil, err
	}
	balance, receipt, err := a.deps.Ledger.Withdraw(r.Context(), r.call(), company, body.Amount)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, poolResponse{Company: company, Balance: balance, Sequence: lastSequence(receipt)}, nil
}

func (a *api) compensate(r *request) (int, any, error) {
	company, err := r.identity("company")
	if err != nil {
		return 0, nil, err
	}
	var body compensateRequest
	if err := decode(r, &body); err != nil {
		return 0, nil, err
	}
	beneficiary, err := identity.Parse(body.Beneficiary)
	if err != nil {
		return 0, nil, fmt.Errorf("beneficiary: %w", errs.ErrInvalidArgument)
	}
	balance, receipt, err := a.deps.Ledger.PayCompensation(r.Context(), r.call(), company, beneficiary, body.PolicyID, body.Amount)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, poolResponse{Company: company, Balance: balance, Sequence: lastSequence(receipt)}, nil
}

func (a *api) getPool(r *request) (int, any, error) {
	company, err := r.identity("company")
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, poolResponse{
		Company:  company,
		Balance:  a.deps.Ledger.PoolBalance(company),
		Sequence: a.deps.Ledger.Sequence(),
	}, nil
}

func (a *api) poolJournal(r *request) (int, any, error) {
	if a.deps.Query == nil {
		return 0, nil, errUnavailable
	}
	company, err := r.identity("company")
	if err != nil {
		return 0, nil, err
	}
	limit, err := r.intQuery("limit")
	if err != nil {
		return 0, nil, err
	}
	var after *int64
	if v, err := r.intQuery("before_sequence"); err != nil {
		return 0, nil, err
	} else if v > 0 {
		after = &v
	}
	entries, err := a.deps.Query.GetJournalHistory(r.Context(), company.String(), int(limit), after)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"journals": entries}, nil
}

// --- policies ---

func (a *api) buyPolicy(r *request) (int, any, error) {
	var body policy.BuyRequest
	if err := decode(r, &body); err != nil {
		return 0, nil, err
	}
	p, _, err := a.deps.Ledger.BuyPolicy(r.Context(), r.call(), body)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, p, nil
}

func (a *api) getPolicy(r *request) (int, any, error) {
	id, err := r.policyID()
	if err != nil {
		return 0, nil, err
	}
	p, err := a.deps.Ledger.Policy(id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, p, nil
}

func (a *api) settlePolicy(r *request) (int, any, error) {
	id, err := r.policyID()
	if err != nil {
		return 0, nil, err
	}
	var body settleRequest
	if err := decode(r, &body); err != nil {
		return 0, nil, err
	}
	if body.ObservedDelayMinutes == nil {
		return 0, nil, fmt.Errorf("observed_delay_minutes is required: %w", errs.ErrInvalidArgument)
	}
	p, _, err := a.deps.Ledger.SettlePolicy(r.Context(), r.call(), id, *body.ObservedDelayMinutes)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, p, nil
}

func (a *api) holderPolicies(r *request) (int, any, error) {
	holder, err := r.identity("holder")
	if err != nil {
		return 0, nil, err
	}
	policies := a.deps.Ledger.PoliciesByHolder(holder)
	if policies == nil {
		policies = []*policy.Policy{}
	}
	return http.StatusOK, map[string]any{"policies": policies, "sequence": a.deps.Ledger.Sequence()}, nil
}

func (a *api) holderPolicyReport(r *request) (int, any, error) {
	if a.deps.Query == nil {
		return 0, nil, errUnavailable
	}
	holder, err := r.identity("holder")
	if err != nil {
		return 0, nil, err
	}
	limit, err := r.intQuery("limit")
	if err != nil {
		return 0, nil, err
	}
	var before *uint64
	if v, err := r.intQuery("before_id"); err != nil {
		return 0, nil, err
	} else if v > 0 {
		u := uint64(v)
		before = &u
	}
	policies, err := a.deps.Query.ListPolicies(r.Context(), holder.String(), int(limit), before)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"policies": policies}, nil
}

// --- roles ---

func (a *api) getAuthority(r *request) (int, any, error) {
	who, err := r.identity("identity")
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, authorityResponse{Identity: who, Authority: a.deps.Ledger.HasAuthority(who)}, nil
}

func (a *api) grantAuthority(r *request) (int, any, error) {
	who, err := r.identity("identity")
	if err != nil {
		return 0, nil, err
	}
	receipt, err := a.deps.Ledger.GrantAuthority(r.Context(), r.call(), who)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, authorityResponse{Identity: who, Authority: true, Changed: len(receipt.Events) > 0}, nil
}

func (a *api) revokeAuthority(r *request) (int, any, error) {
	who, err := r.identity("identity")
	if err != nil {
		return 0, nil, err
	}
	receipt, err := a.deps.Ledger.RevokeAuthority(r.Context(), r.call(), who)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, authorityResponse{Identity: who, Authority: false, Changed: len(receipt.Events) > 0}, nil
}

func (a *api) rotateAdmin(r *request) (int, any, error) {
	var body rotateRequest
	if err := decode(r, &body); err != nil {
		return 0, nil, err
	}
	next, err := identity.Parse(body.Next)
	if err != nil {
		return 0, nil, fmt.Errorf("next: %w", errs.ErrInvalidArgument)
	}
	if _, err := a.deps.Ledger.RotateAdmin(r.Context(), r.call(), next); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"admin": next}, nil
}

// --- operations ---

func (a *api) snapshot(r *request) (int, any, error) {
	if err := a.requireAdmin(r); err != nil {
		return 0, nil, err
	}
	if a.deps.Snapshot == nil {
		return 0, nil, errUnavailable
	}
	seq, err := a.deps.Snapshot(r.Context())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"sequence": seq}, nil
}

func (a *api) integrity(r *request) (int, any, error) {
	if err := a.requireAdmin(r); err != nil {
		return 0, nil, err
	}
	if a.deps.Query == nil {
		return 0, nil, errUnavailable
	}
	report, err := a.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, report, nil
}

func (a *api) stats(r *request) (int, any, error) {
	return http.StatusOK, a.deps.Ledger.Stats(), nil
}

func (a *api) requireAdmin(r *request) error {
	if r.caller != a.deps.Ledger.Stats().Admin {
		return fmt.Errorf("%w: %s is not the administrator", errs.ErrUnauthorized, r.caller)
	}
	return nil
}

// --- helpers ---

var errUnavailable = fmt.Errorf("read model not configured: %w", errs.ErrUnavailable)

func decode(r *request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %v: %w", err, errs.ErrInvalidArgument)
	}
	return nil
}

func (r *request) identity(param string) (identity.ID, error) {
	id, err := identity.Parse(r.params[param])
	if err != nil {
		return "", fmt.Errorf("%s: %w", param, errs.ErrInvalidArgument)
	}
	return id, nil
}

func (r *request) policyID() (uint64, error) {
	id, err := strconv.ParseUint(r.params["id"], 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("policy id %q: %w", r.params["id"], errs.ErrInvalidArgument)
	}
	return id, nil
}

func (r *request) intQuery(name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s=%q: %w", name, raw, errs.ErrInvalidArgument)
	}
	return v, nil
}

func lastSequence(receipt *core.Receipt) int64 {
	if receipt == nil || len(receipt.Envelopes) == 0 {
		return 0
	}
	return receipt.Envelopes[len(receipt.Envelopes)-1].Sequence
}
