package server

import (
	"DelayLedger/internal/errs"
	"DelayLedger/internal/identity"
	"context"
	"fmt"
	"net/http"
)

// Wallet is the development face of the value transfer service. It is only
// mounted when the service owns the token store.
type Wallet interface {
	Mint(ctx context.Context, to identity.ID, amount int64) error
	Approve(ctx context.Context, owner, spender identity.ID, amount int64) error
	BalanceOf(ctx context.Context, id identity.ID) (int64, error)
	Allowance(ctx context.Context, owner, spender identity.ID) (int64, error)
}

type mintRequest struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

type approveRequest struct {
	Spender string `json:"spender"`
	Amount  int64  `json:"amount"`
}

type walletResponse struct {
	Identity identity.ID `json:"identity"`
	Balance  int64       `json:"balance"`
}

func (a *api) walletRoutes() []route {
	if a.deps.Wallet == nil {
		return nil
	}
	return []route{
		{method: "GET", pattern: "/v1/wallet/{identity}", name: "wallet_balance", handle: a.walletBalance},
		{method: "POST", pattern: "/v1/wallet/mint", name: "wallet_mint", handle: a.walletMint},
		{method: "POST", pattern: "/v1/wallet/approve", name: "wallet_approve", handle: a.walletApprove},
	}
}

func (a *api) walletBalance(r *request) (int, any, error) {
	who, err := r.identity("identity")
	if err != nil {
		return 0, nil, err
	}
	return a.balanceOf(r, who)
}

func (a *api) walletMint(r *request) (int, any, error) {
	if err := a.requireAdmin(r); err != nil {
		return 0, nil, err
	}
	var body mintRequest
	if err := decode(r, &body); err != nil {
		return 0, nil, err
	}
	to, err := identity.Parse(body.To)
	if err != nil {
		return 0, nil, fmt.Errorf("to: %w", errs.ErrInvalidArgument)
	}
	if err := a.deps.Wallet.Mint(r.Context(), to, body.Amount); err != nil {
		return 0, nil, err
	}
	return a.balanceOf(r, to)
}

func (a *api) balanceOf(r *request, who identity.ID) (int, any, error) {
	balance, err := a.deps.Wallet.BalanceOf(r.Context(), who)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, walletResponse{Identity: who, Balance: balance}, nil
}

// walletApprove sets the caller's allowance towards spender.
func (a *api) walletApprove(r *request) (int, any, error) {
	var body approveRequest
	if err := decode(r, &body); err != nil {
		return 0, nil, err
	}
	spender, err := identity.Parse(body.Spender)
	if err != nil {
		return 0, nil, fmt.Errorf("spender: %w", errs.ErrInvalidArgument)
	}
	if err := a.deps.Wallet.Approve(r.Context(), r.caller, spender, body.Amount); err != nil {
		return 0, nil, err
	}
	allowance, err := a.deps.Wallet.Allowance(r.Context(), r.caller, spender)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{
		"owner":     r.caller,
		"spender":   spender,
		"allowance": allowance,
	}, nil
}
