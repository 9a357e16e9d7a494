package token

import (
	"DelayLedger/internal/errs"
	"DelayLedger/internal/identity"
	"context"
	"fmt"
	"sync"
)

// MemoryToken is an in-process fungible token with approve/transfer-from
// semantics. It stands in for the external token service in tests and in
// single-node deployments.
type MemoryToken struct {
	mu         sync.Mutex
	balances   map[identity.ID]int64
	allowances map[identity.ID]map[identity.ID]int64 // owner -> spender -> amount
	frozen     map[identity.ID]bool
	supply     int64
}

func NewMemoryToken() *MemoryToken {
	return &MemoryToken{
		balances:   make(map[identity.ID]int64),
		allowances: make(map[identity.ID]map[identity.ID]int64),
		frozen:     make(map[identity.ID]bool),
	}
}

// Mint creates amount new tokens for to.
func (m *MemoryToken) Mint(to identity.ID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: mint %d", errs.ErrInvalidAmount, amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[to] += amount
	m.supply += amount
	return nil
}

// Approve sets the amount spender may pull from owner. It replaces any
// previous allowance.
func (m *MemoryToken) Approve(owner, spender identity.ID, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: approve %d", errs.ErrInvalidAmount, amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	spenders, ok := m.allowances[owner]
	if !ok {
		spenders = make(map[identity.ID]int64)
		m.allowances[owner] = spenders
	}
	spenders[spender] = amount
	return nil
}

// Freeze makes every transfer touching id fail with ErrTransferFailed.
func (m *MemoryToken) Freeze(id identity.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen[id] = true
}

func (m *MemoryToken) Unfreeze(id identity.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.frozen, id)
}

func (m *MemoryToken) BalanceOf(id identity.ID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[id]
}

func (m *MemoryToken) Allowance(owner, spender identity.ID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowances[owner][spender]
}

func (m *MemoryToken) TotalSupply() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supply
}

// Account returns a Transferer bound to custody.
func (m *MemoryToken) Account(custody identity.ID) Transferer {
	return &memoryAccount{token: m, custody: custody}
}

// transferLocked moves amount between balances. Caller holds m.mu.
func (m *MemoryToken) transferLocked(from, to identity.ID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: transfer %d", errs.ErrInvalidAmount, amount)
	}
	if m.frozen[from] || m.frozen[to] {
		return fmt.Errorf("%w: account frozen", errs.ErrTransferFailed)
	}
	if m.balances[from] < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", errs.ErrTransferFailed, from, m.balances[from], amount)
	}
	m.balances[from] -= amount
	m.balances[to] += amount
	return nil
}

type memoryAccount struct {
	token   *MemoryToken
	custody identity.ID
}

func (a *memoryAccount) Pull(ctx context.Context, from identity.ID, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := a.token
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := m.allowances[from][a.custody]
	if allowed < amount {
		return fmt.Errorf("%w: %s approved %d for %s, needs %d",
			errs.ErrInsufficientAllowance, from, allowed, a.custody, amount)
	}
	if err := m.transferLocked(from, a.custody, amount); err != nil {
		return err
	}
	m.allowances[from][a.custody] = allowed - amount
	return nil
}

func (a *memoryAccount) Push(ctx context.Context, to identity.ID, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := a.token
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transferLocked(a.custody, to, amount)
}

// MemoryWallet exposes a MemoryToken through the same context-aware
// surface as PostgresToken.
type MemoryWallet struct {
	*MemoryToken
}

func (w MemoryWallet) Mint(_ context.Context, to identity.ID, amount int64) error {
	return w.MemoryToken.Mint(to, amount)
}

func (w MemoryWallet) Approve(_ context.Context, owner, spender identity.ID, amount int64) error {
	return w.MemoryToken.Approve(owner, spender, amount)
}

func (w MemoryWallet) BalanceOf(_ context.Context, id identity.ID) (int64, error) {
	return w.MemoryToken.BalanceOf(id), nil
}

func (w MemoryWallet) Allowance(_ context.Context, owner, spender identity.ID) (int64, error) {
	return w.MemoryToken.Allowance(owner, spender), nil
}
