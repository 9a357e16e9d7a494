package core

import (
	"DelayLedger/internal/access"
	"DelayLedger/internal/errs"
	"DelayLedger/internal/event"
	"DelayLedger/internal/identity"
	"DelayLedger/internal/ledger"
	"DelayLedger/internal/policy"
	"encoding/hex"
	"fmt"
	"sort"
)

// Stats summarizes the ledger for operators.
type Stats struct {
	Sequence          int64         `json:"sequence"`
	StateHash         string        `json:"state_hash"`
	Totals            ledger.Totals `json:"totals"`
	PremiumsCollected int64         `json:"premiums_collected"`
	ActivePolicies    int           `json:"active_policies"`
	SettledPolicies   int           `json:"settled_policies"`
	Admin             identity.ID   `json:"admin"`
	Oracle            identity.ID   `json:"oracle"`
	Authorities       []identity.ID `json:"authorities"`
}

func (c *Ledger) PoolBalance(company identity.ID) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.Balance(company)
}

func (c *Ledger) Policy(id uint64) (*policy.Policy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Policy(id)
}

func (c *Ledger) PoliciesByHolder(holder identity.ID) []*policy.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.PoliciesByHolder(holder)
}

// HasAuthority reports whether who holds the insurance authority role.
func (c *Ledger) HasAuthority(who identity.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roles.Has(access.RoleInsuranceAuthority, who)
}

// Sequence returns the last committed sequence.
func (c *Ledger) Sequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// StateHash returns the current state hash (chain tip).
func (c *Ledger) StateHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasher.GetPrevHash()
}

func (c *Ledger) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := c.hasher.GetPrevHash()
	active, settled := c.engine.Counts()
	return Stats{
		Sequence:          c.sequence,
		StateHash:         hex.EncodeToString(hash[:]),
		Totals:            c.pool.Totals(),
		PremiumsCollected: c.engine.PremiumsCollected(),
		ActivePolicies:    active,
		SettledPolicies:   settled,
		Admin:             c.roles.Admin(),
		Oracle:            c.engine.Oracle(),
		Authorities:       c.roles.Members(access.RoleInsuranceAuthority),
	}
}

// SnapshotState is the full in-memory state at one sequence.
type SnapshotState struct {
	Sequence        int64                         `json:"sequence"`
	StateHash       [32]byte                      `json:"state_hash"`
	Admin           identity.ID                   `json:"admin"`
	Grants          map[access.Role][]identity.ID `json:"grants"`
	Balances        map[string]int64              `json:"balances"`
	Policies        []*policy.Policy              `json:"policies"`
	IdempotencyKeys []string                      `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *Ledger) CreateSnapshotState() *SnapshotState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &SnapshotState{
		Sequence:        c.sequence,
		StateHash:       c.hasher.GetPrevHash(),
		Admin:           c.roles.Admin(),
		Grants:          c.roles.Grants(),
		Balances:        c.pool.SnapshotBalances(),
		Policies:        c.engine.Snapshot(),
		IdempotencyKeys: c.idempotency.lru.Keys(),
	}
}

// RestoreFromSnapshot replaces the in-memory state. On warm restart the
// latest snapshot is restored, then later events are replayed. The snapshot
// is loaded into fresh components and swapped in only once it checks out;
// a rejected snapshot leaves the ledger as it was.
func (c *Ledger) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.newState()
	if err := st.pool.RestoreBalances(snap.Balances); err != nil {
		return fmt.Errorf("restore balances: %w", err)
	}
	if err := st.engine.Restore(snap.Policies); err != nil {
		return fmt.Errorf("restore policies: %w", err)
	}
	if err := st.pool.CheckConservation(); err != nil {
		return fmt.Errorf("snapshot at %d: %w", snap.Sequence, err)
	}
	st.roles.Restore(snap.Admin, snap.Grants)

	c.roles, c.pool, c.engine = st.roles, st.pool, st.engine
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	c.sequence = snap.Sequence
	c.hasher.SetPrevHash(snap.StateHash)

	if c.metrics != nil {
		c.metrics.CoreSequence.Set(float64(c.sequence))
		for company, balance := range c.pool.Balances() {
			c.metrics.PoolBalance.WithLabelValues(company.String()).Set(float64(balance))
		}
	}
	return nil
}

// WarmLRU loads recent idempotency keys (command:key) into the LRU.
func (c *Ledger) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.lru.WarmFromKeys(keys)
}

// Replay applies a logged event without moving tokens and verifies that the
// recomputed state hash matches the logged one.
func (c *Ledger) Replay(env *event.EventEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if env.Sequence != c.sequence+1 {
		return fmt.Errorf("replay out of order: got %d, expected %d", env.Sequence, c.sequence+1)
	}
	if env.PrevHash != c.hasher.GetPrevHash() {
		return fmt.Errorf("replay %d: prev hash does not match chain tip", env.Sequence)
	}

	evt, err := event.Unmarshal(env.EventType, env.Payload)
	if err != nil {
		return err
	}
	if err := c.apply(evt, env); err != nil {
		return fmt.Errorf("replay %d (%s): %w", env.Sequence, env.EventType, err)
	}

	var batch *ledger.Batch
	if company, ok := poolCompany(evt); ok {
		// Only the accounts matter to the digest, not the ids.
		batch = &ledger.Batch{Journals: []ledger.Journal{{
			DebitAccount:  ledger.NewPoolAccountKey(company),
			CreditAccount: boundaryAccount(evt),
		}}}
	}
	digest := c.stateDigest(env.EventType, env.Payload, batch)
	if got := c.hasher.Peek(env.Sequence, digest); got != env.StateHash {
		return fmt.Errorf("replay %d: state hash mismatch", env.Sequence)
	}

	c.hasher.ComputeHash(env.Sequence, digest)
	c.sequence = env.Sequence
	if env.IdempotencyKey != "" {
		c.idempotency.MarkProcessed(env.Command, env.IdempotencyKey)
	}
	return nil
}

func (c *Ledger) apply(evt event.Event, env *event.EventEnvelope) error {
	switch e := evt.(type) {
	case *event.Funded:
		return c.pool.ApplyFunded(e, env.Timestamp)
	case *event.Withdrawn:
		return c.pool.ApplyWithdrawn(e, env.Timestamp)
	case *event.CompensationPaid:
		return c.pool.ApplyCompensationPaid(e, env.Timestamp)
	case *event.PolicyCreated:
		return c.engine.ApplyCreated(e)
	case *event.PolicySettled:
		return c.engine.ApplySettled(e)
	case *event.AuthorityGranted:
		_, err := c.roles.Grant(e.By, access.Role(e.Role), e.Identity)
		return err
	case *event.AuthorityRevoked:
		_, err := c.roles.Revoke(e.By, access.Role(e.Role), e.Identity)
		return err
	case *event.AdminRotated:
		return c.roles.RotateAdmin(e.Previous, e.Next)
	default:
		return fmt.Errorf("%w: event type %T", errs.ErrInvalidArgument, evt)
	}
}

// stateDigest creates canonical bytes for the state hash: the event type,
// its payload and the post-event balances of every account it touched.
func (c *Ledger) stateDigest(eventType event.EventType, payload []byte, batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	name := eventType.String()
	digest := make([]byte, 0, 1+len(name)+len(payload)+len(accounts)*48)
	digest = append(digest, byte(len(name)))
	digest = append(digest, name...)
	digest = appendInt64LE(digest, int64(len(payload)))
	digest = append(digest, payload...)

	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, c.pool.AccountBalance(key))
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func poolCompany(evt event.Event) (identity.ID, bool) {
	switch e := evt.(type) {
	case *event.Funded:
		return e.CompanyID, true
	case *event.Withdrawn:
		return e.CompanyID, true
	case *event.CompensationPaid:
		return e.CompanyID, true
	}
	return "", false
}

func boundaryAccount(evt event.Event) ledger.AccountKey {
	switch evt.(type) {
	case *event.Funded:
		return ledger.NewExternalAccountKey(ledger.SubTypeExternalFunded)
	case *event.Withdrawn:
		return ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawn)
	default:
		return ledger.NewExternalAccountKey(ledger.SubTypeExternalCompensated)
	}
}
