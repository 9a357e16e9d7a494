package core

import (
	"DelayLedger/internal/access"
	"DelayLedger/internal/directory"
	"DelayLedger/internal/errs"
	"DelayLedger/internal/event"
	"DelayLedger/internal/funding"
	"DelayLedger/internal/identity"
	"DelayLedger/internal/ledger"
	"DelayLedger/internal/observability"
	"DelayLedger/internal/policy"
	"DelayLedger/internal/token"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Command names, used for idempotency scoping, metrics and the event log.
const (
	CommandFund            = "fund"
	CommandWithdraw        = "withdraw"
	CommandPayCompensation = "pay_compensation"
	CommandBuyPolicy       = "buy_policy"
	CommandSettlePolicy    = "settle_policy"
	CommandGrantAuthority  = "grant_authority"
	CommandRevokeAuthority = "revoke_authority"
	CommandRotateAdmin     = "rotate_admin"
)

// Ledger is the single-writer coordinator. Every mutating call takes the
// one lock, stages its events through the pool and the settlement engine,
// and on success commits them: sequence, state hash, output channels.
// A failed call commits nothing.
type Ledger struct {
	mu sync.Mutex

	sequence    int64 // last committed sequence
	hasher      *StateHasher
	roles       *access.Table
	pool        *funding.Pool
	engine      *policy.Engine
	newState    func() domainState
	idempotency *IdempotencyChecker
	clock       func() time.Time

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one committed event plus the journal batch it produced.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
}

// Call identifies who is calling and, optionally, how to dedup the call.
type Call struct {
	Caller         identity.ID
	IdempotencyKey string
}

// Receipt is the ordered list of events a successful call committed.
type Receipt struct {
	Envelopes []*event.EventEnvelope
	Events    []event.Event
}

type Config struct {
	Admin   identity.ID // administrator of the authority role table
	Oracle  identity.ID // the single identity allowed to settle
	Engine  identity.ID // settlement engine: premium escrow and pool caller
	Custody identity.ID // pool custody account

	Token     token.Provider
	Directory directory.Directory

	IdempotencyDB       DBIdempotencyChecker
	IdempotencyCapacity int

	Clock   func() time.Time
	Metrics *observability.Metrics
	Logger  zerolog.Logger

	// Either channel may be nil.
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

// domainState is the role table, the pool and the engine, wired together.
type domainState struct {
	roles  *access.Table
	pool   *funding.Pool
	engine *policy.Engine
}

func NewLedger(cfg Config) *Ledger {
	newState := func() domainState {
		roles := access.NewTable(cfg.Admin)
		pool := funding.NewPool(cfg.Custody, cfg.Token.Account(cfg.Custody), roles)
		engine := policy.NewEngine(cfg.Engine, cfg.Oracle, cfg.Directory, cfg.Token.Account(cfg.Engine), pool)
		return domainState{roles: roles, pool: pool, engine: engine}
	}
	st := newState()

	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 100_000
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Ledger{
		hasher:         NewStateHasher(),
		roles:          st.roles,
		pool:           st.pool,
		engine:         st.engine,
		newState:       newState,
		idempotency:    NewIdempotencyChecker(capacity, cfg.IdempotencyDB, cfg.Metrics),
		clock:          clock,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}
}

// staged is an event produced by a successful state transition that has
// not been sequenced yet.
type staged struct {
	evt   event.Event
	batch *ledger.Batch
}

// Fund credits company's pool with amount pulled from the company.
// Returns the new pool balance.
func (c *Ledger) Fund(ctx context.Context, call Call, company identity.ID, amount int64) (int64, *Receipt, error) {
	var balance int64
	receipt, err := c.execute(ctx, CommandFund, call, func(now time.Time) ([]staged, error) {
		e, batch, err := c.pool.Fund(ctx, call.Caller, company, amount, now)
		if err != nil {
			return nil, err
		}
		balance = c.pool.Balance(company)
		return []staged{{evt: e, batch: batch}}, nil
	})
	return balance, receipt, err
}

// Withdraw returns amount from company's pool to the company.
func (c *Ledger) Withdraw(ctx context.Context, call Call, company identity.ID, amount int64) (int64, *Receipt, error) {
	var balance int64
	receipt, err := c.execute(ctx, CommandWithdraw, call, func(now time.Time) ([]staged, error) {
		e, batch, err := c.pool.Withdraw(ctx, call.Caller, company, amount, now)
		if err != nil {
			return nil, err
		}
		balance = c.pool.Balance(company)
		return []staged{{evt: e, batch: batch}}, nil
	})
	return balance, receipt, err
}

// PayCompensation is the pool's direct debit path for authority holders.
// Settlement goes through SettlePolicy, which calls the pool itself.
func (c *Ledger) PayCompensation(
	ctx context.Context,
	call Call,
	company, beneficiary identity.ID,
	policyID uint64,
	amount int64,
) (int64, *Receipt, error) {
	var balance int64
	receipt, err := c.execute(ctx, CommandPayCompensation, call, func(now time.Time) ([]staged, error) {
		e, batch, err := c.pool.PayCompensation(ctx, call.Caller, company, beneficiary, policyID, amount, now)
		if err != nil {
			return nil, err
		}
		balance = c.pool.Balance(company)
		return []staged{{evt: e, batch: batch}}, nil
	})
	return balance, receipt, err
}

func (c *Ledger) BuyPolicy(ctx context.Context, call Call, req policy.BuyRequest) (*policy.Policy, *Receipt, error) {
	var p *policy.Policy
	receipt, err := c.execute(ctx, CommandBuyPolicy, call, func(now time.Time) ([]staged, error) {
		created, e, err := c.engine.BuyPolicy(ctx, call.Caller, req, now)
		if err != nil {
			return nil, err
		}
		p = created
		return []staged{{evt: e}}, nil
	})
	return p, receipt, err
}

// SettlePolicy applies an oracle delay report. An under-funded company pool
// fails the whole call and leaves the policy Active.
func (c *Ledger) SettlePolicy(ctx context.Context, call Call, policyID uint64, observedDelayMinutes int64) (*policy.Policy, *Receipt, error) {
	var p *policy.Policy
	receipt, err := c.execute(ctx, CommandSettlePolicy, call, func(now time.Time) ([]staged, error) {
		settled, events, batch, err := c.engine.SettlePolicy(ctx, call.Caller, policyID, observedDelayMinutes, now)
		if err != nil {
			if errors.Is(err, errs.ErrInsufficientBalance) {
				c.recordSettlement("underfunded")
				c.logger.Warn().
					Uint64("policy_id", policyID).
					Int64("observed_delay_minutes", observedDelayMinutes).
					Err(err).
					Msg("settlement rolled back, company pool under-funded")
			}
			return nil, err
		}
		p = settled

		out := make([]staged, 0, len(events))
		for _, e := range events {
			s := staged{evt: e}
			if _, ok := e.(*event.CompensationPaid); ok {
				s.batch = batch
			}
			out = append(out, s)
		}
		return out, nil
	})
	return p, receipt, err
}

func (c *Ledger) GrantAuthority(ctx context.Context, call Call, who identity.ID) (*Receipt, error) {
	return c.execute(ctx, CommandGrantAuthority, call, func(time.Time) ([]staged, error) {
		e, err := c.pool.GrantAuthority(call.Caller, who)
		if err != nil || e == nil {
			return nil, err
		}
		return []staged{{evt: e}}, nil
	})
}

func (c *Ledger) RevokeAuthority(ctx context.Context, call Call, who identity.ID) (*Receipt, error) {
	return c.execute(ctx, CommandRevokeAuthority, call, func(time.Time) ([]staged, error) {
		e, err := c.pool.RevokeAuthority(call.Caller, who)
		if err != nil || e == nil {
			return nil, err
		}
		return []staged{{evt: e}}, nil
	})
}

// RotateAdmin hands the administrator seat to next. Only the current
// administrator may call it.
func (c *Ledger) RotateAdmin(ctx context.Context, call Call, next identity.ID) (*Receipt, error) {
	return c.execute(ctx, CommandRotateAdmin, call, func(time.Time) ([]staged, error) {
		prev := c.roles.Admin()
		if err := c.roles.RotateAdmin(call.Caller, next); err != nil {
			return nil, err
		}
		return []staged{{evt: &event.AdminRotated{Previous: prev, Next: next}}}, nil
	})
}

// execute is the processing pipeline shared by every mutating command.
func (c *Ledger) execute(ctx context.Context, command string, call Call, stage func(now time.Time) ([]staged, error)) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()

	// Step 1: Idempotency check (two-tier)
	if call.IdempotencyKey != "" && c.idempotency.IsDuplicate(command, call.IdempotencyKey) {
		c.reject(command, errs.ErrDuplicate)
		return nil, fmt.Errorf("%w: %s %s", errs.ErrDuplicate, command, call.IdempotencyKey)
	}

	// Step 2: State transition. Components validate before they mutate and
	// leave no partial effect on failure.
	now := c.clock().UTC()
	events, err := stage(now)
	if err != nil {
		c.reject(command, err)
		return nil, err
	}

	// Step 3: Post-checks
	if err := c.pool.CheckConservation(affectedCompanies(events)...); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", command, err))
	}

	// Step 4: Sequence, hash and emit
	receipt := &Receipt{}
	for _, s := range events {
		env := c.commit(command, call.IdempotencyKey, now, s)
		receipt.Envelopes = append(receipt.Envelopes, env)
		receipt.Events = append(receipt.Events, s.evt)
	}

	// Step 5: Mark as processed (add to LRU)
	if call.IdempotencyKey != "" {
		c.idempotency.MarkProcessed(command, call.IdempotencyKey)
	}

	if c.metrics != nil {
		c.metrics.CoreCommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return receipt, nil
}

func (c *Ledger) commit(command, idempotencyKey string, now time.Time, s staged) *event.EventEnvelope {
	payload, err := event.Marshal(s.evt)
	if err != nil {
		// Every event type is a plain struct; failing to encode one is a bug.
		panic(fmt.Sprintf("FATAL: %v", err))
	}

	c.sequence++
	if s.batch != nil {
		s.batch.SetSequence(c.sequence)
	}

	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, c.stateDigest(s.evt.EventType(), payload, s.batch))

	envelope := &event.EventEnvelope{
		EventID:        uuid.New(),
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		Command:        command,
		EventType:      s.evt.EventType(),
		AggregateKey:   s.evt.AggregateKey(),
		Timestamp:      now,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := CoreOutput{Envelope: envelope, Batch: s.batch}

	// Persistence: blocking send. The core stalls until the persistence
	// worker drains, so no committed event is lost.
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	// Projections: non-blocking send, drop on full. Projection workers
	// rebuild from the event log if they fall behind.
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("projection").Inc()
			}
		}
	}

	c.recordCommitted(s)

	c.logger.Debug().
		Int64("sequence", envelope.Sequence).
		Str("command", command).
		Str("event_type", envelope.EventType.String()).
		Str("aggregate", envelope.AggregateKey).
		Msg("event committed")

	return envelope
}

func (c *Ledger) reject(command string, err error) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(command, errs.Reason(err)).Inc()
	}
	c.logger.Debug().Str("command", command).Err(err).Msg("command rejected")
}

func (c *Ledger) recordCommitted(s staged) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreEventsApplied.WithLabelValues(s.evt.EventType().String()).Inc()
	if s.batch != nil {
		for _, j := range s.batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	switch e := s.evt.(type) {
	case *event.Funded:
		c.metrics.PoolBalance.WithLabelValues(e.CompanyID.String()).Set(float64(c.pool.Balance(e.CompanyID)))
	case *event.Withdrawn:
		c.metrics.PoolBalance.WithLabelValues(e.CompanyID.String()).Set(float64(c.pool.Balance(e.CompanyID)))
	case *event.CompensationPaid:
		c.metrics.PoolBalance.WithLabelValues(e.CompanyID.String()).Set(float64(c.pool.Balance(e.CompanyID)))
		c.metrics.PayoutsTotal.Add(float64(e.Amount))
	case *event.PolicyCreated:
		c.metrics.PoliciesCreated.Inc()
		c.metrics.PremiumsCollected.Add(float64(e.Premium))
	case *event.PolicySettled:
		if e.Paid {
			c.recordSettlement("paid")
		} else {
			c.recordSettlement("unpaid")
		}
	}
}

func (c *Ledger) recordSettlement(outcome string) {
	if c.metrics != nil {
		c.metrics.SettlementOutcomes.WithLabelValues(outcome).Inc()
	}
}

func affectedCompanies(events []staged) []identity.ID {
	var out []identity.ID
	for _, s := range events {
		switch e := s.evt.(type) {
		case *event.Funded:
			out = append(out, e.CompanyID)
		case *event.Withdrawn:
			out = append(out, e.CompanyID)
		case *event.CompensationPaid:
			out = append(out, e.CompanyID)
		}
	}
	return out
}
