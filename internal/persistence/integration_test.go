package persistence_test

import (
	"DelayLedger/internal/core"
	"DelayLedger/internal/observability"
	"DelayLedger/internal/persistence"
	"DelayLedger/internal/projection"
	"DelayLedger/internal/query"
	"DelayLedger/internal/testutil"
	"DelayLedger/internal/token"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEventLogRoundTrip persists a full fund, buy, settle history and then
// rebuilds everything downstream of the log from it.
func TestEventLogRoundTrip(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	fx := testutil.NewFixture(t)
	fx.Fund(t, 1_000)
	p := fx.Buy(t, 60)
	_, _, err := fx.Ledger.SettlePolicy(ctx, core.Call{Caller: testutil.Oracle, IdempotencyKey: "rep-1"}, p.ID, 95)
	require.NoError(t, err)

	outputs := fx.Drain()
	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)

	worker := persistence.NewPersistenceWorker(db, in, 2, 10*time.Millisecond, observability.NewMetricsWith(nil), zerolog.Nop())
	require.NoError(t, worker.Run(ctx))

	snapMgr := persistence.NewSnapshotManager(db)
	head, err := snapMgr.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, fx.Ledger.Sequence(), head)

	t.Run("idempotency keys are durable", func(t *testing.T) {
		checker := persistence.NewPostgresIdempotencyChecker(db)
		dup, err := checker.IsDuplicate(core.CommandSettlePolicy, "rep-1")
		require.NoError(t, err)
		assert.True(t, dup)

		dup, err = checker.IsDuplicate(core.CommandFund, "rep-1")
		require.NoError(t, err)
		assert.False(t, dup, "keys are scoped by command")

		keys, err := checker.RecentKeys(ctx, 10)
		require.NoError(t, err)
		assert.Contains(t, keys, core.CommandSettlePolicy+":rep-1")
	})

	t.Run("replay reproduces the state hash", func(t *testing.T) {
		fresh := core.NewLedger(core.Config{
			Admin:   testutil.Admin,
			Oracle:  testutil.Oracle,
			Engine:  testutil.Engine,
			Custody: testutil.Custody,
			Token:   token.NewMemoryToken(),
			Metrics: observability.NewMetricsWith(nil),
			Logger:  zerolog.Nop(),
		})

		n, err := snapMgr.ReplayFrom(ctx, fresh, 0, 2)
		require.NoError(t, err)
		assert.EqualValues(t, head, n)
		assert.Equal(t, fx.Ledger.StateHash(), fresh.StateHash())
		assert.Equal(t, int64(900), fresh.PoolBalance(testutil.Company))
		assert.True(t, fresh.HasAuthority(testutil.Engine))
	})

	t.Run("only verified snapshots are loaded", func(t *testing.T) {
		snap := fx.Ledger.CreateSnapshotState()
		size, err := snapMgr.SaveSnapshot(ctx, snap, time.Now())
		require.NoError(t, err)
		assert.Positive(t, size)

		loaded, err := snapMgr.LoadLatestSnapshot(ctx)
		require.NoError(t, err)
		assert.Nil(t, loaded)

		require.NoError(t, snapMgr.MarkVerified(ctx, snap.Sequence))
		loaded, err = snapMgr.LoadLatestSnapshot(ctx)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, snap.Sequence, loaded.Sequence)
		assert.Equal(t, snap.StateHash, loaded.StateHash)
		assert.Equal(t, snap.Balances, loaded.Balances)
	})

	t.Run("projections rebuild from the log", func(t *testing.T) {
		last, err := projection.RebuildProjections(ctx, db, snapMgr, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, head, last)

		qs := query.NewQueryService(db)
		pool, err := qs.GetPool(ctx, testutil.Company.String())
		require.NoError(t, err)
		assert.Equal(t, int64(900), pool.Balance)
		assert.Equal(t, int64(1_000), pool.TotalFunded)
		assert.Equal(t, int64(100), pool.TotalCompensated)

		pol, err := qs.GetPolicy(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "SETTLED", pol.Status)
		assert.True(t, pol.Paid)
		require.NotNil(t, pol.ObservedDelayMinutes)
		assert.Equal(t, int64(95), *pol.ObservedDelayMinutes)

		report, err := qs.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.True(t, report.IsHealthy, "%+v", report)
	})
}
