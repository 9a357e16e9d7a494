package main

import (
	"DelayLedger/internal/config"
	"DelayLedger/internal/core"
	"DelayLedger/internal/observability"
	"DelayLedger/internal/persistence"
	"DelayLedger/internal/projection"
	"DelayLedger/internal/query"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// recoverLedger restores the latest verified snapshot, warms the
// idempotency cache and replays the rest of the event log. Every replayed
// event has its state hash re-checked by the core.
func recoverLedger(
	ctx context.Context,
	cfg config.Config,
	ledger *core.Ledger,
	snapMgr *persistence.SnapshotManager,
	keys *persistence.PostgresIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	start := time.Now()

	head, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("event log head: %w", err)
	}

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying the full log")
		snap = nil
	}
	if snap != nil && snap.Sequence > head {
		logger.Warn().Int64("snapshot", snap.Sequence).Int64("head", head).Msg("snapshot is ahead of the event log, ignoring it")
		snap = nil
	}

	var from int64
	if snap != nil {
		if err := ledger.RestoreFromSnapshot(snap); err != nil {
			return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		from = snap.Sequence
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	recent, err := keys.RecentKeys(ctx, cfg.Pipeline.IdempotencyCapacity)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load recent idempotency keys")
	} else if len(recent) > 0 {
		ledger.WarmLRU(recent)
		logger.Info().Int("keys", len(recent)).Msg("warmed idempotency cache")
	}

	replayed, err := snapMgr.ReplayFrom(ctx, ledger, from, cfg.Pipeline.ReplayPageSize)
	if err != nil {
		return fmt.Errorf("event replay: %w", err)
	}
	if ledger.Sequence() != head {
		return fmt.Errorf("replay stopped at %d, event log head is %d", ledger.Sequence(), head)
	}

	metrics.ReplayEventsTotal.Add(float64(replayed))
	metrics.ReplayDuration.Set(time.Since(start).Seconds())
	logger.Info().
		Int("replayed", replayed).
		Int64("sequence", ledger.Sequence()).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return nil
}

// catchUpProjections rebuilds the read models when their watermark does not
// match the recovered sequence.
func catchUpProjections(
	ctx context.Context,
	db *sql.DB,
	qs *query.QueryService,
	source projection.EventSource,
	sequence int64,
	logger zerolog.Logger,
) error {
	watermark, err := qs.Watermark(ctx)
	if err != nil {
		return fmt.Errorf("projection watermark: %w", err)
	}
	if watermark == sequence {
		return nil
	}

	logger.Info().Int64("watermark", watermark).Int64("sequence", sequence).Msg("projections out of date, rebuilding")
	if _, err := projection.RebuildProjections(ctx, db, source, logger); err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}
	return nil
}

// saveSnapshot persists the current core state. The snapshot is only
// marked verified once every event it covers is durable in the log, so
// recovery never starts from state the log cannot reproduce.
func saveSnapshot(
	ctx context.Context,
	ledger *core.Ledger,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
) (int64, error) {
	start := time.Now()

	snap := ledger.CreateSnapshotState()
	size, err := snapMgr.SaveSnapshot(ctx, snap, start)
	if err != nil {
		return 0, err
	}

	head, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("event log head: %w", err)
	}
	if head >= snap.Sequence {
		if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
			return 0, fmt.Errorf("mark snapshot %d verified: %w", snap.Sequence, err)
		}
	}

	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotSizeBytes.Set(float64(size))
	metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	return snap.Sequence, nil
}

// runPeriodicSnapshots snapshots every `every` events, checking on each tick.
func runPeriodicSnapshots(
	ctx context.Context,
	ledger *core.Ledger,
	every int64,
	check time.Duration,
	take func(context.Context) (int64, error),
	logger zerolog.Logger,
) {
	if every <= 0 {
		every = 10_000
	}
	if check <= 0 {
		check = 10 * time.Second
	}

	last := ledger.Sequence()
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ledger.Sequence()-last < every {
				continue
			}
			seq, err := take(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = seq
			logger.Info().Int64("sequence", seq).Msg("periodic snapshot")
		}
	}
}
