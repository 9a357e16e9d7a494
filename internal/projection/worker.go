package projection

import (
	"DelayLedger/internal/core"
	"DelayLedger/internal/event"
	"DelayLedger/internal/observability"
	"DelayLedger/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const watermarkWorker = "main"

// ProjectionWorker updates projection tables from processed events.
// The core sends to it without blocking and drops on overflow, so the
// tables are eventually consistent and can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			env := output.Envelope
			if err := pw.processEnvelope(ctx, env); err != nil {
				// Continue: a rebuild from the event log repairs any gap.
				pw.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("projection update failed")
				continue
			}
			pw.lastSeq = env.Sequence
		}
	}
}

// LastSequence is the last sequence this worker applied.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processEnvelope(ctx context.Context, env *event.EventEnvelope) error {
	start := time.Now()

	evt, err := event.Unmarshal(env.EventType, env.Payload)
	if err != nil {
		return err
	}
	if err := applyEvent(ctx, pw.db, env.Sequence, evt); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(env.EventType.String()).Observe(time.Since(start).Seconds())
		pw.metrics.ProjectionLastSequence.Set(float64(env.Sequence))
	}
	return nil
}

func applyEvent(ctx context.Context, db *sql.DB, seq int64, evt event.Event) error {
	stmts, err := statementsFor(seq, evt)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.query, s.args...); err != nil {
			return fmt.Errorf("%s projection: %w", evt.EventType(), err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
		WHERE projections.watermark.last_sequence < $2
	`, watermarkWorker, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// EventSource pages through the durable event log.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// RebuildProjections truncates the projection tables and replays the event
// log into them. It returns the last sequence applied.
func RebuildProjections(ctx context.Context, db *sql.DB, source EventSource, logger zerolog.Logger) (int64, error) {
	truncateStatements := []string{
		`TRUNCATE projections.pool_balances`,
		`TRUNCATE projections.policies`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}

	const page = 1000
	var last int64
	for {
		rows, err := source.LoadEventsFrom(ctx, last+1, page)
		if err != nil {
			return last, fmt.Errorf("load events from %d: %w", last+1, err)
		}
		for _, row := range rows {
			eventType, err := event.ParseEventType(row.EventType)
			if err != nil {
				return last, err
			}
			evt, err := event.Unmarshal(eventType, row.Payload)
			if err != nil {
				return last, fmt.Errorf("event %d: %w", row.Sequence, err)
			}
			if err := applyEvent(ctx, db, row.Sequence, evt); err != nil {
				return last, fmt.Errorf("event %d: %w", row.Sequence, err)
			}
			last = row.Sequence
		}
		if len(rows) < page {
			break
		}
	}

	logger.Info().Int64("last_sequence", last).Msg("projection rebuild complete")
	return last, nil
}
