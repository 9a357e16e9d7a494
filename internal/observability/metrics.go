package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for DelayLedger.
type Metrics struct {
	// --- Core ---
	CoreEventsApplied    *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge

	// --- Pools & settlement ---
	PoolBalance        *prometheus.GaugeVec
	PoliciesCreated    prometheus.Counter
	PremiumsCollected  prometheus.Counter
	SettlementOutcomes *prometheus.CounterVec
	PayoutsTotal       prometheus.Counter

	// --- Channel & backpressure ---
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter

	// --- Ingestion ---
	IngestedMessages  *prometheus.CounterVec
	NATSHandleLatency *prometheus.HistogramVec

	// --- Directory ---
	DirectoryLookups *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur    *prometheus.HistogramVec
	ProjectionLastSequence prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg. A nil reg leaves the metrics
// unregistered, which lets tests build as many sets as they like.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ioBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5}

	return &Metrics{
		// Core
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "delay_core_events_applied_total",
			Help: "Events committed by core",
		}, []string{"event_type"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "delay_core_commands_rejected_total",
			Help: "Commands rejected (dedup, authorization, funds, state)",
		}, []string{"command", "reason"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delay_core_command_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "delay_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "delay_core_sequence",
			Help: "Last committed global sequence number",
		}),

		// Pools & settlement
		PoolBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "delay_pool_balance",
			Help: "Company funding pool balance in token units",
		}, []string{"company"}),

		PoliciesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "delay_policies_created_total",
			Help: "Policies sold",
		}),

		PremiumsCollected: f.NewCounter(prometheus.CounterOpts{
			Name: "delay_premiums_collected_total",
			Help: "Premium pulled into engine escrow, in token units",
		}),

		SettlementOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "delay_settlements_total",
			Help: "Settlement attempts by outcome (paid, unpaid, underfunded)",
		}, []string{"outcome"}),

		PayoutsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "delay_payouts_total",
			Help: "Compensation paid out of company pools, in token units",
		}),

		// Channel & backpressure
		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "delay_projection_drops_total",
			Help: "Outputs dropped because a non-blocking channel was full",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "delay_publish_drops_total",
			Help: "Outbound events that failed to publish",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "delay_persist_backpressure_total",
			Help: "Times core blocked on a full persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "delay_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"command", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "delay_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "delay_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		// Ingestion
		IngestedMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "delay_ingested_messages_total",
			Help: "NATS commands consumed by kind and outcome",
		}, []string{"kind", "outcome"}),

		NATSHandleLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delay_nats_handle_seconds",
			Help:    "Time from NATS delivery to ack or nak",
			Buckets: ioBuckets,
		}, []string{"subject"}),

		// Directory
		DirectoryLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "delay_directory_lookups_total",
			Help: "Flight lookups by cache result (hit, miss, error)",
		}, []string{"result"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "delay_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "delay_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "delay_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "delay_persist_batch_duration_seconds",
			Help:    "Time to commit one persistence batch",
			Buckets: ioBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "delay_persist_errors_total",
			Help: "Persistence errors by stage",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "delay_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "delay_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		// Projection
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delay_projection_update_duration_seconds",
			Help:    "Time to apply one event to projections",
			Buckets: ioBuckets,
		}, []string{"event_type"}),

		ProjectionLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "delay_projection_last_sequence",
			Help: "Projection watermark",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "delay_snapshot_taken_total",
			Help: "Snapshots saved",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "delay_snapshot_duration_seconds",
			Help:    "Time to save a snapshot",
			Buckets: ioBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "delay_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "delay_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "delay_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "delay_replay_duration_seconds",
			Help: "Duration of the startup replay",
		}),

		// HTTP API
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "delay_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "code"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delay_http_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: ioBuckets,
		}, []string{"route"}),
	}
}
