package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the clearing house's Prometheus collectors.
type Metrics struct {
	// --- Engine ---
	InstructionsApplied  *prometheus.CounterVec
	InstructionsRejected *prometheus.CounterVec
	ApplyDuration        *prometheus.HistogramVec
	JournalsGenerated    *prometheus.CounterVec
	Sequence             prometheus.Gauge

	// --- Channels ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	ProjectionErrors    prometheus.Counter
	ProjectionLastSeq   prometheus.Gauge
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	Duplicates      *prometheus.CounterVec
	DedupLRUSize    prometheus.Gauge
	DedupTier2Error prometheus.Counter

	// --- Markets ---
	MarkPrice      *prometheus.GaugeVec
	FeePool        *prometheus.GaugeVec
	FundingRate    *prometheus.GaugeVec
	FundingSettled *prometheus.CounterVec
	Repegs         *prometheus.CounterVec

	// --- Liquidation ---
	Liquidations    *prometheus.CounterVec
	LiquidationStep *prometheus.CounterVec
	BadDebt         *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDuration   prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates all collectors and registers them with reg. Passing
// nil registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		InstructionsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ch_engine_instructions_applied_total",
			Help: "Instructions applied by the engine",
		}, []string{"kind"}),

		InstructionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ch_engine_instructions_rejected_total",
			Help: "Instructions rejected, by error code",
		}, []string{"kind", "code"}),

		ApplyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ch_engine_apply_duration_seconds",
			Help:    "Time to apply one instruction",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		JournalsGenerated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ch_engine_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		Sequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "ch_engine_sequence",
			Help: "Last applied engine sequence",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ch_channel_size",
			Help: "Items buffered in an internal channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ch_channel_capacity",
			Help: "Capacity of an internal channel",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "ch_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}),

		ProjectionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "ch_projection_errors_total",
			Help: "Outputs the projection worker failed to apply",
		}),

		ProjectionLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "ch_projection_last_sequence",
			Help: "Highest sequence reflected in the read views",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "ch_publish_drops_total",
			Help: "Outputs not published to NATS",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "ch_persist_backpressure_total",
			Help: "Times the engine blocked on a full persist channel",
		}),

		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ch_idempotency_duplicates_total",
			Help: "Duplicate instructions skipped",
		}, []string{"kind", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "ch_idempotency_lru_size",
			Help: "Keys held in the in-memory dedup cache",
		}),

		DedupTier2Error: f.NewCounter(prometheus.CounterOpts{
			Name: "ch_idempotency_tier2_errors_total",
			Help: "Failed Postgres dedup lookups",
		}),

		MarkPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ch_market_mark_price",
			Help: "AMM mark price after the last applied instruction",
		}, []string{"market"}),

		FeePool: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ch_market_fee_pool",
			Help: "Market fee pool balance",
		}, []string{"market"}),

		FundingRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ch_market_funding_rate",
			Help: "Last settled funding rate",
		}, []string{"market"}),

		FundingSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ch_funding_settlements_total",
			Help: "Funding periods settled",
		}, []string{"market"}),

		Repegs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ch_repeg_total",
			Help: "Repeg operations, by whether the budget limited them",
		}, []string{"market", "budget_limited"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ch_liquidations_total",
			Help: "Liquidations, by outcome",
		}, []string{"market", "outcome"}),

		LiquidationStep: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ch_liquidation_steps_total",
			Help: "Liquidation steps executed",
		}, []string{"market"}),

		BadDebt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ch_bad_debt_total",
			Help: "Uncovered losses recorded as bad debt",
		}, []string{"market"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "ch_persist_events_written_total",
			Help: "Event envelopes written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "ch_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ch_persist_batch_duration_seconds",
			Help:    "Time to commit one persistence batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ch_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"stage"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "ch_persist_last_sequence",
			Help: "Highest sequence committed to Postgres",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "ch_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "ch_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "ch_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ch_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ch_api_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// SetChannelMetrics updates channel depth gauges.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
