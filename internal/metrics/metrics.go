package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Treasury core counters, gauges and histograms.

var (
	// Queue
	QueueJobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Total jobs appended to the queue",
	}, []string{"type"})

	QueueJobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "queue",
		Name:      "jobs_claimed_total",
		Help:      "Total jobs claimed by a consumer",
	}, []string{"type"})

	QueueJobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "queue",
		Name:      "jobs_completed_total",
		Help:      "Total jobs finished, by outcome (ack/requeued/dropped)",
	}, []string{"type", "outcome"})

	QueueJobsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "queue",
		Name:      "jobs_swept_total",
		Help:      "Total stale or unparsable jobs dropped by the sweeper",
	})

	QueueDedupeSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "queue",
		Name:      "dedupe_suppressed_total",
		Help:      "Total enqueues suppressed by an owned dedup key",
	}, []string{"type"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "treasury",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current queue length",
	})

	// Worker
	WorkerJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "worker",
		Name:      "jobs_processed_total",
		Help:      "Total jobs executed, by type and result",
	}, []string{"type", "result"})

	WorkerJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "treasury",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Job execution duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"type"})

	WorkerProcessing = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "treasury",
		Subsystem: "worker",
		Name:      "processing",
		Help:      "1 while a job's execute section is active",
	})

	// Rebalance
	RebalanceOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "rebalance",
		Name:      "outcomes_total",
		Help:      "Total rebalance outcomes by mode",
	}, []string{"mode"})

	RebalanceQuoteIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "treasury",
		Subsystem: "rebalance",
		Name:      "quote_iterations",
		Help:      "Refinement iterations per accepted plan",
		Buckets:   []float64{1, 2, 3},
	})

	// Settlement
	SettlementOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "settlement",
		Name:      "outcomes_total",
		Help:      "Total settlement outcomes by state",
	}, []string{"state"})

	SettlementTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "settlement",
		Name:      "transfers_total",
		Help:      "Total settlement transfers by asset kind",
	}, []string{"kind"})

	// Pricing
	PriceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "pricing",
		Name:      "fetches_total",
		Help:      "Total price lookups by source (cache/upstream) and result",
	}, []string{"source", "result"})

	// Swap aggregator
	QuoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "swap",
		Name:      "quote_requests_total",
		Help:      "Total aggregator quote requests by result",
	}, []string{"result"})

	QuoteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "treasury",
		Subsystem: "swap",
		Name:      "quote_duration_seconds",
		Help:      "Aggregator quote round-trip duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// HTTP
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by route and status class",
	}, []string{"route", "status"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent, by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by cooldown, by channel and type",
	}, []string{"channel", "type"})
)
