package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "charchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "charchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// Generation sessions, labelled by terminal state: committed, rejected, aborted.
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "charchat_generations_total",
			Help: "Generation sessions by terminal state",
		},
		[]string{"outcome"},
	)

	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "charchat_generation_duration_seconds",
			Help:    "Wall time from admission to terminal state",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 45, 90},
		},
	)

	TokensStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "charchat_generation_chunks_streamed_total",
			Help: "Partial text chunks forwarded to callers",
		},
	)

	// Balance
	BalanceRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "charchat_balance_rejections_total",
			Help: "Generation requests rejected for insufficient balance",
		},
	)

	BalanceDebited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "charchat_balance_debited_units_total",
			Help: "Credit units debited by settled sessions",
		},
	)

	BalanceClamped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "charchat_balance_settle_clamped_total",
			Help: "Settlements where actual cost exceeded the remaining balance",
		},
	)

	SettlementFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "charchat_balance_settle_failures_total",
			Help: "Committed replies whose settlement could not be written",
		},
	)

	// Memory
	MemoriesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "charchat_memories_created_total",
			Help: "Summary memories created",
		},
	)

	MemoryJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "charchat_memory_jobs_total",
			Help: "Summarisation jobs by status",
		},
		[]string{"status"},
	)

	// Sanitizer
	SanitizerChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "charchat_sanitizer_changes_total",
			Help: "Sanitizer rules that changed a model response",
		},
		[]string{"rule"},
	)
)
