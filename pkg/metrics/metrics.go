package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "analyst_build_info",
			Help: "Build information of the budget analyst",
		},
		[]string{"version", "commit", "date"},
	)

	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_turns_total",
			Help: "Total number of answered questions by terminal node and error category",
		},
		[]string{"terminal", "error_category"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analyst_turn_duration_seconds",
			Help:    "Duration of a full question turn",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~205s
		},
	)

	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyst_node_duration_seconds",
			Help:    "Duration of each workflow node",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
		},
		[]string{"node"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_sql_retries_total",
			Help: "Total number of SQL regenerations by failure reason",
		},
		[]string{"reason"},
	)

	SoftErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_soft_errors_total",
			Help: "Total number of degraded but recovered workflow steps",
		},
		[]string{"kind"},
	)

	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_llm_requests_total",
			Help: "Total number of LLM requests",
		},
		[]string{"model", "status"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyst_llm_request_duration_seconds",
			Help:    "Duration of LLM requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 0.05s to ~102s
		},
		[]string{"model"},
	)

	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_llm_tokens_total",
			Help: "Total number of LLM tokens by kind",
		},
		[]string{"model", "kind"},
	)

	LLMCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_llm_cache_total",
			Help: "LLM response cache lookups",
		},
		[]string{"result"},
	)

	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_db_queries_total",
			Help: "Total number of executed analysis queries by outcome",
		},
		[]string{"status"},
	)

	DBQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analyst_db_query_duration_seconds",
			Help:    "Duration of analysis queries",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~41s
		},
	)

	DBRowsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analyst_db_rows_returned",
			Help:    "Rows returned per analysis query",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11), // 1 to 1024
		},
	)

	IdentityLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_identity_lookups_total",
			Help: "Person lookups by email, by result",
		},
		[]string{"result"},
	)
)
