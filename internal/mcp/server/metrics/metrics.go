package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_mcp_http_requests_total",
			Help: "Total number of MCP HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analyst_mcp_http_request_duration_seconds",
			Help:    "Duration of MCP HTTP requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
	)

	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_mcp_auth_failures_total",
			Help: "Total number of MCP authentication failures",
		},
		[]string{"reason"},
	)

	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_mcp_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool_name", "status"},
	)

	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyst_mcp_tool_call_duration_seconds",
			Help:    "Duration of MCP tool calls",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~41s
		},
		[]string{"tool_name"},
	)
)
