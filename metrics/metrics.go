// Package metrics holds the Prometheus collectors of the workspace service.
// Collectors are package-level; RegisterAll attaches them to a registry.
package metrics // import "github.com/whisthq/whist/backend/workspaces/metrics"

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WorkspacesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workspaces_created_total",
		Help: "Workspaces created, by backend",
	}, []string{"backend"})

	WorkspacesDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workspaces_deleted_total",
		Help: "Workspaces deleted, by backend",
	}, []string{"backend"})

	OpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workspace_op_errors_total",
		Help: "Failed router operations, by operation and error kind",
	}, []string{"op", "kind"})

	RPCCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_calls_total",
		Help: "RPC calls to local pods, by method and outcome",
	}, []string{"method", "outcome"})

	RPCCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rpc_call_duration_seconds",
		Help:    "RPC round trip latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"method"})

	ConnectedPods = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connected_pods",
		Help: "Local pods currently connected",
	})

	ReaperSweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_sweeps_total",
		Help: "Idle reaper sweeps run",
	})

	ReaperDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_deleted_total",
		Help: "Workspaces deleted by the idle reaper",
	})
)

// RegisterAll registers every collector with reg.
func RegisterAll(reg prometheus.Registerer) {
	reg.MustRegister(
		WorkspacesCreated, WorkspacesDeleted, OpErrors,
		RPCCalls, RPCCallDuration, ConnectedPods,
		ReaperSweeps, ReaperDeleted,
	)
}

// ObserveRPC records one finished RPC call.
func ObserveRPC(method, outcome string, start time.Time) {
	RPCCalls.WithLabelValues(method, outcome).Inc()
	RPCCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
