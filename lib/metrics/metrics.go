// Package metrics exposes the service's operational counters and the host
// watchdog that feeds the alerting gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the service publishes.
type Metrics struct {
	registry *prometheus.Registry

	Launches        *prometheus.CounterVec
	Reclaims        *prometheus.CounterVec
	SnapshotOps     *prometheus.CounterVec
	BridgeAttaches  prometheus.Counter
	ActiveInstances prometheus.Gauge

	HostCPUPercent prometheus.Gauge
	HostMemPercent prometheus.Gauge
	DiskFreeBytes  *prometheus.GaugeVec
}

// New builds a self-contained metrics set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Launches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parlor_launches_total",
			Help: "Instance launches by boot kind and outcome.",
		}, []string{"kind", "outcome"}),
		Reclaims: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parlor_reclaims_total",
			Help: "Instance reclaims by trigger.",
		}, []string{"trigger"}),
		SnapshotOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "parlor_snapshot_operations_total",
			Help: "Snapshot operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		BridgeAttaches: factory.NewCounter(prometheus.CounterOpts{
			Name: "parlor_bridge_attaches_total",
			Help: "Successful display attaches.",
		}),
		ActiveInstances: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parlor_active_instances",
			Help: "Instances currently recorded in the registry.",
		}),
		HostCPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parlor_host_cpu_percent",
			Help: "Host CPU utilization sampled by the watchdog.",
		}),
		HostMemPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parlor_host_memory_percent",
			Help: "Host memory utilization sampled by the watchdog.",
		}),
		DiskFreeBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "parlor_disk_free_bytes",
			Help: "Free bytes per watched mount point.",
		}, []string{"mount"}),
	}
}

// Handler serves the exposition endpoint for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
