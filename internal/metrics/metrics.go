// Package metrics exposes the daemon's internal counters as Prometheus
// gauges/histograms (§A.5 "Metrics / introspection"), collected by the
// admin HTTP listener (internal/adminsrv) at /metrics. Nothing in the core
// scheduling path depends on this package existing — every call here is an
// optional observation, never load-bearing for a request's outcome.
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cea-hpc/phobos/internal/cmn"
)

// Registry bundles every metric the daemon reports, one instance per
// process, registered against a private prometheus.Registry (not the global
// DefaultRegisterer) so tests can spin up independent instances.
type Registry struct {
	reg *prometheus.Registry

	DeviceHealth   *prometheus.GaugeVec
	MediumHealth   *prometheus.GaugeVec
	SchedQueueLen  *prometheus.GaugeVec
	SyncBatchSize  *prometheus.HistogramVec
	RequestsTotal  *prometheus.CounterVec
	RequestErrors  *prometheus.CounterVec
}

func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.DeviceHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "phobos", Subsystem: "lrs", Name: "device_health",
		Help: "Current health counter of a device (0 = failed).",
	}, []string{"family", "device"})

	r.MediumHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "phobos", Subsystem: "lrs", Name: "medium_health",
		Help: "Current health counter of a medium (0 = failed).",
	}, []string{"family", "medium"})

	r.SchedQueueLen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "phobos", Subsystem: "lrs", Name: "scheduler_queue_length",
		Help: "Pending request count in a family's write/read/format scheduler.",
	}, []string{"family", "scheduler"})

	r.SyncBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "phobos", Subsystem: "lrs", Name: "sync_batch_acks",
		Help:    "Number of release acks flushed per sync-batcher trip (§4.8).",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"family"})

	r.RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phobos", Subsystem: "lrs", Name: "requests_total",
		Help: "Requests routed by kind.",
	}, []string{"kind"})

	r.RequestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "phobos", Subsystem: "lrs", Name: "request_errors_total",
		Help: "Requests that completed with a non-zero errno, by kind and error kind.",
	}, []string{"kind", "error_kind"})

	r.reg.MustRegister(r.DeviceHealth, r.MediumHealth, r.SchedQueueLen, r.SyncBatchSize, r.RequestsTotal, r.RequestErrors)
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for the admin HTTP
// handler to render as text.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveRequest records one routed request, and its outcome once known.
func (r *Registry) ObserveRequest(kind string) {
	r.RequestsTotal.WithLabelValues(kind).Inc()
}

func (r *Registry) ObserveRequestError(kind string, errKind cmn.Kind) {
	r.RequestErrors.WithLabelValues(kind, errKind.String()).Inc()
}

func (r *Registry) SetDeviceHealth(family cmn.Family, device string, health int) {
	r.DeviceHealth.WithLabelValues(string(family), device).Set(float64(health))
}

func (r *Registry) SetMediumHealth(family cmn.Family, medium string, health int) {
	r.MediumHealth.WithLabelValues(string(family), medium).Set(float64(health))
}

func (r *Registry) SetQueueLen(family cmn.Family, scheduler string, n int) {
	r.SchedQueueLen.WithLabelValues(string(family), scheduler).Set(float64(n))
}

func (r *Registry) ObserveSyncBatch(family cmn.Family, acks int) {
	r.SyncBatchSize.WithLabelValues(string(family)).Observe(float64(acks))
}
