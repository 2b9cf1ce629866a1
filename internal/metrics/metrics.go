// Package metrics exposes orchestrator counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mattjoyce/scatter/internal/nodepool"
)

const namespace = "scatter"

const (
	MetricRuns             = "runs_total"
	MetricSubjobsLaunched  = "subjobs_launched_total"
	MetricSubjobsCompleted = "subjobs_completed_total"
	MetricSubjobDuration   = "subjob_duration_seconds"
	MetricBytesIngested    = "bytes_ingested_total"
	MetricNodeAssigned     = "node_assigned_processes"
)

var CounterRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricRuns,
		Help:      "Completed runs by outcome.",
	},
	[]string{"outcome"},
)

var CounterSubjobsLaunched = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricSubjobsLaunched,
		Help:      "Worker groups handed to the launcher.",
	},
)

var CounterSubjobsCompleted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricSubjobsCompleted,
		Help:      "Worker groups finished, by outcome.",
	},
	[]string{"outcome"},
)

var HistogramSubjobDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      MetricSubjobDuration,
		Help:      "Wall time from launch to exit of a worker group.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	},
)

var CounterBytesIngested = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricBytesIngested,
		Help:      "Bytes reported as ingested by successful ranks.",
	},
)

var GaugeNodeAssigned = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      MetricNodeAssigned,
		Help:      "Worker processes currently assigned to each roster node.",
	},
	[]string{"node"},
)

func init() {
	prometheus.MustRegister(CounterRuns)
	prometheus.MustRegister(CounterSubjobsLaunched)
	prometheus.MustRegister(CounterSubjobsCompleted)
	prometheus.MustRegister(HistogramSubjobDuration)
	prometheus.MustRegister(CounterBytesIngested)
	prometheus.MustRegister(GaugeNodeAssigned)
}

// Outcome label values.
func Outcome(ok bool) string {
	if ok {
		return "succeeded"
	}
	return "failed"
}

// ObservePool copies the pool counters into GaugeNodeAssigned.
func ObservePool(p *nodepool.Pool) {
	for _, nl := range p.Snapshot() {
		GaugeNodeAssigned.WithLabelValues(nl.Node).Set(float64(nl.Assigned))
	}
}
