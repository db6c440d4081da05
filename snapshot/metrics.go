package snapshot

import (
	"github.com/masayil/snapstore/helper/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const subsystemID = "snapshot"

type Metrics struct {
	// sharedOpenCount counts reads served by an already open handle
	sharedOpenCount prometheus.Counter
	// newOpenCount counts genuine database opens
	newOpenCount prometheus.Counter
	// cowCopyCount counts snapshot derivations through copy-on-write
	cowCopyCount prometheus.Counter
	// stdCopyCount counts snapshot derivations through full copy fallback
	stdCopyCount prometheus.Counter
	// destroyCount counts logical snapshot deletions
	destroyCount prometheus.Counter

	// mergeSeconds measures time spent merging a delta into a snapshot
	mergeSeconds prometheus.Histogram

	openSnapshots    prometheus.Gauge
	openMptSnapshots prometheus.Gauge
}

// GetPrometheusMetrics return the snapshot metrics instance
func GetPrometheusMetrics(namespace string, constLabelsWithValues ...string) *Metrics {
	constLabels := metrics.ParseLables(constLabelsWithValues...)

	m := &Metrics{
		sharedOpenCount:  newCounter(namespace, "shared_open_count", constLabels),
		newOpenCount:     newCounter(namespace, "new_open_count", constLabels),
		cowCopyCount:     newCounter(namespace, "cow_copy_count", constLabels),
		stdCopyCount:     newCounter(namespace, "std_copy_count", constLabels),
		destroyCount:     newCounter(namespace, "destroy_count", constLabels),
		mergeSeconds:     newHistogram(namespace, "merge_seconds", constLabels),
		openSnapshots:    newGauge(namespace, "open_snapshots", constLabels),
		openMptSnapshots: newGauge(namespace, "open_mpt_snapshots", constLabels),
	}

	prometheus.MustRegister(
		m.sharedOpenCount,
		m.newOpenCount,
		m.cowCopyCount,
		m.stdCopyCount,
		m.destroyCount,
		m.mergeSeconds,
		m.openSnapshots,
		m.openMptSnapshots,
	)

	return m
}

func newGauge(namespace, name string, constLabels prometheus.Labels) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystemID,
		Name:        name,
		Help:        metrics.MetricName2Help(name),
		ConstLabels: constLabels,
	})
}

func newCounter(namespace, name string, constLabels prometheus.Labels) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystemID,
		Name:        name,
		Help:        metrics.MetricName2Help(name),
		ConstLabels: constLabels,
	})
}

func newHistogram(namespace, name string, constLabels prometheus.Labels) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystemID,
		Name:        name,
		Help:        metrics.MetricName2Help(name),
		ConstLabels: constLabels,
	})
}

// NilMetrics will return the non operational snapshot metrics
func NilMetrics() *Metrics {
	return &Metrics{}
}
