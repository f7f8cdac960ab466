// Package metrics exposes prometheus instrumentation for the cache and the
// cluster engine. All collectors are registered on an explicitly supplied
// registry so that embedding applications control the scrape surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stripefs"

// CacheMetrics instruments the data cache.
type CacheMetrics struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Evictions prometheus.Counter
	Flushes   prometheus.Counter
	Readahead prometheus.Counter
	Size      prometheus.Gauge
	Pressure  prometheus.Gauge
}

// NewCacheMetrics creates and registers the cache collectors.
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	m := &CacheMetrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Block lookups served without allocation.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Block lookups that allocated a new block.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Clean blocks removed by the eviction scan.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "flushes_total",
			Help: "Dirty blocks flushed, foreground and background.",
		}),
		Readahead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "readahead_total",
			Help: "Blocks materialized by readahead predictions.",
		}),
		Size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "size_bytes",
			Help: "Bytes currently held by cached blocks.",
		}),
		Pressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "pressure",
			Help: "Normalized cache over-fill between 0 and 1.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Hits, m.Misses, m.Evictions, m.Flushes, m.Readahead, m.Size, m.Pressure)
	}
	return m
}

// ClusterMetrics instruments one cluster engine.
type ClusterMetrics struct {
	Operations *prometheus.CounterVec
	Latency    *prometheus.HistogramVec
	Reconnects prometheus.Counter
}

// NewClusterMetrics creates and registers the cluster collectors, labelled
// with the cluster id.
func NewClusterMetrics(reg prometheus.Registerer, clusterID string) *ClusterMetrics {
	labels := prometheus.Labels{"cluster": clusterID}
	m := &ClusterMetrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "operations_total",
			Help: "Cluster operations by type and reduced status.", ConstLabels: labels,
		}, []string{"op", "status"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "operation_seconds",
			Help: "Scatter-gather wall time by operation.", ConstLabels: labels,
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"op"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "reconnects_total",
			Help: "Drive reconnection attempts.", ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.Latency, m.Reconnects)
	}
	return m
}
