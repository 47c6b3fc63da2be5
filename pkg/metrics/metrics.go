// Package metrics exposes Prometheus collectors for graph mutations,
// snapshot writes and PageRank runs.
//
// A Collector implements storage.SaveObserver and pagerank.RunObserver, so
// it plugs straight into a Persister and an Engine. Collectors register
// against a caller-supplied registerer rather than the global default, which
// keeps tests independent of each other.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orneryd/webgraph/pkg/storage"
)

// Collector holds every webgraph metric.
type Collector struct {
	Mutations      *prometheus.CounterVec
	SnapshotWrites *prometheus.CounterVec
	SnapshotTime   prometheus.Histogram
	SnapshotBytes  prometheus.Gauge
	PageRankRuns   *prometheus.CounterVec
	PageRankTime   prometheus.Histogram
	PageRankIters  prometheus.Gauge
	GraphNodes     prometheus.Gauge
	GraphEdges     prometheus.Gauge
}

// New creates the collectors under namespace and registers them with reg.
// A nil reg leaves them unregistered.
func New(namespace string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "graph mutations applied, by operation",
		}, []string{"op"}),
		SnapshotWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_writes_total",
			Help:      "snapshot write attempts, by outcome",
		}, []string{"outcome"}),
		SnapshotTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_write_seconds",
			Help:      "time spent encoding and writing a snapshot",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		SnapshotBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_bytes",
			Help:      "size of the last written snapshot",
		}),
		PageRankRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pagerank_runs_total",
			Help:      "pagerank runs, by outcome",
		}, []string{"outcome"}),
		PageRankTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pagerank_run_seconds",
			Help:      "duration of a pagerank run",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		PageRankIters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pagerank_iterations",
			Help:      "iterations performed by the last pagerank run",
		}),
		GraphNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_nodes",
			Help:      "nodes in the graph",
		}),
		GraphEdges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_edges",
			Help:      "edges in the graph",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.Mutations,
			c.SnapshotWrites,
			c.SnapshotTime,
			c.SnapshotBytes,
			c.PageRankRuns,
			c.PageRankTime,
			c.PageRankIters,
			c.GraphNodes,
			c.GraphEdges,
		)
	}
	return c
}

// ObserveMutation counts one mutation and refreshes the size gauges.
func (c *Collector) ObserveMutation(op string, stats storage.Stats) {
	c.Mutations.WithLabelValues(op).Inc()
	c.ObserveStats(stats)
}

// ObserveStats sets the node and edge gauges.
func (c *Collector) ObserveStats(stats storage.Stats) {
	c.GraphNodes.Set(float64(stats.Nodes))
	c.GraphEdges.Set(float64(stats.Edges))
}

// ObserveSave implements storage.SaveObserver.
func (c *Collector) ObserveSave(outcome string, elapsed time.Duration, size int) {
	c.SnapshotWrites.WithLabelValues(outcome).Inc()
	c.SnapshotTime.Observe(elapsed.Seconds())
	if outcome == storage.OutcomeOK {
		c.SnapshotBytes.Set(float64(size))
	}
}

// ObserveRun implements pagerank.RunObserver.
func (c *Collector) ObserveRun(outcome string, elapsed time.Duration, iterations int) {
	c.PageRankRuns.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		c.PageRankTime.Observe(elapsed.Seconds())
	}
	if iterations > 0 {
		c.PageRankIters.Set(float64(iterations))
	}
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
