package metrics

import (
	"database/sql"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "randomcorp"

var (
	registry = prometheus.NewRegistry()

	submissionsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "submissions_accepted_total",
		Help:      "Submissions accepted, by store mode.",
	}, []string{"mode"})

	batchesAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "batches_accepted_total",
		Help:      "Batches accepted, by store mode.",
	}, []string{"mode"})

	processingSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "processing_seconds",
		Help:      "Accept path duration, excluding deferred persistence.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"kind"})

	rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "rejected_total",
		Help:      "Requests that failed, by reason.",
	}, []string{"reason"})

	degradedOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "degraded_operations_total",
		Help:      "Operations served by the transient store.",
	}, []string{"op"})

	storeState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "ready",
		Help:      "1 when the durable store pool is ready, 0 otherwise.",
	})

	taskOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "completed_total",
		Help:      "Background task outcomes.",
	}, []string{"task", "outcome"})

	initOnce sync.Once
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		registry.MustRegister(
			submissionsAccepted,
			batchesAccepted,
			processingSeconds,
			rejected,
			degradedOps,
			storeState,
			taskOutcomes,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

func ObserveAccepted(mode string, seconds float64) {
	submissionsAccepted.WithLabelValues(mode).Inc()
	processingSeconds.WithLabelValues("single").Observe(seconds)
}

func ObserveBatch(mode string, items int, seconds float64) {
	batchesAccepted.WithLabelValues(mode).Inc()
	submissionsAccepted.WithLabelValues(mode).Add(float64(items))
	processingSeconds.WithLabelValues("batch").Observe(seconds)
}

func ObserveRejected(reason string) {
	rejected.WithLabelValues(reason).Inc()
}

func ObserveDegraded(op string) {
	degradedOps.WithLabelValues(op).Inc()
}

func ObserveStoreReady(ready bool) {
	if ready {
		storeState.Set(1)
		return
	}
	storeState.Set(0)
}

func ObserveTask(task string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	taskOutcomes.WithLabelValues(task, outcome).Inc()
}

// RegisterPool exports connection pool stats read from stats on every scrape.
func RegisterPool(stats func() sql.DBStats) error {
	return registry.Register(&poolCollector{stats: stats})
}

func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

var (
	poolOpen    = prometheus.NewDesc(namespace+"_store_pool_open_connections", "Open connections in the pool.", nil, nil)
	poolInUse   = prometheus.NewDesc(namespace+"_store_pool_in_use_connections", "Connections currently in use.", nil, nil)
	poolIdle    = prometheus.NewDesc(namespace+"_store_pool_idle_connections", "Idle connections.", nil, nil)
	poolWaits   = prometheus.NewDesc(namespace+"_store_pool_wait_total", "Acquisitions that had to wait.", nil, nil)
	poolWaitSec = prometheus.NewDesc(namespace+"_store_pool_wait_seconds_total", "Time spent waiting for a connection.", nil, nil)
)

type poolCollector struct {
	stats func() sql.DBStats
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolOpen
	ch <- poolInUse
	ch <- poolIdle
	ch <- poolWaits
	ch <- poolWaitSec
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(poolOpen, prometheus.GaugeValue, float64(s.OpenConnections))
	ch <- prometheus.MustNewConstMetric(poolInUse, prometheus.GaugeValue, float64(s.InUse))
	ch <- prometheus.MustNewConstMetric(poolIdle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(poolWaits, prometheus.CounterValue, float64(s.WaitCount))
	ch <- prometheus.MustNewConstMetric(poolWaitSec, prometheus.CounterValue, s.WaitDuration.Seconds())
}
