package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
)

// CycleResult summarises what a single scheduling cycle did.
type CycleResult struct {
	// Records accepted from the submission source.
	Ingested int
	// Retrying tasks moved back onto the queue.
	Promoted int
	// Attempts started, keyed by the priority they were admitted at.
	AdmittedByPriority map[schedulerobjects.Priority]int
	// Queue depth once admission stopped.
	QueueDepth int
}

type resettableMetric interface {
	prometheus.Collector
	Reset()
}

type cycleMetrics struct {
	mu sync.Mutex

	ingested   prometheus.Gauge
	promoted   prometheus.Gauge
	admitted   *prometheus.GaugeVec
	queueDepth prometheus.Gauge
	cycleTime  prometheus.Histogram
	cycles     prometheus.Counter

	// Gauges holding per-priority values are cleared at the start of each report
	// so priorities that admitted nothing drop to zero.
	perCycleResettableMetrics []resettableMetric
	allMetrics                []prometheus.Collector
}

func newCycleMetrics() *cycleMetrics {
	ingested := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "cycle_ingested",
			Help: "Number of submissions accepted in the most recent cycle",
		},
	)
	promoted := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "cycle_retries_promoted",
			Help: "Number of retrying tasks queued again in the most recent cycle",
		},
	)
	admitted := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "cycle_admitted",
			Help: "Number of tasks started in the most recent cycle",
		},
		[]string{priorityLabel},
	)
	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "cycle_queue_depth",
			Help: "Queue depth at the end of the most recent cycle",
		},
	)
	cycleTime := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    prefix + "cycle_duration_seconds",
			Help:    "Duration of a scheduling cycle",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
	)
	cycles := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "cycles_total",
			Help: "Number of scheduling cycles run",
		},
	)
	return &cycleMetrics{
		ingested:                  ingested,
		promoted:                  promoted,
		admitted:                  admitted,
		queueDepth:                queueDepth,
		cycleTime:                 cycleTime,
		cycles:                    cycles,
		perCycleResettableMetrics: []resettableMetric{admitted},
		allMetrics:                []prometheus.Collector{ingested, promoted, admitted, queueDepth, cycleTime, cycles},
	}
}

func (m *cycleMetrics) resetPerCycleMetrics() {
	for _, metric := range m.perCycleResettableMetrics {
		metric.Reset()
	}
}

// ReportCycle records the outcome of one scheduling cycle.
func (m *cycleMetrics) ReportCycle(result CycleResult, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetPerCycleMetrics()

	m.cycles.Inc()
	m.cycleTime.Observe(d.Seconds())
	m.ingested.Set(float64(result.Ingested))
	m.promoted.Set(float64(result.Promoted))
	m.queueDepth.Set(float64(result.QueueDepth))
	for priority, count := range result.AdmittedByPriority {
		m.admitted.WithLabelValues(priority.String()).Set(float64(count))
	}
}

func (m *cycleMetrics) describe(ch chan<- *prometheus.Desc) {
	for _, metric := range m.allMetrics {
		metric.Describe(ch)
	}
}

func (m *cycleMetrics) collect(ch chan<- prometheus.Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, metric := range m.allMetrics {
		metric.Collect(ch)
	}
}
