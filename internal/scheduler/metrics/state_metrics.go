package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	tasksDesc = prometheus.NewDesc(
		prefix+"tasks",
		"Number of tasks in the working set by status",
		[]string{statusLabel}, nil,
	)
	queuedTasksDesc = prometheus.NewDesc(
		prefix+"queued_tasks",
		"Number of tasks waiting in the priority queue by priority",
		[]string{priorityLabel}, nil,
	)
	acceleratorsTotalDesc = prometheus.NewDesc(
		prefix+"accelerators_total",
		"Number of accelerator slots",
		nil, nil,
	)
	acceleratorsAvailableDesc = prometheus.NewDesc(
		prefix+"accelerators_available",
		"Number of free accelerator slots",
		nil, nil,
	)
	acceleratorMemoryUsageDesc = prometheus.NewDesc(
		prefix+"accelerator_memory_usage_percent",
		"Share of accelerator memory reserved by running tasks",
		nil, nil,
	)
	efficiencyScoreDesc = prometheus.NewDesc(
		prefix+"efficiency_score",
		"Overall efficiency score in [0,100]",
		nil, nil,
	)
)

// State is a snapshot of the scheduler published as gauges.
type State struct {
	TasksByStatus         map[string]int
	QueuedByPriority      map[string]int
	AcceleratorsTotal     int
	AcceleratorsAvailable int
	MemoryUsagePercent    float64
	EfficiencyScore       float64
}

// StateProvider returns the current scheduler state.
type StateProvider func() (State, error)

// StateCollector is a Prometheus Collector publishing scheduler state.
// The state is calculated by Refresh, which is expected to be called periodically, so scrapes never block the
// scheduler.
type StateCollector struct {
	provider StateProvider
	state    atomic.Value
}

func NewStateCollector(provider StateProvider) *StateCollector {
	return &StateCollector{provider: provider}
}

// Refresh recalculates the published metrics. Errors are logged and the previous state is kept.
func (c *StateCollector) Refresh() {
	start := time.Now()
	state, err := c.provider()
	if err != nil {
		log.WithError(err).Warn("error refreshing metrics state")
		return
	}
	c.state.Store(stateMetrics(state))
	log.Debugf("Refreshed prometheus metrics in %s", time.Since(start))
}

func (c *StateCollector) Describe(out chan<- *prometheus.Desc) {
	out <- tasksDesc
	out <- queuedTasksDesc
	out <- acceleratorsTotalDesc
	out <- acceleratorsAvailableDesc
	out <- acceleratorMemoryUsageDesc
	out <- efficiencyScoreDesc
}

func (c *StateCollector) Collect(metrics chan<- prometheus.Metric) {
	state, ok := c.state.Load().([]prometheus.Metric)
	if ok {
		for _, m := range state {
			metrics <- m
		}
	}
}

func stateMetrics(state State) []prometheus.Metric {
	result := make([]prometheus.Metric, 0, len(state.TasksByStatus)+len(state.QueuedByPriority)+4)
	statuses := maps.Keys(state.TasksByStatus)
	slices.Sort(statuses)
	for _, status := range statuses {
		result = append(result, prometheus.MustNewConstMetric(tasksDesc, prometheus.GaugeValue, float64(state.TasksByStatus[status]), status))
	}
	priorities := maps.Keys(state.QueuedByPriority)
	slices.Sort(priorities)
	for _, priority := range priorities {
		result = append(result, prometheus.MustNewConstMetric(queuedTasksDesc, prometheus.GaugeValue, float64(state.QueuedByPriority[priority]), priority))
	}
	result = append(result,
		prometheus.MustNewConstMetric(acceleratorsTotalDesc, prometheus.GaugeValue, float64(state.AcceleratorsTotal)),
		prometheus.MustNewConstMetric(acceleratorsAvailableDesc, prometheus.GaugeValue, float64(state.AcceleratorsAvailable)),
		prometheus.MustNewConstMetric(acceleratorMemoryUsageDesc, prometheus.GaugeValue, state.MemoryUsagePercent),
		prometheus.MustNewConstMetric(efficiencyScoreDesc, prometheus.GaugeValue, state.EfficiencyScore),
	)
	return result
}
