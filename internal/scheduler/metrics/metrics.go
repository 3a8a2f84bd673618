package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
)

// Metrics records task lifecycle transitions. It implements prometheus.Collector so it can be registered in one call.
type Metrics struct {
	submitted         *prometheus.CounterVec
	rejected          *prometheus.CounterVec
	admitted          *prometheus.CounterVec
	completed         *prometheus.CounterVec
	failed            *prometheus.CounterVec
	retried           *prometheus.CounterVec
	cancelled         *prometheus.CounterVec
	backpressure      *prometheus.CounterVec
	completedDuration *prometheus.HistogramVec
	allMetrics        []prometheus.Collector

	*cycleMetrics
}

func New() *Metrics {
	submitted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "tasks_submitted_total",
			Help: "Number of tasks accepted from the submission source",
		},
		[]string{taskTypeLabel, priorityLabel},
	)
	rejected := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "tasks_rejected_total",
			Help: "Number of submissions rejected at ingest",
		},
		[]string{taskTypeLabel, reasonLabel},
	)
	admitted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "tasks_admitted_total",
			Help: "Number of attempts started",
		},
		[]string{taskTypeLabel, priorityLabel},
	)
	completed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "tasks_completed_total",
			Help: "Number of tasks that completed successfully",
		},
		[]string{taskTypeLabel},
	)
	failed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "tasks_failed_total",
			Help: "Number of tasks that failed permanently",
		},
		[]string{taskTypeLabel, reasonLabel},
	)
	retried := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "tasks_retried_total",
			Help: "Number of failed attempts scheduled for retry",
		},
		[]string{taskTypeLabel},
	)
	cancelled := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "tasks_cancelled_total",
			Help: "Number of running tasks cancelled",
		},
		[]string{taskTypeLabel, reasonLabel},
	)
	backpressure := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "admission_backpressure_total",
			Help: "Number of scheduling cycles that stopped admitting because capacity was exhausted",
		},
		[]string{reasonLabel},
	)
	completedDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "task_duration_seconds",
			Help:    "Time from first admission to the terminal transition",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 18),
		},
		[]string{taskTypeLabel, statusLabel},
	)
	return &Metrics{
		submitted:         submitted,
		rejected:          rejected,
		admitted:          admitted,
		completed:         completed,
		failed:            failed,
		retried:           retried,
		cancelled:         cancelled,
		backpressure:      backpressure,
		completedDuration: completedDuration,
		allMetrics: []prometheus.Collector{
			submitted, rejected, admitted, completed, failed, retried, cancelled, backpressure, completedDuration,
		},
		cycleMetrics: newCycleMetrics(),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range m.allMetrics {
		metric.Describe(ch)
	}
	m.cycleMetrics.describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, metric := range m.allMetrics {
		metric.Collect(ch)
	}
	m.cycleMetrics.collect(ch)
}

func (m *Metrics) ReportSubmitted(taskType schedulerobjects.TaskType, priority schedulerobjects.Priority) {
	m.submitted.WithLabelValues(taskTypeLabelValue(taskType), priority.String()).Inc()
}

func (m *Metrics) ReportRejected(taskType schedulerobjects.TaskType, reason string) {
	m.rejected.WithLabelValues(taskTypeLabelValue(taskType), reason).Inc()
}

func (m *Metrics) ReportAdmitted(taskType schedulerobjects.TaskType, priority schedulerobjects.Priority) {
	m.admitted.WithLabelValues(taskTypeLabelValue(taskType), priority.String()).Inc()
}

func (m *Metrics) ReportCompleted(taskType schedulerobjects.TaskType, duration time.Duration) {
	m.completed.WithLabelValues(taskTypeLabelValue(taskType)).Inc()
	m.completedDuration.WithLabelValues(taskTypeLabelValue(taskType), string(schedulerobjects.Completed)).Observe(duration.Seconds())
}

func (m *Metrics) ReportFailed(taskType schedulerobjects.TaskType, reason schedulerobjects.FailureReason, duration time.Duration) {
	m.failed.WithLabelValues(taskTypeLabelValue(taskType), string(reason)).Inc()
	if reason != schedulerobjects.FailureReasonConfiguration {
		m.completedDuration.WithLabelValues(taskTypeLabelValue(taskType), string(schedulerobjects.Failed)).Observe(duration.Seconds())
	}
}

func (m *Metrics) ReportRetried(taskType schedulerobjects.TaskType) {
	m.retried.WithLabelValues(taskTypeLabelValue(taskType)).Inc()
}

func (m *Metrics) ReportCancelled(taskType schedulerobjects.TaskType, reason schedulerobjects.CancelReason) {
	m.cancelled.WithLabelValues(taskTypeLabelValue(taskType), string(reason)).Inc()
}

func (m *Metrics) ReportBackpressure(reason string) {
	m.backpressure.WithLabelValues(reason).Inc()
}

// taskTypeLabelValue keeps label cardinality bounded: submitted task types that are not known map to one value.
func taskTypeLabelValue(taskType schedulerobjects.TaskType) string {
	if _, err := schedulerobjects.ParseTaskType(string(taskType)); err != nil {
		return unknownTaskType
	}
	return string(taskType)
}
