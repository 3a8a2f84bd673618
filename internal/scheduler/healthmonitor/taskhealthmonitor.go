package healthmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/quantforge/gpuscheduler/internal/common/healthmonitor"
	"github.com/quantforge/gpuscheduler/internal/common/logging"
	"github.com/quantforge/gpuscheduler/internal/common/schedcontext"
	"github.com/quantforge/gpuscheduler/internal/scheduler/configuration"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
	"github.com/quantforge/gpuscheduler/internal/scheduler/taskdb"
)

const (
	reasonLabel = "reason"

	// The monitor is reported unhealthy if no sweep has completed for this many intervals.
	missedSweepsLimit = 3
)

// TaskController is the part of the scheduler the health monitor acts on.
type TaskController interface {
	RunningTasks() ([]*taskdb.Task, error)
	CancelRunning(ctx *schedcontext.Context, taskId string, reason schedulerobjects.CancelReason) (bool, error)
	QueueDepth() int
	MaxConcurrentTasks() int
}

// SweepReport describes the outcome of one sweep.
type SweepReport struct {
	Time    time.Time
	Running int
	// Ids of tasks cancelled by this sweep.
	TimedOut       []string
	ErrorThreshold []string
	QueueDepth     int
	// Running count is at or above the configured fraction of MaxConcurrentTasks.
	CapacityPressure bool
	// Queue depth is above the configured warning level.
	QueuePressure bool
}

// TaskHealthMonitor periodically cancels Running tasks that have exceeded their timeout or reported too many errors,
// and reports capacity pressure without acting on it. It runs independently of the scheduling loop.
type TaskHealthMonitor struct {
	controller            TaskController
	interval              time.Duration
	errorThreshold        int
	queueDepthWarning     int
	capacityPressureRatio float64
	clock                 clock.WithTicker

	timeOfMostRecentSweep time.Time
	mostRecentReport      SweepReport
	cancellations         map[schedulerobjects.CancelReason]int

	healthPrometheusDesc                *prometheus.Desc
	timeOfMostRecentSweepPrometheusDesc *prometheus.Desc
	cancellationsPrometheusDesc         *prometheus.Desc
	sweepDurationHistogram              prometheus.Histogram

	// Mutex protecting the above fields.
	mu sync.Mutex
}

func NewTaskHealthMonitor(
	controller TaskController,
	config configuration.HealthMonitorConfig,
	metricsPrefix string,
	clock clock.WithTicker,
) *TaskHealthMonitor {
	return &TaskHealthMonitor{
		controller:            controller,
		interval:              config.Interval,
		errorThreshold:        config.ErrorThreshold,
		queueDepthWarning:     config.QueueDepthWarning,
		capacityPressureRatio: config.CapacityPressureRatio,
		clock:                 clock,
		cancellations:         make(map[schedulerobjects.CancelReason]int),
		healthPrometheusDesc: prometheus.NewDesc(
			metricsPrefix+"task_health_monitor_health",
			"Shows whether the task health monitor is sweeping on schedule",
			nil, nil,
		),
		timeOfMostRecentSweepPrometheusDesc: prometheus.NewDesc(
			metricsPrefix+"task_health_monitor_time_of_most_recent_sweep",
			"Time of most recent completed sweep.",
			nil, nil,
		),
		cancellationsPrometheusDesc: prometheus.NewDesc(
			metricsPrefix+"task_health_monitor_cancellations_total",
			"Running tasks cancelled by the health monitor.",
			[]string{reasonLabel}, nil,
		),
		sweepDurationHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricsPrefix + "task_health_monitor_sweep_duration_seconds",
			Help:    "Time taken by a health monitor sweep.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
	}
}

func (srv *TaskHealthMonitor) IsHealthy() (bool, string, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.isHealthy()
}

func (srv *TaskHealthMonitor) isHealthy() (bool, string, error) {
	if srv.timeOfMostRecentSweep.IsZero() {
		return false, healthmonitor.NotStartedReason, nil
	}
	if srv.clock.Since(srv.timeOfMostRecentSweep) > missedSweepsLimit*srv.interval {
		return false, healthmonitor.TimedOutReason, nil
	}
	return true, "", nil
}

// MostRecentReport returns the report of the latest sweep.
func (srv *TaskHealthMonitor) MostRecentReport() SweepReport {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.mostRecentReport
}

func (srv *TaskHealthMonitor) Run(ctx context.Context, log *logrus.Entry) error {
	log = log.WithField("service", "TaskHealthMonitor")
	log.Infof("starting task health monitor, sweeping every %s", srv.interval)
	defer log.Info("stopping task health monitor")
	sctx := schedcontext.New(ctx, log)
	ticker := srv.clock.NewTicker(srv.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := srv.Sweep(sctx); err != nil {
				logging.WithStacktrace(log, err).Error("errors during health monitor sweep")
			}
		}
	}
}

// Sweep checks every Running task once. A failure to cancel one task does not stop the others from being checked;
// all such failures are returned together.
func (srv *TaskHealthMonitor) Sweep(ctx *schedcontext.Context) (SweepReport, error) {
	start := srv.clock.Now()
	report := SweepReport{Time: start}
	running, err := srv.controller.RunningTasks()
	if err != nil {
		return report, err
	}
	report.Running = len(running)

	var result *multierror.Error
	for _, task := range running {
		var reason schedulerobjects.CancelReason
		switch {
		case task.HasTimedOut(start):
			reason = schedulerobjects.CancelReasonTimeout
		case task.ErrorCount > srv.errorThreshold:
			reason = schedulerobjects.CancelReasonErrorThreshold
		default:
			continue
		}
		cancelled, err := srv.controller.CancelRunning(ctx, task.Id, reason)
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "cancelling task %s", task.Id))
			continue
		}
		if !cancelled {
			// Finished between the snapshot and the cancellation.
			continue
		}
		report.Running--
		if reason == schedulerobjects.CancelReasonTimeout {
			report.TimedOut = append(report.TimedOut, task.Id)
		} else {
			report.ErrorThreshold = append(report.ErrorThreshold, task.Id)
		}
	}

	report.QueueDepth = srv.controller.QueueDepth()
	maxConcurrent := srv.controller.MaxConcurrentTasks()
	report.CapacityPressure = maxConcurrent > 0 &&
		float64(report.Running) >= srv.capacityPressureRatio*float64(maxConcurrent)
	report.QueuePressure = report.QueueDepth > srv.queueDepthWarning
	if report.CapacityPressure {
		ctx.Log.Warnf("capacity pressure: %d of %d workers busy", report.Running, maxConcurrent)
	}
	if report.QueuePressure {
		ctx.Log.Warnf("queue pressure: %d tasks waiting, warning level is %d", report.QueueDepth, srv.queueDepthWarning)
	}

	srv.mu.Lock()
	srv.timeOfMostRecentSweep = srv.clock.Now()
	srv.mostRecentReport = report
	srv.cancellations[schedulerobjects.CancelReasonTimeout] += len(report.TimedOut)
	srv.cancellations[schedulerobjects.CancelReasonErrorThreshold] += len(report.ErrorThreshold)
	srv.mu.Unlock()
	srv.sweepDurationHistogram.Observe(srv.clock.Since(start).Seconds())
	return report, result.ErrorOrNil()
}

func (srv *TaskHealthMonitor) Describe(c chan<- *prometheus.Desc) {
	c <- srv.healthPrometheusDesc
	c <- srv.timeOfMostRecentSweepPrometheusDesc
	c <- srv.cancellationsPrometheusDesc
	srv.sweepDurationHistogram.Describe(c)
}

func (srv *TaskHealthMonitor) Collect(c chan<- prometheus.Metric) {
	srv.mu.Lock()
	resultOfMostRecentHealthCheck := 0.0
	if ok, _, _ := srv.isHealthy(); ok {
		resultOfMostRecentHealthCheck = 1.0
	}
	timeOfMostRecentSweep := srv.timeOfMostRecentSweep
	timedOut := srv.cancellations[schedulerobjects.CancelReasonTimeout]
	errorThreshold := srv.cancellations[schedulerobjects.CancelReasonErrorThreshold]
	srv.mu.Unlock()

	c <- prometheus.MustNewConstMetric(srv.healthPrometheusDesc, prometheus.GaugeValue, resultOfMostRecentHealthCheck)
	c <- prometheus.MustNewConstMetric(
		srv.timeOfMostRecentSweepPrometheusDesc,
		prometheus.CounterValue,
		float64(timeOfMostRecentSweep.Unix()),
	)
	c <- prometheus.MustNewConstMetric(
		srv.cancellationsPrometheusDesc, prometheus.CounterValue, float64(timedOut), string(schedulerobjects.CancelReasonTimeout),
	)
	c <- prometheus.MustNewConstMetric(
		srv.cancellationsPrometheusDesc, prometheus.CounterValue, float64(errorThreshold), string(schedulerobjects.CancelReasonErrorThreshold),
	)
	srv.sweepDurationHistogram.Collect(c)
}
