package scheduler

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/quantforge/gpuscheduler/internal/common"
	"github.com/quantforge/gpuscheduler/internal/common/app"
	"github.com/quantforge/gpuscheduler/internal/common/health"
	"github.com/quantforge/gpuscheduler/internal/common/logging"
	"github.com/quantforge/gpuscheduler/internal/common/schedcontext"
	"github.com/quantforge/gpuscheduler/internal/common/task"
	"github.com/quantforge/gpuscheduler/internal/scheduler/analytics"
	"github.com/quantforge/gpuscheduler/internal/scheduler/configuration"
	"github.com/quantforge/gpuscheduler/internal/scheduler/handlers"
	"github.com/quantforge/gpuscheduler/internal/scheduler/healthmonitor"
	"github.com/quantforge/gpuscheduler/internal/scheduler/metrics"
	"github.com/quantforge/gpuscheduler/internal/scheduler/resources"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
	"github.com/quantforge/gpuscheduler/internal/scheduler/submission"
)

const backgroundTaskStopTimeout = 5 * time.Second

// Run sets up a Scheduler application and runs it until a SIGTERM is received
func Run(config configuration.Configuration) error {
	g, ctx := errgroup.WithContext(app.CreateContextWithShutdown())
	logger := log.NewEntry(log.StandardLogger())
	sctx := schedcontext.New(ctx, logger)
	realClock := clock.RealClock{}

	//////////////////////////////////////////////////////////////////////////
	// Health Checks and Metrics
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks)
	mux.Handle("/metrics", promhttp.Handler())
	shutdownHttpServer := common.ServeHttp(config.HttpPort, mux)
	defer shutdownHttpServer()

	// List of services to run concurrently.
	// Because we want to start services only once all input validation has been completed,
	// we add all services to a slice and start them together at the end of this function.
	var services []func() error

	//////////////////////////////////////////////////////////////////////////
	// Accelerators and Handlers
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up %d accelerator slots", len(config.Accelerators))
	pool, err := resources.NewSlotPool(config.Accelerators, realClock)
	if err != nil {
		return errors.WithMessage(err, "error creating accelerator pool")
	}
	registry, err := createRegistry(config.Handlers)
	if err != nil {
		return errors.WithMessage(err, "error creating handler registry")
	}
	log.Infof("Registered handlers for %v", registry.Types())

	//////////////////////////////////////////////////////////////////////////
	// Submission Source
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up %s submission source", config.Submission.Type)
	source, err := createSubmissionSource(config.Submission, healthChecks)
	if err != nil {
		return errors.WithMessagef(err, "error creating %s submission source", config.Submission.Type)
	}

	//////////////////////////////////////////////////////////////////////////
	// Scheduler
	//////////////////////////////////////////////////////////////////////////
	schedulerMetrics := metrics.New()
	if err := prometheus.Register(schedulerMetrics); err != nil {
		return errors.WithStack(err)
	}
	scheduler, err := NewScheduler(source, registry, pool, config.Scheduling, schedulerMetrics, realClock)
	if err != nil {
		return errors.WithMessage(err, "error creating scheduler")
	}
	services = append(services, func() error { return scheduler.Run(sctx) })

	//////////////////////////////////////////////////////////////////////////
	// Health Monitor
	//////////////////////////////////////////////////////////////////////////
	monitor := healthmonitor.NewTaskHealthMonitor(scheduler, config.HealthMonitor, config.MetricsPrefix, realClock)
	if err := prometheus.Register(monitor); err != nil {
		return errors.WithStack(err)
	}
	healthChecks.Add(health.NewHealthMonitorChecker("task health monitor", monitor))
	services = append(services, func() error { return monitor.Run(ctx, logger) })

	//////////////////////////////////////////////////////////////////////////
	// Analytics and Background Tasks
	//////////////////////////////////////////////////////////////////////////
	engine := analytics.NewEngine(scheduler, config.Analytics, realClock)
	stateCollector := metrics.NewStateCollector(schedulerState(scheduler, engine))
	if err := prometheus.Register(stateCollector); err != nil {
		return errors.WithStack(err)
	}
	taskManager := task.NewBackgroundTaskManager(config.MetricsPrefix, prometheus.DefaultRegisterer)
	taskManager.Register(func() { cleanupTerminalTasks(scheduler) }, config.Scheduling.CleanupInterval, "cleanup")
	taskManager.Register(stateCollector.Refresh, config.HealthMonitor.Interval, "state_metrics")
	if config.Analytics.SummaryInterval > 0 {
		taskManager.Register(func() { logSummary(engine) }, config.Analytics.SummaryInterval, "analytics_summary")
	}
	defer func() {
		if taskManager.StopAll(backgroundTaskStopTimeout) {
			log.Warnf("Background tasks did not stop within %s", backgroundTaskStopTimeout)
		}
	}()

	// Start all services and wait for them to complete
	for _, service := range services {
		g.Go(service)
	}
	startupCompleteCheck.MarkComplete()
	return g.Wait()
}

func createRegistry(config map[string]handlers.ExecConfig) (*handlers.Registry, error) {
	taskHandlers := make(map[schedulerobjects.TaskType]handlers.Handler, len(config))
	for name, execConfig := range config {
		taskType, err := schedulerobjects.ParseTaskType(name)
		if err != nil {
			return nil, err
		}
		taskHandlers[taskType] = handlers.NewExecHandler(execConfig)
	}
	return handlers.NewRegistry(taskHandlers)
}

func createSubmissionSource(config configuration.SubmissionConfig, healthChecks *health.MultiChecker) (submission.Source, error) {
	switch config.Type {
	case configuration.SubmissionTypeRedis:
		return submission.NewRedisSourceFromConfig(config.Redis), nil
	case configuration.SubmissionTypePulsar:
		return submission.NewPulsarSourceFromConfig(config.Pulsar)
	case configuration.SubmissionTypeNats:
		source, err := submission.NewNatsSourceFromConfig(config.Nats)
		if err != nil {
			return nil, err
		}
		healthChecks.Add(source)
		return source, nil
	default:
		return nil, errors.Errorf("unknown submission source type %q", config.Type)
	}
}

func cleanupTerminalTasks(scheduler *Scheduler) {
	moved, err := scheduler.CleanupTerminalTasks()
	if err != nil {
		logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("error cleaning up terminal tasks")
		return
	}
	if moved > 0 {
		log.Infof("Moved %d terminal tasks to history", moved)
	}
}

func logSummary(engine *analytics.Engine) {
	report, err := engine.Analyze()
	if err != nil {
		log.WithError(err).Warn("error calculating analytics summary")
		return
	}
	log.Info(analytics.Summary(report))
}

// schedulerState combines scheduler statistics and the efficiency score into the state published as gauges.
func schedulerState(scheduler *Scheduler, engine *analytics.Engine) metrics.StateProvider {
	return func() (metrics.State, error) {
		stats, err := scheduler.GetStatistics()
		if err != nil {
			return metrics.State{}, err
		}
		report, err := engine.Analyze()
		if err != nil {
			return metrics.State{}, err
		}
		queued := make(map[string]int, len(schedulerobjects.AllPriorities))
		for priority, n := range scheduler.queue.CountByPriority() {
			queued[priority.String()] = n
		}
		return metrics.State{
			TasksByStatus: map[string]int{
				string(schedulerobjects.Pending):  stats.Pending,
				string(schedulerobjects.Running):  stats.Running,
				string(schedulerobjects.Retrying): stats.Retrying,
			},
			QueuedByPriority:      queued,
			AcceleratorsTotal:     stats.AcceleratorTotal,
			AcceleratorsAvailable: stats.AcceleratorAvailable,
			MemoryUsagePercent:    report.Utilization.MemoryPercent,
			EfficiencyScore:       report.Efficiency.OverallScore,
		}, nil
	}
}
