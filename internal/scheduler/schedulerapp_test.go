package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/gpuscheduler/internal/common/health"
	"github.com/quantforge/gpuscheduler/internal/common/schederrors"
	"github.com/quantforge/gpuscheduler/internal/scheduler/analytics"
	"github.com/quantforge/gpuscheduler/internal/scheduler/configuration"
	"github.com/quantforge/gpuscheduler/internal/scheduler/handlers"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
	"github.com/quantforge/gpuscheduler/internal/scheduler/submission"
)

func TestCreateRegistry(t *testing.T) {
	registry, err := createRegistry(map[string]handlers.ExecConfig{
		"backtest":    {Command: "/bin/backtest"},
		"ML_Training": {Command: "/bin/train"},
	})
	require.NoError(t, err)
	assert.Equal(t, []schedulerobjects.TaskType{schedulerobjects.Backtest, schedulerobjects.ModelTraining}, registry.Types())

	_, err = createRegistry(map[string]handlers.ExecConfig{"quantum": {Command: "/bin/q"}})
	assert.Equal(t, schederrors.KindConfiguration, schederrors.KindFromError(err))
}

func TestCreateSubmissionSource_UnknownType(t *testing.T) {
	_, err := createSubmissionSource(configuration.SubmissionConfig{Type: "kafka"}, health.NewMultiChecker())
	assert.Error(t, err)
}

func TestSchedulerState(t *testing.T) {
	config := testSchedulingConfig()
	config.MaxConcurrentTasks = 1
	h := newTestHarness(t, config, testSlots(2), map[schedulerobjects.TaskType]handlers.Handler{
		schedulerobjects.Backtest: handlers.HandlerFunc(blockUntilCancelled),
	})
	for _, record := range []submission.Record{
		{TaskId: "a", TaskType: "backtest", Priority: "high", RequiredGpu: true, RequiredMemory: 8},
		{TaskId: "b", TaskType: "backtest", Priority: "low", RequiredGpu: true, RequiredMemory: 16},
	} {
		_, err := h.scheduler.Submit(record)
		require.NoError(t, err)
	}
	h.scheduler.cycle(h.ctx)

	engine := analytics.NewEngine(h.scheduler, configuration.AnalyticsConfig{
		IdealQueueLength:             10,
		BottleneckQueueDepth:         1000,
		BottleneckUtilizationPercent: 90,
		LongTaskDuration:             testSchedulingConfig().DefaultTimeout,
	}, h.clock)
	state, err := schedulerState(h.scheduler, engine)()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Pending": 1, "Running": 1, "Retrying": 0}, state.TasksByStatus)
	assert.Equal(t, 1, state.QueuedByPriority["low"])
	assert.Equal(t, 0, state.QueuedByPriority["high"])
	assert.Equal(t, 2, state.AcceleratorsTotal)
	assert.Equal(t, 1, state.AcceleratorsAvailable)
	assert.InDelta(t, 25.0, state.MemoryUsagePercent, 1e-9)
	assert.Greater(t, state.EfficiencyScore, 0.0)

	require.NoError(t, h.scheduler.shutdown(h.ctx))
}
