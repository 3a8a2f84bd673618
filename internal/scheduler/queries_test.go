package scheduler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/gpuscheduler/internal/common/schederrors"
	"github.com/quantforge/gpuscheduler/internal/scheduler/handlers"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
	"github.com/quantforge/gpuscheduler/internal/scheduler/submission"
)

func TestGetStatus_NotFound(t *testing.T) {
	h := newTestHarness(t, testSchedulingConfig(), nil, map[schedulerobjects.TaskType]handlers.Handler{
		schedulerobjects.Backtest: handlers.HandlerFunc(succeed),
	})
	view, err := h.scheduler.GetStatus("missing")
	assert.Nil(t, view)
	assert.True(t, schederrors.IsNotFound(err))
}

func TestGetStatistics(t *testing.T) {
	h := newTestHarness(t, testSchedulingConfig(), testSlots(2), map[schedulerobjects.TaskType]handlers.Handler{
		schedulerobjects.Backtest:      handlers.HandlerFunc(blockUntilCancelled),
		schedulerobjects.ModelTraining: handlers.HandlerFunc(blockUntilCancelled),
	})
	for _, record := range []submission.Record{
		{TaskId: "a", TaskType: "backtest", Priority: "critical", RequiredGpu: true},
		{TaskId: "b", TaskType: "ml_training", Priority: "high", RequiredGpu: true},
		{TaskId: "c", TaskType: "backtest", Priority: "low"},
		{TaskId: "d", TaskType: "unknown", Priority: "low"},
	} {
		_, _ = h.scheduler.Submit(record)
	}
	h.scheduler.cycle(h.ctx)

	stats, err := h.scheduler.GetStatistics()
	require.NoError(t, err)
	assert.Equal(t, &Statistics{
		Running:              2,
		Pending:              1,
		Failed:               1,
		QueueDepth:           1,
		AcceleratorAvailable: 0,
		AcceleratorTotal:     2,
		MaxConcurrentTasks:   2,
		ByType: map[schedulerobjects.TaskType]int{
			schedulerobjects.Backtest:            2,
			schedulerobjects.ModelTraining:       1,
			schedulerobjects.TaskType("unknown"): 1,
		},
		ByPriority: map[schedulerobjects.Priority]int{
			schedulerobjects.Critical: 1,
			schedulerobjects.High:     1,
			schedulerobjects.Low:      2,
		},
	}, stats)

	snapshot, err := h.scheduler.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2, snapshot.Running)
	assert.Equal(t, 2, snapshot.Resources.Total)
	assert.Equal(t, 100.0, snapshot.Resources.UtilizationPercent)
	require.Len(t, snapshot.Terminal, 1)
	assert.Equal(t, "d", snapshot.Terminal[0].Id)

	running, err := h.scheduler.RunningTasks()
	require.NoError(t, err)
	assert.Len(t, running, 2)
	// Returned tasks are copies.
	running[0].ErrorCount = 99
	again, err := h.scheduler.RunningTasks()
	require.NoError(t, err)
	for _, task := range again {
		assert.Equal(t, 0, task.ErrorCount)
	}

	require.NoError(t, h.scheduler.shutdown(h.ctx))
	stats, err = h.scheduler.GetStatistics()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, int64(2), stats.Cancelled)
	assert.Equal(t, 2, stats.AcceleratorAvailable)
}

func TestGetStatus_TerminalViewIsStable(t *testing.T) {
	tests := map[string]struct {
		record         submission.Record
		handler        handlers.Handler
		cancel         bool
		expectedStatus schedulerobjects.TaskStatus
	}{
		"completed": {
			record:         submission.Record{TaskId: "t", TaskType: "backtest", RequiredGpu: true},
			handler:        handlers.HandlerFunc(succeed),
			expectedStatus: schedulerobjects.Completed,
		},
		"failed": {
			record:         submission.Record{TaskId: "t", TaskType: "backtest", MaxRetries: intPtr(0)},
			handler:        handlers.HandlerFunc(fail),
			expectedStatus: schedulerobjects.Failed,
		},
		"cancelled": {
			record:         submission.Record{TaskId: "t", TaskType: "backtest", RequiredGpu: true},
			handler:        handlers.HandlerFunc(blockUntilCancelled),
			cancel:         true,
			expectedStatus: schedulerobjects.Cancelled,
		},
		"rejected": {
			record:         submission.Record{TaskId: "t", TaskType: "backtest", Priority: "urgent"},
			handler:        handlers.HandlerFunc(succeed),
			expectedStatus: schedulerobjects.Failed,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h := newTestHarness(t, testSchedulingConfig(), testSlots(1), map[schedulerobjects.TaskType]handlers.Handler{
				schedulerobjects.Backtest: tc.handler,
			})
			if _, err := h.scheduler.Submit(tc.record); err == nil {
				h.scheduler.cycle(h.ctx)
				if tc.cancel {
					_, err := h.scheduler.CancelRunning(h.ctx, "t", schedulerobjects.CancelReasonTimeout)
					require.NoError(t, err)
				}
				h.completeNext(t)
			}
			require.Equal(t, tc.expectedStatus, h.status(t, "t"))
			terminal := marshalStatus(t, h, "t")

			h.clock.Step(time.Minute)
			h.scheduler.cycle(h.ctx)
			assert.Equal(t, terminal, marshalStatus(t, h, "t"))
			assert.Equal(t, terminal, marshalStatus(t, h, "t"))

			h.clock.Step(testSchedulingConfig().RetentionWindow)
			moved, err := h.scheduler.CleanupTerminalTasks()
			require.NoError(t, err)
			assert.Equal(t, 1, moved)
			assert.Equal(t, terminal, marshalStatus(t, h, "t"))
			assert.Equal(t, 1, h.pool.Stats().Available)
		})
	}
}

func marshalStatus(t *testing.T, h *testHarness, taskId string) []byte {
	t.Helper()
	view, err := h.scheduler.GetStatus(taskId)
	require.NoError(t, err)
	bytes, err := json.Marshal(view)
	require.NoError(t, err)
	return bytes
}
