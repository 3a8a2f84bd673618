package healthmonitor

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/quantforge/gpuscheduler/internal/common/healthmonitor"
	"github.com/quantforge/gpuscheduler/internal/common/schedcontext"
	"github.com/quantforge/gpuscheduler/internal/scheduler/configuration"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
	"github.com/quantforge/gpuscheduler/internal/scheduler/taskdb"
)

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeController struct {
	running       []*taskdb.Task
	queueDepth    int
	maxConcurrent int
	cancelErr     map[string]error
	notRunning    map[string]bool
	cancelled     map[string]schedulerobjects.CancelReason
}

func (f *fakeController) RunningTasks() ([]*taskdb.Task, error) {
	return f.running, nil
}

func (f *fakeController) CancelRunning(_ *schedcontext.Context, taskId string, reason schedulerobjects.CancelReason) (bool, error) {
	if err := f.cancelErr[taskId]; err != nil {
		return false, err
	}
	if f.notRunning[taskId] {
		return false, nil
	}
	if f.cancelled == nil {
		f.cancelled = make(map[string]schedulerobjects.CancelReason)
	}
	f.cancelled[taskId] = reason
	return true, nil
}

func (f *fakeController) QueueDepth() int { return f.queueDepth }

func (f *fakeController) MaxConcurrentTasks() int { return f.maxConcurrent }

func runningTask(id string, started time.Time, timeout time.Duration, errorCount int) *taskdb.Task {
	return &taskdb.Task{
		Id:         id,
		Type:       schedulerobjects.Backtest,
		Status:     schedulerobjects.Running,
		StartedAt:  started,
		Timeout:    timeout,
		ErrorCount: errorCount,
	}
}

func testConfig() configuration.HealthMonitorConfig {
	return configuration.HealthMonitorConfig{
		Interval:              30 * time.Second,
		ErrorThreshold:        5,
		QueueDepthWarning:     100,
		CapacityPressureRatio: 0.9,
	}
}

func TestSweep(t *testing.T) {
	tests := map[string]struct {
		controller             *fakeController
		expectedTimedOut       []string
		expectedErrorThreshold []string
		expectedRunning        int
		expectedCapacity       bool
		expectedQueue          bool
		expectErr              bool
	}{
		"nothing running": {
			controller: &fakeController{maxConcurrent: 4},
		},
		"timed out task is cancelled": {
			controller: &fakeController{
				maxConcurrent: 4,
				running: []*taskdb.Task{
					runningTask("a", baseTime.Add(-2*time.Hour), time.Hour, 0),
					runningTask("b", baseTime.Add(-30*time.Minute), time.Hour, 0),
				},
			},
			expectedTimedOut: []string{"a"},
			expectedRunning:  1,
		},
		"exactly at timeout is not cancelled": {
			controller: &fakeController{
				maxConcurrent: 4,
				running:       []*taskdb.Task{runningTask("a", baseTime.Add(-time.Hour), time.Hour, 0)},
			},
			expectedRunning: 1,
		},
		"error threshold exceeded": {
			controller: &fakeController{
				maxConcurrent: 4,
				running: []*taskdb.Task{
					runningTask("a", baseTime, time.Hour, 6),
					runningTask("b", baseTime, time.Hour, 5),
				},
			},
			expectedErrorThreshold: []string{"a"},
			expectedRunning:        1,
		},
		"timeout takes precedence over errors": {
			controller: &fakeController{
				maxConcurrent: 4,
				running:       []*taskdb.Task{runningTask("a", baseTime.Add(-2*time.Hour), time.Hour, 10)},
			},
			expectedTimedOut: []string{"a"},
		},
		"task finished before cancellation": {
			controller: &fakeController{
				maxConcurrent: 4,
				running:       []*taskdb.Task{runningTask("a", baseTime.Add(-2*time.Hour), time.Hour, 0)},
				notRunning:    map[string]bool{"a": true},
			},
			expectedRunning: 1,
		},
		"cancel error does not stop the sweep": {
			controller: &fakeController{
				maxConcurrent: 4,
				running: []*taskdb.Task{
					runningTask("a", baseTime.Add(-2*time.Hour), time.Hour, 0),
					runningTask("b", baseTime.Add(-2*time.Hour), time.Hour, 0),
				},
				cancelErr: map[string]error{"a": errors.New("boom")},
			},
			expectedTimedOut: []string{"b"},
			expectedRunning:  1,
			expectErr:        true,
		},
		"capacity and queue pressure": {
			controller: &fakeController{
				maxConcurrent: 2,
				queueDepth:    101,
				running: []*taskdb.Task{
					runningTask("a", baseTime, time.Hour, 0),
					runningTask("b", baseTime, time.Hour, 0),
				},
			},
			expectedRunning:  2,
			expectedCapacity: true,
			expectedQueue:    true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			srv := NewTaskHealthMonitor(tc.controller, testConfig(), "test_", clock.NewFakeClock(baseTime))
			report, err := srv.Sweep(schedcontext.Background())
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.expectedTimedOut, report.TimedOut)
			assert.Equal(t, tc.expectedErrorThreshold, report.ErrorThreshold)
			assert.Equal(t, tc.expectedRunning, report.Running)
			assert.Equal(t, tc.expectedCapacity, report.CapacityPressure)
			assert.Equal(t, tc.expectedQueue, report.QueuePressure)
			for _, id := range tc.expectedTimedOut {
				assert.Equal(t, schedulerobjects.CancelReasonTimeout, tc.controller.cancelled[id])
			}
			for _, id := range tc.expectedErrorThreshold {
				assert.Equal(t, schedulerobjects.CancelReasonErrorThreshold, tc.controller.cancelled[id])
			}
			assert.Equal(t, report, srv.MostRecentReport())
		})
	}
}

func TestIsHealthy(t *testing.T) {
	fakeClock := clock.NewFakeClock(baseTime)
	srv := NewTaskHealthMonitor(&fakeController{maxConcurrent: 1}, testConfig(), "test_", fakeClock)

	ok, reason, err := srv.IsHealthy()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, healthmonitor.NotStartedReason, reason)

	_, err = srv.Sweep(schedcontext.Background())
	require.NoError(t, err)
	ok, reason, err = srv.IsHealthy()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)

	fakeClock.Step(90 * time.Second)
	ok, _, _ = srv.IsHealthy()
	assert.True(t, ok)

	fakeClock.Step(time.Second)
	ok, reason, err = srv.IsHealthy()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, healthmonitor.TimedOutReason, reason)
}

func TestCollect(t *testing.T) {
	controller := &fakeController{
		maxConcurrent: 4,
		running:       []*taskdb.Task{runningTask("a", baseTime.Add(-2*time.Hour), time.Hour, 0)},
	}
	srv := NewTaskHealthMonitor(controller, testConfig(), "test_", clock.NewFakeClock(baseTime))
	_, err := srv.Sweep(schedcontext.Background())
	require.NoError(t, err)

	// health, last sweep, two cancellation series and the histogram
	assert.Equal(t, 5, testutil.CollectAndCount(srv))
	assert.NoError(t, testutil.CollectAndCompare(srv, strings.NewReader(`
# HELP test_task_health_monitor_cancellations_total Running tasks cancelled by the health monitor.
# TYPE test_task_health_monitor_cancellations_total counter
test_task_health_monitor_cancellations_total{reason="error_threshold"} 0
test_task_health_monitor_cancellations_total{reason="timeout"} 1
`), "test_task_health_monitor_cancellations_total"))
}
