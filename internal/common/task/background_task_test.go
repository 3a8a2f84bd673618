package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	clock "k8s.io/utils/clock/testing"
)

func TestBackgroundTaskManager_RunsOnInterval(t *testing.T) {
	fakeClock := clock.NewFakeClock(time.Now())
	registry := prometheus.NewRegistry()
	manager := NewBackgroundTaskManager("test_", registry)
	manager.clock = fakeClock

	var calls atomic.Int32
	manager.Register(func() { calls.Add(1) }, time.Minute, "cleanup")

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)

	fakeClock.Step(time.Minute)
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	timedOut := manager.StopAll(time.Second)
	assert.False(t, timedOut)

	count, err := testutil.GatherAndCount(registry, "test_cleanup_latency_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBackgroundTaskManager_StopAllWaitsForRunningTask(t *testing.T) {
	manager := NewBackgroundTaskManager("test_", nil)
	release := make(chan struct{})
	started := make(chan struct{})
	manager.Register(func() {
		close(started)
		<-release
	}, time.Hour, "blocked")
	<-started

	stopped := make(chan bool)
	go func() { stopped <- manager.StopAll(10 * time.Millisecond) }()
	close(release)
	// The task only observes the stop signal once its function returns.
	assert.False(t, <-stopped)
}
