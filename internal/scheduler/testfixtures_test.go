package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/quantforge/gpuscheduler/internal/common/schedcontext"
	"github.com/quantforge/gpuscheduler/internal/scheduler/configuration"
	"github.com/quantforge/gpuscheduler/internal/scheduler/handlers"
	"github.com/quantforge/gpuscheduler/internal/scheduler/metrics"
	"github.com/quantforge/gpuscheduler/internal/scheduler/resources"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
	"github.com/quantforge/gpuscheduler/internal/scheduler/submission"
)

var (
	testStartTime = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	// Upper bound on waiting for a worker goroutine in tests.
	testWaitTimeout = 5 * time.Second
)

func testSchedulingConfig() configuration.SchedulingConfig {
	return configuration.SchedulingConfig{
		MaxConcurrentTasks: 2,
		DefaultMaxRetries:  3,
		DefaultTimeout:     time.Hour,
		RetryDelay:         5 * time.Minute,
		CyclePeriod:        100 * time.Millisecond,
		IngestBatchSize:    10,
		IngestWait:         time.Millisecond,
		RetentionWindow:    5 * time.Minute,
		CleanupInterval:    time.Minute,
		HistorySize:        100,
		HistoryMaxAge:      24 * time.Hour,
		ShutdownTimeout:    30 * time.Second,
	}
}

func testSlots(n int) []resources.SlotConfig {
	slots := make([]resources.SlotConfig, n)
	for i := range slots {
		slots[i] = resources.SlotConfig{Name: "gpu-" + string(rune('a'+i)), Memory: 16}
	}
	return slots
}

type testHarness struct {
	scheduler *Scheduler
	source    *submission.ChannelSource
	pool      *resources.SlotPool
	clock     *clock.FakeClock
	ctx       *schedcontext.Context
}

func newTestHarness(
	t *testing.T,
	config configuration.SchedulingConfig,
	slots []resources.SlotConfig,
	taskHandlers map[schedulerobjects.TaskType]handlers.Handler,
) *testHarness {
	fakeClock := clock.NewFakeClock(testStartTime)
	pool, err := resources.NewSlotPool(slots, fakeClock)
	require.NoError(t, err)
	registry, err := handlers.NewRegistry(taskHandlers)
	require.NoError(t, err)
	source := submission.NewChannelSource(10)
	s, err := NewScheduler(source, registry, pool, config, metrics.New(), fakeClock)
	require.NoError(t, err)
	return &testHarness{
		scheduler: s,
		source:    source,
		pool:      pool,
		clock:     fakeClock,
		ctx:       schedcontext.Background(),
	}
}

// completeNext waits for the next handler to return, waits for every worker slot to be given back, and records the
// outcome. Only use when no other handler is still running.
func (h *testHarness) completeNext(t *testing.T) {
	t.Helper()
	select {
	case c := <-h.scheduler.completions:
		h.scheduler.wg.Wait()
		h.scheduler.handleCompletion(h.ctx, c)
	case <-time.After(testWaitTimeout):
		t.Fatal("timed out waiting for a handler to return")
	}
}

func (h *testHarness) status(t *testing.T, taskId string) schedulerobjects.TaskStatus {
	t.Helper()
	view, err := h.scheduler.GetStatus(taskId)
	require.NoError(t, err)
	return view.Status
}

func succeed(*handlers.ExecutionContext, []byte) ([]byte, error) {
	return []byte("ok"), nil
}

func fail(*handlers.ExecutionContext, []byte) ([]byte, error) {
	return nil, errors.New("handler failed")
}

// blockUntilCancelled returns only once the task's context is cancelled.
func blockUntilCancelled(ctx *handlers.ExecutionContext, _ []byte) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// recordingHandler records the order in which tasks were started.
type recordingHandler struct {
	started []string
	mu      sync.Mutex
}

func (r *recordingHandler) Handle(ctx *handlers.ExecutionContext, _ []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, ctx.TaskId)
	return nil, nil
}

func (r *recordingHandler) Started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

// scriptedHandler fails the first failures attempts and succeeds afterwards.
type scriptedHandler struct {
	failures int
	attempts int
	mu       sync.Mutex
}

func (s *scriptedHandler) Handle(*handlers.ExecutionContext, []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failures {
		return nil, errors.Errorf("attempt %d failed", s.attempts)
	}
	return []byte("done"), nil
}

// failingResourceManager errors on every allocation.
type failingResourceManager struct{}

func (failingResourceManager) Allocate(string, schedulerobjects.Priority, int64) (*resources.Grant, error) {
	return nil, errors.New("accelerator driver unavailable")
}

func (failingResourceManager) Release(string, *resources.Grant) error {
	return nil
}

func (failingResourceManager) Fits(int64) bool {
	return true
}

func (failingResourceManager) Stats() resources.Stats {
	return resources.Stats{}
}

func intPtr(i int) *int {
	return &i
}

func int64Ptr(i int64) *int64 {
	return &i
}
