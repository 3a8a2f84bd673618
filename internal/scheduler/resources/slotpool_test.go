package resources

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/quantforge/gpuscheduler/internal/common/schederrors"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
)

var testTime = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestPool(t *testing.T, memories ...int64) *SlotPool {
	configs := make([]SlotConfig, len(memories))
	for i, m := range memories {
		configs[i] = SlotConfig{Name: string(rune('a' + i)), Memory: m}
	}
	pool, err := NewSlotPool(configs, clock.NewFakeClock(testTime))
	require.NoError(t, err)
	return pool
}

func TestNewSlotPool_InvalidConfig(t *testing.T) {
	tests := map[string]struct {
		configs []SlotConfig
		kind    schederrors.Kind
	}{
		"zero memory": {
			configs: []SlotConfig{{Name: "gpu0", Memory: 0}},
			kind:    schederrors.KindConfiguration,
		},
		"duplicate name": {
			configs: []SlotConfig{{Name: "gpu0", Memory: 8}, {Name: "gpu0", Memory: 16}},
			kind:    schederrors.KindConflict,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewSlotPool(tc.configs, clock.NewFakeClock(testTime))
			assert.Equal(t, tc.kind, schederrors.KindFromError(err))
		})
	}
}

func TestSlotPool_AllocateBestFit(t *testing.T) {
	tests := map[string]struct {
		slots        []int64
		requests     []int64
		expectedSlot []string // empty string means no grant
	}{
		"smallest sufficient slot is chosen": {
			slots:        []int64{32, 8, 16},
			requests:     []int64{10},
			expectedSlot: []string{"c"},
		},
		"falls back to larger slot when best fit is taken": {
			slots:        []int64{8, 16},
			requests:     []int64{4, 4},
			expectedSlot: []string{"a", "b"},
		},
		"no slot large enough": {
			slots:        []int64{8, 16},
			requests:     []int64{17},
			expectedSlot: []string{""},
		},
		"pool exhausted": {
			slots:        []int64{8},
			requests:     []int64{1, 1},
			expectedSlot: []string{"a", ""},
		},
		"empty pool": {
			slots:        nil,
			requests:     []int64{0},
			expectedSlot: []string{""},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			pool := newTestPool(t, tc.slots...)
			for i, memory := range tc.requests {
				grant, err := pool.Allocate("task", schedulerobjects.Medium, memory)
				require.NoError(t, err)
				if tc.expectedSlot[i] == "" {
					assert.Nil(t, grant)
					continue
				}
				require.NotNil(t, grant)
				assert.Equal(t, tc.expectedSlot[i], grant.Slot)
				assert.Equal(t, memory, grant.Memory)
				assert.Equal(t, testTime, grant.GrantedAt)
			}
		})
	}
}

func TestSlotPool_NegativeMemory(t *testing.T) {
	pool := newTestPool(t, 8)
	_, err := pool.Allocate("task", schedulerobjects.Low, -1)
	assert.Equal(t, schederrors.KindConfiguration, schederrors.KindFromError(err))
}

func TestSlotPool_Stats(t *testing.T) {
	pool := newTestPool(t, 10, 10, 20, 40)
	assert.Equal(t, Stats{Total: 4, Available: 4}, pool.Stats())

	_, err := pool.Allocate("a", schedulerobjects.High, 10)
	require.NoError(t, err)
	_, err = pool.Allocate("b", schedulerobjects.High, 10)
	require.NoError(t, err)

	stats := pool.Stats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Available)
	assert.InDelta(t, 50.0, stats.UtilizationPercent, 1e-9)
	assert.InDelta(t, 25.0, stats.MemoryUsagePercent, 1e-9)
}

func TestSlotPool_DoubleReleaseDoesNotCorruptCount(t *testing.T) {
	pool := newTestPool(t, 8, 8)
	grant, err := pool.Allocate("task-1", schedulerobjects.Critical, 4)
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, 1, pool.Stats().Available)

	require.NoError(t, pool.Release("task-1", grant))
	assert.Equal(t, 2, pool.Stats().Available)

	err = pool.Release("task-1", grant)
	assert.Equal(t, schederrors.KindResource, schederrors.KindFromError(err))
	assert.Equal(t, 2, pool.Stats().Available)
}

func TestSlotPool_ReleaseWrongTask(t *testing.T) {
	pool := newTestPool(t, 8)
	grant, err := pool.Allocate("task-1", schedulerobjects.Critical, 4)
	require.NoError(t, err)

	err = pool.Release("task-2", grant)
	assert.Equal(t, schederrors.KindResource, schederrors.KindFromError(err))
	assert.Equal(t, 0, pool.Stats().Available)

	err = pool.Release("task-1", nil)
	assert.Error(t, err)
}

func TestSlotPool_Fits(t *testing.T) {
	pool := newTestPool(t, 8, 24)
	assert.True(t, pool.Fits(24))
	assert.False(t, pool.Fits(25))
	assert.True(t, pool.Fits(0))
	assert.False(t, newTestPool(t).Fits(1))
	assert.False(t, newTestPool(t).Fits(0))
}

func TestSlotPool_ConcurrentAllocateRelease(t *testing.T) {
	pool := newTestPool(t, 1, 1, 1, 1)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		maxUsed int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				grant, err := pool.Allocate("task", schedulerobjects.Low, 1)
				if err != nil || grant == nil {
					continue
				}
				stats := pool.Stats()
				mu.Lock()
				if used := stats.Total - stats.Available; used > maxUsed {
					maxUsed = used
				}
				mu.Unlock()
				_ = pool.Release("task", grant)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, maxUsed, 4)
	assert.Equal(t, 4, pool.Stats().Available)
}
