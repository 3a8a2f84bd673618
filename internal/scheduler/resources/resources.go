package resources

import (
	"time"

	"github.com/google/uuid"

	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
)

// Grant is the handle returned by a successful allocation.
// It records the memory and priority the slot was reserved under and must be released exactly once.
type Grant struct {
	Id        uuid.UUID
	TaskId    string
	Slot      string
	Memory    int64
	Priority  schedulerobjects.Priority
	GrantedAt time.Time
}

// Stats is a point-in-time view of the accelerator pool.
type Stats struct {
	Total              int
	Available          int
	UtilizationPercent float64
	MemoryUsagePercent float64
}

// ResourceManager grants exclusive use of accelerator slots.
// Implementations must serialise Allocate and Release so that Stats never observes a partial update.
type ResourceManager interface {
	// Allocate reserves a slot for the task, returning a nil grant and nil error if no suitable slot is free.
	// Allocate never blocks waiting for a slot.
	Allocate(taskId string, priority schedulerobjects.Priority, memory int64) (*Grant, error)
	// Release returns the slot held by grant to the pool.
	// Releasing a grant that is not held returns schederrors.ErrUnknownGrant and leaves the pool unchanged.
	Release(taskId string, grant *Grant) error
	// Fits returns false if no slot could ever hold memory, even with the whole pool free.
	Fits(memory int64) bool
	Stats() Stats
}
