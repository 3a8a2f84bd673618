package taskdb

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/quantforge/gpuscheduler/internal/scheduler/resources"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
)

// Task is the scheduler-internal representation of one unit of work.
// Tasks stored in the TaskDb must not be modified in place; DeepCopy, mutate and Upsert instead.
type Task struct {
	Id                  string
	Type                schedulerobjects.TaskType
	Priority            schedulerobjects.Priority
	RequiresAccelerator bool
	RequiredMemory      int64
	// Opaque to the scheduler; handed to the handler unchanged.
	Payload []byte
	Status  schedulerobjects.TaskStatus
	// Zero until the corresponding transition.
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	// Non-nil iff Status is Running and the task requires an accelerator.
	Grant      *resources.Grant
	RetryCount int
	MaxRetries int
	Timeout    time.Duration
	// Result and ErrorMessage are mutually exclusive.
	Result       []byte
	ErrorMessage string
	// Logical enqueue order, used to break ties between tasks of equal priority.
	SequenceNumber uint64
	// Execution errors accumulated across attempts, including non-fatal errors reported by the handler.
	ErrorCount int
	// Identifies the current attempt. Completions for any other run are stale.
	RunId         uuid.UUID
	CancelReason  schedulerobjects.CancelReason
	FailureReason schedulerobjects.FailureReason
	// Set while Retrying: the time at which the task is queued again.
	NextAttemptAt time.Time
}

// InTerminalState returns true if the task is Completed, Failed or Cancelled.
func (t *Task) InTerminalState() bool {
	return t.Status.IsTerminal()
}

// HasTimedOut returns true if the task is Running and has been running for longer than its timeout.
// Elapsed time is measured from the first admission, which is kept across retries.
func (t *Task) HasTimedOut(now time.Time) bool {
	if t.Status != schedulerobjects.Running || t.StartedAt.IsZero() || t.Timeout <= 0 {
		return false
	}
	return now.Sub(t.StartedAt) > t.Timeout
}

// Duration returns the time between first admission and the terminal transition,
// or zero if the task has not both started and finished.
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// DeepCopy returns a copy of the task that shares no mutable state with the original.
// The grant is shared, since grants are never modified after allocation.
func (t *Task) DeepCopy() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = slices.Clone(t.Payload)
	c.Result = slices.Clone(t.Result)
	return &c
}
