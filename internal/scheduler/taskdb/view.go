package taskdb

import (
	"time"

	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
)

// TaskView is the externally visible state of a task. It carries every field except the payload.
type TaskView struct {
	Id                  string                         `json:"task_id"`
	Type                schedulerobjects.TaskType      `json:"task_type"`
	Priority            schedulerobjects.Priority      `json:"priority"`
	RequiresAccelerator bool                           `json:"required_gpu"`
	RequiredMemory      int64                          `json:"required_memory"`
	Status              schedulerobjects.TaskStatus    `json:"status"`
	CreatedAt           *time.Time                     `json:"created_at,omitempty"`
	StartedAt           *time.Time                     `json:"started_at,omitempty"`
	CompletedAt         *time.Time                     `json:"completed_at,omitempty"`
	AssignedResource    string                         `json:"assigned_resource,omitempty"`
	RetryCount          int                            `json:"retry_count"`
	MaxRetries          int                            `json:"max_retries"`
	Timeout             time.Duration                  `json:"timeout"`
	Result              []byte                         `json:"result,omitempty"`
	ErrorMessage        string                         `json:"error_message,omitempty"`
	SequenceNumber      uint64                         `json:"sequence_number"`
	ErrorCount          int                            `json:"error_count"`
	CancelReason        schedulerobjects.CancelReason  `json:"cancel_reason,omitempty"`
	FailureReason       schedulerobjects.FailureReason `json:"failure_reason,omitempty"`
	NextAttemptAt       *time.Time                     `json:"next_attempt_at,omitempty"`
}

// View returns the externally visible state of the task.
func (t *Task) View() *TaskView {
	view := &TaskView{
		Id:                  t.Id,
		Type:                t.Type,
		Priority:            t.Priority,
		RequiresAccelerator: t.RequiresAccelerator,
		RequiredMemory:      t.RequiredMemory,
		Status:              t.Status,
		CreatedAt:           timePtr(t.CreatedAt),
		StartedAt:           timePtr(t.StartedAt),
		CompletedAt:         timePtr(t.CompletedAt),
		RetryCount:          t.RetryCount,
		MaxRetries:          t.MaxRetries,
		Timeout:             t.Timeout,
		ErrorMessage:        t.ErrorMessage,
		SequenceNumber:      t.SequenceNumber,
		ErrorCount:          t.ErrorCount,
		CancelReason:        t.CancelReason,
		FailureReason:       t.FailureReason,
		NextAttemptAt:       timePtr(t.NextAttemptAt),
	}
	if t.Grant != nil {
		view.AssignedResource = t.Grant.Slot
	}
	if t.Result != nil {
		view.Result = append([]byte(nil), t.Result...)
	}
	return view
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
