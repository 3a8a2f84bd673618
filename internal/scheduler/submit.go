package scheduler

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid"
	"github.com/pkg/errors"

	"github.com/quantforge/gpuscheduler/internal/common/schederrors"
	"github.com/quantforge/gpuscheduler/internal/scheduler/queue"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
	"github.com/quantforge/gpuscheduler/internal/scheduler/submission"
	"github.com/quantforge/gpuscheduler/internal/scheduler/taskdb"
)

// Submit validates record and queues it as a Pending task.
//
// Records naming an existing task are rejected with ErrAlreadyExists and leave the existing task untouched. Records
// that fail validation, including those whose task type has no handler, are stored as Failed with a configuration
// failure reason so that their status can still be queried, and never enter the queue.
func (s *Scheduler) Submit(record submission.Record) (*taskdb.TaskView, error) {
	now := s.clock.Now()
	id := strings.TrimSpace(record.TaskId)
	if id == "" {
		id = newTaskId(now)
	}

	txn := s.taskDb.WriteTxn()
	defer txn.Abort()
	existing, err := s.taskDb.GetById(txn, id)
	if err != nil {
		return nil, err
	}
	if existing != nil || s.history.Contains(id) {
		return nil, errors.WithStack(&schederrors.ErrAlreadyExists{Type: "task", Value: id})
	}

	task, validationErr := s.newTask(id, record, now)
	if validationErr != nil {
		task.Status = schedulerobjects.Failed
		task.FailureReason = schedulerobjects.FailureReasonConfiguration
		task.ErrorMessage = validationErr.Error()
		task.CompletedAt = now
		if err := s.taskDb.Upsert(txn, task); err != nil {
			return nil, err
		}
		txn.Commit()
		s.totals.failed.Add(1)
		s.metrics.ReportRejected(task.Type, string(schederrors.KindFromError(validationErr)))
		s.metrics.ReportFailed(task.Type, schedulerobjects.FailureReasonConfiguration, 0)
		return nil, validationErr
	}

	task.SequenceNumber = s.sequence.Add(1)
	if err := s.taskDb.Upsert(txn, task); err != nil {
		return nil, err
	}
	txn.Commit()
	if err := s.queue.Push(queue.Item{TaskId: task.Id, Priority: task.Priority, SequenceNumber: task.SequenceNumber}); err != nil {
		return nil, err
	}
	s.metrics.ReportSubmitted(task.Type, task.Priority)
	return task.View(), nil
}

// newTask builds a Pending task from record. Every field that parses is set even when another is invalid, so a
// rejected task still shows what was submitted. The first validation error is returned, unknown task types first.
func (s *Scheduler) newTask(id string, record submission.Record, now time.Time) (*taskdb.Task, error) {
	task := &taskdb.Task{
		Id:                  id,
		Type:                schedulerobjects.TaskType(record.TaskType),
		Priority:            schedulerobjects.Medium,
		RequiresAccelerator: record.RequiredGpu,
		RequiredMemory:      record.RequiredMemory,
		Payload:             []byte(record.Payload),
		Status:              schedulerobjects.Pending,
		CreatedAt:           now,
		MaxRetries:          s.config.DefaultMaxRetries,
		Timeout:             s.config.DefaultTimeout,
	}
	var validationErrs []error

	taskType, err := schedulerobjects.ParseTaskType(record.TaskType)
	if err == nil {
		task.Type = taskType
	}
	if _, ok := s.registry.Lookup(taskType); err != nil || !ok {
		validationErrs = append(validationErrs, errors.WithStack(&schederrors.ErrUnknownTaskType{TaskId: id, TaskType: record.TaskType}))
	}
	if strings.TrimSpace(record.Priority) != "" {
		priority, err := schedulerobjects.ParsePriority(record.Priority)
		if err != nil {
			validationErrs = append(validationErrs, err)
		} else {
			task.Priority = priority
		}
	}
	if record.RequiredMemory < 0 {
		validationErrs = append(validationErrs, errors.WithStack(&schederrors.ErrInvalidArgument{
			Name:    "required_memory",
			Value:   record.RequiredMemory,
			Message: "must not be negative",
		}))
	} else if record.RequiredGpu && !s.resources.Fits(record.RequiredMemory) {
		// Such a task could never be admitted and would hold up everything queued behind it.
		validationErrs = append(validationErrs, errors.WithStack(&schederrors.ErrInvalidArgument{
			Name:    "required_memory",
			Value:   record.RequiredMemory,
			Message: "no accelerator slot has this much memory",
		}))
	}
	if record.MaxRetries != nil {
		if *record.MaxRetries < 0 {
			validationErrs = append(validationErrs, errors.WithStack(&schederrors.ErrInvalidArgument{
				Name:    "max_retries",
				Value:   *record.MaxRetries,
				Message: "must not be negative",
			}))
		} else {
			task.MaxRetries = *record.MaxRetries
		}
	}
	if record.TimeoutSeconds != nil {
		if *record.TimeoutSeconds <= 0 {
			validationErrs = append(validationErrs, errors.WithStack(&schederrors.ErrInvalidArgument{
				Name:    "timeout_seconds",
				Value:   *record.TimeoutSeconds,
				Message: "must be positive",
			}))
		} else {
			task.Timeout = time.Duration(*record.TimeoutSeconds) * time.Second
		}
	}
	if len(validationErrs) > 0 {
		return task, validationErrs[0]
	}
	return task, nil
}

func newTaskId(now time.Time) string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(now), rand.Reader).String())
}
