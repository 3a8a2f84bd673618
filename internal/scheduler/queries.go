package scheduler

import (
	"github.com/pkg/errors"

	"github.com/quantforge/gpuscheduler/internal/common/schederrors"
	"github.com/quantforge/gpuscheduler/internal/scheduler/analytics"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
	"github.com/quantforge/gpuscheduler/internal/scheduler/taskdb"
)

// Statistics summarises the scheduler's state.
type Statistics struct {
	Running  int `json:"running"`
	Pending  int `json:"pending"`
	Retrying int `json:"retrying"`
	// Lifetime totals, including tasks evicted from history.
	Completed            int64 `json:"completed"`
	Failed               int64 `json:"failed"`
	Cancelled            int64 `json:"cancelled"`
	QueueDepth           int   `json:"queue_depth"`
	AcceleratorAvailable int   `json:"accelerator_available"`
	AcceleratorTotal     int   `json:"accelerator_total"`
	MaxConcurrentTasks   int   `json:"max_concurrent_tasks"`
	// Tasks in the working set, i.e. not yet moved to history, by type and by priority.
	ByType     map[schedulerobjects.TaskType]int `json:"by_type"`
	ByPriority map[schedulerobjects.Priority]int `json:"by_priority"`
}

// GetStatus returns the current state of a task, looking in the completed-task history if the task has left the
// working set. Once a task is terminal the returned view no longer changes.
func (s *Scheduler) GetStatus(taskId string) (*taskdb.TaskView, error) {
	task, err := s.taskDb.GetById(s.taskDb.ReadTxn(), taskId)
	if err != nil {
		return nil, err
	}
	if task != nil {
		return task.View(), nil
	}
	if value, ok := s.history.Peek(taskId); ok {
		return value.(*taskdb.Task).View(), nil
	}
	return nil, errors.WithStack(&schederrors.ErrNotFound{Type: "task", Value: taskId})
}

func (s *Scheduler) GetStatistics() (*Statistics, error) {
	tasks, err := s.taskDb.GetAll(s.taskDb.ReadTxn())
	if err != nil {
		return nil, err
	}
	stats := &Statistics{
		Completed:          s.totals.completed.Load(),
		Failed:             s.totals.failed.Load(),
		Cancelled:          s.totals.cancelled.Load(),
		QueueDepth:         s.queue.Len(),
		MaxConcurrentTasks: s.config.MaxConcurrentTasks,
		ByType:             make(map[schedulerobjects.TaskType]int),
		ByPriority:         make(map[schedulerobjects.Priority]int),
	}
	for _, task := range tasks {
		switch task.Status {
		case schedulerobjects.Running:
			stats.Running++
		case schedulerobjects.Pending:
			stats.Pending++
		case schedulerobjects.Retrying:
			stats.Retrying++
		}
		stats.ByType[task.Type]++
		stats.ByPriority[task.Priority]++
	}
	resourceStats := s.resources.Stats()
	stats.AcceleratorAvailable = resourceStats.Available
	stats.AcceleratorTotal = resourceStats.Total
	return stats, nil
}

// RunningTasks returns a snapshot of every Running task. ErrorCount includes errors reported by the current attempt.
func (s *Scheduler) RunningTasks() ([]*taskdb.Task, error) {
	running, err := s.taskDb.GetByStatus(s.taskDb.ReadTxn(), schedulerobjects.Running)
	if err != nil {
		return nil, err
	}
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	result := make([]*taskdb.Task, len(running))
	for i, task := range running {
		task = task.DeepCopy()
		if run, ok := s.runs[task.Id]; ok && run.runId == task.RunId {
			task.ErrorCount += int(run.errors.Load())
		}
		result[i] = task
	}
	return result, nil
}

// TerminalTasks returns every Completed, Failed or Cancelled task still held in the working set or history.
func (s *Scheduler) TerminalTasks() ([]*taskdb.Task, error) {
	tasks, err := s.taskDb.GetAll(s.taskDb.ReadTxn())
	if err != nil {
		return nil, err
	}
	result := make([]*taskdb.Task, 0)
	for _, task := range tasks {
		if task.InTerminalState() {
			result = append(result, task)
		}
	}
	for _, key := range s.history.Keys() {
		if value, ok := s.history.Peek(key); ok {
			result = append(result, value.(*taskdb.Task))
		}
	}
	return result, nil
}

// Snapshot gathers the state read by the analytics engine.
func (s *Scheduler) Snapshot() (*analytics.Snapshot, error) {
	stats, err := s.GetStatistics()
	if err != nil {
		return nil, err
	}
	terminal, err := s.TerminalTasks()
	if err != nil {
		return nil, err
	}
	return &analytics.Snapshot{
		Running:            stats.Running,
		Pending:            stats.Pending,
		Retrying:           stats.Retrying,
		QueueDepth:         stats.QueueDepth,
		MaxConcurrentTasks: stats.MaxConcurrentTasks,
		Completed:          stats.Completed,
		Failed:             stats.Failed,
		Cancelled:          stats.Cancelled,
		Resources:          s.resources.Stats(),
		ByType:             stats.ByType,
		ByPriority:         stats.ByPriority,
		Terminal:           terminal,
	}, nil
}
