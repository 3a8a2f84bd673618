package scheduler

import (
	"sort"

	"github.com/quantforge/gpuscheduler/internal/scheduler/taskdb"
)

// CleanupTerminalTasks moves terminal tasks that finished more than RetentionWindow ago out of the working set and
// into the completed-task history, then drops history entries older than HistoryMaxAge. It returns the number of
// tasks moved.
func (s *Scheduler) CleanupTerminalTasks() (int, error) {
	now := s.clock.Now()
	txn := s.taskDb.WriteTxn()
	defer txn.Abort()

	tasks, err := s.taskDb.GetAll(txn)
	if err != nil {
		return 0, err
	}
	expired := make([]*taskdb.Task, 0)
	for _, task := range tasks {
		if task.InTerminalState() && now.Sub(task.CompletedAt) > s.config.RetentionWindow {
			expired = append(expired, task)
		}
	}
	// Oldest first, so the history evicts in completion order.
	sort.SliceStable(expired, func(i, j int) bool {
		return expired[i].CompletedAt.Before(expired[j].CompletedAt)
	})
	ids := make([]string, len(expired))
	for i, task := range expired {
		s.history.Add(task.Id, task)
		ids[i] = task.Id
	}
	if err := s.taskDb.BatchDelete(txn, ids); err != nil {
		return 0, err
	}
	txn.Commit()

	for {
		key, value, ok := s.history.GetOldest()
		if !ok || now.Sub(value.(*taskdb.Task).CompletedAt) <= s.config.HistoryMaxAge {
			break
		}
		s.history.Remove(key)
	}
	return len(expired), nil
}
