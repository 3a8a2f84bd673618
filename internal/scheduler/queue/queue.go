package queue

import (
	"sync"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/pkg/errors"

	"github.com/quantforge/gpuscheduler/internal/common/schederrors"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
)

// Item is a queued reference to a Pending task.
type Item struct {
	TaskId         string
	Priority       schedulerobjects.Priority
	SequenceNumber uint64
}

// PriorityQueue orders waiting tasks by priority, most urgent first, and by sequence number within a priority.
// It is safe for concurrent use. Pop never blocks.
type PriorityQueue struct {
	heap       *binaryheap.Heap
	ids        map[string]bool
	byPriority map[schedulerobjects.Priority]int
	mu         sync.Mutex
}

func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{
		heap:       binaryheap.NewWith(compareItems),
		ids:        make(map[string]bool),
		byPriority: make(map[schedulerobjects.Priority]int),
	}
}

// Push adds item to the queue. Pushing a task id that is already queued returns ErrAlreadyExists.
func (q *PriorityQueue) Push(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ids[item.TaskId] {
		return errors.WithStack(&schederrors.ErrAlreadyExists{Type: "queued task", Value: item.TaskId})
	}
	q.ids[item.TaskId] = true
	q.byPriority[item.Priority]++
	q.heap.Push(item)
	return nil
}

// Pop removes and returns the most urgent item. The second return value is false if the queue is empty.
func (q *PriorityQueue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	value, ok := q.heap.Pop()
	if !ok {
		return Item{}, false
	}
	item := value.(Item)
	delete(q.ids, item.TaskId)
	q.byPriority[item.Priority]--
	return item, true
}

func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Size()
}

// CountByPriority returns the number of queued items at each priority, including zero counts.
func (q *PriorityQueue) CountByPriority() map[schedulerobjects.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[schedulerobjects.Priority]int, len(schedulerobjects.AllPriorities))
	for _, p := range schedulerobjects.AllPriorities {
		counts[p] = q.byPriority[p]
	}
	return counts
}

func compareItems(a, b any) int {
	ia, ib := a.(Item), b.(Item)
	switch {
	case ia.Priority.HigherThan(ib.Priority):
		return -1
	case ib.Priority.HigherThan(ia.Priority):
		return 1
	case ia.SequenceNumber < ib.SequenceNumber:
		return -1
	case ia.SequenceNumber > ib.SequenceNumber:
		return 1
	default:
		return 0
	}
}
