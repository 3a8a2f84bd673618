package queue

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/pkg/errors"

	"github.com/quantforge/gpuscheduler/internal/common/schederrors"
)

// RetrySchedule holds tasks waiting out their retry delay, ordered by the time they become due.
type RetrySchedule struct {
	// Keyed by (dueAt, taskId).
	tree  *redblacktree.Tree
	dueAt map[string]time.Time
	mu    sync.Mutex
}

func NewRetrySchedule() *RetrySchedule {
	return &RetrySchedule{
		tree:  redblacktree.NewWith(compareRetryKeys),
		dueAt: make(map[string]time.Time),
	}
}

// Add schedules taskId to become due at dueAt. A task may only be scheduled once at a time.
func (s *RetrySchedule) Add(taskId string, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dueAt[taskId]; ok {
		return errors.WithStack(&schederrors.ErrAlreadyExists{Type: "scheduled retry", Value: taskId})
	}
	s.dueAt[taskId] = dueAt
	s.tree.Put(retryKey{dueAt: dueAt, taskId: taskId}, taskId)
	return nil
}

// PopDue removes and returns every task due at or before now, earliest first.
func (s *RetrySchedule) PopDue(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []string
	for {
		node := s.tree.Left()
		if node == nil {
			break
		}
		key := node.Key.(retryKey)
		if key.dueAt.After(now) {
			break
		}
		s.tree.Remove(key)
		delete(s.dueAt, key.taskId)
		due = append(due, key.taskId)
	}
	return due
}

// NextDue returns the earliest due time, or false if nothing is scheduled.
func (s *RetrySchedule) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := s.tree.Left()
	if node == nil {
		return time.Time{}, false
	}
	return node.Key.(retryKey).dueAt, true
}

func (s *RetrySchedule) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Size()
}

type retryKey struct {
	dueAt  time.Time
	taskId string
}

func compareRetryKeys(a, b any) int {
	ka, kb := a.(retryKey), b.(retryKey)
	switch {
	case ka.dueAt.Before(kb.dueAt):
		return -1
	case ka.dueAt.After(kb.dueAt):
		return 1
	case ka.taskId < kb.taskId:
		return -1
	case ka.taskId > kb.taskId:
		return 1
	default:
		return 0
	}
}
