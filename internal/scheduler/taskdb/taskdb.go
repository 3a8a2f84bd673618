package taskdb

import (
	"fmt"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
)

const (
	tasksTable  = "tasks"
	idIndex     = "id"     // index for looking up tasks by id
	statusIndex = "status" // index for looking up all tasks in a given lifecycle state
)

// TaskDb stores the scheduler's active working set: every task that has been submitted and not yet moved to the
// completed-task history. It is implemented on top of https://github.com/hashicorp/go-memdb which is a simple
// in-memory database built on immutable radix trees, so readers see a consistent snapshot without blocking the
// scheduler loop.
type TaskDb struct {
	Db *memdb.MemDB
}

func NewTaskDb() (*TaskDb, error) {
	db, err := memdb.NewMemDB(taskDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &TaskDb{
		Db: db,
	}, nil
}

// Upsert will insert the given tasks if they don't already exist or update them if they do.
// Any tasks passed to this function *must not* be subsequently modified.
func (taskDb *TaskDb) Upsert(txn *memdb.Txn, tasks ...*Task) error {
	for _, task := range tasks {
		if err := txn.Insert(tasksTable, task); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// GetById returns the task with the given id or nil if no such task exists.
// The task returned by this function *must not* be subsequently modified.
func (taskDb *TaskDb) GetById(txn *memdb.Txn, id string) (*Task, error) {
	obj, err := txn.First(tasksTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*Task), nil
}

// GetByStatus returns all tasks in the given state, ordered by id.
func (taskDb *TaskDb) GetByStatus(txn *memdb.Txn, status schedulerobjects.TaskStatus) ([]*Task, error) {
	// StringFieldIndex only accepts plain strings as arguments.
	iter, err := txn.Get(tasksTable, statusIndex, string(status))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return collect(iter)
}

// CountByStatus returns the number of tasks in each state. States with no tasks are omitted.
func (taskDb *TaskDb) CountByStatus(txn *memdb.Txn) (map[schedulerobjects.TaskStatus]int, error) {
	iter, err := txn.Get(tasksTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	counts := make(map[schedulerobjects.TaskStatus]int)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		counts[obj.(*Task).Status]++
	}
	return counts, nil
}

// GetAll returns all tasks in the database, ordered by id.
// The tasks returned by this function *must not* be subsequently modified.
func (taskDb *TaskDb) GetAll(txn *memdb.Txn) ([]*Task, error) {
	iter, err := txn.Get(tasksTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return collect(iter)
}

// BatchDelete removes the tasks with the given ids from the database. Any ids that are not in the database will be
// ignored.
func (taskDb *TaskDb) BatchDelete(txn *memdb.Txn, ids []string) error {
	for _, id := range ids {
		task, err := taskDb.GetById(txn, id)
		if err != nil {
			return err
		}
		if task == nil {
			continue
		}
		if err := txn.Delete(tasksTable, task); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// ReadTxn returns a read-only transaction.
// Multiple read-only transactions can access the db concurrently.
func (taskDb *TaskDb) ReadTxn() *memdb.Txn {
	return taskDb.Db.Txn(false)
}

// WriteTxn returns a writeable transaction.
// Only a single write transaction may access the db at any given time.
func (taskDb *TaskDb) WriteTxn() *memdb.Txn {
	return taskDb.Db.Txn(true)
}

func collect(iter memdb.ResultIterator) ([]*Task, error) {
	result := make([]*Task, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		task, ok := obj.(*Task)
		if !ok {
			return nil, errors.New(fmt.Sprintf("expected *Task, but got %T", obj))
		}
		result = append(result, task)
	}
	return result, nil
}

func taskDbSchema() *memdb.DBSchema {
	indexes := make(map[string]*memdb.IndexSchema)
	indexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex, // lookup by primary key
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "Id"},
	}
	indexes[statusIndex] = &memdb.IndexSchema{
		Name:    statusIndex,
		Unique:  false,
		Indexer: &memdb.StringFieldIndex{Field: "Status"},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tasksTable: {
				Name:    tasksTable,
				Indexes: indexes,
			},
		},
	}
}
