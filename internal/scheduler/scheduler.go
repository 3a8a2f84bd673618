package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/quantforge/gpuscheduler/internal/common/schedcontext"
	"github.com/quantforge/gpuscheduler/internal/scheduler/configuration"
	"github.com/quantforge/gpuscheduler/internal/scheduler/handlers"
	"github.com/quantforge/gpuscheduler/internal/scheduler/metrics"
	"github.com/quantforge/gpuscheduler/internal/scheduler/queue"
	"github.com/quantforge/gpuscheduler/internal/scheduler/resources"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
	"github.com/quantforge/gpuscheduler/internal/scheduler/submission"
	"github.com/quantforge/gpuscheduler/internal/scheduler/taskdb"
)

// Scheduler is the single owner of admission decisions. Each cycle it ingests new submissions, re-queues tasks whose
// retry delay has elapsed and admits as many queued tasks as worker and accelerator capacity allow. Handlers run on
// a bounded pool of worker goroutines and report back over a channel, so the loop never blocks on task execution.
type Scheduler struct {
	source    submission.Source
	registry  *handlers.Registry
	resources resources.ResourceManager
	queue     *queue.PriorityQueue
	retries   *queue.RetrySchedule
	// Stores every task not yet moved to history and provides fast in-memory lookups on them
	taskDb *taskdb.TaskDb
	// Terminal tasks moved out of the working set, oldest evicted first. Stores *taskdb.Task.
	history *lru.Cache
	config  configuration.SchedulingConfig
	metrics *metrics.Metrics
	// Used for all timing decisions. Injected here so that we can mock out for testing
	clock clock.WithTicker
	// Source of sequence numbers; incremented every time a task is queued as Pending.
	sequence atomic.Uint64
	// One unit per executing handler.
	workers     *semaphore.Weighted
	wg          sync.WaitGroup
	completions chan completion
	// Attempts currently executing, keyed by task id.
	runs   map[string]*activeRun
	runsMu sync.Mutex
	totals totals
}

type activeRun struct {
	runId  uuid.UUID
	cancel context.CancelFunc
	// Non-fatal errors reported by the handler during this attempt.
	errors   atomic.Int64
	released sync.Once
}

// releaseWorker gives back the run's worker slot. It is called when the handler returns and when the run is
// cancelled, so a handler that ignores cancellation does not hold a slot for a task that is no longer Running.
func (r *activeRun) releaseWorker(workers *semaphore.Weighted) {
	r.released.Do(func() { workers.Release(1) })
}

// completion is sent by a worker once its handler returns.
type completion struct {
	taskId string
	runId  uuid.UUID
	result []byte
	err    error
}

// Lifetime counts of terminal transitions, unaffected by history eviction.
type totals struct {
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

func NewScheduler(
	source submission.Source,
	registry *handlers.Registry,
	resourceManager resources.ResourceManager,
	config configuration.SchedulingConfig,
	metrics *metrics.Metrics,
	clock clock.WithTicker,
) (*Scheduler, error) {
	taskDb, err := taskdb.NewTaskDb()
	if err != nil {
		return nil, err
	}
	history, err := lru.New(config.HistorySize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Scheduler{
		source:      source,
		registry:    registry,
		resources:   resourceManager,
		queue:       queue.NewPriorityQueue(),
		retries:     queue.NewRetrySchedule(),
		taskDb:      taskDb,
		history:     history,
		config:      config,
		metrics:     metrics,
		clock:       clock,
		workers:     semaphore.NewWeighted(int64(config.MaxConcurrentTasks)),
		completions: make(chan completion, config.MaxConcurrentTasks),
		runs:        make(map[string]*activeRun),
	}, nil
}

// Run executes scheduling cycles every CyclePeriod until ctx is cancelled, then shuts down.
func (s *Scheduler) Run(ctx *schedcontext.Context) error {
	ticker := s.clock.NewTicker(s.config.CyclePeriod)
	defer ticker.Stop()
	ctx.Log.Infof("Starting scheduler with %d workers, cycle period %s", s.config.MaxConcurrentTasks, s.config.CyclePeriod)
	for {
		select {
		case <-ctx.Done():
			return s.shutdown(ctx)
		case c := <-s.completions:
			s.handleCompletion(ctx, c)
		case <-ticker.C():
			s.cycle(ctx)
		}
	}
}

func (s *Scheduler) cycle(ctx *schedcontext.Context) {
	start := s.clock.Now()
	result := metrics.CycleResult{AdmittedByPriority: make(map[schedulerobjects.Priority]int)}
	result.Ingested = s.ingest(ctx)
	result.Promoted = s.promoteDueRetries(ctx)
	admitted := s.admit(ctx)
	for _, item := range admitted {
		result.AdmittedByPriority[item.Priority]++
	}
	result.QueueDepth = s.queue.Len()
	taken := s.clock.Since(start)
	s.metrics.ReportCycle(result, taken)
	if len(admitted) > 0 {
		ctx.Log.Debugf("Admitted %d tasks in %s", len(admitted), taken)
	}
}

// ingest submits every record the source has ready. Failures affect only the record concerned.
func (s *Scheduler) ingest(ctx *schedcontext.Context) int {
	records, err := s.source.Receive(ctx, s.config.IngestBatchSize, s.ingestWait())
	if err != nil && ctx.Err() == nil {
		ctx.Log.WithError(err).Warn("error receiving submissions")
	}
	accepted := 0
	for _, record := range records {
		if _, err := s.Submit(record); err != nil {
			ctx.Log.WithError(err).WithField("taskId", record.TaskId).Warn("submission rejected")
			continue
		}
		accepted++
	}
	return accepted
}

// ingestWait bounds the wait on the submission source so that it never runs past the next retry becoming due.
func (s *Scheduler) ingestWait() time.Duration {
	wait := s.config.IngestWait
	if due, ok := s.retries.NextDue(); ok {
		if untilDue := due.Sub(s.clock.Now()); untilDue < wait {
			wait = untilDue
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

// promoteDueRetries queues every Retrying task whose retry delay has elapsed.
// Each gets a new sequence number, so it queues behind tasks of the same priority submitted in the meantime.
func (s *Scheduler) promoteDueRetries(ctx *schedcontext.Context) int {
	due := s.retries.PopDue(s.clock.Now())
	if len(due) == 0 {
		return 0
	}
	txn := s.taskDb.WriteTxn()
	defer txn.Abort()
	items := make([]queue.Item, 0, len(due))
	for _, id := range due {
		task, err := s.taskDb.GetById(txn, id)
		if err != nil {
			ctx.Log.WithError(err).WithField("taskId", id).Error("error loading task due for retry")
			continue
		}
		if task == nil || task.Status != schedulerobjects.Retrying {
			continue
		}
		task = task.DeepCopy()
		task.Status = schedulerobjects.Pending
		task.NextAttemptAt = time.Time{}
		task.SequenceNumber = s.sequence.Add(1)
		if err := s.taskDb.Upsert(txn, task); err != nil {
			ctx.Log.WithError(err).WithField("taskId", id).Error("error re-queueing task")
			continue
		}
		items = append(items, queue.Item{TaskId: task.Id, Priority: task.Priority, SequenceNumber: task.SequenceNumber})
	}
	txn.Commit()
	promoted := 0
	for _, item := range items {
		if err := s.queue.Push(item); err != nil {
			ctx.Log.WithError(err).WithField("taskId", item.TaskId).Error("error re-queueing task")
			continue
		}
		promoted++
	}
	return promoted
}

// admit starts queued tasks in priority order until the queue is empty or capacity runs out.
// Running out of worker or accelerator capacity is backpressure: the task keeps its place in the queue and nothing
// else is admitted this cycle, so a lower priority task never overtakes it.
func (s *Scheduler) admit(ctx *schedcontext.Context) []queue.Item {
	var admitted []queue.Item
	for {
		if !s.workers.TryAcquire(1) {
			if s.queue.Len() > 0 {
				s.metrics.ReportBackpressure(metrics.BackpressureWorkers)
			}
			return admitted
		}
		item, ok := s.queue.Pop()
		if !ok {
			s.workers.Release(1)
			return admitted
		}
		started, stop := s.admitOne(ctx, item)
		if !started {
			s.workers.Release(1)
		} else {
			admitted = append(admitted, item)
		}
		if stop {
			return admitted
		}
	}
}

// admitOne tries to start item, holding a worker slot. It returns whether the task was started and whether
// admission should stop for this cycle.
func (s *Scheduler) admitOne(ctx *schedcontext.Context, item queue.Item) (started bool, stop bool) {
	log := ctx.Log.WithField("taskId", item.TaskId)
	task, err := s.taskDb.GetById(s.taskDb.ReadTxn(), item.TaskId)
	if err != nil {
		log.WithError(err).Error("error loading queued task")
		s.pushBack(ctx, item)
		return false, true
	}
	if task == nil || task.Status != schedulerobjects.Pending {
		// Nothing to run; drop the stale queue entry.
		return false, false
	}
	handler, ok := s.registry.Lookup(task.Type)
	if !ok {
		// Only possible if the registry changed under a running scheduler.
		log.Errorf("no handler registered for %s", task.Type)
		return false, false
	}

	var grant *resources.Grant
	if task.RequiresAccelerator {
		grant, err = s.resources.Allocate(task.Id, task.Priority, task.RequiredMemory)
		if err != nil {
			log.WithError(err).Warn("error allocating accelerator")
			s.metrics.ReportBackpressure(metrics.BackpressureResourceError)
			s.pushBack(ctx, item)
			return false, true
		}
		if grant == nil {
			s.metrics.ReportBackpressure(metrics.BackpressureAccelerators)
			s.pushBack(ctx, item)
			return false, true
		}
	}

	running := task.DeepCopy()
	running.Status = schedulerobjects.Running
	if running.StartedAt.IsZero() {
		running.StartedAt = s.clock.Now()
	}
	running.Grant = grant
	running.RunId = uuid.New()
	txn := s.taskDb.WriteTxn()
	if err := s.taskDb.Upsert(txn, running); err != nil {
		txn.Abort()
		log.WithError(err).Error("error marking task running")
		s.releaseGrant(ctx, running.Id, grant)
		s.pushBack(ctx, item)
		return false, true
	}
	txn.Commit()

	s.metrics.ReportAdmitted(running.Type, running.Priority)
	s.launch(ctx, running, handler)
	return true, false
}

func (s *Scheduler) pushBack(ctx *schedcontext.Context, item queue.Item) {
	if err := s.queue.Push(item); err != nil {
		ctx.Log.WithError(err).WithField("taskId", item.TaskId).Error("error returning task to queue")
	}
}

// launch runs the handler on a worker goroutine. The caller must hold a worker slot, which is released once the
// handler returns or the run is cancelled.
func (s *Scheduler) launch(ctx *schedcontext.Context, task *taskdb.Task, handler handlers.Handler) {
	runCtx, cancel := schedcontext.WithCancel(ctx)
	run := &activeRun{runId: task.RunId, cancel: cancel}
	s.runsMu.Lock()
	s.runs[task.Id] = run
	s.runsMu.Unlock()

	execCtx := handlers.NewExecutionContext(runCtx, task.Id, task.Type, task.RetryCount, func(error) {
		run.errors.Add(1)
	})
	payload := task.Payload
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer run.releaseWorker(s.workers)
		result, err := execute(execCtx, handler, payload)
		s.completions <- completion{taskId: task.Id, runId: run.runId, result: result, err: err}
	}()
}

// execute invokes the handler, converting a panic into an execution failure.
func execute(ctx *handlers.ExecutionContext, handler handlers.Handler, payload []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			ctx.Log.Errorf("handler panicked: %v", r)
			result = nil
			err = errors.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Handle(ctx, payload)
}

func (s *Scheduler) releaseGrant(ctx *schedcontext.Context, taskId string, grant *resources.Grant) {
	if grant == nil {
		return
	}
	if err := s.resources.Release(taskId, grant); err != nil {
		ctx.Log.WithError(err).WithField("taskId", taskId).Error("error releasing accelerator")
	}
}

// MaxConcurrentTasks returns the size of the worker pool.
func (s *Scheduler) MaxConcurrentTasks() int {
	return s.config.MaxConcurrentTasks
}

// QueueDepth returns the number of tasks waiting in the priority queue.
func (s *Scheduler) QueueDepth() int {
	return s.queue.Len()
}
