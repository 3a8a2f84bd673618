package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/quantforge/gpuscheduler/internal/common/schedcontext"
	"github.com/quantforge/gpuscheduler/internal/common/schederrors"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
	"github.com/quantforge/gpuscheduler/internal/scheduler/taskdb"
)

// handleCompletion records the outcome of an attempt. Completions for attempts that are no longer current, because
// the task was cancelled while its handler was still running, are discarded.
func (s *Scheduler) handleCompletion(ctx *schedcontext.Context, c completion) {
	log := ctx.Log.WithField("taskId", c.taskId)
	run := s.takeRun(c.taskId, c.runId)
	if run == nil {
		log.Debugf("discarding result of superseded run %s", c.runId)
		return
	}
	run.cancel()

	txn := s.taskDb.WriteTxn()
	defer txn.Abort()
	task, err := s.taskDb.GetById(txn, c.taskId)
	if err != nil {
		log.WithError(err).Error("error loading completed task")
		s.restoreRun(c.taskId, run)
		return
	}
	if task == nil || task.Status != schedulerobjects.Running || task.RunId != c.runId {
		log.Debugf("discarding result of superseded run %s", c.runId)
		return
	}

	now := s.clock.Now()
	updated := task.DeepCopy()
	updated.Grant = nil
	updated.ErrorCount += int(run.errors.Load())
	if c.err == nil {
		updated.Status = schedulerobjects.Completed
		updated.CompletedAt = now
		updated.Result = c.result
		updated.ErrorMessage = ""
	} else {
		updated.ErrorCount++
		updated.ErrorMessage = c.err.Error()
		if updated.RetryCount < updated.MaxRetries {
			updated.RetryCount++
			updated.Status = schedulerobjects.Retrying
			updated.NextAttemptAt = now.Add(s.config.RetryDelay)
		} else {
			updated.Status = schedulerobjects.Failed
			updated.FailureReason = schedulerobjects.FailureReasonExhausted
			updated.CompletedAt = now
		}
	}
	if err := s.taskDb.Upsert(txn, updated); err != nil {
		// The task is still Running and holds its grant. Keeping the run lets the health monitor cancel it and
		// release the grant once it times out.
		log.WithError(err).Error("error recording task outcome")
		s.restoreRun(c.taskId, run)
		return
	}
	txn.Commit()
	s.releaseGrant(ctx, task.Id, task.Grant)

	switch updated.Status {
	case schedulerobjects.Completed:
		s.totals.completed.Add(1)
		s.metrics.ReportCompleted(updated.Type, updated.Duration())
		log.Debug("task completed")
	case schedulerobjects.Retrying:
		if err := s.retries.Add(updated.Id, updated.NextAttemptAt); err != nil {
			log.WithError(err).Error("error scheduling retry")
		}
		s.metrics.ReportRetried(updated.Type)
		log.WithError(c.err).Infof("attempt %d of %d failed, retrying at %s",
			updated.RetryCount, updated.MaxRetries+1, updated.NextAttemptAt.Format(time.RFC3339))
	case schedulerobjects.Failed:
		s.totals.failed.Add(1)
		s.metrics.ReportFailed(updated.Type, updated.FailureReason, updated.Duration())
		log.WithError(c.err).Warnf("task failed after %d attempts", updated.RetryCount+1)
	}
}

// takeRun removes and returns the active run for taskId if it is runId, or nil otherwise.
func (s *Scheduler) takeRun(taskId string, runId uuid.UUID) *activeRun {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	run, ok := s.runs[taskId]
	if !ok || run.runId != runId {
		return nil
	}
	delete(s.runs, taskId)
	return run
}

func (s *Scheduler) restoreRun(taskId string, run *activeRun) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	s.runs[taskId] = run
}

// CancelRunning moves a Running task to Cancelled, releases its accelerator and cancels its handler's context.
// It returns false if the task was not Running, for example because it finished first. Cancelled tasks are never
// retried.
func (s *Scheduler) CancelRunning(ctx *schedcontext.Context, taskId string, reason schedulerobjects.CancelReason) (bool, error) {
	txn := s.taskDb.WriteTxn()
	defer txn.Abort()
	task, err := s.taskDb.GetById(txn, taskId)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, errors.WithStack(&schederrors.ErrNotFound{Type: "task", Value: taskId})
	}
	if task.Status != schedulerobjects.Running {
		return false, nil
	}

	s.runsMu.Lock()
	run := s.runs[taskId]
	delete(s.runs, taskId)
	s.runsMu.Unlock()

	now := s.clock.Now()
	cancelled := task.DeepCopy()
	cancelled.Status = schedulerobjects.Cancelled
	cancelled.CancelReason = reason
	cancelled.CompletedAt = now
	cancelled.Grant = nil
	cancelled.ErrorMessage = cancelMessage(task, reason, now)
	if run != nil {
		cancelled.ErrorCount += int(run.errors.Load())
	}
	if err := s.taskDb.Upsert(txn, cancelled); err != nil {
		if run != nil {
			s.restoreRun(taskId, run)
		}
		return false, err
	}
	txn.Commit()

	if run != nil {
		run.cancel()
		run.releaseWorker(s.workers)
	}
	s.releaseGrant(ctx, taskId, task.Grant)
	s.totals.cancelled.Add(1)
	s.metrics.ReportCancelled(cancelled.Type, reason)
	ctx.Log.WithField("taskId", taskId).Warn(cancelled.ErrorMessage)
	return true, nil
}

func cancelMessage(task *taskdb.Task, reason schedulerobjects.CancelReason, now time.Time) string {
	switch reason {
	case schedulerobjects.CancelReasonTimeout:
		return fmt.Sprintf("cancelled: running for %s, exceeding timeout of %s", now.Sub(task.StartedAt).Round(time.Second), task.Timeout)
	case schedulerobjects.CancelReasonErrorThreshold:
		return fmt.Sprintf("cancelled: too many errors (%d)", task.ErrorCount)
	case schedulerobjects.CancelReasonShutdown:
		return "cancelled: scheduler shutting down"
	default:
		return "cancelled"
	}
}

// shutdown cancels every running handler and waits up to ShutdownTimeout for them to return. Attempts that
// succeeded in that time are recorded as Completed; everything else still Running is Cancelled.
func (s *Scheduler) shutdown(ctx *schedcontext.Context) error {
	// ctx is already cancelled; the remaining bookkeeping must not observe that.
	ctx = schedcontext.New(schedcontext.Background(), ctx.Log)
	s.runsMu.Lock()
	numRunning := len(s.runs)
	for _, run := range s.runs {
		run.cancel()
	}
	s.runsMu.Unlock()
	ctx.Log.Infof("Shutting down, waiting for %d running tasks", numRunning)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	// Workers of cancelled runs may outnumber the completion buffer, so keep receiving while waiting.
	var finished []completion
	timeout := s.clock.After(s.config.ShutdownTimeout)
wait:
	for {
		select {
		case c := <-s.completions:
			finished = append(finished, c)
		case <-done:
			break wait
		case <-timeout:
			ctx.Log.Warnf("Running tasks did not stop within %s", s.config.ShutdownTimeout)
			break wait
		}
	}
drain:
	for {
		select {
		case c := <-s.completions:
			finished = append(finished, c)
		default:
			break drain
		}
	}
	for _, c := range finished {
		if c.err == nil {
			s.handleCompletion(ctx, c)
		}
	}

	running, err := s.taskDb.GetByStatus(s.taskDb.ReadTxn(), schedulerobjects.Running)
	if err != nil {
		return err
	}
	for _, task := range running {
		if _, err := s.CancelRunning(ctx, task.Id, schedulerobjects.CancelReasonShutdown); err != nil {
			ctx.Log.WithError(err).WithField("taskId", task.Id).Error("error cancelling task")
		}
	}
	return s.source.Close()
}
