package handlers

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/quantforge/gpuscheduler/internal/common/schedcontext"
	"github.com/quantforge/gpuscheduler/internal/common/schederrors"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
)

// ExecutionContext is passed to a handler for the duration of one attempt.
// It is cancelled when the task is cancelled (timeout, error threshold or shutdown). Handlers should return promptly
// once Done() is closed; the scheduler does not wait for handlers that ignore it.
type ExecutionContext struct {
	*schedcontext.Context
	TaskId   string
	TaskType schedulerobjects.TaskType
	// Zero on the first attempt.
	Attempt     int
	reportError func(error)
}

func NewExecutionContext(
	ctx *schedcontext.Context,
	taskId string,
	taskType schedulerobjects.TaskType,
	attempt int,
	reportError func(error),
) *ExecutionContext {
	return &ExecutionContext{
		Context:     schedcontext.WithLogFields(ctx, map[string]any{"taskId": taskId, "taskType": taskType, "attempt": attempt}),
		TaskId:      taskId,
		TaskType:    taskType,
		Attempt:     attempt,
		reportError: reportError,
	}
}

// ReportError records a non-fatal error. Tasks accumulating too many errors are cancelled by the health monitor.
func (c *ExecutionContext) ReportError(err error) {
	if err == nil {
		return
	}
	c.Log.WithError(err).Debug("handler reported error")
	if c.reportError != nil {
		c.reportError(err)
	}
}

// Handler runs the computation for one task type. The payload is opaque to the scheduler.
// A returned error is an execution failure and is retried up to the task's max_retries.
type Handler interface {
	Handle(ctx *ExecutionContext, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx *ExecutionContext, payload []byte) ([]byte, error)

func (f HandlerFunc) Handle(ctx *ExecutionContext, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// Registry maps each task type to its handler. It is built once at startup and never modified.
type Registry struct {
	handlers map[schedulerobjects.TaskType]Handler
}

func NewRegistry(handlers map[schedulerobjects.TaskType]Handler) (*Registry, error) {
	copied := make(map[schedulerobjects.TaskType]Handler, len(handlers))
	for taskType, handler := range handlers {
		if _, err := schedulerobjects.ParseTaskType(string(taskType)); err != nil {
			return nil, err
		}
		if handler == nil {
			return nil, errors.WithStack(&schederrors.ErrInvalidArgument{
				Name:    "handler",
				Value:   string(taskType),
				Message: "handler must not be nil",
			})
		}
		copied[taskType] = handler
	}
	return &Registry{handlers: copied}, nil
}

// Lookup returns the handler for taskType, or false if none is registered.
func (r *Registry) Lookup(taskType schedulerobjects.TaskType) (Handler, bool) {
	handler, ok := r.handlers[taskType]
	return handler, ok
}

// Types returns the registered task types in sorted order.
func (r *Registry) Types() []schedulerobjects.TaskType {
	types := make([]schedulerobjects.TaskType, 0, len(r.handlers))
	for taskType := range r.handlers {
		types = append(types, taskType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
