package schedulerobjects

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	Pending   TaskStatus = "Pending"
	Running   TaskStatus = "Running"
	Completed TaskStatus = "Completed"
	Failed    TaskStatus = "Failed"
	Cancelled TaskStatus = "Cancelled"
	// Retrying tasks failed an attempt and wait for the retry delay before being queued again.
	Retrying TaskStatus = "Retrying"
)

var AllStatuses = []TaskStatus{Pending, Running, Completed, Failed, Cancelled, Retrying}

// IsTerminal returns true for Completed, Failed and Cancelled.
func (s TaskStatus) IsTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

func (s TaskStatus) String() string {
	return string(s)
}

// CancelReason records why a task was cancelled.
type CancelReason string

const (
	CancelReasonNone           CancelReason = ""
	CancelReasonTimeout        CancelReason = "timeout"
	CancelReasonErrorThreshold CancelReason = "error_threshold"
	CancelReasonShutdown       CancelReason = "shutdown"
)

// FailureReason records why a task failed.
type FailureReason string

const (
	FailureReasonNone FailureReason = ""
	// The handler failed on every attempt allowed by max_retries.
	FailureReasonExhausted FailureReason = "exhausted"
	// The task was rejected at submission, e.g. because its type has no handler.
	FailureReasonConfiguration FailureReason = "configuration"
)
