package metrics

const (

	// common prefix for all metric names
	prefix = "gpusched_"

	// Prometheus Labels
	taskTypeLabel = "task_type"
	priorityLabel = "priority"
	statusLabel   = "status"
	reasonLabel   = "reason"

	// Label value for task types that are not recognised
	unknownTaskType = "unknown"

	// Backpressure reasons
	BackpressureWorkers       = "workers"
	BackpressureAccelerators  = "accelerators"
	BackpressureResourceError = "resource_error"
)
