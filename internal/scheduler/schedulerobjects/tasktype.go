package schedulerobjects

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/quantforge/gpuscheduler/internal/common/schederrors"
)

// TaskType identifies the computation a task asks for. Values match the task_type field of submission records.
type TaskType string

const (
	Backtest        TaskType = "backtest"
	RealtimeFeature TaskType = "realtime"
	ModelTraining   TaskType = "ml_training"
	Optimization    TaskType = "optimization"
	RiskControl     TaskType = "risk_control"
	HighFrequency   TaskType = "high_frequency"
)

// AllTaskTypes lists every task type in declaration order.
var AllTaskTypes = []TaskType{Backtest, RealtimeFeature, ModelTraining, Optimization, RiskControl, HighFrequency}

var taskTypesByName = func() map[string]TaskType {
	m := make(map[string]TaskType, len(AllTaskTypes))
	for _, t := range AllTaskTypes {
		m[string(t)] = t
	}
	return m
}()

// ParseTaskType converts a submission record's task_type into a TaskType. Matching ignores case and surrounding space.
func ParseTaskType(s string) (TaskType, error) {
	t, ok := taskTypesByName[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", errors.WithStack(&schederrors.ErrInvalidArgument{
			Name:    "task_type",
			Value:   s,
			Message: "unknown task type",
		})
	}
	return t, nil
}

func (t TaskType) String() string {
	return string(t)
}
