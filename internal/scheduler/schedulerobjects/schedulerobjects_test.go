package schedulerobjects

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/gpuscheduler/internal/common/schederrors"
)

func TestParseTaskType(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected TaskType
		isValid  bool
	}{
		"backtest":            {input: "backtest", expected: Backtest, isValid: true},
		"realtime":            {input: "realtime", expected: RealtimeFeature, isValid: true},
		"ml training":         {input: "ml_training", expected: ModelTraining, isValid: true},
		"optimization":        {input: "optimization", expected: Optimization, isValid: true},
		"risk control":        {input: "risk_control", expected: RiskControl, isValid: true},
		"high frequency":      {input: "high_frequency", expected: HighFrequency, isValid: true},
		"mixed case, padding": {input: "  BackTest ", expected: Backtest, isValid: true},
		"unknown":             {input: "mining", isValid: false},
		"empty":               {input: "", isValid: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			taskType, err := ParseTaskType(tc.input)
			if !tc.isValid {
				assert.Equal(t, schederrors.KindConfiguration, schederrors.KindFromError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, taskType)
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	for i := 0; i < len(AllPriorities)-1; i++ {
		assert.True(t, AllPriorities[i].HigherThan(AllPriorities[i+1]))
		assert.False(t, AllPriorities[i+1].HigherThan(AllPriorities[i]))
	}
	assert.False(t, Medium.HigherThan(Medium))
}

func TestParsePriority(t *testing.T) {
	for _, p := range AllPriorities {
		parsed, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	parsed, err := ParsePriority(" CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, Critical, parsed)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestPriorityJson(t *testing.T) {
	type wrapper struct {
		Priority Priority `json:"priority"`
	}
	out, err := json.Marshal(wrapper{Priority: Low})
	require.NoError(t, err)
	assert.JSONEq(t, `{"priority":"low"}`, string(out))

	var in wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"priority":"high"}`), &in))
	assert.Equal(t, High, in.Priority)

	assert.Error(t, json.Unmarshal([]byte(`{"priority":"urgent"}`), &in))
	_, err = json.Marshal(wrapper{Priority: Priority(42)})
	assert.Error(t, err)
}

func TestIsTerminal(t *testing.T) {
	terminal := map[TaskStatus]bool{
		Pending:   false,
		Running:   false,
		Retrying:  false,
		Completed: true,
		Failed:    true,
		Cancelled: true,
	}
	for _, status := range AllStatuses {
		assert.Equal(t, terminal[status], status.IsTerminal(), status)
	}
}
