package submission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int       { return &i }
func int64Ptr(i int64) *int64 { return &i }

func TestDecodeRecord(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected Record
		isValid  bool
	}{
		"minimal": {
			input: `{"task_id":"t1","task_type":"backtest","priority":"high","required_memory":8,"required_gpu":true,"payload":{"symbol":"ES"}}`,
			expected: Record{
				TaskId:         "t1",
				TaskType:       "backtest",
				Priority:       "high",
				RequiredMemory: 8,
				RequiredGpu:    true,
				Payload:        []byte(`{"symbol":"ES"}`),
			},
			isValid: true,
		},
		"overrides": {
			input: `{"task_type":"ml_training","priority":"batch","max_retries":0,"timeout_seconds":30}`,
			expected: Record{
				TaskType:       "ml_training",
				Priority:       "batch",
				MaxRetries:     intPtr(0),
				TimeoutSeconds: int64Ptr(30),
			},
			isValid: true,
		},
		"unknown task type is not rejected here": {
			input:    `{"task_type":"mining","priority":"low"}`,
			expected: Record{TaskType: "mining", Priority: "low"},
			isValid:  true,
		},
		"not json": {
			input:   `task_type=backtest`,
			isValid: false,
		},
		"wrong field type": {
			input:   `{"task_type":"backtest","required_memory":"lots"}`,
			isValid: false,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			record, err := DecodeRecord([]byte(tc.input))
			if !tc.isValid {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, record)
		})
	}
}

func TestEncodeRecord_OmitsUnsetOverrides(t *testing.T) {
	data, err := EncodeRecord(Record{TaskType: "backtest", Priority: "low"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"task_type":"backtest","priority":"low","required_memory":0,"required_gpu":false}`, string(data))
}
