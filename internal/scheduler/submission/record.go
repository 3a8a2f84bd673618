package submission

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Record is a task descriptor as it arrives from a submission source.
// Priority and task type are validated by the scheduler, not here, so that a record with an unknown type can still be
// recorded as a rejected task.
type Record struct {
	// Assigned by the scheduler if empty.
	TaskId         string `json:"task_id,omitempty"`
	TaskType       string `json:"task_type"`
	Priority       string `json:"priority"`
	RequiredMemory int64  `json:"required_memory"`
	RequiredGpu    bool   `json:"required_gpu"`
	// Passed to the handler unchanged.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Overrides the configured default when set.
	MaxRetries *int `json:"max_retries,omitempty"`
	// Overrides the configured default timeout when set.
	TimeoutSeconds *int64 `json:"timeout_seconds,omitempty"`
}

// DecodeRecord parses a JSON submission record.
func DecodeRecord(data []byte) (Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, errors.Wrap(err, "decoding submission record")
	}
	return record, nil
}

func EncodeRecord(record Record) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, errors.Wrap(err, "encoding submission record")
	}
	return data, nil
}
