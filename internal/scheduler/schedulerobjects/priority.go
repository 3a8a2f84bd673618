package schedulerobjects

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/quantforge/gpuscheduler/internal/common/schederrors"
)

// Priority orders tasks in the queue. Smaller values are more urgent, so Critical sorts first.
type Priority int

const (
	Critical Priority = iota
	High
	Medium
	Low
	Batch
)

// AllPriorities lists every priority from most to least urgent.
var AllPriorities = []Priority{Critical, High, Medium, Low, Batch}

var priorityNames = map[Priority]string{
	Critical: "critical",
	High:     "high",
	Medium:   "medium",
	Low:      "low",
	Batch:    "batch",
}

func ParsePriority(s string) (Priority, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for p, n := range priorityNames {
		if n == name {
			return p, nil
		}
	}
	return 0, errors.WithStack(&schederrors.ErrInvalidArgument{
		Name:    "priority",
		Value:   s,
		Message: "valid priorities are critical, high, medium, low and batch",
	})
}

// Valid returns true for the five defined priorities.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// HigherThan returns true if p should be admitted before other.
func (p Priority) HigherThan(other Priority) bool {
	return p < other
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "unknown"
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, errors.Errorf("cannot marshal invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
