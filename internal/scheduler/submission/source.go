package submission

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Source is a durable queue of submission records.
// Records are acknowledged as they are received: once returned by Receive they are owned by the scheduler.
type Source interface {
	// Receive returns up to max records. If none are immediately available it waits at most wait for the first one,
	// returning an empty slice if none arrives. Receive returns early with ctx.Err() if ctx is cancelled.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Record, error)
	Close() error
}

// ChannelSource is an in-memory Source, used by tests and by callers embedding the scheduler.
type ChannelSource struct {
	records chan Record
}

func NewChannelSource(capacity int) *ChannelSource {
	return &ChannelSource{records: make(chan Record, capacity)}
}

// Submit adds a record, blocking while the source is full.
func (s *ChannelSource) Submit(ctx context.Context, record Record) error {
	select {
	case s.records <- record:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

func (s *ChannelSource) Receive(ctx context.Context, max int, wait time.Duration) ([]Record, error) {
	records := make([]Record, 0)
	if max <= 0 {
		return records, nil
	}
	records = s.drain(records, max)
	if len(records) > 0 {
		return records, nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case record := <-s.records:
		records = append(records, record)
	case <-timer.C:
		return records, nil
	case <-ctx.Done():
		return records, ctx.Err()
	}
	return s.drain(records, max), nil
}

// drain appends records that are ready without blocking, up to max in total.
func (s *ChannelSource) drain(records []Record, max int) []Record {
	for len(records) < max {
		select {
		case record := <-s.records:
			records = append(records, record)
		default:
			return records
		}
	}
	return records
}

// Len returns the number of records waiting to be received.
func (s *ChannelSource) Len() int {
	return len(s.records)
}

func (s *ChannelSource) Close() error {
	return nil
}
