package resources

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/quantforge/gpuscheduler/internal/common/schederrors"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
)

// SlotConfig describes one accelerator slot.
type SlotConfig struct {
	Name string `validate:"required"`
	// Memory available on the slot, in the same units as a task's required memory.
	Memory int64 `validate:"gt=0"`
}

type slot struct {
	name   string
	memory int64
	grant  *Grant
}

// SlotPool is an in-process ResourceManager over a fixed set of accelerator slots.
// Each slot runs at most one task. Allocation picks the smallest free slot with enough memory.
type SlotPool struct {
	// Sorted by ascending memory, so the first fit is the best fit.
	slots       []*slot
	grants      map[uuid.UUID]*slot
	totalMemory int64
	clock       clock.Clock
	mu          sync.Mutex
}

func NewSlotPool(configs []SlotConfig, clock clock.Clock) (*SlotPool, error) {
	slots := make([]*slot, 0, len(configs))
	names := make(map[string]bool, len(configs))
	var totalMemory int64
	for _, c := range configs {
		if c.Memory <= 0 {
			return nil, errors.WithStack(&schederrors.ErrInvalidArgument{
				Name:    "memory",
				Value:   c.Memory,
				Message: "slot " + c.Name + " must have positive memory",
			})
		}
		if names[c.Name] {
			return nil, errors.WithStack(&schederrors.ErrAlreadyExists{Type: "slot", Value: c.Name})
		}
		names[c.Name] = true
		slots = append(slots, &slot{name: c.Name, memory: c.Memory})
		totalMemory += c.Memory
	}
	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].memory < slots[j].memory
	})
	return &SlotPool{
		slots:       slots,
		grants:      make(map[uuid.UUID]*slot, len(slots)),
		totalMemory: totalMemory,
		clock:       clock,
	}, nil
}

func (p *SlotPool) Allocate(taskId string, priority schedulerobjects.Priority, memory int64) (*Grant, error) {
	if memory < 0 {
		return nil, errors.WithStack(&schederrors.ErrInvalidArgument{
			Name:    "required_memory",
			Value:   memory,
			Message: "must not be negative",
		})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.grant != nil || s.memory < memory {
			continue
		}
		grant := &Grant{
			Id:        uuid.New(),
			TaskId:    taskId,
			Slot:      s.name,
			Memory:    memory,
			Priority:  priority,
			GrantedAt: p.clock.Now(),
		}
		s.grant = grant
		p.grants[grant.Id] = s
		return grant, nil
	}
	if memory > p.largestSlotMemory() {
		log.WithField("taskId", taskId).Debugf("task requires %d memory but the largest slot has %d", memory, p.largestSlotMemory())
	}
	return nil, nil
}

func (p *SlotPool) Release(taskId string, grant *Grant) error {
	if grant == nil {
		return errors.WithStack(&schederrors.ErrInvalidArgument{Name: "grant", Value: "nil", Message: "task " + taskId})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.grants[grant.Id]
	if !ok || s.grant == nil || s.grant.TaskId != taskId {
		return errors.WithStack(&schederrors.ErrUnknownGrant{GrantId: grant.Id.String(), TaskId: taskId})
	}
	s.grant = nil
	delete(p.grants, grant.Id)
	return nil
}

func (p *SlotPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := Stats{Total: len(p.slots)}
	var usedMemory int64
	for _, s := range p.slots {
		if s.grant == nil {
			stats.Available++
		} else {
			usedMemory += s.grant.Memory
		}
	}
	if stats.Total > 0 {
		stats.UtilizationPercent = float64(stats.Total-stats.Available) / float64(stats.Total) * 100
	}
	if p.totalMemory > 0 {
		stats.MemoryUsagePercent = float64(usedMemory) / float64(p.totalMemory) * 100
	}
	return stats
}

// Fits returns true if some slot, free or not, has at least memory capacity. An empty pool fits nothing.
func (p *SlotPool) Fits(memory int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) > 0 && memory <= p.largestSlotMemory()
}

func (p *SlotPool) largestSlotMemory() int64 {
	if len(p.slots) == 0 {
		return 0
	}
	return p.slots[len(p.slots)-1].memory
}
