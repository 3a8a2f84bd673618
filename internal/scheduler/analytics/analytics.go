package analytics

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/quantforge/gpuscheduler/internal/scheduler/configuration"
	"github.com/quantforge/gpuscheduler/internal/scheduler/resources"
	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
	"github.com/quantforge/gpuscheduler/internal/scheduler/taskdb"
)

const (
	throughputWindow = time.Hour

	acceleratorWeight = 0.3
	queueWeight       = 0.2
	taskWeight        = 0.3
	allocationWeight  = 0.2
)

// Snapshot is a point-in-time view of scheduler and resource manager state.
type Snapshot struct {
	Running            int
	Pending            int
	Retrying           int
	QueueDepth         int
	MaxConcurrentTasks int
	// Lifetime totals.
	Completed int64
	Failed    int64
	Cancelled int64
	Resources resources.Stats
	// Tasks in the working set, by type and by priority.
	ByType     map[schedulerobjects.TaskType]int
	ByPriority map[schedulerobjects.Priority]int
	// Terminal tasks still known to the scheduler, whether in the working set or in history.
	Terminal []*taskdb.Task
}

type SnapshotSource interface {
	Snapshot() (*Snapshot, error)
}

// Engine derives throughput, utilisation, efficiency and capacity figures from scheduler state.
// It never mutates anything it reads.
type Engine struct {
	source SnapshotSource
	config configuration.AnalyticsConfig
	clock  clock.Clock
}

func NewEngine(source SnapshotSource, config configuration.AnalyticsConfig, clock clock.Clock) *Engine {
	return &Engine{
		source: source,
		config: config,
		clock:  clock,
	}
}

type Throughput struct {
	CompletedLastHour int           `json:"completed_last_hour"`
	TotalCompleted    int64         `json:"total_completed"`
	TotalFailed       int64         `json:"total_failed"`
	SuccessRate       float64       `json:"success_rate"`
	AverageDuration   time.Duration `json:"average_duration"`
}

type Utilization struct {
	AcceleratorPercent float64 `json:"accelerator_percent"`
	MemoryPercent      float64 `json:"memory_percent"`
	WorkerPercent      float64 `json:"worker_percent"`
	Band               Band    `json:"band"`
}

type EfficiencyReport struct {
	OverallScore     float64  `json:"overall_score"`
	AcceleratorScore float64  `json:"accelerator_score"`
	QueueScore       float64  `json:"queue_score"`
	TaskScore        float64  `json:"task_score"`
	AllocationScore  float64  `json:"allocation_score"`
	Band             Band     `json:"band"`
	Recommendations  []string `json:"recommendations"`
	Bottlenecks      []string `json:"bottlenecks"`
}

type CapacityReport struct {
	AcceleratorHeadroom int `json:"accelerator_headroom"`
	WorkerHeadroom      int `json:"worker_headroom"`
	QueueDepth          int `json:"queue_depth"`
	// Time to empty the queue at last hour's completion rate.
	// Only meaningful when DrainTimeKnown is set.
	EstimatedDrainTime time.Duration `json:"estimated_drain_time"`
	DrainTimeKnown     bool          `json:"drain_time_known"`
}

// Report bundles every analysis computed from a single snapshot.
type Report struct {
	Time        time.Time                         `json:"time"`
	Throughput  Throughput                        `json:"throughput"`
	Utilization Utilization                       `json:"utilization"`
	Efficiency  EfficiencyReport                  `json:"efficiency"`
	Capacity    CapacityReport                    `json:"capacity"`
	ByType      map[schedulerobjects.TaskType]int `json:"by_type"`
	ByPriority  map[schedulerobjects.Priority]int `json:"by_priority"`
}

func (e *Engine) Analyze() (*Report, error) {
	snapshot, err := e.source.Snapshot()
	if err != nil {
		return nil, err
	}
	return e.analyze(snapshot, e.clock.Now()), nil
}

// GetEfficiencyReport returns the efficiency scores with recommendations and bottlenecks.
func (e *Engine) GetEfficiencyReport() (*EfficiencyReport, error) {
	report, err := e.Analyze()
	if err != nil {
		return nil, err
	}
	return &report.Efficiency, nil
}

func (e *Engine) analyze(snapshot *Snapshot, now time.Time) *Report {
	throughput := computeThroughput(snapshot, now)
	utilization := computeUtilization(snapshot)
	return &Report{
		Time:        now,
		Throughput:  throughput,
		Utilization: utilization,
		Efficiency:  e.efficiency(snapshot, throughput, utilization),
		Capacity:    computeCapacity(snapshot, throughput),
		ByType:      snapshot.ByType,
		ByPriority:  snapshot.ByPriority,
	}
}

func computeThroughput(snapshot *Snapshot, now time.Time) Throughput {
	result := Throughput{
		TotalCompleted: snapshot.Completed,
		TotalFailed:    snapshot.Failed,
	}
	if finished := snapshot.Completed + snapshot.Failed; finished > 0 {
		result.SuccessRate = float64(snapshot.Completed) / float64(finished)
	}
	var total time.Duration
	var executed int
	for _, task := range snapshot.Terminal {
		if task.Status == schedulerobjects.Completed && now.Sub(task.CompletedAt) <= throughputWindow {
			result.CompletedLastHour++
		}
		if d := task.Duration(); d > 0 {
			total += d
			executed++
		}
	}
	if executed > 0 {
		result.AverageDuration = total / time.Duration(executed)
	}
	return result
}

func computeUtilization(snapshot *Snapshot) Utilization {
	result := Utilization{
		AcceleratorPercent: snapshot.Resources.UtilizationPercent,
		MemoryPercent:      snapshot.Resources.MemoryUsagePercent,
	}
	if snapshot.MaxConcurrentTasks > 0 {
		result.WorkerPercent = 100 * float64(snapshot.Running) / float64(snapshot.MaxConcurrentTasks)
	}
	result.Band = BandFor(result.AcceleratorPercent)
	return result
}

func (e *Engine) efficiency(snapshot *Snapshot, throughput Throughput, utilization Utilization) EfficiencyReport {
	report := EfficiencyReport{
		AcceleratorScore: clampScore(utilization.AcceleratorPercent),
		QueueScore:       e.queueScore(snapshot.QueueDepth),
		TaskScore:        taskScore(snapshot.Terminal),
	}
	report.AllocationScore = clampScore(report.AcceleratorScore * report.TaskScore / 100)
	report.OverallScore = acceleratorWeight*report.AcceleratorScore +
		queueWeight*report.QueueScore +
		taskWeight*report.TaskScore +
		allocationWeight*report.AllocationScore
	report.Band = BandFor(report.OverallScore)
	report.Bottlenecks = e.bottlenecks(snapshot, throughput, utilization)
	report.Recommendations = e.recommendations(snapshot, throughput, utilization, report)
	return report
}

// An empty queue scores 100; otherwise the score falls as the queue grows past the ideal length.
func (e *Engine) queueScore(depth int) float64 {
	if depth == 0 {
		return 100
	}
	return clampScore(100 * float64(e.config.IdealQueueLength) / float64(depth))
}

// taskScore is the percentage of executed tasks that completed within their timeout.
// Tasks that never started, such as those rejected at submission, are not counted.
func taskScore(terminal []*taskdb.Task) float64 {
	var executed, withinTimeout int
	for _, task := range terminal {
		if task.StartedAt.IsZero() {
			continue
		}
		executed++
		if task.Status == schedulerobjects.Completed && task.Duration() <= task.Timeout {
			withinTimeout++
		}
	}
	if executed == 0 {
		return 100
	}
	return 100 * float64(withinTimeout) / float64(executed)
}

func computeCapacity(snapshot *Snapshot, throughput Throughput) CapacityReport {
	result := CapacityReport{
		AcceleratorHeadroom: snapshot.Resources.Available,
		WorkerHeadroom:      max(snapshot.MaxConcurrentTasks-snapshot.Running, 0),
		QueueDepth:          snapshot.QueueDepth,
	}
	switch {
	case snapshot.QueueDepth == 0:
		result.DrainTimeKnown = true
	case throughput.CompletedLastHour > 0:
		result.DrainTimeKnown = true
		result.EstimatedDrainTime = time.Duration(
			float64(snapshot.QueueDepth) / float64(throughput.CompletedLastHour) * float64(throughputWindow),
		)
	}
	return result
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
