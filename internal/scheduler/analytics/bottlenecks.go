package analytics

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	lowUtilizationPercent = 40.0
	lowTaskScore          = 80.0
	lowQueueScore         = 50.0
	lowSuccessRate        = 0.9
)

func (e *Engine) bottlenecks(snapshot *Snapshot, throughput Throughput, utilization Utilization) []string {
	var result []string
	if utilization.AcceleratorPercent > e.config.BottleneckUtilizationPercent {
		result = append(result, fmt.Sprintf(
			"accelerator utilization is %.1f%%, above %.0f%%",
			utilization.AcceleratorPercent, e.config.BottleneckUtilizationPercent,
		))
	}
	if snapshot.QueueDepth > e.config.BottleneckQueueDepth {
		result = append(result, fmt.Sprintf(
			"queue depth is %s, above %s",
			humanize.Comma(int64(snapshot.QueueDepth)), humanize.Comma(int64(e.config.BottleneckQueueDepth)),
		))
	}
	if snapshot.MaxConcurrentTasks > 0 && snapshot.Running >= snapshot.MaxConcurrentTasks {
		result = append(result, fmt.Sprintf("all %d workers are busy", snapshot.MaxConcurrentTasks))
	}
	if throughput.AverageDuration > e.config.LongTaskDuration {
		result = append(result, fmt.Sprintf(
			"average task duration is %s, above %s",
			throughput.AverageDuration.Round(time.Second), e.config.LongTaskDuration,
		))
	}
	return result
}

func (e *Engine) recommendations(snapshot *Snapshot, throughput Throughput, utilization Utilization, report EfficiencyReport) []string {
	var result []string
	if utilization.AcceleratorPercent > e.config.BottleneckUtilizationPercent {
		result = append(result, "add accelerator capacity or move work that does not need an accelerator off the pool")
	} else if utilization.AcceleratorPercent < lowUtilizationPercent && snapshot.QueueDepth == 0 && snapshot.Resources.Total > 0 {
		result = append(result, "accelerators are mostly idle; consider shrinking the pool")
	}
	if snapshot.MaxConcurrentTasks > 0 && snapshot.Running >= snapshot.MaxConcurrentTasks && snapshot.QueueDepth > 0 {
		result = append(result, "raise max concurrent tasks; queued work is waiting on workers")
	}
	if report.QueueScore < lowQueueScore {
		result = append(result, "queue is well above its ideal length; add capacity or lower the submission rate of batch work")
	}
	if report.TaskScore < lowTaskScore {
		result = append(result, fmt.Sprintf(
			"only %.0f%% of tasks finish within their timeout; review timeouts and handler performance",
			report.TaskScore,
		))
	}
	if throughput.AverageDuration > e.config.LongTaskDuration {
		result = append(result, "split long running tasks into smaller units")
	}
	if throughput.TotalCompleted+throughput.TotalFailed > 0 && throughput.SuccessRate < lowSuccessRate {
		result = append(result, fmt.Sprintf(
			"success rate is %.0f%%; investigate failing handlers",
			100*throughput.SuccessRate,
		))
	}
	return result
}
