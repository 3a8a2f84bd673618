package analytics

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/quantforge/gpuscheduler/internal/scheduler/schedulerobjects"
)

// Summary renders a report as a few lines of human readable text.
func Summary(report *Report) string {
	var sb strings.Builder
	fmt.Fprintf(
		&sb,
		"efficiency %s (%s): accelerator %s, queue %s, tasks %s, allocation %s\n",
		formatScore(report.Efficiency.OverallScore),
		report.Efficiency.Band,
		formatScore(report.Efficiency.AcceleratorScore),
		formatScore(report.Efficiency.QueueScore),
		formatScore(report.Efficiency.TaskScore),
		formatScore(report.Efficiency.AllocationScore),
	)
	fmt.Fprintf(
		&sb,
		"throughput: %s completed in the last hour, %s completed and %s failed in total, success rate %s%%\n",
		humanize.Comma(int64(report.Throughput.CompletedLastHour)),
		humanize.Comma(report.Throughput.TotalCompleted),
		humanize.Comma(report.Throughput.TotalFailed),
		humanize.FtoaWithDigits(100*report.Throughput.SuccessRate, 1),
	)
	fmt.Fprintf(
		&sb,
		"utilization: accelerators %s%% (%s), memory %s%%, workers %s%%\n",
		humanize.FtoaWithDigits(report.Utilization.AcceleratorPercent, 1),
		report.Utilization.Band,
		humanize.FtoaWithDigits(report.Utilization.MemoryPercent, 1),
		humanize.FtoaWithDigits(report.Utilization.WorkerPercent, 1),
	)
	fmt.Fprintf(
		&sb,
		"capacity: %d accelerators and %d workers free, %s queued, %s\n",
		report.Capacity.AcceleratorHeadroom,
		report.Capacity.WorkerHeadroom,
		humanize.Comma(int64(report.Capacity.QueueDepth)),
		formatDrainTime(report.Time, report.Capacity),
	)
	if len(report.ByType) > 0 {
		types := maps.Keys(report.ByType)
		slices.Sort(types)
		parts := make([]string, 0, len(types))
		for _, taskType := range types {
			parts = append(parts, fmt.Sprintf("%s=%d", taskType, report.ByType[taskType]))
		}
		fmt.Fprintf(&sb, "by type: %s\n", strings.Join(parts, " "))
	}
	if len(report.ByPriority) > 0 {
		parts := make([]string, 0, len(report.ByPriority))
		for _, priority := range schedulerobjects.AllPriorities {
			if n, ok := report.ByPriority[priority]; ok {
				parts = append(parts, fmt.Sprintf("%s=%d", priority, n))
			}
		}
		fmt.Fprintf(&sb, "by priority: %s\n", strings.Join(parts, " "))
	}
	for _, bottleneck := range report.Efficiency.Bottlenecks {
		fmt.Fprintf(&sb, "bottleneck: %s\n", bottleneck)
	}
	for _, recommendation := range report.Efficiency.Recommendations {
		fmt.Fprintf(&sb, "recommendation: %s\n", recommendation)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func formatScore(score float64) string {
	return humanize.FtoaWithDigits(score, 1)
}

func formatDrainTime(now time.Time, capacity CapacityReport) string {
	switch {
	case capacity.QueueDepth == 0:
		return "queue empty"
	case !capacity.DrainTimeKnown:
		return "drain time unknown"
	default:
		return "drains in about " + strings.TrimSpace(humanize.RelTime(now, now.Add(capacity.EstimatedDrainTime), "", ""))
	}
}
