// Package schedule derives scheduling parameters from workload shape.
// Everything here is pure arithmetic over (scene count, available API key
// count); nothing touches the network or the clock.
package schedule

import (
	"fmt"
	"time"
)

// avgCallLatency is the assumed average latency of one generation call,
// used only for time estimates.
const avgCallLatency = 4 * time.Second

// callBudgetPerKey is the advisory number of calls one key is assumed to
// sustain within a single run before quota pressure becomes likely.
const callBudgetPerKey = 250

// Config holds the scheduling parameters for one run. It is derived once
// per invocation and never mutated afterwards.
type Config struct {
	ScenesPerBatch  int
	ParallelJobs    int // advisory capacity estimate; the drain itself is serial
	InterBatchDelay time.Duration
	InterJobDelay   time.Duration
	MaxRetries      int
	ContextWindow   int
	Tolerance       int
}

// CalculateOptimalConfig maps workload shape to a scheduling configuration.
// Non-positive inputs are treated as 1.
func CalculateOptimalConfig(sceneCount, availableKeys int) Config {
	if sceneCount < 1 {
		sceneCount = 1
	}
	if availableKeys < 1 {
		availableKeys = 1
	}

	cfg := Config{
		ContextWindow: clamp(sceneCount*10, 2000, 4000),
	}

	switch {
	case sceneCount >= 200:
		cfg.ScenesPerBatch = 5
		cfg.MaxRetries = 7
		cfg.Tolerance = 4
	case sceneCount >= 100:
		cfg.ScenesPerBatch = 4
		cfg.MaxRetries = 6
		cfg.Tolerance = 3
	default:
		cfg.ScenesPerBatch = 3
		cfg.MaxRetries = 5
		cfg.Tolerance = 3
	}

	// Conservative ceiling of 3 regardless of how many keys are available,
	// to keep burst load on the remote API predictable.
	cfg.ParallelJobs = min(availableKeys, 5, 3)

	switch {
	case availableKeys >= 5:
		cfg.InterBatchDelay = 300 * time.Millisecond
		cfg.InterJobDelay = 2 * time.Second
	case availableKeys >= 3:
		cfg.InterBatchDelay = 500 * time.Millisecond
		cfg.InterJobDelay = 5 * time.Second
	default:
		cfg.InterBatchDelay = 1000 * time.Millisecond
		cfg.InterJobDelay = 5 * time.Second
	}

	return cfg
}

// EstimateAPICalls returns the number of remote calls one job needs: three
// chunked stages plus two flat single-call stages. The discovery stage is
// also flat but shares its call with the chunked accounting in the
// reference numbers, so the total is 3*ceil(scenes/batch) + 2.
func EstimateAPICalls(sceneCount, scenesPerBatch int) int {
	if sceneCount < 1 {
		sceneCount = 1
	}
	if scenesPerBatch < 1 {
		scenesPerBatch = 1
	}
	perChunkedStage := ceilDiv(sceneCount, scenesPerBatch)
	return 3*perChunkedStage + 2
}

// Estimate reports the projected duration of a whole run.
type Estimate struct {
	TotalCalls   int
	TotalMinutes int
	Display      string // "Xh Ym" or "Ym"
}

// EstimateProcessingTime projects wall-clock time for jobCount jobs of
// sceneCountPerJob scenes each, divided by the effective parallelism the
// key pool allows.
func EstimateProcessingTime(jobCount, sceneCountPerJob, availableKeys int) Estimate {
	if jobCount < 1 {
		jobCount = 1
	}
	if availableKeys < 1 {
		availableKeys = 1
	}

	cfg := CalculateOptimalConfig(sceneCountPerJob, availableKeys)
	callsPerJob := EstimateAPICalls(sceneCountPerJob, cfg.ScenesPerBatch)
	totalCalls := jobCount * callsPerJob

	total := time.Duration(totalCalls) * avgCallLatency
	total += time.Duration(totalCalls) * cfg.InterBatchDelay
	total += time.Duration(jobCount-1) * cfg.InterJobDelay

	effective := min(cfg.ParallelJobs, availableKeys)
	total /= time.Duration(effective)

	minutes := int((total + time.Minute - 1) / time.Minute)

	var display string
	if minutes >= 60 {
		display = fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
	} else {
		display = fmt.Sprintf("%dm", minutes)
	}

	return Estimate{
		TotalCalls:   totalCalls,
		TotalMinutes: minutes,
		Display:      display,
	}
}

// WorkloadReport is the advisory result of validating a planned run.
// Warnings inform; they never block execution.
type WorkloadReport struct {
	CanProceed bool
	Warnings   []string
}

// ValidateWorkload checks a planned run against the available key
// capacity and flags likely problems.
func ValidateWorkload(jobCount, sceneCountPerJob, availableKeys int) WorkloadReport {
	report := WorkloadReport{CanProceed: availableKeys > 0}

	if jobCount < 1 {
		jobCount = 1
	}
	if sceneCountPerJob < 1 {
		sceneCountPerJob = 1
	}

	if availableKeys <= 0 {
		report.Warnings = append(report.Warnings, "no API keys available; the run cannot start")
		return report
	}

	cfg := CalculateOptimalConfig(sceneCountPerJob, availableKeys)
	totalCalls := jobCount * EstimateAPICalls(sceneCountPerJob, cfg.ScenesPerBatch)

	if totalCalls > availableKeys*callBudgetPerKey {
		report.Warnings = append(report.Warnings, fmt.Sprintf(
			"workload needs %d API calls but %d key(s) are budgeted for %d; quota exhaustion is likely",
			totalCalls, availableKeys, availableKeys*callBudgetPerKey))
	}

	if totalScenes := jobCount * sceneCountPerJob; totalScenes > 1000 {
		report.Warnings = append(report.Warnings, fmt.Sprintf(
			"total scene count %d is very large; consider splitting the batch", totalScenes))
	}

	if est := EstimateProcessingTime(jobCount, sceneCountPerJob, availableKeys); est.TotalMinutes > 120 {
		report.Warnings = append(report.Warnings, fmt.Sprintf(
			"estimated duration %s exceeds two hours", est.Display))
	}

	return report
}

// TotalBatches returns the upper bound of sub-batches for one chunked stage.
func TotalBatches(sceneCount, scenesPerBatch int) int {
	if sceneCount < 1 {
		sceneCount = 1
	}
	if scenesPerBatch < 1 {
		scenesPerBatch = 1
	}
	return ceilDiv(sceneCount, scenesPerBatch)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
