// Package improve closes the feedback loop: it scores completed runs,
// tracks per-agent performance and capabilities, detects stagnation, and
// proposes persona patches when an agent's quality degrades.
package improve

import (
	"sync"
)

// Composite weights and defaults for per-run agent scoring.
const (
	weightAccuracy     = 0.40
	weightEfficiency   = 0.35
	weightAdaptability = 0.25

	retryPenalty = 0.2

	adaptabilitySuccess = 1.0
	adaptabilityFailure = 0.3

	// DefaultPerformanceThreshold is the rolling composite under which the
	// below-threshold callback fires.
	DefaultPerformanceThreshold = 0.85
)

// Composite combines accuracy, retry count and success into one score.
// Efficiency decays by a fixed penalty per retry and floors at zero.
func Composite(accuracy float64, retries int, success bool) float64 {
	efficiency := 1.0 - float64(retries)*retryPenalty
	if efficiency < 0 {
		efficiency = 0
	}
	adaptability := adaptabilityFailure
	if success {
		adaptability = adaptabilitySuccess
	}
	return weightAccuracy*accuracy + weightEfficiency*efficiency + weightAdaptability*adaptability
}

type agentPerf struct {
	sum   float64
	count int
}

// PerformanceTracker maintains a rolling composite score per agent. The
// below-threshold callback runs synchronously on Record and must not
// block; callers publish remediation signals to a queue instead.
type PerformanceTracker struct {
	mu        sync.Mutex
	threshold float64
	agents    map[string]*agentPerf
	onBelow   func(agentID string, composite float64)
}

// NewPerformanceTracker creates a tracker. threshold <= 0 uses the default.
func NewPerformanceTracker(threshold float64, onBelow func(agentID string, composite float64)) *PerformanceTracker {
	if threshold <= 0 {
		threshold = DefaultPerformanceThreshold
	}
	return &PerformanceTracker{
		threshold: threshold,
		agents:    make(map[string]*agentPerf),
		onBelow:   onBelow,
	}
}

// Threshold returns the configured performance threshold.
func (t *PerformanceTracker) Threshold() float64 { return t.threshold }

// Record folds one run's outcome for an agent into its rolling composite
// and returns this run's composite. Fires the below-threshold callback
// when the rolling average drops under the threshold.
func (t *PerformanceTracker) Record(agentID string, accuracy float64, retries int, success bool) float64 {
	composite := Composite(accuracy, retries, success)

	t.mu.Lock()
	perf := t.agents[agentID]
	if perf == nil {
		perf = &agentPerf{}
		t.agents[agentID] = perf
	}
	perf.sum += composite
	perf.count++
	rolling := perf.sum / float64(perf.count)
	cb := t.onBelow
	t.mu.Unlock()

	if rolling < t.threshold && cb != nil {
		cb(agentID, rolling)
	}
	return composite
}

// Rolling returns an agent's rolling composite and whether it has any data.
func (t *PerformanceTracker) Rolling(agentID string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	perf := t.agents[agentID]
	if perf == nil || perf.count == 0 {
		return 0, false
	}
	return perf.sum / float64(perf.count), true
}
