package improve

import (
	"sync"
)

// DefaultStagnationThreshold is the idle-rate fraction above which the
// intervention callback fires.
const DefaultStagnationThreshold = 0.05

// productiveDelta is the per-run mean score under which an activity counts
// as idle.
const productiveDelta = 0.5

// StagnationDetector logs one improvement delta per run and fires an
// intervention when too large a fraction of recent activity is idle. The
// callback runs synchronously on LogActivity and must not block.
type StagnationDetector struct {
	mu             sync.Mutex
	threshold      float64
	total          int
	idle           int
	onIntervention func(idleRate float64)
}

// NewStagnationDetector creates a detector. threshold <= 0 uses the default.
func NewStagnationDetector(threshold float64, onIntervention func(idleRate float64)) *StagnationDetector {
	if threshold <= 0 {
		threshold = DefaultStagnationThreshold
	}
	return &StagnationDetector{threshold: threshold, onIntervention: onIntervention}
}

// Threshold returns the configured idle-rate threshold.
func (d *StagnationDetector) Threshold() float64 { return d.threshold }

// LogActivity records one run's improvement delta. meanScore is the run's
// mean composite; a low score counts as idle activity. Returns the idle
// rate after logging.
func (d *StagnationDetector) LogActivity(meanScore float64) float64 {
	productive := meanScore >= productiveDelta

	d.mu.Lock()
	d.total++
	if !productive {
		d.idle++
	}
	rate := float64(d.idle) / float64(d.total)
	cb := d.onIntervention
	d.mu.Unlock()

	if rate > d.threshold && cb != nil {
		cb(rate)
	}
	return rate
}

// IdleRate returns the current idle fraction, or 0 with no activity logged.
func (d *StagnationDetector) IdleRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.total == 0 {
		return 0
	}
	return float64(d.idle) / float64(d.total)
}
