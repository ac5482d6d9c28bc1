package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all engine metric instruments.
type Metrics struct {
	RunsStarted      metric.Int64Counter
	RunsCompleted    metric.Int64Counter
	RunsFailed       metric.Int64Counter
	StepDuration     metric.Float64Histogram
	StepRetries      metric.Int64Counter
	LoopBacks        metric.Int64Counter
	VerifierFallback metric.Int64Counter
	PatchesProposed  metric.Int64Counter
	PatchesApplied   metric.Int64Counter
	Rollbacks        metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("evoloop.run.started",
		metric.WithDescription("Workflow runs started"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("evoloop.run.completed",
		metric.WithDescription("Workflow runs completed"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("evoloop.run.failed",
		metric.WithDescription("Workflow runs failed"),
	)
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("evoloop.step.duration",
		metric.WithDescription("Step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepRetries, err = meter.Int64Counter("evoloop.step.retries",
		metric.WithDescription("Step retry decisions"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopBacks, err = meter.Int64Counter("evoloop.step.loop_backs",
		metric.WithDescription("Loop-back decisions"),
	)
	if err != nil {
		return nil, err
	}

	m.VerifierFallback, err = meter.Int64Counter("evoloop.verify.fallbacks",
		metric.WithDescription("Semantic verifier falls back to rule-based scoring"),
	)
	if err != nil {
		return nil, err
	}

	m.PatchesProposed, err = meter.Int64Counter("evoloop.patch.proposed",
		metric.WithDescription("Persona patches proposed"),
	)
	if err != nil {
		return nil, err
	}

	m.PatchesApplied, err = meter.Int64Counter("evoloop.patch.applied",
		metric.WithDescription("Persona patches applied"),
	)
	if err != nil {
		return nil, err
	}

	m.Rollbacks, err = meter.Int64Counter("evoloop.version.rollbacks",
		metric.WithDescription("Persona version rollbacks"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
