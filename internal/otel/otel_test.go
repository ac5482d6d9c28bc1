package otel

import (
	"context"
	"testing"
)

func TestInit(t *testing.T) {
	t.Run("disabled_returns_noop_provider", func(t *testing.T) {
		p, err := Init(context.Background(), Config{Enabled: false})
		if err != nil {
			t.Fatalf("Init: %v", err)
		}
		if p.Meter == nil {
			t.Fatal("expected non-nil meter")
		}
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})

	t.Run("noop_meter_creates_instruments", func(t *testing.T) {
		p, err := Init(context.Background(), Config{Enabled: false})
		if err != nil {
			t.Fatal(err)
		}
		m, err := NewMetrics(p.Meter)
		if err != nil {
			t.Fatalf("NewMetrics: %v", err)
		}
		// Recording on noop instruments must not panic.
		m.RunsStarted.Add(context.Background(), 1)
		m.StepDuration.Record(context.Background(), 0.5)
	})

	t.Run("nil_provider_shutdown_is_safe", func(t *testing.T) {
		var p *Provider
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
}
