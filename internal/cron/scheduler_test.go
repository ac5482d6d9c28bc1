package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls check at short intervals until it returns true or the
// deadline elapses. Avoids fixed sleeps that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestNextRunTime(t *testing.T) {
	t.Run("daily_schedule", func(t *testing.T) {
		after := time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC)
		next, err := NextRunTime("0 3 * * *", after)
		if err != nil {
			t.Fatal(err)
		}
		want := time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC)
		if !next.Equal(want) {
			t.Errorf("next = %v, want %v", next, want)
		}
	})

	t.Run("invalid_expression", func(t *testing.T) {
		if _, err := NextRunTime("not a cron", time.Now()); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestScheduler(t *testing.T) {
	t.Run("invalid_schedule_rejected", func(t *testing.T) {
		_, err := NewScheduler(Config{Schedule: "bogus", Job: func(context.Context) {}})
		if err == nil {
			t.Error("expected error")
		}
	})

	t.Run("fires_when_due", func(t *testing.T) {
		var fired atomic.Int32
		s, err := NewScheduler(Config{
			Schedule: "0 3 * * *",
			Job:      func(context.Context) { fired.Add(1) },
			Interval: 10 * time.Millisecond,
		})
		if err != nil {
			t.Fatal(err)
		}
		// Force the schedule due immediately.
		s.mu.Lock()
		s.nextRun = time.Now().Add(-time.Second)
		s.mu.Unlock()

		s.Start(context.Background())
		defer s.Stop()

		waitFor(t, 2*time.Second, func() bool { return fired.Load() >= 1 })

		// The next run advanced to the real schedule, so it fires once.
		time.Sleep(50 * time.Millisecond)
		if got := fired.Load(); got != 1 {
			t.Errorf("fired %d times", got)
		}
	})

	t.Run("not_due_means_no_fire", func(t *testing.T) {
		var fired atomic.Int32
		s, err := NewScheduler(Config{
			Schedule: "0 3 * * *",
			Job:      func(context.Context) { fired.Add(1) },
			Interval: 10 * time.Millisecond,
		})
		if err != nil {
			t.Fatal(err)
		}
		s.Start(context.Background())
		time.Sleep(100 * time.Millisecond)
		s.Stop()
		if fired.Load() != 0 {
			t.Errorf("fired %d times before schedule", fired.Load())
		}
	})
}
