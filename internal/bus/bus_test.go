package bus

import (
	"testing"
)

func TestBus(t *testing.T) {
	t.Run("publish_reaches_matching_prefix", func(t *testing.T) {
		b := New()
		sub := b.Subscribe("improve.")
		defer b.Unsubscribe(sub)

		b.Publish(TopicBelowThreshold, BelowThresholdEvent{AgentID: "planner", Composite: 0.7})
		b.Publish(TopicRunStarted, nil) // should not match

		events := sub.Drain()
		if len(events) != 1 {
			t.Fatalf("expected 1 event, got %d", len(events))
		}
		if events[0].Topic != TopicBelowThreshold {
			t.Errorf("unexpected topic %q", events[0].Topic)
		}
		ev, ok := events[0].Payload.(BelowThresholdEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", events[0].Payload)
		}
		if ev.AgentID != "planner" {
			t.Errorf("expected planner, got %s", ev.AgentID)
		}
	})

	t.Run("empty_prefix_matches_all", func(t *testing.T) {
		b := New()
		sub := b.Subscribe("")
		defer b.Unsubscribe(sub)

		b.Publish(TopicStagnation, StagnationEvent{IdleRate: 0.2})
		b.Publish(TopicPatternTrigger, PatternTriggerEvent{RunCount: 5})

		if got := len(sub.Drain()); got != 2 {
			t.Errorf("expected 2 events, got %d", got)
		}
	})

	t.Run("full_buffer_drops_events", func(t *testing.T) {
		b := New()
		sub := b.Subscribe("improve.")
		defer b.Unsubscribe(sub)

		for i := 0; i < defaultBufferSize+10; i++ {
			b.Publish(TopicPatternTrigger, PatternTriggerEvent{RunCount: i})
		}
		if got := len(sub.Drain()); got != defaultBufferSize {
			t.Errorf("expected %d buffered events, got %d", defaultBufferSize, got)
		}
	})

	t.Run("unsubscribe_closes_channel", func(t *testing.T) {
		b := New()
		sub := b.Subscribe("")
		b.Unsubscribe(sub)

		if _, ok := <-sub.Ch(); ok {
			t.Error("expected closed channel after unsubscribe")
		}
		if b.SubscriberCount() != 0 {
			t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
		}
	})

	t.Run("drain_returns_buffered_without_blocking", func(t *testing.T) {
		b := New()
		sub := b.Subscribe("")
		defer b.Unsubscribe(sub)

		if got := sub.Drain(); len(got) != 0 {
			t.Errorf("expected empty drain, got %d events", len(got))
		}
	})
}
