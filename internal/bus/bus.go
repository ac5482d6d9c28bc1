// Package bus provides a bounded in-process pub/sub bus. The performance
// tracker and stagnation detector fire their callbacks synchronously; those
// callbacks publish onto the bus so the improvement loop can drain the
// signals after each recording pass instead of doing remediation inline.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Run lifecycle topics.
const (
	TopicRunStarted   = "run.started"
	TopicRunCompleted = "run.completed"
	TopicRunFailed    = "run.failed"
	TopicStepRetrying = "run.step.retrying"
	TopicStepLoopBack = "run.step.loop_back"
)

// Improvement signal topics.
const (
	TopicBelowThreshold = "improve.below_threshold"
	TopicStagnation     = "improve.stagnation"
	TopicPatternTrigger = "improve.pattern_trigger"
	TopicPatchProposed  = "improve.patch.proposed"
	TopicPatchApplied   = "improve.patch.applied"
	TopicRollback       = "improve.rollback"
)

// Workflow definition reload topic (published by the config watcher).
const TopicWorkflowReload = "workflow.reload"

// BelowThresholdEvent is published when an agent's rolling composite score
// drops under the performance threshold.
type BelowThresholdEvent struct {
	WorkflowID string
	AgentID    string
	Composite  float64
	Threshold  float64
}

// StagnationEvent is published when the idle rate exceeds the stagnation
// threshold and an out-of-cadence gap analysis is requested.
type StagnationEvent struct {
	WorkflowID string
	IdleRate   float64
	Threshold  float64
}

// PatternTriggerEvent is published every pattern_trigger_n recorded runs.
type PatternTriggerEvent struct {
	WorkflowID string
	RunCount   int
}

// PatchEvent is published when a persona patch is proposed or applied.
type PatchEvent struct {
	PatchID    string
	WorkflowID string
	AgentID    string
	Generated  string // "heuristic" or "llm"
	Confidence float64
}

// StepEvent is published on retry and loop-back decisions.
type StepEvent struct {
	RunID      string
	StepID     string
	TargetStep string // loop-back target, empty for retry
	Attempt    int
	Error      string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Drain returns all events currently buffered without blocking.
func (s *Subscription) Drain() []Event {
	var events []Event
	for {
		select {
		case ev, ok := <-s.ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics. The returned channel has a buffer of
// 100 events; slow consumers will miss events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is
// dropped. Publishers must therefore never rely on delivery for correctness,
// only for remediation scheduling.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
