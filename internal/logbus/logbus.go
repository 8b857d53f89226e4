// Package logbus is the in-process fan-out of per-run log and step
// events to live subscribers, grounded on the teacher's
// internal/server/app/event_broadcaster.go: per-key subscriber lists
// behind a mutex, bounded per-subscriber backlog, and a
// critical-event retry/drop-oldest delivery path.
package logbus

import (
	"sync"
	"time"

	"github.com/orchestrator/controlplane/internal/domain"
	"github.com/orchestrator/controlplane/internal/logging"
)

// EventKind discriminates the two event shapes this bus carries.
// Replaces the teacher's single tagged AgentEvent union with an
// explicit two-member tag, per the "dynamic dispatch on activity
// type" design note.
type EventKind string

const (
	EventLog  EventKind = "log"
	EventStep EventKind = "step"
)

// Event is the tagged variant delivered to subscribers. Exactly one
// of Log/Step is populated, matching Kind.
type Event struct {
	Kind EventKind
	RunID string
	Log  *domain.LogEntry
	Step *domain.RunStep
	// Critical marks a run-terminal transition: delivery is retried
	// against a full backlog instead of being dropped immediately.
	Critical bool
}

const (
	defaultBacklog = 256
	deliverRetries = 3
	deliverBackoff = 2 * time.Millisecond
)

type subscriber struct {
	id   uint64
	ch   chan Event
	done chan struct{}
}

// Metrics is a point-in-time snapshot, mirroring the teacher's
// BroadcasterMetrics.
type Metrics struct {
	ActiveSubscribers int
	Delivered         uint64
	Dropped           uint64
	Disconnected      uint64
}

// Bus multiplexes events to per-run subscriber channels.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]*subscriber
	nextID      uint64
	backlog     int
	logger      logging.Logger

	metricsMu sync.Mutex
	delivered uint64
	dropped   uint64
	disconnected uint64
}

// New returns a Bus with the default per-subscriber backlog.
func New(logger logging.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string]map[uint64]*subscriber),
		backlog:     defaultBacklog,
		logger:      logging.OrNop(logger),
	}
}

// Subscription is a live handle on a run's event stream.
type Subscription struct {
	Events <-chan Event
	bus    *Bus
	runID  string
	id     uint64
}

// Subscribe registers a new subscriber for runID. Only events
// published after this call are delivered — there is no replay.
func (b *Bus) Subscribe(runID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := &subscriber{
		id:   id,
		ch:   make(chan Event, b.backlog),
		done: make(chan struct{}),
	}
	if b.subscribers[runID] == nil {
		b.subscribers[runID] = make(map[uint64]*subscriber)
	}
	b.subscribers[runID][id] = sub
	return &Subscription{Events: sub.ch, bus: b, runID: runID, id: id}
}

// Unsubscribe releases the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscribers[s.runID]
	if subs == nil {
		return
	}
	if sub, ok := subs[s.id]; ok {
		close(sub.done)
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.subscribers, s.runID)
		}
	}
}

// PublishLog fans out a log event for runID.
func (b *Bus) PublishLog(runID string, entry domain.LogEntry) {
	b.publish(runID, Event{Kind: EventLog, RunID: runID, Log: &entry})
}

// PublishStep fans out a step event for runID.
func (b *Bus) PublishStep(runID string, step domain.RunStep) {
	b.publish(runID, Event{Kind: EventStep, RunID: runID, Step: &step})
}

// PublishStepCritical fans out a step event that must not be silently
// dropped, retried against a full subscriber backlog by evicting the
// oldest queued event rather than the new one, mirroring
// ensureCriticalEventDelivery in the teacher.
func (b *Bus) PublishStepCritical(runID string, step domain.RunStep) {
	b.publish(runID, Event{Kind: EventStep, RunID: runID, Step: &step, Critical: true})
}

// PublishLogCritical is PublishLog with the same forced-delivery
// semantics as PublishStepCritical, used for the system log entry
// accompanying a run's terminal transition.
func (b *Bus) PublishLogCritical(runID string, entry domain.LogEntry) {
	b.publish(runID, Event{Kind: EventLog, RunID: runID, Log: &entry, Critical: true})
}

func (b *Bus) publish(runID string, ev Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers[runID]))
	for _, sub := range b.subscribers[runID] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(runID, sub, ev)
	}
}

func (b *Bus) deliver(runID string, sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
		b.metricsMu.Lock()
		b.delivered++
		b.metricsMu.Unlock()
		return
	default:
	}

	if !ev.Critical {
		b.metricsMu.Lock()
		b.dropped++
		b.metricsMu.Unlock()
		b.disconnect(runID, sub)
		return
	}

	for attempt := 0; attempt < deliverRetries; attempt++ {
		select {
		case sub.ch <- ev:
			b.metricsMu.Lock()
			b.delivered++
			b.metricsMu.Unlock()
			return
		default:
		}
		// drop the oldest queued event to make room for the critical one
		select {
		case <-sub.ch:
			b.metricsMu.Lock()
			b.dropped++
			b.metricsMu.Unlock()
		default:
		}
		time.Sleep(deliverBackoff)
	}
	b.logger.Warn("logbus: critical event dropped for run %s after %d attempts", runID, deliverRetries)
	b.metricsMu.Lock()
	b.dropped++
	b.metricsMu.Unlock()
}

func (b *Bus) disconnect(runID string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[runID]
	if subs == nil {
		return
	}
	if _, ok := subs[sub.id]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.subscribers, runID)
		}
		close(sub.done)
	}
	b.metricsMu.Lock()
	b.disconnected++
	b.metricsMu.Unlock()
}

// Metrics returns a snapshot of bus-wide counters.
func (b *Bus) Metrics() Metrics {
	b.mu.RLock()
	active := 0
	for _, subs := range b.subscribers {
		active += len(subs)
	}
	b.mu.RUnlock()

	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return Metrics{
		ActiveSubscribers: active,
		Delivered:         b.delivered,
		Dropped:           b.dropped,
		Disconnected:      b.disconnected,
	}
}
