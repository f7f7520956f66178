package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hbastos/ollamad/internal/core/domain"
)

type EventType string

const (
	// EventTypeState marks a lifecycle transition (queued, running, terminal).
	EventTypeState EventType = "state"
	// EventTypeProgress marks a byte-counter/phase update.
	EventTypeProgress EventType = "progress"
)

// Event is one pull-job notification fanned out to subscribers.
type Event struct {
	PullID    domain.PullID
	Type      EventType
	Snapshot  domain.PullSnapshot
	Timestamp int64
}

// EventBus fans pull-job events out to per-job subscribers. Publishing never
// blocks the worker: slow subscribers drop events and catch up via polling.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[domain.PullID][]chan Event
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[domain.PullID][]chan Event),
	}
}

// Subscribe returns a channel receiving events for one pull job plus an
// unsubscribe func. The channel is closed on unsubscribe or when the job's
// topic is closed after a terminal event.
func (b *EventBus) Subscribe(id domain.PullID) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 64)
	b.subs[id] = append(b.subs[id], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[id]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[id] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[id]) == 0 {
			delete(b.subs, id)
		}
	}

	return ch, unsub
}

// Publish delivers an event to all subscribers of its job.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.PullID] {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event bus channel full, dropping event", "pull_id", e.PullID)
		}
	}
}

// CloseTopic closes every subscriber channel of a job. Called by the manager
// once the job reached a terminal state and its last event was published.
func (b *EventBus) CloseTopic(id domain.PullID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[id] {
		close(ch)
	}
	delete(b.subs, id)
}
