// Package pool buffers incoming events between ticks. Sessions append from
// their read loops; the game loop snapshots the whole queue at tick start and
// works on the copy, so intake never blocks on a running tick.
package pool

import (
	"sync"

	"github.com/worldsync/worldsync/event"
)

type EventQueue struct {
	mu     sync.Mutex
	events []event.Event
}

func NewEventQueue() *EventQueue {
	return &EventQueue{}
}

func (q *EventQueue) AddEvent(ev event.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// CopyEvents returns the queued events in arrival order and resets the queue.
func (q *EventQueue) CopyEvents() []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	cpy := q.events
	q.events = nil
	return cpy
}
