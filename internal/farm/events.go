package farm

import (
	"sync"
	"time"
)

// EventType identifies a farm state change.
type EventType string

const (
	EventSlaveOnline        EventType = "slave.online"
	EventSlaveOffline       EventType = "slave.offline"
	EventAssignmentAssigned EventType = "assignment.assigned"
	EventAssignmentRunning  EventType = "assignment.running"
	EventAssignmentFinished EventType = "assignment.finished"
)

// Event is published after the coordinator applies a change.
type Event struct {
	Type         EventType `json:"type"`
	SlaveID      int64     `json:"slaveID,omitempty"`
	SlaveName    string    `json:"slaveName,omitempty"`
	AssignmentID int64     `json:"assignmentID,omitempty"`
	Status       string    `json:"status,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

const eventBuffer = 64

type eventBus struct {
	mu   sync.Mutex
	subs map[<-chan Event]chan Event
}

func (b *eventBus) subscribe() <-chan Event {
	ch := make(chan Event, eventBuffer)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[<-chan Event]chan Event)
	}
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

func (b *eventBus) unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
	b.mu.Unlock()
}

// publish never blocks; slow subscribers miss events.
func (b *eventBus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
