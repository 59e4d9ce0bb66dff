package consultation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventMessage      EventType = "message"
	EventTyping       EventType = "typing"
	EventStage        EventType = "stage"
	EventVerification EventType = "verification"
	EventHandoff      EventType = "handoff"
	EventReset        EventType = "reset"
	EventAbandoned    EventType = "abandoned"
)

// Event is pushed to subscribers of a session as its state changes.
type Event struct {
	Type      EventType `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
	Message   *Message  `json:"message,omitempty"`
	Typing    bool      `json:"typing,omitempty"`
	Stage     Stage     `json:"stage,omitempty"`
	Handoff   *Handoff  `json:"handoff,omitempty"`
	Epoch     int       `json:"epoch"`
	At        time.Time `json:"at"`
}

const subscriberBuffer = 64

// broker fans session events out to subscribers. Slow subscribers lose
// events rather than block a turn.
type broker struct {
	mu   sync.Mutex
	next int
	subs map[uuid.UUID]map[int]chan Event
}

func newBroker() *broker {
	return &broker{subs: make(map[uuid.UUID]map[int]chan Event)}
}

func (b *broker) subscribe(id uuid.UUID) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	key := b.next
	b.next++
	if b.subs[id] == nil {
		b.subs[id] = make(map[int]chan Event)
	}
	b.subs[id][key] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subs[id]; ok {
				delete(subs, key)
				if len(subs) == 0 {
					delete(b.subs, id)
				}
			}
			close(ch)
		})
	}
}

// publish reports whether every subscriber received the event.
func (b *broker) publish(ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := true
	for _, ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			delivered = false
		}
	}
	return delivered
}
