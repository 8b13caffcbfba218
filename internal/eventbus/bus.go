package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight in-memory signal used to decouple the reminder
// engine from whoever wants visibility into it (the app's operator log,
// tests). Data should be small and JSON-serializable.
//
// Contract: Publish never blocks; subscribers use buffered channels and may
// miss events when slow.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types published by the engine.
const (
	TypeReminderFired   = "reminder.fired"
	TypeReminderRetired = "reminder.retired"
	TypeDispatchFailed  = "dispatch.failed"
)

// FiringEvent is the payload for reminder.* and dispatch.* events.
type FiringEvent struct {
	ReminderID string    `json:"reminder_id"`
	OwnerID    string    `json:"owner_id,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	FireAt     time.Time `json:"fire_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple fanout bus. It owns no background goroutines.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold the lock while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A subscriber may unsubscribe (and close) concurrently; recover from
		// the resulting send panic instead of coordinating a second lock.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
