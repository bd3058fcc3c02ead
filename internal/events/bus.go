// Package events carries draw progress, buffer updates and warnings from the
// pipeline to whoever displays them.
package events

import (
	"sync"
	"time"
)

// Kind names an event. The values double as the event names seen by
// external sinks such as telemetry.
type Kind string

const (
	KindProgress      Kind = "draw-progress"
	KindMessage       Kind = "draw-message"
	KindBufferUpdated Kind = "buffer-updated"
	KindDrawComplete  Kind = "draw-complete"
	KindSessionState  Kind = "session-state"
	KindWarning       Kind = "warning"
	KindQueueStatus   Kind = "fetch-queue-update"
)

// Event is a single notification. Which fields are set depends on Kind.
type Event struct {
	Kind       Kind      `json:"kind"`
	Owner      string    `json:"owner,omitempty"`
	Session    string    `json:"session,omitempty"`
	Generation uint64    `json:"generation,omitempty"`
	Completed  int       `json:"completed,omitempty"`
	Total      int       `json:"total,omitempty"`
	Message    string    `json:"message,omitempty"`
	State      string    `json:"state,omitempty"`
	Err        error     `json:"-"`
	Data       any       `json:"data,omitempty"`
	Time       time.Time `json:"time"`
}

// Percent returns Completed as a percentage of Total.
func (e Event) Percent() int {
	if e.Total <= 0 {
		return 100
	}
	return e.Completed * 100 / e.Total
}

// Bus fans events out to subscribers. Handlers run synchronously on the
// publishing goroutine and must not block.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber. A nil Bus discards events.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}

// Warn publishes a warning carrying err.
func (b *Bus) Warn(owner string, err error) {
	b.Publish(Event{Kind: KindWarning, Owner: owner, Message: err.Error(), Err: err})
}
