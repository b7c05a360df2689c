package realtime

import (
	"sync"

	model "github.com/mivox/chatstream/internal/model/realtime"
)

// EventKind names the observable registry events.
type EventKind string

const (
	EventConnectionCreated    EventKind = "connectionCreated"
	EventConnectionClosed     EventKind = "connectionClosed"
	EventMessageSent          EventKind = "messageSent"
	EventStreamingInterrupted EventKind = "streamingInterrupted"
)

// Event describes one registry state change delivered to observers.
type Event struct {
	Kind         EventKind
	ConnectionID string
	UserID       string
	SessionID    string
	Envelope     *model.Envelope
}

// Observer receives registry events. Observers are invoked synchronously
// on the calling goroutine and must not block.
type Observer func(Event)

// observerList is a copy-on-read subscriber set shared by the registry.
type observerList struct {
	mu   sync.RWMutex
	subs []Observer
}

func (l *observerList) subscribe(fn Observer) {
	l.mu.Lock()
	l.subs = append(l.subs, fn)
	l.mu.Unlock()
}

func (l *observerList) emit(ev Event) {
	l.mu.RLock()
	subs := make([]Observer, len(l.subs))
	copy(subs, l.subs)
	l.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}
