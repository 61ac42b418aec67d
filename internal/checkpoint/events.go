package checkpoint

import (
	"sync"

	"github.com/kozaktomas/checkpoint/internal/constants"
)

// Event types.
const (
	EventPhase = "phase" // the flow entered a new phase
	EventFace  = "face"  // a face evaluation finished without leaving AwaitingFace
	EventError = "error" // an advisory error; the flow continues
)

// Event is sent to subscribers on every observable change.
type Event struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	State   State  `json:"state"`
}

// EventBroadcaster fans events out to listeners without blocking the sender.
type EventBroadcaster struct {
	listeners []chan Event
	closed    bool
	mu        sync.RWMutex
}

// AddListener adds an event listener. On a closed broadcaster the returned
// channel is already closed.
func (b *EventBroadcaster) AddListener() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, constants.EventChannelBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *EventBroadcaster) SendEvent(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Close closes all listeners.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.listeners {
		close(ch)
	}
	b.listeners = nil
}
