package hub

import (
	"sync"
	"time"
)

// Wildcard is the interest marker meaning "all invocations".
const Wildcard = "*"

// Conn is the subset of a websocket connection the hub needs. Satisfied by
// *websocket.Conn; tests substitute stubs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Observer is one connected dashboard session and the invocation ids it
// wants. Owned exclusively by the Hub; created on connect, destroyed on
// disconnect.
type Observer struct {
	id   string
	conn Conn

	mu        sync.Mutex
	interests map[string]struct{}
	wildcard  bool

	send chan []byte
	stop sync.Once
}

func newObserver(id string, interests []string, conn Conn, queueSize int) *Observer {
	obs := &Observer{
		id:        id,
		conn:      conn,
		interests: make(map[string]struct{}, len(interests)),
		send:      make(chan []byte, queueSize),
	}
	obs.subscribe(interests)
	return obs
}

// ID returns the connection identifier assigned at registration.
func (o *Observer) ID() string { return o.id }

func (o *Observer) subscribe(ids []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		if id == Wildcard {
			o.wildcard = true
			continue
		}
		if id != "" {
			o.interests[id] = struct{}{}
		}
	}
}

func (o *Observer) unsubscribe(ids []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		if id == Wildcard {
			o.wildcard = false
			continue
		}
		delete(o.interests, id)
	}
}

// matches reports whether the observer should receive an event for the
// invocation. Events without an invocation id reach wildcard observers only.
func (o *Observer) matches(invocationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.wildcard {
		return true
	}
	if invocationID == "" {
		return false
	}
	_, ok := o.interests[invocationID]
	return ok
}

// halt closes the send queue exactly once. Must only be called while the hub
// holds its write lock, so no broadcast can be enqueueing concurrently.
func (o *Observer) halt() {
	o.stop.Do(func() { close(o.send) })
}
