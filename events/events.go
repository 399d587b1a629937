// Package events is the topic -> listener map described in spec §4.2:
// listeners are identified by a UUID so they can be removed without
// relying on callback identity, and dispatch tolerates a listener
// panicking or mutating the listener list mid-dispatch.
package events

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/bitwarden/autopush-manager/logging"
)

// ListenerID identifies a registered listener for later removal.
type ListenerID string

// Callback receives the dispatched arguments for one event.
type Callback func(args ...any)

type listener struct {
	id ListenerID
	cb Callback
}

// Manager is a synchronous, single-threaded (guarded externally by the
// caller, per spec §5) event dispatcher keyed by topic name.
type Manager struct {
	log       *logging.Logger
	listeners map[string][]listener
}

// New constructs an empty event manager.
func New(log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		log:       log.Extend("events"),
		listeners: make(map[string][]listener),
	}
}

// AddEventListener registers cb under event and returns an id that can
// later be passed to RemoveEventListener.
func (m *Manager) AddEventListener(event string, cb Callback) ListenerID {
	id := ListenerID(uuid.NewString())
	m.listeners[event] = append(m.listeners[event], listener{id: id, cb: cb})
	return id
}

// RemoveEventListener removes the listener with the given id from event,
// if present. Removing an unknown id is a no-op.
func (m *Manager) RemoveEventListener(event string, id ListenerID) {
	ls, ok := m.listeners[event]
	if !ok {
		return
	}
	filtered := ls[:0:0]
	for _, l := range ls {
		if l.id != id {
			filtered = append(filtered, l)
		}
	}
	m.listeners[event] = filtered
}

// DispatchEvent invokes every listener registered for event, in
// registration order, against a snapshot of the listener list taken at
// dispatch time. A listener that panics is logged and does not prevent
// later listeners in the same dispatch from running.
func (m *Manager) DispatchEvent(event string, args ...any) {
	snapshot := append([]listener(nil), m.listeners[event]...)
	for _, l := range snapshot {
		m.invoke(event, l, args)
	}
}

func (m *Manager) invoke(event string, l listener, args []any) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("listener panicked", "event", event, "listener", l.id, "panic", fmt.Sprint(r))
		}
	}()
	l.cb(args...)
}
