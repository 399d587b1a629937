// Package autopush is the protocol engine: the mediator that owns the
// sender/handler registries and the ack-batching timer, the typed
// senders that build outbound frames, and the typed handlers that apply
// inbound frames' side effects (spec §4.6, §4.7, §4.8).
//
// This generalizes the teacher's autopush/client.go, which dispatched
// inbound frames with a single hardcoded `switch message.Type` and
// built outbound frames with one generic `request[T any]` helper tied
// 1:1 to a response channel. Spec §9 asks for the dynamic by-type
// lookup to become "an enum or a small trait-object registry indexed
// by a compile-time tag" rather than reflection; Type() (a
// message.Type constant) is that tag, and GetSender/GetHandler (in
// mediator.go) are the generic accessors spec §4.8 calls
// get_sender<T>/get_handler<T>.
package autopush

import "github.com/bitwarden/autopush-manager/message"

// SocketWriter is the one capability the mediator needs from the
// transport: write one JSON text frame. pushmanager.Manager's socket
// satisfies this; defining it here (rather than importing pushmanager)
// is what keeps the manager<->mediator<->handlers graph acyclic, per
// spec §9's two-phase construction note.
type SocketWriter interface {
	WriteJSON(v any) error
}

// ManagerAPI is the slice of pushmanager.Manager that senders and
// handlers need: UAID/channel-id state and the hello-completion gate.
// Kept as an interface for the same acyclic-construction reason as
// SocketWriter.
type ManagerAPI interface {
	UAID() string
	ChannelIDs() []string
	HelloCompleted() bool
	// CompleteHello records the server's assigned uaid, persisting it
	// if it changed. onRotated, if non-nil, is invoked once
	// hello_completed resolves (spec §4.9.1's 1-second settle delay) but
	// only if newUAID differs from a non-empty previously cached uaid —
	// never on a first-ever hello. The invocation happens off whatever
	// goroutine delivered the hello frame, so the callback is free to
	// block on a register round-trip that only that same goroutine can
	// service. hello_completed does not wait for the callback to finish.
	CompleteHello(newUAID string, onRotated func()) (oldUAID string, err error)
}

// Sender builds one outbound frame type.
type Sender interface {
	Type() message.Type
}

// Handler applies one inbound frame type's side effects.
type Handler interface {
	Type() message.Type
	Handle(raw []byte) error
}
