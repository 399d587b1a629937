package autopush

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bitwarden/autopush-manager/logging"
	"github.com/bitwarden/autopush-manager/message"
)

// DefaultAckIntervalMs is the ack-batching period spec §4.9.2 uses
// when the host does not override it.
const DefaultAckIntervalMs = 30000

// Mediator is the protocol engine: it owns the typed sender/handler
// registries and the ack-batching timer, and is the only thing in this
// module that writes a frame to the socket (spec §9's anti-reflection
// note realized as a compile-time-tag-indexed map rather than a
// runtime type switch).
type Mediator struct {
	mu     sync.Mutex
	socket SocketWriter
	logger *logging.Logger

	senders  map[message.Type]Sender
	handlers map[message.Type]Handler

	ackMu   sync.Mutex
	pending []message.AckUpdate

	ackSender *AckSender
	ticker    *time.Ticker
	stop      chan struct{}
	stopped   sync.Once
}

// NewMediator constructs an empty mediator with its ack-batch loop
// running at ackIntervalMs (DefaultAckIntervalMs if zero). Senders and
// handlers are wired in afterward via RegisterSender/RegisterHandler,
// the two-phase construction spec §9 calls for to break the
// mediator<->handler reference cycle.
func NewMediator(ackIntervalMs int, logger *logging.Logger) *Mediator {
	if ackIntervalMs <= 0 {
		ackIntervalMs = DefaultAckIntervalMs
	}
	if logger == nil {
		logger = logging.Nop()
	}
	m := &Mediator{
		logger:    logger.Extend("mediator"),
		senders:   make(map[message.Type]Sender),
		handlers:  make(map[message.Type]Handler),
		ackSender: &AckSender{},
		ticker:    time.NewTicker(time.Duration(ackIntervalMs) * time.Millisecond),
		stop:      make(chan struct{}),
	}
	go m.ackLoop()
	return m
}

// SetSocket swaps the mediator's outbound transport, used on initial
// connect and again on every reconnect (spec §4.9.1).
func (m *Mediator) SetSocket(socket SocketWriter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.socket = socket
}

// RegisterSender adds s to the sender registry under its message type.
func (m *Mediator) RegisterSender(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[s.Type()] = s
}

// RegisterHandler adds h to the handler registry under its message
// type, replacing any handler already registered for that type.
func (m *Mediator) RegisterHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[h.Type()] = h
}

// GetSender looks up the sender registered for T's message type and
// type-asserts it to T, the generic accessor spec §4.8 calls
// get_sender<T>.
func GetSender[T Sender](m *Mediator) (T, bool) {
	var zero T
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.senders[zero.Type()]
	if !ok {
		return zero, false
	}
	typed, ok := s.(T)
	return typed, ok
}

// GetHandler looks up the handler registered for T's message type and
// type-asserts it to T, the generic accessor spec §4.8 calls
// get_handler<T>.
func GetHandler[T Handler](m *Mediator) (T, bool) {
	var zero T
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handlers[zero.Type()]
	if !ok {
		return zero, false
	}
	typed, ok := h.(T)
	return typed, ok
}

// Send marshals frame to JSON and writes it to the current socket.
func (m *Mediator) Send(frame any) error {
	m.mu.Lock()
	socket := m.socket
	m.mu.Unlock()
	if socket == nil {
		return fmt.Errorf("autopush: mediator: no socket connected")
	}
	return socket.WriteJSON(frame)
}

// Ack enqueues an ack update for channelID/version/code to be flushed
// on the next ack-batch tick (spec §4.6, §4.9.2); it never sends
// immediately.
func (m *Mediator) Ack(channelID, version string, code message.AckCode) {
	m.ackMu.Lock()
	m.pending = append(m.pending, message.AckUpdate{ChannelID: channelID, Version: version, Code: code})
	m.ackMu.Unlock()
}

func (m *Mediator) ackLoop() {
	for {
		select {
		case <-m.stop:
			return
		case <-m.ticker.C:
			m.flushAcks()
		}
	}
}

// flushAcks drains the pending batch only if a socket is currently
// open (spec §4.8); a tick that fires while disconnected leaves
// pending untouched so the batch flushes once a socket reconnects,
// rather than discarding acks the server will just redeliver anyway.
func (m *Mediator) flushAcks() {
	m.mu.Lock()
	socket := m.socket
	m.mu.Unlock()
	if socket == nil {
		return
	}

	m.ackMu.Lock()
	if len(m.pending) == 0 {
		m.ackMu.Unlock()
		return
	}
	updates := m.pending
	m.pending = nil
	m.ackMu.Unlock()

	if err := socket.WriteJSON(m.ackSender.Build(updates)); err != nil {
		m.logger.Warn("failed to flush ack batch", "count", len(updates), "error", err)
	}
}

// Handle decodes raw's messageType and dispatches to the handler
// registered for it, logging and dropping frames with no registered
// handler or an unrecognized type (spec §4.7).
func (m *Mediator) Handle(raw []byte) error {
	var env message.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("autopush: mediator: decode envelope: %w", err)
	}

	m.mu.Lock()
	h, ok := m.handlers[env.MessageType]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("no handler registered for message type, dropping", "messageType", env.MessageType)
		return nil
	}
	return h.Handle(raw)
}

// Destroy stops the ack-batch loop. Any acks still pending are
// dropped; the server will redeliver unacked notifications.
func (m *Mediator) Destroy() {
	m.stopped.Do(func() {
		m.ticker.Stop()
		close(m.stop)
	})
}
