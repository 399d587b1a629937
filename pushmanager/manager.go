// Package pushmanager is the host-facing push manager: it owns the
// WebSocket socket lifecycle state machine (spec §4.9.1), the
// persisted UAID, and the Subscribe/Unsubscribe/Destroy surface (spec
// §4.9.2) that sits on top of the autopush protocol engine.
//
// Grounded on nzlov/sw's gorilla/websocket dial/read-loop shape
// (client.go, node.go, adapted from server to dial side) for the
// transport, and sgerhart/aegis_agent's WebSocketManager.reconnect for
// the connect/backoff loop shape, simplified to spec's constant
// default delay.
package pushmanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bitwarden/autopush-manager/autopush"
	"github.com/bitwarden/autopush-manager/logging"
	"github.com/bitwarden/autopush-manager/storage"
	"github.com/bitwarden/autopush-manager/subscription"
)

// Sentinel errors for the host-misuse and transport conditions spec §7
// lists, so callers can errors.Is them.
var (
	ErrHelloNotComplete            = errors.New("pushmanager: hello not completed")
	ErrMissingApplicationServerKey = errors.New("pushmanager: applicationServerKey is required")
	ErrSocketClosed                = errors.New("pushmanager: socket is closed")
	ErrManagerDestroyed            = errors.New("pushmanager: manager has been destroyed")
)

// DefaultAutopushURL is Mozilla's production Autopush endpoint, the
// default spec §4.9 names.
const DefaultAutopushURL = "wss://push.services.mozilla.com"

// helloSettleDelay is the workaround delay spec §4.9.1/§9 describes:
// it reduces races with an imminent close on a rotated UAID.
const helloSettleDelay = 1 * time.Second

// State is one stage of the socket lifecycle spec §4.9.1 defines.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReady
	StateClosed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Options configures a Manager (spec §4.9, §6 "Host configuration").
type Options struct {
	// AutopushURL is the wss:// endpoint to dial. Defaults to
	// DefaultAutopushURL.
	AutopushURL string
	// AckIntervalMs is the mediator's ack-batch period. Defaults to
	// autopush.DefaultAckIntervalMs.
	AckIntervalMs int
	// ReconnectDelay returns how long to wait before each reconnect
	// attempt. Defaults to a constant 1000ms.
	ReconnectDelay func() time.Duration
}

func (o Options) withDefaults() Options {
	if o.AutopushURL == "" {
		o.AutopushURL = DefaultAutopushURL
	}
	if o.AckIntervalMs <= 0 {
		o.AckIntervalMs = autopush.DefaultAckIntervalMs
	}
	if o.ReconnectDelay == nil {
		o.ReconnectDelay = func() time.Duration { return 1000 * time.Millisecond }
	}
	return o
}

// Manager is the push manager: socket lifecycle, UAID persistence, and
// the Subscribe/Unsubscribe/Destroy host API (spec §4.9).
type Manager struct {
	mu       sync.Mutex
	writeMu  sync.Mutex
	storage  *storage.Storage
	logger   *logging.Logger
	options  Options
	registry *subscription.Registry
	mediator *autopush.Mediator

	registerHandler   *autopush.RegisterHandler
	unregisterHandler *autopush.UnregisterHandler
	helloSender       autopush.HelloSender
	pingSender        *autopush.PingSender

	uaid           string
	helloCompleted bool
	helloCh        chan struct{}
	state          State
	conn           *websocket.Conn
	reconnect      bool
	destroyed      bool
	pingStop       chan struct{}
}

// New builds a Manager against store (persisted uaid/channelIDs/
// subscriptions live under it) and opens the socket (spec §4.9 steps
// 1-4). A nil logger uses logging.Nop(); a zero Options uses its
// documented defaults.
func New(store *storage.Storage, logger *logging.Logger, options Options) (*Manager, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	options = options.withDefaults()

	m := &Manager{
		storage:   store,
		logger:    logger.Extend("pushmanager"),
		options:   options,
		reconnect: true,
		state:     StateIdle,
	}

	var uaid string
	if _, err := store.Read("uaid", &uaid); err != nil {
		return nil, err
	}
	m.uaid = uaid

	registry, err := subscription.New(store, logger, m.Unsubscribe)
	if err != nil {
		return nil, fmt.Errorf("pushmanager: recover registry: %w", err)
	}
	m.registry = registry

	m.mediator = autopush.NewMediator(options.AckIntervalMs, logger)
	m.wireProtocolEngine()

	if err := m.connect(); err != nil {
		return nil, err
	}

	return m, nil
}

// wireProtocolEngine builds the senders/handlers and cross-wires them
// into the mediator (spec §9's two-phase construction: the mediator
// exists first, handlers are built referencing it, then registered).
func (m *Manager) wireProtocolEngine() {
	m.registerHandler = autopush.NewRegisterHandler(m.registry, m.logger)
	m.unregisterHandler = autopush.NewUnregisterHandler(m.logger)
	notificationHandler := autopush.NewNotificationHandler(m.registry, m.logger)
	m.pingSender = &autopush.PingSender{}
	helloHandler := autopush.NewHelloHandler(m, m.registry, m.registerHandler, m.pingSender, m.logger)
	pingHandler := autopush.NewPingHandler(m.logger)
	broadcastHandler := autopush.NewBroadcastHandler()

	m.registerHandler.SetMediator(m.mediator)
	m.unregisterHandler.SetMediator(m.mediator)
	notificationHandler.SetMediator(m.mediator)

	m.mediator.RegisterHandler(helloHandler)
	m.mediator.RegisterHandler(m.registerHandler)
	m.mediator.RegisterHandler(m.unregisterHandler)
	m.mediator.RegisterHandler(notificationHandler)
	m.mediator.RegisterHandler(pingHandler)
	m.mediator.RegisterHandler(broadcastHandler)

	m.mediator.RegisterSender(m.helloSender)
	m.mediator.RegisterSender(autopush.RegisterSender{})
	m.mediator.RegisterSender(autopush.UnregisterSender{})
	m.mediator.RegisterSender(autopush.AckSender{})
	m.mediator.RegisterSender(autopush.NackSender{})
	m.mediator.RegisterSender(m.pingSender)
	m.mediator.RegisterSender(autopush.BroadcastSubscribeSender{})
}

// UAID implements autopush.ManagerAPI.
func (m *Manager) UAID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uaid
}

// ChannelIDs implements autopush.ManagerAPI.
func (m *Manager) ChannelIDs() []string { return m.registry.ChannelIDs() }

// HelloCompleted implements autopush.ManagerAPI.
func (m *Manager) HelloCompleted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.helloCompleted
}

// CompleteHello implements autopush.ManagerAPI (spec §4.9.1): it
// persists a changed uaid immediately, then resolves hello_completed
// after the fixed settle delay. onRotated runs from the settle timer's
// own goroutine — never the socket's readLoop — and only after
// hello_completed/state have already flipped, so a register
// round-trip it triggers finds HelloCompleted() true and its reply
// still reaches RegisterHandler via the readLoop, which by then is
// free to read the next frame. hello_completed does not wait for that
// re-registration to finish. A later hello on the same connection
// finds hello_completed already resolved and leaves it so.
func (m *Manager) CompleteHello(newUAID string, onRotated func()) (string, error) {
	m.mu.Lock()
	old := m.uaid
	differs := old != newUAID
	rotated := old != "" && differs
	if differs {
		m.uaid = newUAID
	}
	ch := m.helloCh
	m.mu.Unlock()

	if differs {
		if err := m.storage.Write("uaid", newUAID); err != nil {
			return old, err
		}
	}

	time.AfterFunc(helloSettleDelay, func() {
		m.mu.Lock()
		m.helloCompleted = true
		m.state = StateReady
		select {
		case <-ch:
			// A later hello on the same connection: already resolved.
		default:
			close(ch)
		}
		m.mu.Unlock()
		if rotated && onRotated != nil {
			onRotated()
		}
	})
	return old, nil
}

// State reports the manager's current socket lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WriteJSON implements autopush.SocketWriter: it marshals v and writes
// it as a single text frame, serializing concurrent writers the way a
// single-writer WebSocket connection requires.
func (m *Manager) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("pushmanager: encode frame: %w", err)
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrSocketClosed
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// connect dials the socket, sends hello, and blocks until
// hello_completed resolves (spec §4.9.1's "On open" / "On hello
// response" steps).
func (m *Manager) connect() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrManagerDestroyed
	}
	m.state = StateConnecting
	helloCh := make(chan struct{})
	m.helloCh = helloCh
	m.helloCompleted = false
	url := m.options.AutopushURL
	m.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		m.mu.Lock()
		m.state = StateClosed
		m.mu.Unlock()
		return fmt.Errorf("pushmanager: dial %s: %w", url, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.state = StateOpen
	m.mu.Unlock()
	m.mediator.SetSocket(m)

	go m.readLoop(conn)

	if err := m.mediator.Send(m.helloSender.Build(m)); err != nil {
		return fmt.Errorf("pushmanager: send hello: %w", err)
	}

	<-helloCh

	stop := make(chan struct{})
	m.mu.Lock()
	m.pingStop = stop
	m.mu.Unlock()
	go m.pingLoop(stop)

	return nil
}

// pingLoop sends a client-initiated keepalive at autopush.MinPingInterval
// cadence (spec §4.9.3) for as long as the current connection lives.
// The hello round-trip reset the spacing window via JustPinged before
// the loop started, so the first tick, one full interval later, already
// sends; PingSender.Build skips a tick only when a ping or hello went
// out less than MinPingInterval earlier.
func (m *Manager) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(autopush.MinPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			frame, err := m.pingSender.Build()
			if err != nil {
				continue
			}
			if err := m.mediator.Send(frame); err != nil {
				m.logger.Warn("failed to send keepalive ping", "error", err)
				continue
			}
			m.pingSender.JustPinged()
		}
	}
}

// readLoop is the socket's sole reader; every frame is routed through
// the mediator (spec §4.9.1 "On message").
func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleClose()
			return
		}
		if err := m.mediator.Handle(raw); err != nil {
			m.logger.Warn("failed to handle inbound frame", "error", err)
		}
	}
}

// handleClose implements spec §4.9.1's "On close": nulls the socket
// (also on the mediator, so queued acks wait for the next connection)
// and, unless destroy() was called, reconnects after reconnect_delay.
func (m *Manager) handleClose() {
	m.mu.Lock()
	m.conn = nil
	m.state = StateClosed
	reconnect := m.reconnect
	delay := m.options.ReconnectDelay()
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
	m.mu.Unlock()
	m.mediator.SetSocket(nil)

	if !reconnect {
		return
	}

	m.mu.Lock()
	m.state = StateReconnecting
	m.mu.Unlock()

	time.AfterFunc(delay, func() {
		if err := m.connect(); err != nil {
			m.logger.Error("reconnect failed", "error", err)
			m.handleClose()
		}
	})
}

// Subscribe implements spec §4.9.2's subscribe(options): it returns an
// existing subscription for the same applicationServerKey if one
// exists, otherwise registers a fresh one and blocks until the server
// confirms it. There is no internal timeout: expect_register's 60s
// expiry only drops the pending entry and does not end the wait; the
// host may impose its own (spec §5). A socket close while the call is
// waiting leaves it waiting; a reconnect does not complete it.
func (m *Manager) Subscribe(options subscription.Options) (*subscription.Subscription, error) {
	if options.ApplicationServerKey == "" {
		return nil, ErrMissingApplicationServerKey
	}
	if !m.HelloCompleted() {
		return nil, ErrHelloNotComplete
	}
	if existing := m.registry.GetByApplicationServerKey(options.ApplicationServerKey); existing != nil {
		return existing, nil
	}
	return m.registerHandler.Register(m, options, nil)
}

// Unsubscribe implements spec §4.9.2's unsubscribe(channel_id): it
// sends an unregister with code 200 (USER_UNSUBSCRIBED) and, once the
// server confirms, removes and destroys the local subscription.
func (m *Manager) Unsubscribe(channelID string) error {
	if err := m.unregisterHandler.Unregister(channelID); err != nil {
		return err
	}
	return m.registry.Remove(channelID)
}

// Destroy implements spec §4.9.2's destroy(): it clears the reconnect
// flag, closes the socket, and stops the mediator's ack-batch timer.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	m.destroyed = true
	m.reconnect = false
	conn := m.conn
	m.conn = nil
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
	m.mu.Unlock()

	m.mediator.Destroy()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
