package autopush

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitwarden/autopush-manager/events"
	"github.com/bitwarden/autopush-manager/logging"
	"github.com/bitwarden/autopush-manager/message"
	"github.com/bitwarden/autopush-manager/subscription"
)

// expectExpiry is how long the client waits for a register/unregister
// response before giving up (spec §4.7).
const expectExpiry = 60 * time.Second

// retryDelay is the fixed delay before retrying a register/unregister
// that failed with a 500 (spec §9's documented open-question decision:
// no backoff growth, no cap).
const retryDelay = 60 * time.Second

// registerOutcome is delivered on a pending register's result channel
// once the server responds with 200, or a retry fails to generate a
// channel-id or to send; an expiring entry delivers nothing.
type registerOutcome struct {
	sub *subscription.Subscription
	err error
}

// registerAwait is the stable handle a caller blocks on across any
// number of internal 409/500 retries, each of which reassigns the
// pending entry to a fresh channel-id but keeps writing into this same
// channel.
type registerAwait struct {
	result chan registerOutcome
}

type pendingRegister struct {
	options subscription.Options
	evts    *events.Manager
	await   *registerAwait
	timer   *time.Timer
}

// HelloHandler applies the side effects of a hello response: recording
// the server-assigned uaid and, if it differs from the cached one,
// re-registering every live subscription under a fresh channel-id
// (spec §4.7, §4.4, §8's UAID-rotation scenario).
type HelloHandler struct {
	manager  ManagerAPI
	registry *subscription.Registry
	register *RegisterHandler
	ping     *PingSender
	logger   *logging.Logger
}

func NewHelloHandler(manager ManagerAPI, registry *subscription.Registry, register *RegisterHandler, ping *PingSender, logger *logging.Logger) *HelloHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &HelloHandler{manager: manager, registry: registry, register: register, ping: ping, logger: logger.Extend("hello-handler")}
}

func (*HelloHandler) Type() message.Type { return message.TypeHello }

func (h *HelloHandler) Handle(raw []byte) error {
	var hello message.Hello
	if err := json.Unmarshal(raw, &hello); err != nil {
		return fmt.Errorf("autopush: hello: %w", err)
	}

	_, err := h.manager.CompleteHello(hello.UAID, func() {
		h.logger.Info("uaid rotated, re-registering subscriptions", "new", hello.UAID)
		h.registry.ReInitAll(func(options subscription.Options, evts *events.Manager) (*subscription.Subscription, error) {
			return h.register.Register(h.manager, options, evts)
		})
	})
	if err != nil {
		return fmt.Errorf("autopush: hello: %w", err)
	}
	if h.ping != nil {
		h.ping.JustPinged()
	}
	return nil
}

// RegisterHandler owns the expect_register bookkeeping spec §4.7
// describes: one pending entry per in-flight channel-id, each expiring
// after 60s, with 409 triggering an immediate retry under a new
// channel-id and 500 triggering a retry after a fixed delay.
type RegisterHandler struct {
	mu       sync.Mutex
	mediator *Mediator
	registry *subscription.Registry
	logger   *logging.Logger
	pending  map[string]*pendingRegister
}

func NewRegisterHandler(registry *subscription.Registry, logger *logging.Logger) *RegisterHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &RegisterHandler{
		registry: registry,
		logger:   logger.Extend("register-handler"),
		pending:  make(map[string]*pendingRegister),
	}
}

// SetMediator wires the handler's outbound capability after the
// mediator itself has been constructed (spec §9's two-phase
// construction note, breaking the handler<->mediator cycle).
func (h *RegisterHandler) SetMediator(m *Mediator) { h.mediator = m }

func (*RegisterHandler) Type() message.Type { return message.TypeRegister }

// Register sends a register frame for options under a fresh
// channel-id and blocks until the server responds (after any number of
// internal 409/500 retries). The 60s expectation lapsing does not end
// the wait (see expire). This is the
// single orchestration point subscription.RegisterFunc and the
// UAID-rotation re-init path both call into.
func (h *RegisterHandler) Register(mgr ManagerAPI, options subscription.Options, evts *events.Manager) (*subscription.Subscription, error) {
	if !mgr.HelloCompleted() {
		return nil, fmt.Errorf("autopush: register: hello not completed")
	}
	channelID, err := subscription.NewChannelID()
	if err != nil {
		return nil, err
	}

	await := h.expect(channelID, options, evts)

	frame := &message.Register{
		MessageType: message.TypeRegister,
		ChannelID:   channelID,
		Key:         options.ApplicationServerKey,
	}
	if err := h.mediator.Send(frame); err != nil {
		h.cancel(channelID)
		return nil, err
	}

	out := <-await.result
	return out.sub, out.err
}

func (h *RegisterHandler) expect(channelID string, options subscription.Options, evts *events.Manager) *registerAwait {
	await := &registerAwait{result: make(chan registerOutcome, 1)}
	h.mu.Lock()
	h.pending[channelID] = &pendingRegister{
		options: options,
		evts:    evts,
		await:   await,
		timer:   time.AfterFunc(expectExpiry, func() { h.expire(channelID) }),
	}
	h.mu.Unlock()
	return await
}

func (h *RegisterHandler) cancel(channelID string) {
	h.mu.Lock()
	entry, ok := h.pending[channelID]
	if ok {
		entry.timer.Stop()
		delete(h.pending, channelID)
	}
	h.mu.Unlock()
}

// expire drops channelID's bookkeeping once the 60s expect_register
// window lapses. Spec §5: an expired entry produces no user-visible
// error, so the blocked Register call is left hanging on await.result
// (the host may impose its own timeout); a late server reply finds no
// pending entry and falls into Handle's unregister-cleanup branch.
func (h *RegisterHandler) expire(channelID string) {
	h.mu.Lock()
	delete(h.pending, channelID)
	h.mu.Unlock()
}

// retry reassigns entry's pending state to a freshly generated
// channel-id and resends the register frame, after delay (zero for an
// immediate 409 retry, retryDelay for a 500).
func (h *RegisterHandler) retry(oldChannelID string, delay time.Duration) {
	h.mu.Lock()
	entry, ok := h.pending[oldChannelID]
	if ok {
		entry.timer.Stop()
		delete(h.pending, oldChannelID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	do := func() {
		newChannelID, err := subscription.NewChannelID()
		if err != nil {
			entry.await.result <- registerOutcome{err: err}
			return
		}
		h.mu.Lock()
		h.pending[newChannelID] = &pendingRegister{
			options: entry.options,
			evts:    entry.evts,
			await:   entry.await,
			timer:   time.AfterFunc(expectExpiry, func() { h.expire(newChannelID) }),
		}
		h.mu.Unlock()
		frame := &message.Register{
			MessageType: message.TypeRegister,
			ChannelID:   newChannelID,
			Key:         entry.options.ApplicationServerKey,
		}
		if err := h.mediator.Send(frame); err != nil {
			h.cancel(newChannelID)
			entry.await.result <- registerOutcome{err: err}
		}
	}

	if delay <= 0 {
		do()
	} else {
		time.AfterFunc(delay, do)
	}
}

func (h *RegisterHandler) Handle(raw []byte) error {
	var resp message.Register
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("autopush: register response: %w", err)
	}

	h.mu.Lock()
	entry, ok := h.pending[resp.ChannelID]
	h.mu.Unlock()
	if !ok {
		h.logger.Warn("register response for unknown channel, unregistering", "channelID", resp.ChannelID)
		if h.mediator != nil {
			_ = h.mediator.Send(&message.Unregister{MessageType: message.TypeUnregister, ChannelID: resp.ChannelID, Code: 200})
		}
		return nil
	}

	switch resp.Status {
	case 200:
		h.mu.Lock()
		entry.timer.Stop()
		delete(h.pending, resp.ChannelID)
		h.mu.Unlock()
		sub, err := h.registry.Add(resp.ChannelID, resp.PushEndpoint, entry.options, entry.evts)
		entry.await.result <- registerOutcome{sub: sub, err: err}
	case 409:
		h.logger.Info("register conflict, retrying with a new channel id", "channelID", resp.ChannelID)
		h.retry(resp.ChannelID, 0)
	case 500:
		h.logger.Warn("register server error, retrying later", "channelID", resp.ChannelID)
		h.retry(resp.ChannelID, retryDelay)
	default:
		h.logger.Warn("unexpected register status", "channelID", resp.ChannelID, "status", resp.Status)
	}
	return nil
}

// UnregisterHandler owns the expect_unregister bookkeeping analogous to
// RegisterHandler's, for the host-initiated unsubscribe path (spec
// §4.7).
type pendingUnregister struct {
	result chan error
	timer  *time.Timer
}

type UnregisterHandler struct {
	mu       sync.Mutex
	mediator *Mediator
	logger   *logging.Logger
	pending  map[string]*pendingUnregister
}

func NewUnregisterHandler(logger *logging.Logger) *UnregisterHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &UnregisterHandler{logger: logger.Extend("unregister-handler"), pending: make(map[string]*pendingUnregister)}
}

func (h *UnregisterHandler) SetMediator(m *Mediator) { h.mediator = m }

func (*UnregisterHandler) Type() message.Type { return message.TypeUnregister }

// Unregister sends an unregister frame for channelID and blocks until
// the server answers, after any number of internal 500 retries. The 60s
// expectation lapsing does not end the wait (see expire).
func (h *UnregisterHandler) Unregister(channelID string) error {
	entry := &pendingUnregister{result: make(chan error, 1)}
	entry.timer = time.AfterFunc(expectExpiry, func() { h.expire(channelID) })
	h.mu.Lock()
	h.pending[channelID] = entry
	h.mu.Unlock()

	frame := &message.Unregister{MessageType: message.TypeUnregister, ChannelID: channelID, Code: 200}
	if err := h.mediator.Send(frame); err != nil {
		entry.timer.Stop()
		h.mu.Lock()
		delete(h.pending, channelID)
		h.mu.Unlock()
		return err
	}

	err := <-entry.result
	entry.timer.Stop()
	return err
}

// expire drops channelID's bookkeeping once the 60s expect_unregister
// window lapses. Spec §5: no user-visible error on expiry; the blocked
// Unregister call is left hanging on result (the host may impose its
// own timeout).
func (h *UnregisterHandler) expire(channelID string) {
	h.mu.Lock()
	delete(h.pending, channelID)
	h.mu.Unlock()
}

func (h *UnregisterHandler) Handle(raw []byte) error {
	var resp message.Unregister
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("autopush: unregister response: %w", err)
	}

	h.mu.Lock()
	entry, ok := h.pending[resp.ChannelID]
	if ok {
		entry.timer.Stop()
		delete(h.pending, resp.ChannelID)
	}
	h.mu.Unlock()
	if !ok {
		h.logger.Warn("unregister response for unknown channel", "channelID", resp.ChannelID)
		return nil
	}

	switch resp.Status {
	case 200:
		entry.result <- nil
	case 500:
		h.logger.Warn("unregister server error, retrying later", "channelID", resp.ChannelID)
		time.AfterFunc(retryDelay, func() {
			entry.timer = time.AfterFunc(expectExpiry, func() { h.expire(resp.ChannelID) })
			h.mu.Lock()
			h.pending[resp.ChannelID] = entry
			h.mu.Unlock()
			if err := h.mediator.Send(&message.Unregister{MessageType: message.TypeUnregister, ChannelID: resp.ChannelID, Code: 200}); err != nil {
				entry.timer.Stop()
				h.mu.Lock()
				delete(h.pending, resp.ChannelID)
				h.mu.Unlock()
				entry.result <- err
			}
		})
	default:
		h.logger.Warn("unexpected unregister status", "channelID", resp.ChannelID, "status", resp.Status)
		entry.result <- nil
	}
	return nil
}

// NotificationHandler applies a push delivery to its subscription and
// enqueues the resulting ack (spec §4.7).
type NotificationHandler struct {
	registry *subscription.Registry
	mediator *Mediator
	logger   *logging.Logger
}

func NewNotificationHandler(registry *subscription.Registry, logger *logging.Logger) *NotificationHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &NotificationHandler{registry: registry, logger: logger.Extend("notification-handler")}
}

func (h *NotificationHandler) SetMediator(m *Mediator) { h.mediator = m }

func (*NotificationHandler) Type() message.Type { return message.TypeNotification }

func (h *NotificationHandler) Handle(raw []byte) error {
	var n message.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("autopush: notification: %w", err)
	}

	sub := h.registry.Get(n.ChannelID)
	if sub == nil {
		h.logger.Warn("notification for unknown channel", "channelID", n.ChannelID)
		h.mediator.Ack(n.ChannelID, n.Version, message.AckOtherFail)
		return nil
	}

	code := message.AckSuccess
	if err := sub.HandleNotification(&n); err != nil {
		var ackErr *subscription.AckCodeError
		if errors.As(err, &ackErr) {
			code = ackErr.Code
		} else {
			code = message.AckOtherFail
		}
		h.logger.Warn("notification handling failed", "channelID", n.ChannelID, "error", err)
	}
	h.mediator.Ack(n.ChannelID, n.Version, code)
	return nil
}

// PingHandler applies a server ping frame (spec §4.7): nothing but a
// log line; the frame is a keepalive and gets no reply.
type PingHandler struct {
	logger *logging.Logger
}

func NewPingHandler(logger *logging.Logger) *PingHandler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &PingHandler{logger: logger.Extend("ping-handler")}
}

func (*PingHandler) Type() message.Type { return message.TypePing }

func (h *PingHandler) Handle(raw []byte) error {
	h.logger.Debug("received ping")
	return nil
}

// BroadcastHandler accepts and no-ops on broadcast frames; spec §4.7/§9
// mark broadcast-channel semantics unspecified.
type BroadcastHandler struct{}

func NewBroadcastHandler() *BroadcastHandler { return &BroadcastHandler{} }

func (*BroadcastHandler) Type() message.Type { return message.TypeBroadcast }

func (*BroadcastHandler) Handle(raw []byte) error { return nil }
