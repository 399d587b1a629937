// Package subscription implements the per-channel push subscription
// and its registry (spec §4.4, §4.5): persisted endpoint/options/
// keypair/auth state, RFC 8291 decryption of incoming notification
// payloads, and UAID-rotation re-registration.
package subscription

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/bitwarden/autopush-manager/b64"
	"github.com/bitwarden/autopush-manager/events"
	"github.com/bitwarden/autopush-manager/logging"
	"github.com/bitwarden/autopush-manager/message"
	"github.com/bitwarden/autopush-manager/storage"
	"github.com/bitwarden/autopush-manager/wpcrypto"
)

// EventNotification fires with either a decoded UTF-8 payload or nil
// (a data-less keepalive notification), per spec §4.4.
const EventNotification = "notification"

// EventSubscriptionChange fires with a *JSON projection whenever a
// subscription is recreated by a UAID rotation (spec §4.4, §8).
const EventSubscriptionChange = "pushsubscriptionchange"

// AckCodeError is returned by HandleNotification when the disposition
// to report back to the server is anything other than success; the
// notification handler (spec §4.7) unwraps it to pick the ack code.
type AckCodeError struct {
	Code message.AckCode
	Err  error
}

func (e *AckCodeError) Error() string { return e.Err.Error() }
func (e *AckCodeError) Unwrap() error { return e.Err }

func decryptFail(format string, args ...any) *AckCodeError {
	return &AckCodeError{Code: message.AckDecryptFail, Err: fmt.Errorf(format, args...)}
}

// NewChannelID generates a fresh UUIDv4, the unit of multiplexing spec
// §3 defines.
func NewChannelID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("subscription: generate channel id: %w", err)
	}
	return id.String(), nil
}

// Subscription is the live, in-memory state for one channel-id: its
// endpoint, options, local keypair and auth secret, and the event
// manager notification/pushsubscriptionchange fire on.
type Subscription struct {
	channelID string
	endpoint  string
	options   Options
	local     wpcrypto.LocalKey
	storage   *storage.Storage
	logger    *logging.Logger
	events    *events.Manager

	// unsubscribe is the registry-supplied removal hook spec §4.9
	// wires in at construction ("a closure that invokes
	// unsubscribe(channel_id)"); Unsubscribe below exposes it on the
	// subscription itself, mirroring the host-facing PushSubscription
	// API that owns the decision to tear down.
	unsubscribe func(channelID string) error
}

// ChannelID returns the subscription's channel id.
func (s *Subscription) ChannelID() string { return s.channelID }

// Endpoint returns the push endpoint URL.
func (s *Subscription) Endpoint() string { return s.endpoint }

// Options returns the subscribe options this subscription was created
// with, including its applicationServerKey.
func (s *Subscription) Options() Options { return s.options }

// Create validates options and endpoint, generates a fresh keypair and
// auth secret, persists all of it under storage's namespace, and
// optionally fires a pushsubscriptionchange event (the re-init path;
// spec §4.4).
func Create(
	channelID string,
	store *storage.Storage,
	endpoint string,
	options Options,
	unsubscribe func(channelID string) error,
	logger *logging.Logger,
	evts *events.Manager,
) (*Subscription, error) {
	if options.ApplicationServerKey == "" {
		return nil, fmt.Errorf("subscription: applicationServerKey is required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("subscription: invalid endpoint %q: %w", endpoint, err)
	}

	ns := store.Extend(channelID)

	auth, err := wpcrypto.RandomBytes(wpcrypto.AuthSecretLen)
	if err != nil {
		return nil, err
	}
	pair, err := wpcrypto.GenerateECKeys()
	if err != nil {
		return nil, err
	}

	if err := ns.Write("endpoint", endpoint); err != nil {
		return nil, err
	}
	if err := ns.Write("options", options); err != nil {
		return nil, err
	}
	if err := ns.Write("auth", b64.URLEncode(auth)); err != nil {
		return nil, err
	}
	if err := ns.Write("privateEncKey", wpcrypto.ExportPrivateJWK(pair)); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logging.Nop()
	}
	isReinit := evts != nil
	if evts == nil {
		evts = events.New(logger)
	}

	sub := &Subscription{
		channelID:   channelID,
		endpoint:    endpoint,
		options:     options,
		local:       wpcrypto.LocalKey{Pair: pair, AuthSecret: auth},
		storage:     ns,
		logger:      logger.Extend(channelID),
		events:      evts,
		unsubscribe: unsubscribe,
	}

	if isReinit {
		evts.DispatchEvent(EventSubscriptionChange, sub.ToJSON())
	}

	return sub, nil
}

// Recover loads a previously persisted subscription by channel id,
// failing if any of the required keys are missing (spec §4.4).
func Recover(
	channelID string,
	store *storage.Storage,
	unsubscribe func(channelID string) error,
	logger *logging.Logger,
) (*Subscription, error) {
	ns := store.Extend(channelID)

	var endpoint string
	if ok, err := ns.Read("endpoint", &endpoint); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("subscription: %s: missing endpoint", channelID)
	}

	var options Options
	if ok, err := ns.Read("options", &options); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("subscription: %s: missing options", channelID)
	}

	var authB64 string
	if ok, err := ns.Read("auth", &authB64); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("subscription: %s: missing auth", channelID)
	}
	auth, err := b64.URLDecode(authB64)
	if err != nil {
		return nil, fmt.Errorf("subscription: %s: invalid auth: %w", channelID, err)
	}

	var jwk wpcrypto.PrivateJWK
	if ok, err := ns.Read("privateEncKey", &jwk); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("subscription: %s: missing privateEncKey", channelID)
	}
	pair, err := wpcrypto.ParsePrivateJWK(&jwk)
	if err != nil {
		return nil, fmt.Errorf("subscription: %s: invalid privateEncKey: %w", channelID, err)
	}

	if logger == nil {
		logger = logging.Nop()
	}

	return &Subscription{
		channelID:   channelID,
		endpoint:    endpoint,
		options:     options,
		local:       wpcrypto.LocalKey{Pair: pair, AuthSecret: auth},
		storage:     ns,
		logger:      logger.Extend(channelID),
		events:      events.New(logger),
		unsubscribe: unsubscribe,
	}, nil
}

// Destroy removes every persisted key in the subscription's namespace.
func (s *Subscription) Destroy() error {
	for _, key := range []string{"endpoint", "options", "auth", "privateEncKey"} {
		if err := s.storage.Remove(key); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe asks the registry-supplied callback to tear this
// subscription down (sends an unregister to the server and removes it
// from the registry).
func (s *Subscription) Unsubscribe() error {
	if s.unsubscribe == nil {
		return fmt.Errorf("subscription: %s: no unsubscribe hook wired", s.channelID)
	}
	return s.unsubscribe(s.channelID)
}

// ToJSON is the projection handed to the host on subscribe and fired
// with pushsubscriptionchange (spec §4.4). expirationTime is always
// nil; spec §9 leaves its semantics undecided.
func (s *Subscription) ToJSON() *JSON {
	return &JSON{
		Endpoint:       s.endpoint,
		ExpirationTime: nil,
		Keys: Keys{
			Auth:   s.GetKey("auth"),
			P256DH: s.GetKey("p256dh"),
		},
	}
}

// GetKey returns "auth" or "p256dh" base64url-encoded, matching the
// wire shape subscribers expect. Any other kind returns ""; the raw
// public key bytes come from P256DHBuffer instead.
func (s *Subscription) GetKey(kind string) string {
	switch kind {
	case "auth":
		return b64.URLEncode(s.local.AuthSecret)
	case "p256dh":
		return b64.URLEncode(s.local.Pair.PublicKeyBytes())
	default:
		return ""
	}
}

// P256DHBuffer returns the raw uncompressed public key bytes; the
// internal "p256dhBuffer" accessor spec §4.4 calls out for use by test
// and encryption helpers.
func (s *Subscription) P256DHBuffer() []byte {
	return s.local.Pair.PublicKeyBytes()
}

// AddEventListener delegates to the subscription's event manager.
func (s *Subscription) AddEventListener(event string, cb events.Callback) events.ListenerID {
	return s.events.AddEventListener(event, cb)
}

// RemoveEventListener delegates to the subscription's event manager.
func (s *Subscription) RemoveEventListener(event string, id events.ListenerID) {
	s.events.RemoveEventListener(event, id)
}

// HandleNotification implements spec §4.4's decrypt path: a data-less
// notification dispatches notification(nil); otherwise the payload must
// be aes128gcm, and any parse/decrypt/padding failure becomes a
// *AckCodeError carrying AckDecryptFail so the caller can ack
// accordingly without ever surfacing the error to the host.
func (s *Subscription) HandleNotification(n *message.Notification) error {
	if n.Data == "" {
		s.events.DispatchEvent(EventNotification, (*string)(nil))
		return nil
	}

	encoding := n.Headers["encoding"]
	if encoding == "" {
		encoding = n.Headers["Content-Encoding"]
	}
	if encoding != "aes128gcm" {
		return decryptFail("subscription: %s: unsupported content-encoding %q", s.channelID, encoding)
	}

	raw, err := b64.URLDecode(n.Data)
	if err != nil {
		return decryptFail("subscription: %s: invalid base64url data: %w", s.channelID, err)
	}

	prep, err := wpcrypto.WebPushDecryptPrep(&s.local, raw)
	if err != nil {
		return decryptFail("subscription: %s: %w", s.channelID, err)
	}

	decrypted, err := wpcrypto.AESGCMDecrypt(prep.Ciphertext, prep.CEK, prep.Nonce)
	if err != nil {
		return decryptFail("subscription: %s: %w", s.channelID, err)
	}

	plaintext, err := wpcrypto.RemovePadding(decrypted, true)
	if err != nil {
		return decryptFail("subscription: %s: %w", s.channelID, err)
	}

	text, err := b64.BytesToUTF8(plaintext)
	if err != nil {
		return decryptFail("subscription: %s: %w", s.channelID, err)
	}

	s.events.DispatchEvent(EventNotification, &text)
	return nil
}

// RegisterFunc performs a fresh register round-trip for options and
// returns the resulting subscription once the server confirms it; it
// is the mediator-backed capability ReInit needs without subscription
// importing the mediator package (which itself depends on subscription
// for Registry.Add, spec §9's "directed graph" construction note).
type RegisterFunc func(options Options, evts *events.Manager) (*Subscription, error)

// ReInit re-registers this subscription's applicationServerKey under a
// fresh channel-id (spec §4.4, triggered by a UAID rotation) and
// returns the new subscription; the caller is responsible for
// destroying the old one and swapping it in the registry.
func (s *Subscription) ReInit(register RegisterFunc) (*Subscription, error) {
	return register(s.options, s.events)
}
