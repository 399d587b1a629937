// Package message defines the typed wire envelopes spec §6 lists for
// both directions of the Autopush WebSocket protocol, plus the ack/nack
// code enums spec §3/§7 define. It generalizes the teacher's
// autopush/types.go (HelloRequest/HelloResponse/...), which only
// modeled hello/register/unregister/notification/ack, to the full frame
// set: ping, nack, broadcast, broadcast_subscribe.
package message

import "encoding/json"

// Type is the `messageType` discriminator carried by every frame.
type Type string

const (
	TypeHello              Type = "hello"
	TypeRegister           Type = "register"
	TypeUnregister         Type = "unregister"
	TypeNotification       Type = "notification"
	TypeAck                Type = "ack"
	TypeNack               Type = "nack"
	TypePing               Type = "ping"
	TypeBroadcast          Type = "broadcast"
	TypeBroadcastSubscribe Type = "broadcast_subscribe"
)

// AckCode is the client's disposition of a received notification,
// reported back to the server in an ack frame (spec §3, §6).
type AckCode int

const (
	AckSuccess     AckCode = 100
	AckDecryptFail AckCode = 101
	AckOtherFail   AckCode = 102
)

// NackCode is the reserved 300-range nack disposition (spec §6); the
// sender exists but no path in this module currently emits one (spec
// §9 leaves nack semantics an open question).
type NackCode int

const (
	NackUnknown     NackCode = 300
	NackNotFound    NackCode = 301
	NackDecryptFail NackCode = 302
	NackTTLExpired  NackCode = 303
)

// Envelope is the minimal shape every inbound frame shares: enough to
// read messageType and route, before unmarshaling the rest into a
// concrete type.
type Envelope struct {
	MessageType Type `json:"messageType"`
}

// Hello is both directions of the hello frame (spec §6): outbound it
// carries the cached uaid and known channel ids, inbound it carries the
// server's assigned uaid and status.
type Hello struct {
	MessageType Type     `json:"messageType"`
	UAID        string   `json:"uaid"`
	ChannelIDs  []string `json:"channelIDs"`
	UseWebPush  bool     `json:"use_webpush,omitempty"`
	Status      int      `json:"status,omitempty"`
}

// Register is both directions of the register frame.
type Register struct {
	MessageType  Type   `json:"messageType"`
	ChannelID    string `json:"channelID"`
	Key          string `json:"key,omitempty"`
	Status       int    `json:"status,omitempty"`
	PushEndpoint string `json:"pushEndpoint,omitempty"`
}

// Unregister is both directions of the unregister frame.
type Unregister struct {
	MessageType Type   `json:"messageType"`
	ChannelID   string `json:"channelID"`
	Code        int    `json:"code,omitempty"`
	Status      int    `json:"status,omitempty"`
}

// Notification is the server->client push delivery (spec §6).
type Notification struct {
	MessageType Type              `json:"messageType"`
	ChannelID   string            `json:"channelID"`
	Version     string            `json:"version"`
	TTL         int               `json:"ttl"`
	Data        string            `json:"data,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// AckUpdate is one entry of an outbound ack's updates array.
type AckUpdate struct {
	ChannelID string  `json:"channelID"`
	Version   string  `json:"version"`
	Code      AckCode `json:"code"`
}

// Ack is the client->server batched acknowledgement frame.
type Ack struct {
	MessageType Type        `json:"messageType"`
	Updates     []AckUpdate `json:"updates"`
}

// Nack is the client->server nack frame; reserved per spec §4.6.
type Nack struct {
	MessageType Type     `json:"messageType"`
	ChannelID   string   `json:"channelID"`
	Version     string   `json:"version"`
	Code        NackCode `json:"code"`
}

// Ping is the (fieldless) client->server keepalive frame.
type Ping struct {
	MessageType Type `json:"messageType"`
}

// BroadcastSubscribe is the reserved broadcast-channel subscribe frame
// (spec §4.6, §9: "Semantics of broadcast channels ... unspecified").
type BroadcastSubscribe struct {
	MessageType Type              `json:"messageType"`
	Broadcasts  map[string]string `json:"broadcasts"`
}

// Broadcast is the server->client broadcast frame; fields are
// implementation-defined per spec §6, so it is carried as raw JSON.
type Broadcast struct {
	MessageType Type            `json:"messageType"`
	Broadcasts  json.RawMessage `json:"broadcasts,omitempty"`
}
