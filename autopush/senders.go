package autopush

import (
	"fmt"
	"sync"
	"time"

	"github.com/bitwarden/autopush-manager/message"
)

// HelloSender builds the initial/reconnect hello frame from the
// manager's cached uaid and channel-id set (spec §4.6).
type HelloSender struct{}

func (HelloSender) Type() message.Type { return message.TypeHello }

// Build returns the hello frame to send on socket open.
func (HelloSender) Build(mgr ManagerAPI) *message.Hello {
	return &message.Hello{
		MessageType: message.TypeHello,
		UAID:        mgr.UAID(),
		ChannelIDs:  mgr.ChannelIDs(),
		UseWebPush:  true,
	}
}

// RegisterSender marks the register frame's place in the mediator's
// sender registry (spec §4.6); the frame itself is assembled by
// RegisterHandler, which owns the expect_register bookkeeping that
// must exist before the frame is written.
type RegisterSender struct{}

func (RegisterSender) Type() message.Type { return message.TypeRegister }

// UnregisterSender marks the unregister frame's place in the mediator's
// sender registry; see RegisterSender.
type UnregisterSender struct{}

func (UnregisterSender) Type() message.Type { return message.TypeUnregister }

// AckSender builds the batched ack frame the mediator flushes on its
// ack-interval timer (spec §4.6, §4.9.2).
type AckSender struct{}

func (AckSender) Type() message.Type { return message.TypeAck }

func (AckSender) Build(updates []message.AckUpdate) *message.Ack {
	return &message.Ack{MessageType: message.TypeAck, Updates: updates}
}

// NackSender builds the reserved nack frame; spec §9 leaves nack
// semantics an open question, so nothing in this module calls it yet.
type NackSender struct{}

func (NackSender) Type() message.Type { return message.TypeNack }

func (NackSender) Build(channelID, version string, code message.NackCode) *message.Nack {
	return &message.Nack{MessageType: message.TypeNack, ChannelID: channelID, Version: version, Code: code}
}

// MinPingInterval is the minimum spacing spec §4.9.3 requires between
// client-initiated keepalive pings. A host-side scheduler should tick
// at this cadence and call PingSender.Build then send its result.
const MinPingInterval = 30 * time.Minute

// PingSender builds the fieldless keepalive frame and enforces the
// minimum 30-minute spacing spec §4.6 requires between pings, including
// pings implied by a completed hello round-trip.
type PingSender struct {
	mu       sync.Mutex
	lastSent time.Time
	hasSent  bool
}

func (*PingSender) Type() message.Type { return message.TypePing }

// Build returns the keepalive frame, or an error if fewer than
// MinPingInterval has elapsed since the last ping (or hello).
func (p *PingSender) Build() (*message.Ping, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasSent && time.Since(p.lastSent) < MinPingInterval {
		return nil, fmt.Errorf("autopush: ping: sent too soon, minimum spacing is %s", MinPingInterval)
	}
	return &message.Ping{MessageType: message.TypePing}, nil
}

// JustPinged records now as the last time a ping-equivalent frame went
// out, resetting the spacing window (spec §4.7: a hello round-trip
// counts as a ping).
func (p *PingSender) JustPinged() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSent = time.Now()
	p.hasSent = true
}

// BroadcastSubscribeSender builds the reserved broadcast-channel
// subscribe frame; spec §4.6/§9 mark broadcast semantics unspecified,
// so no exported API currently invokes this sender.
type BroadcastSubscribeSender struct{}

func (BroadcastSubscribeSender) Type() message.Type { return message.TypeBroadcastSubscribe }

func (BroadcastSubscribeSender) Build(broadcasts map[string]string) *message.BroadcastSubscribe {
	return &message.BroadcastSubscribe{MessageType: message.TypeBroadcastSubscribe, Broadcasts: broadcasts}
}
