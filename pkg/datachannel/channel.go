// Package datachannel carries chat and control signaling over the ordered,
// reliable data channel of a peer connection.
package datachannel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"liveclass/pkg/events"
)

// Label is the data channel name the host creates.
const Label = "chat"

// Transport is the part of *webrtc.DataChannel the channel uses.
type Transport interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

// Sinks are the buses inbound traffic is published to. Several channels may
// share the same sinks; ordering holds per channel only.
type Sinks struct {
	Messages *events.Bus[ChatMessage]
	Presence *events.Bus[Presence]
}

type Channel struct {
	transport Transport
	peerID    string
	sinks     Sinks
	log       zerolog.Logger

	openOnce sync.Once
	opened   chan struct{}
	closed   chan struct{}
	closeMu  sync.Once
}

func New(transport Transport, peerID string, sinks Sinks, log zerolog.Logger) *Channel {
	c := &Channel{
		transport: transport,
		peerID:    peerID,
		sinks:     sinks,
		log:       log.With().Str("peer_id", peerID).Str("channel", transport.Label()).Logger(),
		opened:    make(chan struct{}),
		closed:    make(chan struct{}),
	}
	transport.OnOpen(c.markOpen)
	transport.OnClose(c.markClosed)
	transport.OnMessage(c.handleMessage)
	if transport.ReadyState() == webrtc.DataChannelStateOpen {
		c.markOpen()
	}
	return c
}

func (c *Channel) PeerID() string {
	return c.peerID
}

func (c *Channel) Ready() bool {
	return c.transport.ReadyState() == webrtc.DataChannelStateOpen
}

// Opened is closed once the channel has opened.
func (c *Channel) Opened() <-chan struct{} {
	return c.opened
}

// WaitReady blocks until the channel opens, closes, or ctx is done.
func (c *Channel) WaitReady(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-c.closed:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes one envelope. While the channel is not open it is a silent
// no-op and reports false; there is no queueing or retry.
func (c *Channel) Send(kind Kind, env Envelope) (bool, error) {
	if !c.Ready() {
		c.log.Debug().Str("type", string(kind)).Msg("data channel not open, message dropped")
		return false, nil
	}
	env.Type = kind
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return false, err
	}
	if err := c.transport.SendText(string(raw)); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Channel) Close() error {
	c.markClosed()
	return c.transport.Close()
}

func (c *Channel) markOpen() {
	c.openOnce.Do(func() {
		close(c.opened)
		c.log.Debug().Msg("data channel opened")
	})
}

func (c *Channel) markClosed() {
	c.closeMu.Do(func() { close(c.closed) })
}

func (c *Channel) handleMessage(msg webrtc.DataChannelMessage) {
	env, err := Decode(msg.Data)
	if err != nil {
		c.log.Warn().Err(err).Msg("discarding malformed data channel message")
		return
	}
	if env.SenderId == "" {
		env.SenderId = c.peerID
	}
	if chat, ok := env.ToChatMessage(); ok {
		if c.sinks.Messages != nil {
			c.sinks.Messages.Publish(chat)
		}
		return
	}
	if presence, ok := env.ToPresence(); ok && c.sinks.Presence != nil {
		c.sinks.Presence.Publish(presence)
	}
}
