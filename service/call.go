package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"liveclass/pkg/events"
	"liveclass/pkg/rtc"
	"liveclass/pkg/signal"
)

const negotiationTimeout = 30 * time.Second

// run handles signaling and connection loss for the lifetime of the call.
// The host offers to every participant; participants only answer.
func (c *call) run(l *LiveClass, messages *events.Subscription[signal.Message], conns *events.Subscription[rtc.ConnectionEvent]) {
	log := zerolog.Ctx(c.runCtx)
	for messages != nil {
		select {
		case msg, ok := <-messages.C():
			if !ok {
				messages = nil
				continue
			}
			if c.handleSignal(l, msg) {
				return
			}
		case event, ok := <-connEvents(conns):
			if !ok {
				conns = nil
				continue
			}
			if event.Err == nil {
				continue
			}
			if !c.host {
				log.Error().Err(event.Err).Msg("lost the connection to the host, leaving")
				l.detach(c)
				c.teardown()
				return
			}
			log.Warn().Err(event.Err).Str("peer_id", event.PeerID).Msg("participant connection lost")
			c.forgetOffer(event.PeerID)
		}
	}
}

// handleSignal reports whether the call is over.
func (c *call) handleSignal(l *LiveClass, msg signal.Message) bool {
	log := zerolog.Ctx(c.runCtx)
	switch msg.Type {
	case signal.TypeRoomState:
		if !c.host {
			return false
		}
		for _, peer := range msg.Peers {
			if !peer.IsHost {
				c.maybeOffer(peer)
			}
		}
	case signal.TypePeerJoined:
		if c.host && msg.Peer != nil && !msg.Peer.IsHost {
			c.maybeOffer(*msg.Peer)
		}
	case signal.TypeOffer:
		if !c.host {
			go c.answer(msg)
		}
	case signal.TypeAnswer:
		if c.host {
			c.acceptAnswer(msg)
		}
	case signal.TypePeerLeft:
		c.forgetOffer(msg.From)
		if err := c.manager.CloseConnection(msg.From); err != nil && !errors.Is(err, rtc.ErrUnknownPeer) {
			log.Warn().Err(err).Str("peer_id", msg.From).Msg("failed to close connection")
		}
	case signal.TypeSessionEnded:
		log.Info().Msg("host ended the session")
		l.detach(c)
		c.teardown()
		return true
	case signal.TypeError:
		log.Warn().Str("error", msg.Error).Str("to", msg.To).Msg("signaling error")
	}
	return false
}

func connEvents(s *events.Subscription[rtc.ConnectionEvent]) <-chan rtc.ConnectionEvent {
	if s == nil {
		return nil
	}
	return s.C()
}

// maybeOffer starts one negotiation per join of a peer. A peer listed in the
// room state can also be announced as joined; the second sighting is ignored.
// A rejoin carries a new join time and is offered again.
func (c *call) maybeOffer(peer signal.Peer) {
	c.mu.Lock()
	if joined, ok := c.offered[peer.UserId]; ok && joined.Equal(peer.JoinedAt) {
		c.mu.Unlock()
		zerolog.Ctx(c.runCtx).Debug().Str("peer_id", peer.UserId).Msg("offer already made for this join")
		return
	}
	c.offered[peer.UserId] = peer.JoinedAt
	c.mu.Unlock()
	go c.offerTo(peer)
}

func (c *call) forgetOffer(peerID string) {
	c.mu.Lock()
	delete(c.offered, peerID)
	c.mu.Unlock()
}

func (c *call) offerTo(peer signal.Peer) {
	log := zerolog.Ctx(c.runCtx).With().Str("peer_id", peer.UserId).Logger()
	ctx, cancel := context.WithTimeout(c.runCtx, negotiationTimeout)
	defer cancel()

	ok := false
	defer func() {
		if !ok {
			c.forgetOffer(peer.UserId)
		}
	}()

	conn, err := c.manager.CreateConnection(peer.UserId, rtc.RoleHost, rtc.Participant{
		UserID:   peer.UserId,
		Name:     peer.Name,
		Role:     peer.Role,
		JoinedAt: peer.JoinedAt,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create connection")
		return
	}
	if err := c.manager.AttachLocalTracks(conn); err != nil {
		log.Error().Err(err).Msg("failed to attach local tracks")
		return
	}
	offer, err := c.manager.Offer(ctx, conn)
	if err != nil {
		log.Error().Err(err).Msg("failed to create offer")
		return
	}
	sdp, err := signal.EncodeSDP(offer)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode offer")
		return
	}
	if err := c.signal.Send(signal.Message{Type: signal.TypeOffer, To: peer.UserId, SDP: sdp}); err != nil {
		log.Error().Err(err).Msg("failed to send offer")
		return
	}
	ok = true
	log.Debug().Msg("offer sent")
}

func (c *call) answer(msg signal.Message) {
	log := zerolog.Ctx(c.runCtx).With().Str("peer_id", msg.From).Logger()
	ctx, cancel := context.WithTimeout(c.runCtx, negotiationTimeout)
	defer cancel()

	offer, err := signal.DecodeSDP(msg.SDP)
	if err != nil {
		log.Error().Err(err).Msg("failed to decode offer")
		return
	}
	participant := rtc.Participant{UserID: msg.From}
	if msg.Peer != nil {
		participant.Name, participant.Role = msg.Peer.Name, msg.Peer.Role
	}
	conn, err := c.manager.CreateConnection(msg.From, rtc.RoleParticipant, participant)
	if err != nil {
		log.Error().Err(err).Msg("failed to create connection")
		return
	}
	if err := c.manager.AttachLocalTracks(conn); err != nil {
		log.Error().Err(err).Msg("failed to attach local tracks")
		return
	}
	answer, err := c.manager.Answer(ctx, conn, offer)
	if err != nil {
		log.Error().Err(err).Msg("failed to create answer")
		return
	}
	sdp, err := signal.EncodeSDP(answer)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode answer")
		return
	}
	if err := c.signal.Send(signal.Message{Type: signal.TypeAnswer, To: msg.From, SDP: sdp}); err != nil {
		log.Error().Err(err).Msg("failed to send answer")
		return
	}
	log.Debug().Msg("answer sent")
}

func (c *call) acceptAnswer(msg signal.Message) {
	log := zerolog.Ctx(c.runCtx).With().Str("peer_id", msg.From).Logger()
	conn, ok := c.manager.Connection(msg.From)
	if !ok {
		log.Warn().Msg("answer from a peer with no pending offer")
		return
	}
	answer, err := signal.DecodeSDP(msg.SDP)
	if err != nil {
		log.Error().Err(err).Msg("failed to decode answer")
		return
	}
	if err := c.manager.AcceptAnswer(conn, answer); err != nil {
		log.Error().Err(err).Msg("failed to apply answer")
	}
}

func (c *call) teardown() {
	c.cancel()
	if err := c.signal.Close(); err != nil {
		zerolog.Ctx(c.runCtx).Debug().Err(err).Msg("signaling close")
	}
	c.manager.Teardown()
	c.markEnded()
}
