// Package rtc owns the local capture and the direct peer connections of one
// live-class call.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"liveclass/pkg/datachannel"
	"liveclass/pkg/events"
	"liveclass/pkg/media"
)

var (
	ErrConnection   = errors.New("peer connection lost")
	ErrNoLocalMedia = errors.New("local media has not been acquired")
	ErrTornDown     = errors.New("peer connection manager torn down")
	ErrUnknownPeer  = errors.New("no connection for peer")
)

// Manager is built per call; it is not shared across sessions.
type Manager struct {
	api     *webrtc.API
	config  webrtc.Configuration
	devices media.Devices
	self    Identity
	log     zerolog.Logger

	mu       sync.Mutex
	local    *media.Stream
	screen   *media.Stream
	conns    map[string]*Connection
	tornDown bool

	remoteTracks *events.Bus[RemoteTrack]
	connEvents   *events.Bus[ConnectionEvent]
	messages     *events.Bus[datachannel.ChatMessage]
	presence     *events.Bus[datachannel.Presence]
}

func NewManager(cfg Config, devices media.Devices, self Identity, log zerolog.Logger) (*Manager, error) {
	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		api:          api,
		config:       webrtc.Configuration{ICEServers: cfg.ICEServers},
		devices:      devices,
		self:         self,
		log:          log.With().Str("user_id", self.UserID).Logger(),
		conns:        make(map[string]*Connection),
		remoteTracks: events.NewBus[RemoteTrack](),
		connEvents:   events.NewBus[ConnectionEvent](),
		messages:     events.NewBus[datachannel.ChatMessage](),
		presence:     events.NewBus[datachannel.Presence](),
	}
	go m.trackParticipants(m.messages.Subscribe(events.DefaultBuffer), m.presence.Subscribe(events.DefaultBuffer))
	return m, nil
}

func (m *Manager) Self() Identity {
	return m.self
}

// AcquireLocalMedia opens camera and microphone once per call. Failures wrap
// media.ErrMediaAccess and are not retried.
func (m *Manager) AcquireLocalMedia(ctx context.Context, constraints media.Constraints) (*media.Stream, error) {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return nil, ErrTornDown
	}
	if m.local != nil {
		stream := m.local
		m.mu.Unlock()
		return stream, nil
	}
	m.mu.Unlock()

	stream, err := m.devices.UserMedia(ctx, constraints)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to acquire local media")
		if !errors.Is(err, media.ErrMediaAccess) {
			err = errors.Join(media.ErrMediaAccess, err)
		}
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tornDown {
		stream.Stop()
		return nil, ErrTornDown
	}
	if m.local != nil {
		stream.Stop()
		return m.local, nil
	}
	m.local = stream
	zerolog.Ctx(ctx).Info().Int("tracks", len(stream.Tracks())).Msg("local media acquired")
	return stream, nil
}

func (m *Manager) LocalStream() *media.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// CreateConnection opens a peer connection to peerID. As host the manager
// creates the ordered signaling channel; as participant it waits for the
// host's channel.
func (m *Manager) CreateConnection(peerID string, role Role, participant Participant) (*Connection, error) {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return nil, ErrTornDown
	}
	previous := m.conns[peerID]
	delete(m.conns, peerID)
	m.mu.Unlock()
	if previous != nil {
		m.closeConnection(previous)
	}

	pc, err := m.api.NewPeerConnection(m.config)
	if err != nil {
		return nil, err
	}

	if participant.UserID == "" {
		participant.UserID = peerID
	}
	if participant.JoinedAt.IsZero() {
		participant.JoinedAt = time.Now().UTC()
	}
	participant.CameraOn = true

	conn := &Connection{
		peerID:      peerID,
		role:        role,
		pc:          pc,
		channelSet:  make(chan struct{}),
		participant: participant,
		streams:     make(map[string]struct{}),
	}
	log := m.log.With().Str("peer_id", peerID).Str("role", string(role)).Logger()
	sinks := datachannel.Sinks{Messages: m.messages, Presence: m.presence}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		first := conn.firstTrackOf(track.StreamID())
		log.Info().
			Str("kind", track.Kind().String()).
			Str("stream_id", track.StreamID()).
			Bool("new_stream", first).
			Msg("remote track received")
		delivered := m.remoteTracks.Publish(RemoteTrack{
			PeerID:   peerID,
			StreamID: track.StreamID(),
			Track:    track,
			Receiver: receiver,
		})
		if delivered == 0 {
			go drainRemote(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info().Str("state", state.String()).Msg("peer connection state changed")
		event := ConnectionEvent{PeerID: peerID, State: state}
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			// A lost connection is dropped for good; there is no reconnection.
			if m.drop(conn) {
				log.Warn().Str("state", state.String()).Msg("peer connection lost")
				m.closeConnection(conn)
				event.Err = fmt.Errorf("%w: %s is %s", ErrConnection, peerID, state)
			}
		}
		m.connEvents.Publish(event)
	})

	switch role {
	case RoleHost:
		ordered := true
		dc, err := pc.CreateDataChannel(datachannel.Label, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		conn.setChannel(datachannel.New(dc, peerID, sinks, log))
	case RoleParticipant:
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != datachannel.Label {
				log.Warn().Str("label", dc.Label()).Msg("ignoring unexpected data channel")
				return
			}
			conn.setChannel(datachannel.New(dc, peerID, sinks, log))
		})
	default:
		_ = pc.Close()
		return nil, fmt.Errorf("unknown connection role %q", role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tornDown {
		_ = pc.Close()
		return nil, ErrTornDown
	}
	m.conns[peerID] = conn
	return conn, nil
}

// AttachLocalTracks binds every local track to conn. While a screen share is
// active the screen goes out instead of the camera.
func (m *Manager) AttachLocalTracks(conn *Connection) error {
	m.mu.Lock()
	local, screen := m.local, m.screen
	m.mu.Unlock()
	if local == nil {
		return ErrNoLocalMedia
	}

	for _, track := range local.Tracks() {
		outgoing := track
		if track.Kind() == media.KindVideo && screen != nil {
			if screenVideo := screen.FirstVideo(); screenVideo != nil {
				outgoing = screenVideo
			}
		}
		sender, err := conn.pc.AddTrack(outgoing.Local())
		if err != nil {
			return err
		}
		conn.mu.Lock()
		if track.Kind() == media.KindVideo && conn.videoSender == nil {
			conn.videoSender = sender
		}
		if track.Kind() == media.KindAudio && conn.audioSender == nil {
			conn.audioSender = sender
		}
		conn.mu.Unlock()
		go drainRTCP(sender)
	}
	return nil
}

// Offer creates the local offer and returns it once ICE gathering completes.
func (m *Manager) Offer(ctx context.Context, conn *Connection) (webrtc.SessionDescription, error) {
	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return m.setLocal(ctx, conn, offer)
}

// Answer applies a remote offer and returns the local answer once ICE
// gathering completes.
func (m *Manager) Answer(ctx context.Context, conn *Connection, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := conn.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := conn.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	return m.setLocal(ctx, conn, answer)
}

func (m *Manager) AcceptAnswer(conn *Connection, answer webrtc.SessionDescription) error {
	return conn.pc.SetRemoteDescription(answer)
}

func (m *Manager) setLocal(ctx context.Context, conn *Connection, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(conn.pc)
	if err := conn.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	local := conn.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("local description missing after gathering")
	}
	return *local, nil
}

func (m *Manager) Connection(peerID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[peerID]
	return conn, ok
}

func (m *Manager) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, conn)
	}
	return out
}

func (m *Manager) Participants() []Participant {
	conns := m.Connections()
	out := make([]Participant, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.Participant())
	}
	return out
}

// CloseConnection drops the connection to one peer; the rest of the call is
// unaffected.
func (m *Manager) CloseConnection(peerID string) error {
	m.mu.Lock()
	conn, ok := m.conns[peerID]
	delete(m.conns, peerID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	m.closeConnection(conn)
	return nil
}

// drop removes conn if it is still the current connection to its peer.
func (m *Manager) drop(conn *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[conn.peerID] != conn {
		return false
	}
	delete(m.conns, conn.peerID)
	return true
}

func (m *Manager) closeConnection(conn *Connection) {
	if ch := conn.Channel(); ch != nil {
		_ = ch.Close()
	}
	if err := conn.pc.Close(); err != nil {
		m.log.Warn().Err(err).Str("peer_id", conn.peerID).Msg("failed to close peer connection")
	}
}

// StartScreenShare swaps the outgoing video on every connection for a screen
// capture without renegotiating. When the screen track ends by itself the
// camera is restored.
func (m *Manager) StartScreenShare(ctx context.Context) bool {
	m.mu.Lock()
	if m.tornDown || m.local == nil {
		m.mu.Unlock()
		return false
	}
	if m.screen != nil {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	screen, err := m.devices.DisplayMedia(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to start screen share")
		return false
	}
	screenVideo := screen.FirstVideo()
	if screenVideo == nil {
		screen.Stop()
		zerolog.Ctx(ctx).Error().Msg("screen capture has no video track")
		return false
	}

	m.mu.Lock()
	if m.tornDown || m.screen != nil {
		sharing := !m.tornDown
		m.mu.Unlock()
		screen.Stop()
		return sharing
	}
	m.screen = screen
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		if err := replaceVideo(conn, screenVideo.Local()); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("peer_id", conn.peerID).Msg("failed to send screen track")
		}
	}

	screenVideo.OnEnded(func() {
		m.mu.Lock()
		active := m.screen == screen
		m.mu.Unlock()
		if active {
			m.log.Info().Msg("screen capture ended, restoring camera")
			m.StopScreenShare()
		}
	})

	zerolog.Ctx(ctx).Info().Int("connections", len(conns)).Msg("screen share started")
	return true
}

// StopScreenShare puts the camera track back on every connection.
func (m *Manager) StopScreenShare() bool {
	m.mu.Lock()
	screen := m.screen
	if screen == nil || m.local == nil {
		m.mu.Unlock()
		return false
	}
	m.screen = nil
	camera := m.local.FirstVideo()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	ok := true
	if camera != nil {
		for _, conn := range conns {
			if err := replaceVideo(conn, camera.Local()); err != nil {
				m.log.Error().Err(err).Str("peer_id", conn.peerID).Msg("failed to restore camera track")
				ok = false
			}
		}
	}
	screen.Stop()
	m.log.Info().Msg("screen share stopped")
	return ok
}

func (m *Manager) IsScreenSharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen != nil
}

func replaceVideo(conn *Connection, track webrtc.TrackLocal) error {
	conn.mu.Lock()
	sender := conn.videoSender
	conn.mu.Unlock()
	if sender == nil {
		return nil
	}
	return sender.ReplaceTrack(track)
}

// ToggleMute flips the microphone and reports whether it is now muted.
func (m *Manager) ToggleMute() bool {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()
	if local == nil {
		return false
	}
	audio := local.FirstAudio()
	if audio == nil {
		return false
	}
	audio.SetEnabled(!audio.Enabled())
	return !audio.Enabled()
}

// ToggleVideo flips the camera and reports whether it is now off.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()
	if local == nil {
		return false
	}
	video := local.FirstVideo()
	if video == nil {
		return false
	}
	video.SetEnabled(!video.Enabled())
	return !video.Enabled()
}

// Broadcast sends one envelope on every open signaling channel and reports
// how many peers it went to.
func (m *Manager) Broadcast(kind datachannel.Kind, env datachannel.Envelope) int {
	sent := 0
	for _, conn := range m.Connections() {
		ch := conn.Channel()
		if ch == nil {
			continue
		}
		ok, err := ch.Send(kind, env)
		if err != nil {
			m.log.Warn().Err(err).Str("peer_id", conn.peerID).Msg("failed to send data channel message")
			continue
		}
		if ok {
			sent++
		}
	}
	return sent
}

// EchoLocal shows a locally sent message to this client's own subscribers.
func (m *Manager) EchoLocal(msg datachannel.ChatMessage) {
	msg.Local = true
	m.messages.Publish(msg)
}

func (m *Manager) SubscribeRemoteTracks(buffer int) *events.Subscription[RemoteTrack] {
	return m.remoteTracks.Subscribe(buffer)
}

func (m *Manager) SubscribeConnectionEvents(buffer int) *events.Subscription[ConnectionEvent] {
	return m.connEvents.Subscribe(buffer)
}

// MessageBuffer is the queue size for chat subscribers. Chat is not stored,
// so a reader that falls further behind loses messages.
const MessageBuffer = 1024

// SubscribeMessages delivers chat and hand raises in arrival order. Dropped
// messages are logged.
func (m *Manager) SubscribeMessages(buffer int) *events.Subscription[datachannel.ChatMessage] {
	return m.messages.SubscribeNotify(buffer, func(total int64) {
		m.log.Warn().Int64("dropped", total).Msg("chat subscriber is behind, message dropped")
	})
}

func (m *Manager) SubscribePresence(buffer int) *events.Subscription[datachannel.Presence] {
	return m.presence.Subscribe(buffer)
}

// Teardown stops local capture, closes every connection and data channel and
// ends all subscriptions. Safe to call more than once.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return
	}
	m.tornDown = true
	local, screen := m.local, m.screen
	m.local, m.screen = nil, nil
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	if screen != nil {
		screen.Stop()
	}
	if local != nil {
		local.Stop()
	}
	for _, conn := range conns {
		m.closeConnection(conn)
	}

	m.remoteTracks.Close()
	m.connEvents.Close()
	m.messages.Close()
	m.presence.Close()
	m.log.Info().Int("connections", len(conns)).Msg("peer connections torn down")
}

func (m *Manager) trackParticipants(messages *events.Subscription[datachannel.ChatMessage], presence *events.Subscription[datachannel.Presence]) {
	for messages != nil || presence != nil {
		select {
		case msg, ok := <-messagesC(messages):
			if !ok {
				messages = nil
				continue
			}
			if msg.Tag == datachannel.KindHandRaise && !msg.Local {
				if conn, found := m.Connection(msg.SenderId); found {
					conn.updateParticipant(func(p *Participant) { p.HandRaised = true })
				}
			}
		case state, ok := <-presenceC(presence):
			if !ok {
				presence = nil
				continue
			}
			if conn, found := m.Connection(state.PeerId); found {
				conn.updateParticipant(func(p *Participant) {
					p.Muted = state.Muted
					p.CameraOn = state.VideoOn
					p.HandRaised = state.HandRaised
				})
			}
		}
	}
}

func messagesC(s *events.Subscription[datachannel.ChatMessage]) <-chan datachannel.ChatMessage {
	if s == nil {
		return nil
	}
	return s.C()
}

func presenceC(s *events.Subscription[datachannel.Presence]) <-chan datachannel.Presence {
	if s == nil {
		return nil
	}
	return s.C()
}

// drainRTCP reads sender feedback so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// drainRemote consumes a remote track nobody is rendering.
func drainRemote(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
