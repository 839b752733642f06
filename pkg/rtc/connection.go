package rtc

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"liveclass/constant"
	"liveclass/pkg/datachannel"
)

// Role is a side of one pairwise connection. The host side creates the data
// channel; the participant side accepts it.
type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

type Identity struct {
	UserID string
	Name   string
	Role   constant.Role
}

// Participant is the ephemeral view of a connected peer.
type Participant struct {
	UserID     string
	Name       string
	Role       constant.Role
	HandRaised bool
	Muted      bool
	CameraOn   bool
	JoinedAt   time.Time
}

type RemoteTrack struct {
	PeerID   string
	StreamID string
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// ConnectionEvent reports an asynchronous state change of one connection.
// Err wraps ErrConnection when the connection is lost.
type ConnectionEvent struct {
	PeerID string
	State  webrtc.PeerConnectionState
	Err    error
}

// Connection is one direct peer connection to a remote participant.
type Connection struct {
	peerID string
	role   Role
	pc     *webrtc.PeerConnection

	mu          sync.Mutex
	channel     *datachannel.Channel
	channelSet  chan struct{}
	videoSender *webrtc.RTPSender
	audioSender *webrtc.RTPSender
	participant Participant
	streams     map[string]struct{}
}

func (c *Connection) PeerID() string {
	return c.peerID
}

func (c *Connection) Role() Role {
	return c.role
}

func (c *Connection) PeerConnection() *webrtc.PeerConnection {
	return c.pc
}

// Channel returns the signaling data channel, or nil until a participant has
// accepted the host's channel.
func (c *Connection) Channel() *datachannel.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// ChannelSet is closed once Channel is non-nil.
func (c *Connection) ChannelSet() <-chan struct{} {
	return c.channelSet
}

// OutgoingVideo returns the track currently sent on the video sender.
func (c *Connection) OutgoingVideo() webrtc.TrackLocal {
	c.mu.Lock()
	sender := c.videoSender
	c.mu.Unlock()
	if sender == nil {
		return nil
	}
	return sender.Track()
}

func (c *Connection) Participant() Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participant
}

func (c *Connection) setChannel(ch *datachannel.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		return
	}
	c.channel = ch
	close(c.channelSet)
}

func (c *Connection) updateParticipant(f func(p *Participant)) {
	c.mu.Lock()
	f(&c.participant)
	c.mu.Unlock()
}

// firstTrackOf reports whether streamID has not been seen on this connection.
func (c *Connection) firstTrackOf(streamID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.streams[streamID]; ok {
		return false
	}
	c.streams[streamID] = struct{}{}
	return true
}
