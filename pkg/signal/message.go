// Package signal relays connection setup between the members of a live
// session over websockets. Media never passes through it.
package signal

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
	"liveclass/constant"
)

type Type string

const (
	TypeRoomState    Type = "room_state"
	TypePeerJoined   Type = "peer_joined"
	TypePeerLeft     Type = "peer_left"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeSessionEnded Type = "session_ended"
	TypeError        Type = "error"
)

type Peer struct {
	UserId   string        `json:"userId"`
	Name     string        `json:"name"`
	Role     constant.Role `json:"role"`
	IsHost   bool          `json:"isHost"`
	JoinedAt time.Time     `json:"joinedAt"`
}

type Message struct {
	Type      Type   `json:"type"`
	SessionId string `json:"sessionId,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	// SDP is base64(JSON(webrtc.SessionDescription)).
	SDP   string `json:"sdp,omitempty"`
	Peer  *Peer  `json:"peer,omitempty"`
	Peers []Peer `json:"peers,omitempty"`
	Error string `json:"error,omitempty"`
}

func EncodeSDP(desc webrtc.SessionDescription) (string, error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func DecodeSDP(encoded string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return desc, err
	}
	err = json.Unmarshal(raw, &desc)
	return desc, err
}
