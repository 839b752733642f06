package datachannel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the wire discriminator of a data-channel message.
type Kind string

const (
	KindChat      Kind = "chat"
	KindHandRaise Kind = "hand_raise"
	KindPresence  Kind = "presence"
)

// MessageKind is how a message is rendered to the user.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageSystem MessageKind = "system"
)

// Envelope is the JSON frame carried on the channel.
type Envelope struct {
	Type       Kind      `json:"type"`
	SessionId  string    `json:"sessionId,omitempty"`
	SenderId   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	Muted      *bool `json:"muted,omitempty"`
	VideoOn    *bool `json:"videoOn,omitempty"`
	HandRaised *bool `json:"handRaised,omitempty"`
}

// ChatMessage is what subscribers see for chat and control traffic.
type ChatMessage struct {
	ID         string      `json:"id"`
	SessionId  string      `json:"sessionId"`
	SenderId   string      `json:"senderId"`
	SenderName string      `json:"senderName"`
	Text       string      `json:"text"`
	Kind       MessageKind `json:"kind"`
	Tag        Kind        `json:"tag,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	// Local marks the optimistic echo of a message this client sent.
	Local bool `json:"local"`
}

// Presence is a peer's self-reported media state.
type Presence struct {
	PeerId     string    `json:"peerId"`
	Muted      bool      `json:"muted"`
	VideoOn    bool      `json:"videoOn"`
	HandRaised bool      `json:"handRaised"`
	Timestamp  time.Time `json:"timestamp"`
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	switch env.Type {
	case KindChat, KindHandRaise, KindPresence:
	default:
		return Envelope{}, fmt.Errorf("unknown message type %q", env.Type)
	}
	return env, nil
}

// ToChatMessage renders chat and hand-raise envelopes for display. Presence
// envelopes are not chat messages.
func (e Envelope) ToChatMessage() (ChatMessage, bool) {
	msg := ChatMessage{
		ID:         newMessageID(),
		SessionId:  e.SessionId,
		SenderId:   e.SenderId,
		SenderName: e.SenderName,
		Timestamp:  e.Timestamp,
	}
	switch e.Type {
	case KindChat:
		msg.Kind = MessageText
		msg.Text = e.Message
	case KindHandRaise:
		name := e.SenderName
		if name == "" {
			name = "A participant"
		}
		msg.Kind = MessageSystem
		msg.Tag = KindHandRaise
		msg.Text = name + " raised their hand"
	default:
		return ChatMessage{}, false
	}
	return msg, true
}

func (e Envelope) ToPresence() (Presence, bool) {
	if e.Type != KindPresence {
		return Presence{}, false
	}
	p := Presence{PeerId: e.SenderId, Timestamp: e.Timestamp}
	if e.Muted != nil {
		p.Muted = *e.Muted
	}
	if e.VideoOn != nil {
		p.VideoOn = *e.VideoOn
	}
	if e.HandRaised != nil {
		p.HandRaised = *e.HandRaised
	}
	return p, true
}

// newMessageID returns a time-ordered id.
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
