package signal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Roster is the shared record of who is in each room.
type Roster interface {
	Join(ctx context.Context, sessionID string, peer Peer) error
	Leave(ctx context.Context, sessionID, userID string) error
	Members(ctx context.Context, sessionID string) ([]Peer, error)
	Clear(ctx context.Context, sessionID string) error
}

const writeWait = 10 * time.Second

type member struct {
	peer    Peer
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (m *member) send(msg Message) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return m.conn.WriteJSON(msg)
}

func (m *member) close() {
	m.writeMu.Lock()
	_ = m.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
		time.Now().Add(time.Second))
	m.writeMu.Unlock()
	_ = m.conn.Close()
}

// Hub relays offers and answers between the members of each session room.
type Hub struct {
	roster Roster

	mu    sync.Mutex
	rooms map[string]map[string]*member
}

// NewHub builds a hub. roster may be nil, in which case membership is only
// tracked in memory.
func NewHub(roster Roster) *Hub {
	return &Hub{
		roster: roster,
		rooms:  make(map[string]map[string]*member),
	}
}

// Serve runs one member's connection until it closes.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, sessionID string, peer Peer) {
	log := zerolog.Ctx(ctx).With().Str("session_id", sessionID).Str("user_id", peer.UserId).Logger()
	if peer.JoinedAt.IsZero() {
		peer.JoinedAt = time.Now().UTC()
	}
	m := &member{peer: peer, conn: conn}

	h.mu.Lock()
	room := h.rooms[sessionID]
	if room == nil {
		room = make(map[string]*member)
		h.rooms[sessionID] = room
	}
	previous := room[peer.UserId]
	room[peer.UserId] = m
	h.mu.Unlock()
	if previous != nil {
		log.Info().Msg("replacing an older connection of the same user")
		previous.close()
	}

	if h.roster != nil {
		if err := h.roster.Join(ctx, sessionID, peer); err != nil {
			log.Error().Err(err).Msg("failed to record room membership")
		}
	}

	if err := m.send(Message{Type: TypeRoomState, SessionId: sessionID, Peer: &peer, Peers: h.others(ctx, sessionID, peer.UserId)}); err != nil {
		log.Error().Err(err).Msg("failed to send room state")
	}
	h.broadcast(sessionID, peer.UserId, Message{Type: TypePeerJoined, SessionId: sessionID, From: peer.UserId, Peer: &peer})
	log.Info().Bool("host", peer.IsHost).Msg("peer joined room")

	ended := h.readLoop(ctx, m, sessionID, log)

	if ended {
		return
	}
	h.mu.Lock()
	current := h.rooms[sessionID][peer.UserId] == m
	if current {
		delete(h.rooms[sessionID], peer.UserId)
		if len(h.rooms[sessionID]) == 0 {
			delete(h.rooms, sessionID)
		}
	}
	h.mu.Unlock()
	if !current {
		return
	}
	if h.roster != nil {
		if err := h.roster.Leave(ctx, sessionID, peer.UserId); err != nil {
			log.Error().Err(err).Msg("failed to remove room membership")
		}
	}
	h.broadcast(sessionID, peer.UserId, Message{Type: TypePeerLeft, SessionId: sessionID, From: peer.UserId, Peer: &peer})
	log.Info().Msg("peer left room")
}

// readLoop relays messages from m and reports whether m ended the session.
func (h *Hub) readLoop(ctx context.Context, m *member, sessionID string, log zerolog.Logger) bool {
	for {
		var msg Message
		if err := m.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("signaling connection closed")
			}
			_ = m.conn.Close()
			return false
		}
		msg.From = m.peer.UserId
		msg.SessionId = sessionID

		switch msg.Type {
		case TypeOffer, TypeAnswer:
			target := h.member(sessionID, msg.To)
			if target == nil {
				_ = m.send(Message{Type: TypeError, SessionId: sessionID, To: msg.To, Error: "peer is not in the room"})
				continue
			}
			if err := target.send(msg); err != nil {
				log.Warn().Err(err).Str("to", msg.To).Msg("failed to relay signal")
			}
		case TypeSessionEnded:
			if !m.peer.IsHost {
				_ = m.send(Message{Type: TypeError, SessionId: sessionID, Error: "only the host can end the session"})
				continue
			}
			h.EndSession(ctx, sessionID)
			return true
		default:
			_ = m.send(Message{Type: TypeError, SessionId: sessionID, Error: "unsupported message type " + string(msg.Type)})
		}
	}
}

// EndSession tells every member the session is over and closes the room.
func (h *Hub) EndSession(ctx context.Context, sessionID string) {
	h.mu.Lock()
	room := h.rooms[sessionID]
	delete(h.rooms, sessionID)
	h.mu.Unlock()

	for _, m := range room {
		_ = m.send(Message{Type: TypeSessionEnded, SessionId: sessionID})
		m.close()
	}
	if h.roster != nil {
		if err := h.roster.Clear(ctx, sessionID); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("session_id", sessionID).Msg("failed to clear room roster")
		}
	}
	if len(room) > 0 {
		zerolog.Ctx(ctx).Info().Str("session_id", sessionID).Int("members", len(room)).Msg("room closed")
	}
}

// Count returns how many members are in a room.
func (h *Hub) Count(ctx context.Context, sessionID string) int {
	if h.roster != nil {
		peers, err := h.roster.Members(ctx, sessionID)
		if err == nil {
			return len(peers)
		}
		zerolog.Ctx(ctx).Warn().Err(err).Msg("roster unavailable, counting local members")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[sessionID])
}

func (h *Hub) member(sessionID, userID string) *member {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[sessionID][userID]
}

func (h *Hub) others(ctx context.Context, sessionID, self string) []Peer {
	var peers []Peer
	if h.roster != nil {
		members, err := h.roster.Members(ctx, sessionID)
		if err == nil {
			for _, p := range members {
				if p.UserId != self {
					peers = append(peers, p)
				}
			}
			return peers
		}
		zerolog.Ctx(ctx).Warn().Err(err).Msg("roster unavailable, using local members")
	}

	h.mu.Lock()
	for id, m := range h.rooms[sessionID] {
		if id != self {
			peers = append(peers, m.peer)
		}
	}
	h.mu.Unlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i].JoinedAt.Before(peers[j].JoinedAt) })
	return peers
}

func (h *Hub) broadcast(sessionID, except string, msg Message) {
	h.mu.Lock()
	targets := make([]*member, 0, len(h.rooms[sessionID]))
	for id, m := range h.rooms[sessionID] {
		if id != except {
			targets = append(targets, m)
		}
	}
	h.mu.Unlock()
	for _, m := range targets {
		_ = m.send(msg)
	}
}
