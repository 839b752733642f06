package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"liveclass/pkg/events"
)

var ErrRejected = errors.New("signaling server rejected the connection")

// Client is one member's websocket to the signaling hub.
type Client struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu  sync.Mutex
	inbound  *events.Bus[Message]
	done     chan struct{}
	closeOne sync.Once
}

// Dial joins the signaling room of a session. baseURL is the server root,
// for example ws://localhost:8080.
func Dial(ctx context.Context, baseURL, sessionID string, self Peer) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	u = u.JoinPath("ws", "sessions", sessionID)
	q := u.Query()
	q.Set("user_id", self.UserId)
	q.Set("name", self.Name)
	q.Set("role", string(self.Role))
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Status)
		}
		return nil, err
	}

	c := &Client{
		conn:    conn,
		log:     zerolog.Ctx(ctx).With().Str("session_id", sessionID).Str("user_id", self.UserId).Logger(),
		inbound: events.NewBus[Message](),
		done:    make(chan struct{}),
	}
	return c, nil
}

// Subscribe must be called before Run to see the initial room state.
func (c *Client) Subscribe(buffer int) *events.Subscription[Message] {
	return c.inbound.Subscribe(buffer)
}

// Run reads until the connection closes and publishes every message.
func (c *Client) Run() error {
	defer c.inbound.Close()
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		c.log.Debug().Str("type", string(msg.Type)).Str("from", msg.From).Msg("signal received")
		c.inbound.Publish(msg)
	}
}

func (c *Client) Send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *Client) Close() error {
	var err error
	c.closeOne.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
