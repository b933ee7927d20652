package push

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sherlock-ai/relay/pkg/push"
)

const (
	sendBufferSize = 64
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
)

// Client is one websocket connection. SessionID is optional; when set the
// hub only routes events for that session here.
type Client struct {
	UserID    string
	SessionID string

	log  zerolog.Logger
	conn *websocket.Conn
	send chan push.Event
	pong chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func NewClient(userID, sessionID string, conn *websocket.Conn, logger zerolog.Logger) *Client {
	return &Client{
		UserID:    userID,
		SessionID: sessionID,
		log:       logger,
		conn:      conn,
		send:      make(chan push.Event, sendBufferSize),
		pong:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

// Queue hands ev to the write loop without blocking. Returns false when the
// buffer is full or the client is closed; the hub treats either as a dead
// connection.
func (c *Client) Queue(ev push.Event) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// Pong asks the write loop to answer an application-level ping. Coalesces
// when one is already queued.
func (c *Client) Pong() {
	select {
	case c.pong <- struct{}{}:
	default:
	}
}

// WriteLoop serializes queued events onto the connection and keeps it alive
// with pings. Exits on Close or the first write failure.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.log.Debug().Err(err).Str("user_id", c.UserID).Msg("client write failed")
				return
			}
		case <-c.pong:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}
