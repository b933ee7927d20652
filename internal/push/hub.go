// Package push fans completed stream events out to connected frontend
// clients over websockets. Delivery is best effort: a client that cannot
// drain its buffer is dropped rather than allowed to stall the pipeline.
package push

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/sherlock-ai/relay/pkg/push"
)

// Hub tracks connected clients keyed by user id. A user may hold several
// connections (tabs, devices); each gets its own Client.
type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		log:     logger,
		clients: make(map[*Client]struct{}),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Debug().Str("user_id", c.UserID).Int("clients", n).Msg("client registered")
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.Close()
		h.log.Debug().Str("user_id", c.UserID).Int("clients", n).Msg("client unregistered")
	}
}

// PushToUser delivers ev to every connection owned by userID. When
// sessionScoped is true, only connections subscribed to ev.SessionID
// receive it. Clients whose buffers are full are dropped.
func (h *Hub) PushToUser(userID string, ev push.Event, sessionScoped bool) error {
	h.mu.RLock()
	var targets []*Client
	for c := range h.clients {
		if c.UserID != userID {
			continue
		}
		if sessionScoped && c.SessionID != "" && c.SessionID != ev.SessionID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.Queue(ev) {
			h.log.Warn().Str("user_id", c.UserID).Msg("dropping slow client")
			h.Unregister(c)
		}
	}
	return nil
}

// ClientCount reports the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
