package push

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sherlock-ai/relay/pkg/push"
)

const pongWait = 90 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades GET /ws?user=<id>&session=<id> connections and attaches
// them to the hub. session is optional and scopes delivery when present.
func Handler(hub *Hub, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			http.Error(w, "missing user parameter", http.StatusBadRequest)
			return
		}
		sessionID := r.URL.Query().Get("session")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		client := NewClient(userID, sessionID, conn, logger)
		hub.Register(client)

		go client.WriteLoop()
		go readLoop(hub, client, conn, logger)
	}
}

// readLoop drains inbound frames so pongs and pings are processed. Clients
// only ever send keepalive pings; anything else is ignored.
func readLoop(hub *Hub, client *Client, conn *websocket.Conn, logger zerolog.Logger) {
	defer hub.Unregister(client)

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var env push.ClientEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Debug().Str("user_id", client.UserID).Msg("ignoring malformed client frame")
			continue
		}
		if env.Type == push.ClientMessageTypePing {
			client.Pong()
		}
	}
}
