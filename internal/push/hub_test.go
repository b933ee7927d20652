package push

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pushTypes "github.com/sherlock-ai/relay/pkg/push"
)

func newQueuedClient(userID, sessionID string) *Client {
	return NewClient(userID, sessionID, nil, zerolog.Nop())
}

func drain(c *Client) []pushTypes.Event {
	var out []pushTypes.Event
	for {
		select {
		case ev := <-c.send:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPushToUserRoutesByUser(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	alice := newQueuedClient("alice", "")
	bob := newQueuedClient("bob", "")
	hub.Register(alice)
	hub.Register(bob)

	require.NoError(t, hub.PushToUser("alice", pushTypes.Event{Type: pushTypes.EventTypeStreamChunk, Content: "hi"}, false))

	assert.Len(t, drain(alice), 1)
	assert.Empty(t, drain(bob))
}

func TestPushToUserSessionScoping(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	scoped := newQueuedClient("alice", "sess-1")
	other := newQueuedClient("alice", "sess-2")
	unscoped := newQueuedClient("alice", "")
	hub.Register(scoped)
	hub.Register(other)
	hub.Register(unscoped)

	ev := pushTypes.Event{Type: pushTypes.EventTypeStreamChunk, SessionID: "sess-1"}
	require.NoError(t, hub.PushToUser("alice", ev, true))

	assert.Len(t, drain(scoped), 1)
	assert.Empty(t, drain(other), "client scoped to another session is skipped")
	assert.Len(t, drain(unscoped), 1, "unscoped client receives everything for its user")
}

func TestSlowClientDropped(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := newQueuedClient("alice", "")
	hub.Register(slow)

	ev := pushTypes.Event{Type: pushTypes.EventTypeStreamChunk, Content: "x"}
	for i := 0; i < sendBufferSize; i++ {
		require.True(t, slow.Queue(ev))
	}

	require.NoError(t, hub.PushToUser("alice", ev, false))

	assert.Zero(t, hub.ClientCount(), "client with a full buffer is dropped")
	select {
	case <-slow.closed:
	default:
		t.Fatal("dropped client was not closed")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newQueuedClient("alice", "")
	hub.Register(c)

	hub.Unregister(c)
	hub.Unregister(c)

	assert.Zero(t, hub.ClientCount())
	assert.False(t, c.Queue(pushTypes.Event{}), "closed client refuses new events")
}

func TestWebsocketDelivery(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	server := httptest.NewServer(Handler(hub, zerolog.Nop()))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?user=alice&session=sess-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ev := pushTypes.Event{Type: pushTypes.EventTypeStreamChunk, SessionID: "sess-1", Content: "hello"}
	require.NoError(t, hub.PushToUser("alice", ev, true))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got pushTypes.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, pushTypes.EventTypeStreamChunk, got.Type)
	assert.Equal(t, "hello", got.Content)
}

func TestWebsocketPingPong(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	server := httptest.NewServer(Handler(hub, zerolog.Nop()))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?user=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(pushTypes.ClientEnvelope{Type: pushTypes.ClientMessageTypePing}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var reply map[string]string
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, "pong", reply["type"])
}

func TestWebsocketMissingUserRejected(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	server := httptest.NewServer(Handler(hub, zerolog.Nop()))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
