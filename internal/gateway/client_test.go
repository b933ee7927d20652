package gateway

import (
	"context"
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
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// startFakeGateway runs handler on each upgraded connection and returns the
// ws:// URL of the server.
func startFakeGateway(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func readRequest(t *testing.T, conn *websocket.Conn) requestFrame {
	t.Helper()
	var req requestFrame
	require.NoError(t, conn.ReadJSON(&req))
	return req
}

func TestRequestResolvesOnAck(t *testing.T) {
	url := startFakeGateway(t, func(conn *websocket.Conn) {
		req := readRequest(t, conn)
		assert.Equal(t, "req", req.Type)
		assert.Equal(t, "chat.send", req.Method)
		assert.NotEmpty(t, req.ID)

		_ = conn.WriteJSON(map[string]any{
			"type":    "ack",
			"id":      req.ID,
			"payload": map[string]string{"runId": "run-1"},
		})
		// Keep the connection open until the client is done.
		_, _, _ = conn.ReadMessage()
	})

	client, err := Dial(context.Background(), url, nil, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	payload, err := client.Request(context.Background(), "chat.send", map[string]string{"message": "hi"})
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, json.Unmarshal(payload, &body))
	assert.Equal(t, "run-1", body["runId"])
}

func TestRequestGatewayError(t *testing.T) {
	url := startFakeGateway(t, func(conn *websocket.Conn) {
		req := readRequest(t, conn)
		_ = conn.WriteJSON(map[string]any{
			"type": "ack",
			"id":   req.ID,
			"error": map[string]any{
				"code":      "session_busy",
				"message":   "another run is active",
				"retryable": true,
			},
		})
		_, _, _ = conn.ReadMessage()
	})

	client, err := Dial(context.Background(), url, nil, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Request(context.Background(), "chat.send", nil)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "session_busy", reqErr.Code)
	assert.Equal(t, "another run is active", reqErr.Message)
	assert.True(t, reqErr.Retryable)
}

func TestRequestTimesOut(t *testing.T) {
	url := startFakeGateway(t, func(conn *websocket.Conn) {
		_ = readRequest(t, conn)
		// Never ack.
		_, _, _ = conn.ReadMessage()
	})

	client, err := Dial(context.Background(), url, nil, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = client.Request(ctx, "chat.send", nil)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "timeout", reqErr.Code)
	assert.True(t, reqErr.Retryable)
}

func TestNonAckFramesReachSink(t *testing.T) {
	url := startFakeGateway(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{
			"event":   "chat",
			"payload": map[string]any{"runId": "run-1", "state": "delta"},
		})
		_, _, _ = conn.ReadMessage()
	})

	frames := make(chan json.RawMessage, 1)
	client, err := Dial(context.Background(), url, func(raw json.RawMessage) {
		frames <- raw
	}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	select {
	case raw := <-frames:
		var frame struct {
			Event string `json:"event"`
		}
		require.NoError(t, json.Unmarshal(raw, &frame))
		assert.Equal(t, "chat", frame.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("sink never received the pushed frame")
	}
}

func TestConnectionDropFailsPending(t *testing.T) {
	url := startFakeGateway(t, func(conn *websocket.Conn) {
		_ = readRequest(t, conn)
		conn.Close()
	})

	client, err := Dial(context.Background(), url, nil, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Request(context.Background(), "chat.send", nil)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "connection_closed", reqErr.Code)
	assert.True(t, reqErr.Retryable)
}

func TestRequestAfterClose(t *testing.T) {
	url := startFakeGateway(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})

	client, err := Dial(context.Background(), url, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = client.Request(context.Background(), "chat.send", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/ws", nil, zerolog.Nop())
	assert.Error(t, err)
}
