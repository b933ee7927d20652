// Package gateway maintains the persistent connection to the agent gateway.
// Outbound commands (chat.send, chat.abort) travel as correlated
// request/ack frames; everything else the gateway pushes is handed to the
// caller's event sink for demultiplexing.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("gateway client closed")

const (
	dialTimeout      = 15 * time.Second
	writeWait        = 10 * time.Second
	defaultReqWait   = 30 * time.Second
	maxInboundFrame  = 4 * 1024 * 1024
	pendingQueueSize = 1
)

// RequestError is a command failure reported by the gateway or the
// transport. Retryable marks failures worth reissuing with the same
// idempotency key.
type RequestError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("gateway request failed (%s): %s", e.Code, e.Message)
}

// EventSink receives every non-ack frame pushed by the gateway, in arrival
// order. The sink must not block for long; it runs on the read loop.
type EventSink func(raw json.RawMessage)

// requestFrame is the outbound command envelope.
type requestFrame struct {
	Type   string `json:"type"` // "req"
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// ackFrame is the gateway's reply to a request.
type ackFrame struct {
	Type    string          `json:"type"` // "ack"
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type pendingResult struct {
	payload json.RawMessage
	err     error
}

// Client is a gateway connection. Safe for concurrent Request calls; the
// read loop runs until Close or a transport failure, failing all pending
// requests with a retryable transport error on the way out.
type Client struct {
	log  zerolog.Logger
	conn *websocket.Conn
	sink EventSink

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan pendingResult
	closed  bool

	done chan struct{}
}

// Dial connects to the gateway and starts the read loop. sink may be nil
// when the caller only issues commands.
func Dial(ctx context.Context, url string, sink EventSink, logger zerolog.Logger) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}
	conn.SetReadLimit(maxInboundFrame)

	c := &Client{
		log:     logger,
		conn:    conn,
		sink:    sink,
		pending: make(map[string]chan pendingResult),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Request issues one command and waits for its ack. Gateway-reported
// failures come back as a *RequestError with the gateway's retryable flag;
// transport failures are always retryable.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan pendingResult, pendingQueueSize)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(requestFrame{Type: "req", ID: id, Method: method, Params: params}); err != nil {
		return nil, &RequestError{Code: "transport_error", Message: err.Error(), Retryable: true}
	}

	waitCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, defaultReqWait)
		defer cancel()
	}

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-waitCtx.Done():
		return nil, &RequestError{Code: "timeout", Message: waitCtx.Err().Error(), Retryable: true}
	case <-c.done:
		return nil, &RequestError{Code: "connection_closed", Message: "gateway connection closed", Retryable: true}
	}
}

func (c *Client) writeFrame(frame any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

// readLoop dispatches incoming frames: acks resolve pending requests,
// everything else goes to the sink.
func (c *Client) readLoop() {
	defer c.failPending()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.Warn().Err(err).Msg("gateway connection read failed")
			}
			return
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			c.log.Warn().Str("frame", string(data)).Msg("unparseable gateway frame")
			continue
		}

		if probe.Type == "ack" {
			c.resolveAck(data)
			continue
		}

		if c.sink != nil {
			c.sink(data)
		}
	}
}

func (c *Client) resolveAck(data []byte) {
	var ack ackFrame
	if err := json.Unmarshal(data, &ack); err != nil {
		c.log.Warn().Err(err).Msg("unparseable ack frame")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[ack.ID]
	c.mu.Unlock()
	if !ok {
		return
	}

	res := pendingResult{payload: ack.Payload}
	if ack.Error != nil {
		res.err = &RequestError{Code: ack.Error.Code, Message: ack.Error.Message, Retryable: ack.Error.Retryable}
	}
	select {
	case ch <- res:
	default:
	}
}

// failPending releases every waiter after the connection drops.
func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan pendingResult)
	c.mu.Unlock()

	err := &RequestError{Code: "connection_closed", Message: "gateway connection closed", Retryable: true}
	for _, ch := range pending {
		select {
		case ch <- pendingResult{err: err}:
		default:
		}
	}

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Close shuts the connection down and releases all pending requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.conn.Close()
}
