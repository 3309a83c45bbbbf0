// Package client provides a reusable WebSocket load test client for the
// realtime server. It connects using gobwas/ws (the same library the server
// uses), identifies itself via the userId query parameter, waits for the
// connected acknowledgement, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeNewMessage     = "new-message"
	TypeMessageRead    = "message-read"
	TypeNewPost        = "new-post"
	TypeLikePost       = "like-post"
	TypeTypingStart    = "typing-start"
	TypeTypingStop     = "typing-stop"
	TypeUpdateStatus   = "update-status"
	TypeUpdateLastSeen = "update-last-seen"
	TypeWebRTCOffer    = "webrtc-offer"
	TypeCallEnded      = "call-ended"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeConnected   = "connected"
	TypeUserOnline  = "user-online"
	TypeUserOffline = "user-offline"
	TypeUserJoined  = "user-joined"
	TypeUserLeft    = "user-left"
	TypeTyping      = "typing"
	TypePong        = "pong"
	TypeError       = "error"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until the socket is open
	AckLatency       time.Duration // dial until the connected ack arrives
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the realtime
// server. It manages the WebSocket lifecycle, dispatches incoming events to
// registered handlers, and captures the connected acknowledgement.
type Client struct {
	conn     net.Conn
	userID   string
	endpoint string

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)
	done     chan struct{}
	closeOnce sync.Once

	dialedAt    time.Time
	onlineUsers []string
}

// New creates a load test client for the given user on one of the server's
// channel endpoints ("notifications", "signaling", or "posts"). chatID is
// optional and only meaningful on the signaling channel, where it joins the
// connection to a call room. The connection is established immediately and a
// background goroutine begins reading events.
func New(ctx context.Context, baseURL, channel, userID, chatID string) (*Client, error) {
	q := url.Values{}
	q.Set("userId", userID)
	if chatID != "" {
		q.Set("chatId", chatID)
	}
	wsURL := strings.TrimRight(baseURL, "/") + "/" + channel + "?" + q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
		dialedAt: start,
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading events in background.
	go c.readLoop()

	return c, nil
}

// Send sends a JSON event to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On registers a handler for a specific server event type. The handler
// receives the full raw JSON of the event for flexible decoding. Handlers are
// invoked from the read loop goroutine so they should not block for extended
// periods. Only one handler per event type is supported; registering a second
// handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForAck blocks until the server's connected acknowledgement arrives or
// the context is cancelled. This is useful for coordinating load test phases
// that depend on registration being complete.
func (c *Client) WaitForAck(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before the connected ack arrived")
		case <-ticker.C:
			if c.endpoint != "" {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the user identity this client connected as.
func (c *Client) UserID() string {
	return c.userID
}

// Endpoint returns the channel name echoed back in the connected ack, or an
// empty string if the ack has not arrived yet.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// OnlineUsers returns the online-user snapshot carried by the connected ack.
func (c *Client) OnlineUsers() []string {
	return c.onlineUsers
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Handle the connected ack internally: record the endpoint, the
		// online-user snapshot, and the ack latency.
		if envelope.Type == TypeConnected {
			var msg struct {
				Type        string   `json:"type"`
				UserID      string   `json:"userId"`
				Endpoint    string   `json:"endpoint"`
				OnlineUsers []string `json:"onlineUsers"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.Endpoint != "" {
				c.onlineUsers = msg.OnlineUsers
				c.metrics.AckLatency = time.Since(c.dialedAt)
				c.endpoint = msg.Endpoint
			}
		}

		// Dispatch to registered handler if one exists.
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
