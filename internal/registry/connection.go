package registry

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Close reasons used when the server terminates a connection.
const (
	ReasonSuperseded = "superseded"
	ReasonIdle       = "idle"
)

// Connection represents a single live WebSocket session for one user on one
// logical channel, with a write mutex for serializing outbound frames.
type Connection struct {
	SessionID    string    // unique per transport session (UUID)
	UserID       string    // stable identity supplied at handshake
	Channel      string    // logical endpoint, e.g. "notifications"
	ContextID    string    // optional grouping key (chat/call id)
	Conn         net.Conn  // underlying TCP connection
	Fd           int       // file descriptor for epoll lookups
	ConnectedAt  time.Time // when the connection was established
	LastActivity time.Time // last inbound frame or heartbeat reply

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read
	dead       int32      // atomic flag: transport known broken
}

// NewConnection creates a Connection with activity timestamps set to now.
func NewConnection(sessionID, userID, channel, contextID string, conn net.Conn, fd int) *Connection {
	now := time.Now()
	return &Connection{
		SessionID:    sessionID,
		UserID:       userID,
		Channel:      channel,
		ContextID:    contextID,
		Conn:         conn,
		Fd:           fd,
		ConnectedAt:  now,
		LastActivity: now,
	}
}

// WriteEvent sends a WebSocket text frame to this connection. The write mutex
// ensures that concurrent goroutines do not interleave frame bytes. A failed
// write marks the transport dead so the liveness sweep can reap it.
func (c *Connection) WriteEvent(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	if err != nil {
		atomic.StoreInt32(&c.dead, 1)
	}
	return err
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	if err != nil {
		atomic.StoreInt32(&c.dead, 1)
	}
	return err
}

// CloseWithReason writes a close frame with the given status code and reason,
// then closes the underlying network connection. Used for supersede and idle
// evictions so clients can distinguish why they were dropped.
func (c *Connection) CloseWithReason(code ws.StatusCode, reason string) error {
	c.writeMu.Lock()
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
	_ = ws.WriteFrame(c.Conn, frame)
	c.writeMu.Unlock()

	atomic.StoreInt32(&c.dead, 1)
	return c.Conn.Close()
}

// Close closes the underlying network connection without a close frame.
func (c *Connection) Close() error {
	atomic.StoreInt32(&c.dead, 1)
	return c.Conn.Close()
}

// MarkDead flags the transport as broken without closing it. The liveness
// sweep removes flagged connections.
func (c *Connection) MarkDead() {
	atomic.StoreInt32(&c.dead, 1)
}

// Dead reports whether the transport is known to be broken.
func (c *Connection) Dead() bool {
	return atomic.LoadInt32(&c.dead) == 1
}

// TryAcquireRead attempts to claim the connection for a single read worker.
// Level-triggered epoll can dispatch the same fd twice; only one worker may
// read at a time.
func (c *Connection) TryAcquireRead() bool {
	return atomic.CompareAndSwapInt32(&c.processing, 0, 1)
}

// ReleaseRead releases the read claim taken by TryAcquireRead.
func (c *Connection) ReleaseRead() {
	atomic.StoreInt32(&c.processing, 0)
}
