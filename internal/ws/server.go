// Package ws owns the WebSocket transport: upgrading HTTP connections on the
// logical channel endpoints, the epoll read loop, and connection teardown.
// Event semantics live in the router; this package only moves frames.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/pulsechat/realtime/internal/metrics"
	"github.com/pulsechat/realtime/internal/ratelimit"
	"github.com/pulsechat/realtime/internal/registry"
)

// Logical channel names, also the URL paths clients connect to.
const (
	ChannelNotifications = "notifications"
	ChannelSignaling     = "signaling"
	ChannelPosts         = "posts"
)

// Config holds tunable parameters for the WebSocket server.
type Config struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket transport built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections on the channel endpoints, registers them with
// the connection registry and an epoll instance, and dispatches ready
// connections to a bounded worker pool for frame reading.
type Server struct {
	config  Config
	epoll   *Epoll
	reg     *registry.Registry
	limiter *ratelimit.Limiter // nil disables per-IP connect throttling

	onConnect    func(c *registry.Connection, cameOnline bool)
	onMessage    func(c *registry.Connection, data []byte)
	onDisconnect func(c *registry.Connection, wentOffline bool)

	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server over the given registry. The limiter may be nil.
func NewServer(config Config, reg *registry.Registry, limiter *ratelimit.Limiter) *Server {
	return &Server{
		config:     config,
		reg:        reg,
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// OnConnect registers the callback invoked after a connection has been
// registered. cameOnline is true when this is the user's first live
// connection on any channel.
func (s *Server) OnConnect(fn func(c *registry.Connection, cameOnline bool)) {
	s.onConnect = fn
}

// OnMessage registers the callback invoked with each complete text frame.
func (s *Server) OnMessage(fn func(c *registry.Connection, data []byte)) {
	s.onMessage = fn
}

// OnDisconnect registers the callback invoked after a connection has been
// removed from the registry. wentOffline is true when the user no longer
// holds a connection on any channel.
func (s *Server) OnDisconnect(fn func(c *registry.Connection, wentOffline bool)) {
	s.onDisconnect = fn
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the epoll event loop in
// a background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	mux.HandleFunc("/signaling", s.handleUpgrade)
	mux.HandleFunc("/posts", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// channelFromPath maps a request path to its logical channel. The root path
// serves the notifications channel.
func channelFromPath(path string) (string, bool) {
	switch strings.TrimSuffix(path, "/") {
	case "", "/notifications":
		return ChannelNotifications, true
	case "/signaling":
		return ChannelSignaling, true
	case "/posts":
		return ChannelPosts, true
	}
	return "", false
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection and
// registers it for the channel named by the request path. The identity comes
// from the userId query parameter; a connection without one is upgraded and
// then immediately closed with a policy violation so the client sees a
// WebSocket close code instead of a bare HTTP error.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	channel, ok := channelFromPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if s.reg.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		allowed, _ := s.limiter.Allow(ctx, host, ratelimit.RuleConnect)
		cancel()
		if !allowed {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	userID := r.URL.Query().Get("userId")
	contextID := r.URL.Query().Get("chatId")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	if userID == "" {
		frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, "missing userId"))
		_ = ws.WriteFrame(conn, frame)
		_ = conn.Close()
		return
	}

	fd := socketFD(conn)
	c := registry.NewConnection(uuid.New().String(), userID, channel, contextID, conn, fd)

	displaced, cameOnline := s.reg.Register(c)
	if displaced != nil {
		// The same user reconnected on this channel; drop the old transport
		// without touching presence or room state.
		_ = s.epoll.Remove(displaced.Conn)
		_ = displaced.CloseWithReason(ws.StatusNormalClosure, registry.ReasonSuperseded)
		log.Printf("ws: superseded connection user=%s channel=%s old_session=%s",
			userID, channel, displaced.SessionID)
	}

	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed session=%s: %v", c.SessionID, err)
		removed, wentOffline := s.reg.Remove(c)
		_ = c.Close()
		if removed && s.onDisconnect != nil {
			s.onDisconnect(c, wentOffline)
		}
		return
	}

	metrics.ConnectionsPerChannel.WithLabelValues(channel).Set(float64(s.reg.CountChannel(channel)))
	log.Printf("ws: new connection user=%s channel=%s session=%s fd=%d (total=%d)",
		userID, channel, c.SessionID, fd, s.reg.Count())

	if s.onConnect != nil {
		s.onConnect(c, cameOnline)
	}
}

// handleHealth responds with the server's health status as JSON, used by the
// load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		OnlineUsers int    `json:"onlineUsers"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.reg.Count(),
		OnlineUsers: len(s.reg.AllOnlineUserIDs()),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong, close) are handled
// without blocking on a data frame that may never arrive. A failed read
// removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.reg.GetByFd(socketFD(netConn))
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !c.TryAcquireRead() {
		return
	}
	defer c.ReleaseRead()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The liveness supervisor handles genuinely dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.Remove(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastActivity = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.Remove(c)
		}
		// Pong/ping: activity already recorded.
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.Remove(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// Remove tears a connection down through the normal path: it is unregistered,
// closed, and the disconnect callback runs so room, typing, and presence
// state are cleaned up. Safe to call multiple times; only the goroutine that
// actually removes the registry entry runs the callback.
func (s *Server) Remove(c *registry.Connection) {
	_ = s.epoll.Remove(c.Conn)

	removed, wentOffline := s.reg.Remove(c)
	_ = c.Close()
	if !removed {
		return
	}

	metrics.ConnectionsPerChannel.WithLabelValues(c.Channel).Set(float64(s.reg.CountChannel(c.Channel)))
	log.Printf("ws: connection closed user=%s channel=%s session=%s (total=%d)",
		c.UserID, c.Channel, c.SessionID, s.reg.Count())

	if s.onDisconnect != nil {
		s.onDisconnect(c, wentOffline)
	}
}

// RemoveSilent reaps a connection whose transport is already known dead. The
// registry entry and occupancy count are corrected, but no disconnect
// callback runs: a dead transport must not trigger fresh broadcasts.
func (s *Server) RemoveSilent(c *registry.Connection) {
	_ = s.epoll.Remove(c.Conn)

	removed, _ := s.reg.Remove(c)
	_ = c.Close()
	if !removed {
		return
	}

	metrics.ConnectionsPerChannel.WithLabelValues(c.Channel).Set(float64(s.reg.CountChannel(c.Channel)))
	log.Printf("ws: swept dead connection user=%s channel=%s session=%s",
		c.UserID, c.Channel, c.SessionID)
}

// Registry exposes the connection registry (for the supervisor and tests).
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Shutdown performs a graceful shutdown: it stops the HTTP listener, signals
// the event loop and supervisor to exit, and closes all active connections
// with a going-away close frame.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.reg.AllConns() {
		_ = s.epoll.Remove(c.Conn)
		_ = c.CloseWithReason(ws.StatusGoingAway, "server shutting down")
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
