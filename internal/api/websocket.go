package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openpeerpower/opp-core/internal/auth"
	"github.com/openpeerpower/opp-core/internal/core"
	"github.com/openpeerpower/opp-core/internal/infrastructure/config"
	"github.com/openpeerpower/opp-core/internal/infrastructure/logging"
	"github.com/openpeerpower/opp-core/internal/infrastructure/metrics"
)

// closeReasonOverflow is sent with close code 1008 when a send queue fills.
const closeReasonOverflow = "Send queue overflow"

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// Hub tracks open WebSocket connections so they can be closed on shutdown.
type Hub struct {
	logger *logging.Logger
	conns  map[*wsConn]struct{}
	mu     sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger: logger,
		conns:  make(map[*wsConn]struct{}),
	}
}

// Run blocks until the context is cancelled, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.CloseAll()
}

func (h *Hub) register(c *wsConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	metrics.WebSocketConnections.Inc()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

func (h *Hub) unregister(c *wsConn) {
	h.mu.Lock()
	_, existed := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()

	if existed {
		metrics.WebSocketConnections.Dec()
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll asks every connection to flush and close.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.finish()
	}
}

// wsConn is one WebSocket API connection.
//
// readPump owns user, perms and lastID; subs is guarded by mu. Frames
// reach the peer only through send, which writePump drains.
type wsConn struct {
	srv    *Server
	conn   *websocket.Conn
	cfg    config.WebSocketConfig
	logger *logging.Logger
	remote string

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	send       chan []byte
	closed     bool
	overflowed atomic.Bool

	user   *auth.User
	perms  auth.Permissions
	lastID int64
	subs   map[int64]core.Unsubscribe
}

// handleWebSocket upgrades the connection and starts the protocol.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	remote := clientAddr(r)
	if s.limiter != nil && s.limiter.Blocked(remote) {
		writeError(w, http.StatusTooManyRequests, ErrCodeTooManyAttempts, "too many failed login attempts")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		srv:    s,
		conn:   conn,
		cfg:    s.wsCfg,
		logger: s.logger,
		remote: remote,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, s.wsCfg.SendQueueSize),
		subs:   make(map[int64]core.Unsubscribe),
	}

	s.hub.register(c)

	go c.writePump()
	go c.readPump()
}

// readPump authenticates the peer and then reads commands until the
// connection ends.
func (c *wsConn) readPump() {
	defer c.cleanup()

	c.conn.SetReadLimit(int64(c.cfg.MaxMessageSize))
	c.sendJSON(authFrame{Type: msgAuthRequired, HAVersion: c.srv.core.Version()})

	if !c.authenticate() {
		return
	}

	pingInterval := time.Duration(c.cfg.PingInterval) * time.Second
	pongWait := time.Duration(c.cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleCommand(message)
	}
}

// writePump writes queued frames and keepalive pings.
func (c *wsConn) writePump() {
	pingInterval := time.Duration(c.cfg.PingInterval) * time.Second
	writeWait := time.Duration(c.cfg.PongTimeout) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if c.overflowed.Load() {
				//nolint:errcheck // Best-effort close frame; the socket is closed next
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeReasonOverflow),
					time.Now().Add(writeWait))
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// authenticate runs the auth handshake. On failure auth_invalid is queued
// and false returned.
func (c *wsConn) authenticate() bool {
	//nolint:errcheck // Best-effort deadline
	c.conn.SetReadDeadline(time.Now().Add(time.Duration(c.cfg.AuthTimeout) * time.Second))

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.logger.Debug("websocket closed before auth", "remote", c.remote, "error", err)
		return false
	}

	var req authRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Type != msgAuth {
		c.authInvalid("Auth message incorrectly formatted")
		return false
	}

	s := c.srv
	if s.limiter != nil && s.limiter.Blocked(c.remote) {
		c.authInvalid("Too many failed login attempts")
		return false
	}

	var user *auth.User
	switch {
	case req.AccessToken != "":
		user, err = s.auth.Authenticate(c.ctx, req.AccessToken)
	case req.APIPassword != "":
		user, err = s.auth.ValidateAPIPassword(c.ctx, req.APIPassword)
	default:
		err = auth.ErrInvalidCredentials
	}
	if err != nil {
		s.recordAuthFailure(c.remote, "websocket", err)
		c.authInvalid("Invalid access token or password")
		return false
	}

	if s.limiter != nil {
		s.limiter.Reset(c.remote)
	}
	c.user = user
	c.perms = user.Permissions()
	c.sendJSON(authFrame{Type: msgAuthOK, HAVersion: s.core.Version()})
	c.logger.Debug("websocket authenticated", "user_id", user.ID, "remote", c.remote)
	return true
}

func (c *wsConn) authInvalid(message string) {
	c.sendJSON(authFrame{Type: msgAuthInvalid, Message: message})
}

// enqueue queues a frame without blocking. A full queue closes the
// connection with 1008.
func (c *wsConn) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueueLocked(data)
}

func (c *wsConn) enqueueLocked(data []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
	}

	c.overflowed.Store(true)
	c.closed = true
	close(c.send)
	metrics.WebSocketOverflowTotal.Inc()
	c.logger.Warn("websocket send queue overflow, closing connection",
		"remote", c.remote,
		"queue_size", cap(c.send),
	)
	return false
}

// sendJSON marshals v and queues it.
func (c *wsConn) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal websocket frame", "error", err)
		return
	}
	c.enqueue(data)
}

// finish stops accepting frames. writePump drains what is queued, sends a
// close frame and closes the socket.
func (c *wsConn) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// cleanup releases subscriptions and connection-scoped work.
func (c *wsConn) cleanup() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[int64]core.Unsubscribe)
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	c.cancel()
	c.finish()
	c.srv.hub.unregister(c)
}
