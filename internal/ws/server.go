package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/livegate/livegate/backend/internal/gateway"
	"github.com/livegate/livegate/backend/internal/identity"
	"github.com/livegate/livegate/backend/internal/logger"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Server hosts the live-event websocket endpoint. Admission and per-event
// validation are delegated to the middleware; the server only moves frames.
type Server struct {
	mw             *ValidationMiddleware
	identitySecret string
	handlers       map[string]EventHandler

	connsMu sync.RWMutex
	conns   map[string]*Conn

	log *logrus.Entry
}

// NewServer wires a websocket server to the gateway. identitySecret is the
// shared secret the external auth service signs session tokens with.
func NewServer(gw *gateway.Gateway, identitySecret string) *Server {
	return &Server{
		mw:             NewValidationMiddleware(gw),
		identitySecret: identitySecret,
		handlers:       make(map[string]EventHandler),
		conns:          make(map[string]*Conn),
		log:            logger.WithComponent("ws"),
	}
}

// Handle registers the handler invoked for an accepted event. Register all
// handlers before the server starts accepting connections.
func (s *Server) Handle(event string, handler EventHandler) {
	s.handlers[event] = handler
}

// HandleWS is the gin handler upgrading a handshake into a live-event
// connection. Admission runs before the protocol upgrade so a rejected
// client gets an explicit HTTP status instead of a dropped socket.
func (s *Server) HandleWS(c *gin.Context) {
	r := c.Request

	meta := &gateway.Connection{
		RemoteIP:  clientIP(r),
		Origin:    r.Header.Get("Origin"),
		UserAgent: r.UserAgent(),
		Role:      "viewer",
	}
	s.attachIdentity(r, meta)

	// The force-close hook is registered before the socket exists; it
	// resolves the connection lazily so a block racing the upgrade still
	// lands.
	var (
		curMu sync.Mutex
		cur   *Conn
	)
	closer := func(reason string) {
		curMu.Lock()
		conn := cur
		curMu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusPolicyViolation, reason)
		}
	}

	dec := s.mw.Admit(r.Context(), meta, closer)
	if !dec.Allowed {
		status := http.StatusForbidden
		if dec.EventType == gateway.EventRateLimitExceeded {
			status = http.StatusTooManyRequests
		}
		c.JSON(status, gin.H{"error": dec.Reason})
		return
	}

	disconnect := s.mw.DisconnectHook(meta)

	// Origin policy was already enforced by the gateway; the library check
	// is disabled rather than duplicated.
	sock, err := websocket.Accept(c.Writer, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		disconnect()
		return
	}

	conn := newConn(sock, meta)
	curMu.Lock()
	cur = conn
	curMu.Unlock()

	s.connsMu.Lock()
	s.conns[meta.ID] = conn
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, meta.ID)
		s.connsMu.Unlock()
		disconnect()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	s.readLoop(r.Context(), conn)
}

// attachIdentity decodes the pre-issued session token, if any. An invalid
// token downgrades to anonymous instead of failing the handshake; the
// anonymous policy then decides.
func (s *Server) attachIdentity(r *http.Request, meta *gateway.Connection) {
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); token == "" && strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	if token == "" {
		return
	}

	id, err := identity.FromToken(token, s.identitySecret)
	if err != nil {
		s.log.WithField("ip", meta.RemoteIP).Debug("invalid session token, treating as anonymous")
		return
	}
	meta.UserID = id.UserID
	meta.Username = id.Username
	meta.Role = id.Role
}

func (s *Server) readLoop(ctx context.Context, conn *Conn) {
	sock, ok := conn.sock.(*websocket.Conn)
	if !ok {
		return
	}

	for {
		readCtx, cancel := context.WithTimeout(ctx, readTimeout)
		_, data, err := sock.Read(readCtx)
		cancel()
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.log.WithError(err).Debug("read loop ended")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			dispatchCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			s.mw.notify(dispatchCtx, conn, frame.Event, "malformed frame")
			cancel()
			continue
		}

		dispatchCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		s.mw.Dispatch(dispatchCtx, conn, frame, s.handlers)
		cancel()
	}
}

// Broadcast sends a frame to every live connection. Slow receivers are
// skipped rather than awaited; live-event fan-out favors freshness.
func (s *Server) Broadcast(ctx context.Context, frame Frame) {
	s.connsMu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connsMu.RUnlock()

	for _, conn := range conns {
		sendCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		if err := conn.SendJSON(sendCtx, frame); err != nil {
			s.log.WithError(err).Debug("broadcast delivery failed")
		}
		cancel()
	}
}

// ConnectionCount returns the number of live websocket connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// Shutdown closes every live connection.
func (s *Server) Shutdown() {
	s.connsMu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.conns = make(map[string]*Conn)
	s.connsMu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// clientIP extracts the remote IP, honoring forwarding headers set by the
// edge proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
