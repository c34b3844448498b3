package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/livegate/livegate/backend/internal/gateway"
	"github.com/livegate/livegate/backend/internal/logger"
	"github.com/livegate/livegate/backend/internal/util"
)

// EventHandler processes one accepted event. The payload is the gateway's
// forwarded copy, already sanitized for chat events.
type EventHandler func(ctx context.Context, conn *Conn, payload []byte) error

// ValidationMiddleware wraps handshake acceptance and every inbound event
// handler with gateway calls. It fails closed: anything it cannot validate
// is rejected, and a handler fault never escapes past this boundary.
type ValidationMiddleware struct {
	gw  *gateway.Gateway
	log *logrus.Entry
}

// NewValidationMiddleware wires the middleware to an explicitly constructed
// gateway instance.
func NewValidationMiddleware(gw *gateway.Gateway) *ValidationMiddleware {
	return &ValidationMiddleware{gw: gw, log: logger.WithComponent("ws")}
}

// Admit runs handshake admission for a connection.
func (m *ValidationMiddleware) Admit(ctx context.Context, meta *gateway.Connection, closer gateway.CloseFunc) gateway.Decision {
	return m.gw.ValidateConnection(ctx, meta, closer)
}

// DisconnectHook returns a func guaranteed to run the gateway's
// disconnection handling exactly once, however many paths call it.
func (m *ValidationMiddleware) DisconnectHook(meta *gateway.Connection) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.gw.HandleDisconnection(meta)
		})
	}
}

// Dispatch validates one inbound frame and, if accepted, invokes its
// handler with the forwarded payload. Rejections produce a best-effort
// notice to the originating connection only.
func (m *ValidationMiddleware) Dispatch(ctx context.Context, conn *Conn, frame Frame, handlers map[string]EventHandler) {
	dec := m.gw.ValidateEvent(ctx, conn.Meta, frame.Event, frame.Payload)
	if !dec.Allowed {
		m.notify(ctx, conn, frame.Event, dec.Reason)
		return
	}

	// Chat cadence has its own, tighter budget on top of the event budget.
	if m.gw.IsChatEvent(frame.Event) && !m.gw.ValidateMessage(ctx, conn.Meta) {
		m.notify(ctx, conn, frame.Event, "message rate limit exceeded")
		return
	}

	handler, ok := handlers[frame.Event]
	if !ok {
		m.notify(ctx, conn, frame.Event, "event not supported")
		return
	}

	m.invoke(ctx, conn, frame.Event, handler, dec.Payload)
}

// invoke runs the handler behind a narrow fault boundary. A panic or error
// from a handler on accepted input is converted to a terse notice and
// reported as suspicious activity; nothing else is swallowed here.
func (m *ValidationMiddleware) invoke(ctx context.Context, conn *Conn, event string, handler EventHandler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.notify(ctx, conn, event, "internal error")
			m.gw.ReportSuspiciousActivity(conn.Meta,
				fmt.Sprintf("handler panic on event %s: %v", util.SanitizeForLog(event), r))
		}
	}()

	if err := handler(ctx, conn, payload); err != nil {
		m.notify(ctx, conn, event, "internal error")
		m.gw.ReportSuspiciousActivity(conn.Meta,
			"handler fault on event "+util.SanitizeForLog(event)+": "+err.Error())
	}
}

// notify sends a rejection notice to the originating connection only,
// never broadcast. Delivery is best-effort.
func (m *ValidationMiddleware) notify(ctx context.Context, conn *Conn, event, message string) {
	notice := Frame{Event: "error"}
	data, err := json.Marshal(ErrorNotice{Message: message, Event: event})
	if err != nil {
		return
	}
	notice.Payload = data
	if err := conn.SendJSON(ctx, notice); err != nil {
		m.log.WithError(err).Debug("rejection notice delivery failed")
	}
}
