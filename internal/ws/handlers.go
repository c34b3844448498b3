package ws

import (
	"context"
	"encoding/json"
)

// RegisterLiveEventHandlers installs the built-in handlers for the
// live-event channel. Chat persistence and video transport live in other
// services; these handlers only relay within the channel.
func RegisterLiveEventHandlers(s *Server) {
	s.Handle("ping", func(ctx context.Context, conn *Conn, _ []byte) error {
		return conn.SendJSON(ctx, Frame{Event: "pong"})
	})

	s.Handle("session:info", func(ctx context.Context, conn *Conn, _ []byte) error {
		payload, err := json.Marshal(map[string]any{
			"connection_id": conn.Meta.ID,
			"role":          conn.Meta.Role,
			"viewers":       s.ConnectionCount(),
		})
		if err != nil {
			return err
		}
		return conn.SendJSON(ctx, Frame{Event: "session:info", Payload: payload})
	})

	relay := func(event string) EventHandler {
		return func(ctx context.Context, conn *Conn, payload []byte) error {
			data := json.RawMessage(payload)
			if len(data) == 0 {
				data = json.RawMessage("null")
			}
			out, err := json.Marshal(map[string]any{
				"from":    conn.Meta.Username,
				"user_id": conn.Meta.UserID,
				"data":    data,
			})
			if err != nil {
				return err
			}
			s.Broadcast(ctx, Frame{Event: event, Payload: out})
			return nil
		}
	}

	// The payload reaching these handlers is the gateway's forwarded copy;
	// chat text is already sanitized.
	s.Handle("chat:message", relay("chat:message"))
	s.Handle("chat:typing", relay("chat:typing"))
	s.Handle("reaction:send", relay("reaction:send"))
	s.Handle("control:report", func(ctx context.Context, conn *Conn, payload []byte) error {
		// Reports go to moderators out of band; acknowledge receipt only.
		return conn.SendJSON(ctx, Frame{Event: "control:report:ack"})
	})
}
