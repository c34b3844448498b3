package ws

import (
	"encoding/json"
)

// Frame is the wire envelope for every event on a live-event connection.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorNotice is sent back to the originating connection when an event is
// rejected or its handler faults. It is terse on purpose: internals stay
// internal.
type ErrorNotice struct {
	Message string `json:"message"`
	Event   string `json:"event"`
}
