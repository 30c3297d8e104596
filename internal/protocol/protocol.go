// Package protocol describes the realtime frames exchanged between the
// support client and the session store's websocket hub.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/psds-microservice/support-session/internal/model"
)

// Outbound (client to hub) events.
const (
	EventJoinRoom      = "join_room"
	EventLeaveRoom     = "leave_room"
	EventSendMessage   = "send_message"
	EventTypingStart   = "typing_start"
	EventTypingStop    = "typing_stop"
	EventStatusChanged = "status_changed"
	EventAutoClosed    = "session_auto_closed"
)

// Inbound (hub to client) events. status_changed and session_auto_closed
// travel both ways.
const (
	EventNewMessage        = "new_message"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventError             = "error"
)

// Frame is the wire envelope for every realtime event.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a frame.
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Frame{Event: event, Payload: raw}, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", f.Event)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", f.Event, err)
	}
	return nil
}

type RoomPayload struct {
	SessionID string `json:"session_id"`
}

type SendMessagePayload struct {
	SessionID   string             `json:"session_id"`
	Body        string             `json:"body"`
	Kind        model.MessageKind  `json:"kind"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	ClientID    string             `json:"client_id,omitempty"`
}

type NewMessagePayload struct {
	SessionID string        `json:"session_id"`
	Message   model.Message `json:"message"`
}

type TypingPayload struct {
	SessionID string `json:"session_id"`
	Who       string `json:"who,omitempty"`
}

type StatusChangedPayload struct {
	SessionID string              `json:"session_id"`
	Status    model.SessionStatus `json:"status"`
	Reason    model.CloseReason   `json:"reason,omitempty"`
}

type AutoClosedPayload struct {
	SessionID       string            `json:"session_id"`
	Reason          model.CloseReason `json:"reason"`
	InactiveMinutes int               `json:"inactive_minutes"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
