// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the coordinator. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinQueue      = "join_queue"
	TypeJoinSession    = "join_session"
	TypeSendMessage    = "send_message"
	TypeTyping         = "typing"
	TypeNewIcebreakers = "request_new_icebreakers"
	TypeLeaveSession   = "leave_session"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeSearching            = "searching"
	TypeMatchFound           = "match_found"
	TypeNewMessage           = "new_message"
	TypeStrangerTyping       = "stranger_typing"
	TypeStrangerReconnected  = "stranger_reconnected"
	TypeStrangerLeft         = "stranger_left"
	TypeStrangerDisconnected = "stranger_disconnected"
	TypeIcebreakersUpdated   = "new_icebreakers"
	TypeSessionLeft          = "session_left"
	TypeError                = "error"
	TypePong                 = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinQueueMsg is sent by the client to enter the waiting pool. The user id
// must resolve through the preference lookup.
type JoinQueueMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// JoinSessionMsg binds the sending endpoint to an existing session's room.
type JoinSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SendMessageMsg is a chat message sent by the client within a session.
type SendMessageMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	IsTyping  bool   `json:"isTyping"`
}

// NewIcebreakersMsg asks the coordinator to regenerate icebreakers from the
// recent conversation.
type NewIcebreakersMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// LeaveSessionMsg is sent by the client to leave (skip) the current session.
// It carries no payload beyond the type.
type LeaveSessionMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SearchingMsg carries the queue-position snapshot sent periodically while a
// user waits in the pool.
type SearchingMsg struct {
	Type         string `json:"type"`
	Position     int    `json:"position"`
	TotalInQueue int    `json:"totalInQueue"`
	Male         int    `json:"male"`
	Female       int    `json:"female"`
	Other        int    `json:"other"`
}

// MessageData is the wire form of one persisted chat message. It appears both
// in new_message events and in the history replayed on reconnection.
type MessageData struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	SenderID  string `json:"senderId"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// MatchFoundMsg is sent when a session is created for the user, or when the
// user reconnects to a live session. Messages is only populated on
// reconnection.
type MatchFoundMsg struct {
	Type        string        `json:"type"`
	SessionID   string        `json:"sessionId"`
	Icebreakers []string      `json:"icebreakers"`
	Messages    []MessageData `json:"messages,omitempty"`
}

// StrangerTypingMsg relays the peer's typing indicator.
type StrangerTypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"isTyping"`
}

// StrangerReconnectedMsg tells the peer that the other participant came back
// with a new endpoint.
type StrangerReconnectedMsg struct {
	Type string `json:"type"`
}

// StrangerLeftMsg tells the peer that the other participant skipped the
// session. The session is torn down immediately after.
type StrangerLeftMsg struct {
	Type string `json:"type"`
}

// StrangerDisconnectedMsg tells the peer that the other participant's
// connection dropped. The session stays alive for a possible reconnect.
type StrangerDisconnectedMsg struct {
	Type string `json:"type"`
}

// IcebreakersUpdatedMsg broadcasts a refreshed icebreaker list to a session.
type IcebreakersUpdatedMsg struct {
	Type        string   `json:"type"`
	Icebreakers []string `json:"icebreakers"`
}

// SessionLeftMsg confirms to the leaver that their session was torn down.
type SessionLeftMsg struct {
	Type string `json:"type"`
}

// ErrorMsg is sent by the coordinator to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinQueue:
		var m JoinQueueMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinSession:
		var m JoinSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewIcebreakers:
		var m NewIcebreakersMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveSession:
		var m LeaveSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
