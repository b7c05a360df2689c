package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeType classifies frames on the push (SSE) transport.
type EnvelopeType string

const (
	EnvelopeData      EnvelopeType = "data"
	EnvelopeHeartbeat EnvelopeType = "heartbeat"
	EnvelopeError     EnvelopeType = "error"
	EnvelopeComplete  EnvelopeType = "complete"
)

// Envelope is the typed, timestamped wrapper for every push-transport
// frame. Envelopes are ephemeral; they are never persisted.
type Envelope struct {
	ID        string       `json:"id"`
	Type      EnvelopeType `json:"type"`
	Data      any          `json:"data,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// NewEnvelope stamps a fresh envelope with an id and the current time.
func NewEnvelope(kind EnvelopeType, data any) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      kind,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// EncodeFrame renders the envelope as one SSE frame:
// "id: <id>\ndata: <json>\n\n".
func (e Envelope) EncodeFrame() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return []byte(fmt.Sprintf("id: %s\ndata: %s\n\n", e.ID, body)), nil
}

// Socket-transport event names, client to server.
const (
	ClientJoinSession  = "joinSession"
	ClientLeaveSession = "leaveSession"
	ClientChatMessage  = "chatMessage"
	ClientTyping       = "typing"
	ClientStatusUpdate = "statusUpdate"
	ClientPing         = "ping"
)

// Socket-transport event names, server to client.
const (
	EventConnected        = "connected"
	EventSessionJoined    = "sessionJoined"
	EventSessionLeft      = "sessionLeft"
	EventUserJoined       = "userJoined"
	EventUserLeft         = "userLeft"
	EventChatMessage      = "chatMessage"
	EventUserTyping       = "userTyping"
	EventStatusUpdate     = "statusUpdate"
	EventPong             = "pong"
	EventError            = "error"
	EventForceDisconnect  = "forceDisconnect"
	EventServerShutdown   = "serverShutdown"
	EventSSEBridgeMessage = "sseBridgeMessage"
)

// ClientMessage is one decoded frame from a socket client.
type ClientMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ServerMessage is one frame pushed to a socket client.
type ServerMessage struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewServerMessage stamps a server-to-client socket frame.
func NewServerMessage(kind, sessionID string, data any) ServerMessage {
	return ServerMessage{
		ID:        uuid.NewString(),
		Type:      kind,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Encode renders the server message as JSON.
func (m ServerMessage) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal server message: %w", err)
	}
	return body, nil
}
