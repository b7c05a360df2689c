package chat

import "time"

// Message persists individual conversation turns. Only chat messages are
// stored; transport envelopes (heartbeats, typing, presence) never reach
// the repository.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	Sender    string         `json:"sender"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
