package chat

import "time"

// SessionStatus tracks where a conversation is in its lifecycle.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted, StatusError:
		return true
	}
	return false
}

// CanTransitionTo encodes the allowed lifecycle moves: active and paused
// flip freely between each other, active may complete, and active or
// paused may fall into error. completed and error are terminal.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusActive:
		return next == StatusPaused || next == StatusCompleted || next == StatusError
	case StatusPaused:
		return next == StatusActive || next == StatusError
	}
	return false
}

// Session is a persisted conversation owned by a single user.
type Session struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId"`
	CharacterID    string         `json:"characterId,omitempty"`
	Title          string         `json:"title"`
	Status         SessionStatus  `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	MessageCount   int            `json:"messageCount"`
	TokenCount     int            `json:"tokenCount"`
	EstimatedCost  float64        `json:"estimatedCost"`
}
