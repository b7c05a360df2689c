package chat

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageInvalid  = errors.New("message is missing a session id")
)

// Filter narrows and orders a session listing. Limit of zero applies
// the default page size; a negative Limit returns everything.
type Filter struct {
	UserID        string
	CharacterID   string
	Status        []SessionStatus
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Search        string
	Limit         int
	Offset        int
	SortBy        string
	SortOrder     string
}

// Sort fields accepted by Filter.SortBy.
const (
	SortByCreatedAt      = "createdAt"
	SortByUpdatedAt      = "updatedAt"
	SortByLastActivityAt = "lastActivityAt"
	SortByMessageCount   = "messageCount"
)

// Page is one slice of a filtered session listing.
type Page struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"hasMore"`
}

// Update carries the mutable session fields; nil pointers leave the
// field untouched.
type Update struct {
	Title    *string        `json:"title,omitempty"`
	Status   *SessionStatus `json:"status,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Stats aggregates session counters, optionally scoped to one user.
type Stats struct {
	Total              int                   `json:"total"`
	ByStatus           map[SessionStatus]int `json:"byStatus"`
	TotalMessages      int                   `json:"totalMessages"`
	TotalTokens        int                   `json:"totalTokens"`
	TotalCost          float64               `json:"totalCost"`
	AvgMessages        float64               `json:"avgMessages"`
	AvgTokens          float64               `json:"avgTokens"`
	AvgDurationSeconds float64               `json:"avgDurationSeconds"`
}

// Repository is the persistence collaborator behind the session service.
// IncrementCounters must be atomic with respect to concurrent callers so
// bursty counter updates never lose deltas.
type Repository interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	PutSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, f Filter) (Page, error)
	IncrementCounters(ctx context.Context, id string, messages, tokens int, cost float64) (Session, error)

	SaveMessage(ctx context.Context, m Message) (Message, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
}
