package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository implements Repository with in-process maps, suitable
// for a single-node deployment. All mutation happens under one write
// lock, which is what makes IncrementCounters atomic.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]Session
	messages map[string][]Message
}

// NewMemoryRepository bootstraps an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]Session),
		messages: make(map[string][]Message),
	}
}

// CreateSession stores a new session record.
func (r *MemoryRepository) CreateSession(_ context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	if _, ok := r.messages[s.ID]; !ok {
		r.messages[s.ID] = make([]Message, 0, 16)
	}
	return nil
}

// GetSession retrieves a session by identifier.
func (r *MemoryRepository) GetSession(_ context.Context, id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

// PutSession replaces an existing session record.
func (r *MemoryRepository) PutSession(_ context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}
	r.sessions[s.ID] = s
	return nil
}

// DeleteSession removes the session and its message history.
func (r *MemoryRepository) DeleteSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	delete(r.messages, id)
	return nil
}

// IncrementCounters applies counter deltas in a single step under the
// write lock; concurrent increments are serialized, never lost.
func (r *MemoryRepository) IncrementCounters(_ context.Context, id string, messages, tokens int, cost float64) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	s.MessageCount += messages
	s.TokenCount += tokens
	s.EstimatedCost += cost
	s.LastActivityAt = time.Now().UTC()
	r.sessions[id] = s
	return s, nil
}

// ListSessions applies the filter, sorts, and paginates.
func (r *MemoryRepository) ListSessions(_ context.Context, f Filter) (Page, error) {
	r.mu.RLock()
	matched := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if matches(s, f) {
			matched = append(matched, s)
		}
	}
	r.mu.RUnlock()

	sortSessions(matched, f.SortBy, f.SortOrder)

	total := len(matched)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	limit := f.Limit
	if limit == 0 {
		limit = 20
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	return Page{
		Sessions: matched[offset:end],
		Total:    total,
		HasMore:  end < total,
	}, nil
}

// SaveMessage appends a message to the session history.
func (r *MemoryRepository) SaveMessage(_ context.Context, m Message) (Message, error) {
	if m.SessionID == "" {
		return Message{}, ErrMessageInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[m.SessionID]; !ok {
		return Message{}, ErrSessionNotFound
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	r.messages[m.SessionID] = append(r.messages[m.SessionID], m)
	return m, nil
}

// ListMessages returns up to limit of the most recent messages, oldest
// first. limit <= 0 returns the full history.
func (r *MemoryRepository) ListMessages(_ context.Context, sessionID string, limit int) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	history, ok := r.messages[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	start := 0
	if limit > 0 && len(history) > limit {
		start = len(history) - limit
	}

	copied := make([]Message, len(history)-start)
	copy(copied, history[start:])
	return copied, nil
}

func matches(s Session, f Filter) bool {
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.CharacterID != "" && s.CharacterID != f.CharacterID {
		return false
	}
	if len(f.Status) > 0 {
		found := false
		for _, st := range f.Status {
			if s.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && !s.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !s.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(s.Title), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

func sortSessions(sessions []Session, sortBy, sortOrder string) {
	less := func(a, b Session) bool {
		switch sortBy {
		case SortByUpdatedAt:
			return a.UpdatedAt.Before(b.UpdatedAt)
		case SortByLastActivityAt:
			return a.LastActivityAt.Before(b.LastActivityAt)
		case SortByMessageCount:
			return a.MessageCount < b.MessageCount
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	asc := sortOrder == "asc"
	sort.SliceStable(sessions, func(i, j int) bool {
		if asc {
			return less(sessions[i], sessions[j])
		}
		return less(sessions[j], sessions[i])
	})
}
