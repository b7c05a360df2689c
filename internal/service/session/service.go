package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mivox/chatstream/internal/model/character"
	"github.com/mivox/chatstream/internal/model/chat"
	model "github.com/mivox/chatstream/internal/model/realtime"
)

var (
	ErrUserRequired      = errors.New("user id is required")
	ErrAccessDenied      = errors.New("access denied")
	ErrInvalidStatus     = errors.New("unknown session status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCharacterUnknown  = errors.New("character not found")
)

// RoomNotifier pushes a session-scoped event to whichever transport
// holds a room for the session.
type RoomNotifier interface {
	NotifySession(sessionID, event string, payload any) int
}

// ConnectionCloser force-closes every connection bound to a session;
// consulted when the session is deleted.
type ConnectionCloser interface {
	CloseSessionConnections(sessionID string) int
}

// Service implements session CRUD, filtered queries, counter increments
// and aggregation over a persistence collaborator. Persistence failures
// surface to the immediate caller; they never corrupt transport state.
type Service struct {
	repo       chat.Repository
	characters character.Store

	notifiers []RoomNotifier
	closers   []ConnectionCloser
}

// New builds the session service on top of a repository.
func New(repo chat.Repository, characters character.Store) *Service {
	return &Service{repo: repo, characters: characters}
}

// AttachNotifier registers a transport to receive room notifications.
// Call during wiring, before traffic starts.
func (s *Service) AttachNotifier(n RoomNotifier) {
	s.notifiers = append(s.notifiers, n)
}

// AttachCloser registers a transport for delete cascades. Call during
// wiring, before traffic starts.
func (s *Service) AttachCloser(c ConnectionCloser) {
	s.closers = append(s.closers, c)
}

// Create provisions a new active session for the user.
func (s *Service) Create(ctx context.Context, userID, characterID, title string, metadata map[string]any) (chat.Session, error) {
	if userID == "" {
		return chat.Session{}, ErrUserRequired
	}
	if characterID != "" && s.characters != nil {
		if _, ok := s.characters.FindByID(characterID); !ok {
			return chat.Session{}, ErrCharacterUnknown
		}
	}
	if title == "" {
		title = "New Chat"
	}

	now := time.Now().UTC()
	session := chat.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		CharacterID:    characterID,
		Title:          title,
		Status:         chat.StatusActive,
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return chat.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// Get retrieves a session, enforcing ownership.
func (s *Service) Get(ctx context.Context, requesterID, id string) (chat.Session, error) {
	session, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return chat.Session{}, err
	}
	if session.UserID != requesterID {
		return chat.Session{}, ErrAccessDenied
	}
	return session, nil
}

// Update applies title/status/metadata changes, validating lifecycle
// transitions, and notifies the session's room.
func (s *Service) Update(ctx context.Context, requesterID, id string, upd chat.Update) (chat.Session, error) {
	session, err := s.Get(ctx, requesterID, id)
	if err != nil {
		return chat.Session{}, err
	}

	session, err = applyUpdate(session, upd)
	if err != nil {
		return chat.Session{}, err
	}

	if err := s.repo.PutSession(ctx, session); err != nil {
		return chat.Session{}, fmt.Errorf("update session: %w", err)
	}

	s.notifyRoom(session)
	return session, nil
}

// Delete removes the session after force-closing every connection still
// bound to it on either transport.
func (s *Service) Delete(ctx context.Context, requesterID, id string) error {
	if _, err := s.Get(ctx, requesterID, id); err != nil {
		return err
	}

	closed := 0
	for _, c := range s.closers {
		closed += c.CloseSessionConnections(id)
	}
	if closed > 0 {
		log.Printf("[session] delete of %s force-closed %d connections", id, closed)
	}

	return s.repo.DeleteSession(ctx, id)
}

// List returns the requester's sessions matching the filter.
func (s *Service) List(ctx context.Context, requesterID string, f chat.Filter) (chat.Page, error) {
	if requesterID == "" {
		return chat.Page{}, ErrUserRequired
	}
	f.UserID = requesterID
	return s.repo.ListSessions(ctx, f)
}

// IncrementCounters forwards counter deltas to the repository's atomic
// increment; concurrent bursts are serialized there, never read back
// and rewritten here.
func (s *Service) IncrementCounters(ctx context.Context, id string, messages, tokens int, cost float64) (chat.Session, error) {
	return s.repo.IncrementCounters(ctx, id, messages, tokens, cost)
}

// Stats aggregates counts by status plus counter sums and averages.
// When userID is empty the aggregation spans all sessions.
func (s *Service) Stats(ctx context.Context, userID string) (chat.Stats, error) {
	page, err := s.repo.ListSessions(ctx, chat.Filter{UserID: userID, Limit: -1})
	if err != nil {
		return chat.Stats{}, err
	}

	stats := chat.Stats{ByStatus: make(map[chat.SessionStatus]int)}
	var completedDuration time.Duration
	completed := 0

	for _, sess := range page.Sessions {
		stats.Total++
		stats.ByStatus[sess.Status]++
		stats.TotalMessages += sess.MessageCount
		stats.TotalTokens += sess.TokenCount
		stats.TotalCost += sess.EstimatedCost
		if sess.Status == chat.StatusCompleted {
			completed++
			completedDuration += sess.UpdatedAt.Sub(sess.CreatedAt)
		}
	}

	if stats.Total > 0 {
		stats.AvgMessages = float64(stats.TotalMessages) / float64(stats.Total)
		stats.AvgTokens = float64(stats.TotalTokens) / float64(stats.Total)
	}
	if completed > 0 {
		stats.AvgDurationSeconds = completedDuration.Seconds() / float64(completed)
	}
	return stats, nil
}

// BatchResult reports the outcome of a batch update per session id.
type BatchResult struct {
	Updated []string          `json:"updated"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// BatchUpdate applies one update to many sessions; each affected room
// is notified, and per-id failures never abort the batch.
func (s *Service) BatchUpdate(ctx context.Context, requesterID string, ids []string, upd chat.Update) (BatchResult, error) {
	if requesterID == "" {
		return BatchResult{}, ErrUserRequired
	}

	result := BatchResult{Updated: make([]string, 0, len(ids)), Failed: make(map[string]string)}
	for _, id := range ids {
		if _, err := s.Update(ctx, requesterID, id, upd); err != nil {
			result.Failed[id] = err.Error()
			continue
		}
		result.Updated = append(result.Updated, id)
	}
	return result, nil
}

// Transcript returns the stored messages for an owned session, oldest
// first; limit <= 0 returns the full history.
func (s *Service) Transcript(ctx context.Context, requesterID, id string, limit int) ([]chat.Message, error) {
	if _, err := s.Get(ctx, requesterID, id); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, id, limit)
}

func (s *Service) notifyRoom(session chat.Session) {
	payload := map[string]any{
		"sessionId": session.ID,
		"status":    session.Status,
		"title":     session.Title,
		"updatedAt": session.UpdatedAt,
	}
	for _, n := range s.notifiers {
		n.NotifySession(session.ID, model.EventStatusUpdate, payload)
	}
}

func applyUpdate(session chat.Session, upd chat.Update) (chat.Session, error) {
	if upd.Status != nil {
		next := *upd.Status
		if !next.Valid() {
			return chat.Session{}, ErrInvalidStatus
		}
		if !session.Status.CanTransitionTo(next) {
			return chat.Session{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, session.Status, next)
		}
		session.Status = next
	}
	if upd.Title != nil {
		session.Title = *upd.Title
	}
	if upd.Metadata != nil {
		// Merge into a fresh map: the current one is shared with the
		// repository's stored record and with earlier Get/List callers,
		// so writing through it would race with concurrent reads.
		merged := make(map[string]any, len(session.Metadata)+len(upd.Metadata))
		for k, v := range session.Metadata {
			merged[k] = v
		}
		for k, v := range upd.Metadata {
			merged[k] = v
		}
		session.Metadata = merged
	}
	session.UpdatedAt = time.Now().UTC()
	return session, nil
}
