package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mivox/chatstream/internal/model/character"
	"github.com/mivox/chatstream/internal/model/chat"
)

func newTestService() (*Service, *chat.MemoryRepository) {
	repo := chat.NewMemoryRepository()
	return New(repo, character.NewMemoryStore(character.Seed())), repo
}

func statusPtr(s chat.SessionStatus) *chat.SessionStatus {
	return &s
}

func stringPtr(s string) *string {
	return &s
}

func TestCreateDefaults(t *testing.T) {
	svc, _ := newTestService()

	sess, err := svc.Create(context.Background(), "user-1", "", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected an id to be assigned")
	}
	if sess.Title != "New Chat" {
		t.Fatalf("expected default title, got %q", sess.Title)
	}
	if sess.Status != chat.StatusActive {
		t.Fatalf("expected active status, got %s", sess.Status)
	}
	if sess.CreatedAt.IsZero() || sess.UpdatedAt.IsZero() || sess.LastActivityAt.IsZero() {
		t.Fatal("expected timestamps to be set")
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.Create(context.Background(), "", "", "", nil); !errors.Is(err, ErrUserRequired) {
		t.Fatalf("expected ErrUserRequired, got %v", err)
	}
	if _, err := svc.Create(context.Background(), "user-1", "no-such-character", "", nil); !errors.Is(err, ErrCharacterUnknown) {
		t.Fatalf("expected ErrCharacterUnknown, got %v", err)
	}
}

func TestGetEnforcesOwnership(t *testing.T) {
	svc, _ := newTestService()
	sess, _ := svc.Create(context.Background(), "user-1", "", "", nil)

	if _, err := svc.Get(context.Background(), "user-1", sess.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Get(context.Background(), "user-2", sess.ID); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if _, err := svc.Get(context.Background(), "user-1", "missing"); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "user-1", "", "", nil)

	// active -> paused -> active -> completed is legal.
	for _, next := range []chat.SessionStatus{chat.StatusPaused, chat.StatusActive, chat.StatusCompleted} {
		updated, err := svc.Update(ctx, "user-1", sess.ID, chat.Update{Status: statusPtr(next)})
		if err != nil {
			t.Fatalf("transition to %s failed: %v", next, err)
		}
		if updated.Status != next {
			t.Fatalf("expected status %s, got %s", next, updated.Status)
		}
	}

	// completed is terminal.
	if _, err := svc.Update(ctx, "user-1", sess.ID, chat.Update{Status: statusPtr(chat.StatusActive)}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := svc.Update(ctx, "user-1", sess.ID, chat.Update{Status: statusPtr("bogus")}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestUpdateTitleAndMetadata(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "user-1", "", "First", map[string]any{"pinned": true})

	updated, err := svc.Update(ctx, "user-1", sess.ID, chat.Update{
		Title:    stringPtr("Renamed"),
		Metadata: map[string]any{"topic": "travel"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Title != "Renamed" {
		t.Fatalf("expected renamed title, got %q", updated.Title)
	}
	// Metadata merges; existing keys survive.
	if updated.Metadata["pinned"] != true || updated.Metadata["topic"] != "travel" {
		t.Fatalf("unexpected metadata: %v", updated.Metadata)
	}
	if !updated.UpdatedAt.After(sess.UpdatedAt) && !updated.UpdatedAt.Equal(sess.UpdatedAt) {
		t.Fatal("expected UpdatedAt to advance")
	}
}

func TestUpdateMetadataLeavesSnapshotsUntouched(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "user-1", "", "", map[string]any{"seed": "v1"})

	before, err := svc.Get(ctx, "user-1", sess.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := svc.Update(ctx, "user-1", sess.ID, chat.Update{Metadata: map[string]any{"added": true}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := before.Metadata["added"]; ok {
		t.Fatal("expected the earlier snapshot's metadata to be unaffected")
	}
	after, _ := svc.Get(ctx, "user-1", sess.ID)
	if after.Metadata["seed"] != "v1" || after.Metadata["added"] != true {
		t.Fatalf("unexpected merged metadata: %v", after.Metadata)
	}
}

func TestConcurrentMetadataUpdateAndRead(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "user-1", "", "", map[string]any{"seed": "v1"})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := svc.Update(ctx, "user-1", sess.ID, chat.Update{Metadata: map[string]any{"counter": i}}); err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			got, err := svc.Get(ctx, "user-1", sess.ID)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			// Iterate the map the way a JSON encoder would; this must
			// never observe a concurrent write.
			for range got.Metadata {
			}
		}
	}()
	wg.Wait()
}

type countingCloser struct {
	sessionIDs []string
}

func (c *countingCloser) CloseSessionConnections(sessionID string) int {
	c.sessionIDs = append(c.sessionIDs, sessionID)
	return 1
}

func TestDeleteCascadesToClosers(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	first := &countingCloser{}
	second := &countingCloser{}
	svc.AttachCloser(first)
	svc.AttachCloser(second)

	sess, _ := svc.Create(ctx, "user-1", "", "", nil)
	if err := svc.Delete(ctx, "user-1", sess.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, closer := range []*countingCloser{first, second} {
		if len(closer.sessionIDs) != 1 || closer.sessionIDs[0] != sess.ID {
			t.Fatalf("expected closer to be invoked for %s, got %v", sess.ID, closer.sessionIDs)
		}
	}
	if _, err := repo.GetSession(ctx, sess.ID); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Fatalf("expected session gone, got %v", err)
	}

	// Ownership is enforced before any cascade runs.
	other, _ := svc.Create(ctx, "user-2", "", "", nil)
	if err := svc.Delete(ctx, "user-1", other.ID); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if len(first.sessionIDs) != 1 {
		t.Fatal("expected no cascade for a denied delete")
	}
}

type recordingNotifier struct {
	events []string
}

func (n *recordingNotifier) NotifySession(sessionID, event string, payload any) int {
	n.events = append(n.events, event)
	return 1
}

func TestUpdateNotifiesRoom(t *testing.T) {
	svc, _ := newTestService()
	notifier := &recordingNotifier{}
	svc.AttachNotifier(notifier)

	ctx := context.Background()
	sess, _ := svc.Create(ctx, "user-1", "", "", nil)
	if _, err := svc.Update(ctx, "user-1", sess.ID, chat.Update{Status: statusPtr(chat.StatusPaused)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notifier.events) != 1 || notifier.events[0] != "statusUpdate" {
		t.Fatalf("expected one statusUpdate notification, got %v", notifier.events)
	}
}

func TestListScopedToRequester(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	svc.Create(ctx, "user-1", "", "Mine", nil)
	svc.Create(ctx, "user-2", "", "Theirs", nil)

	// A filter naming another user is overridden by the requester.
	page, err := svc.List(ctx, "user-1", chat.Filter{UserID: "user-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected 1 session, got %d", page.Total)
	}
	if page.Sessions[0].Title != "Mine" {
		t.Fatalf("expected own session, got %q", page.Sessions[0].Title)
	}

	if _, err := svc.List(ctx, "", chat.Filter{}); !errors.Is(err, ErrUserRequired) {
		t.Fatalf("expected ErrUserRequired, got %v", err)
	}
}

func TestIncrementCountersConcurrent(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "user-1", "", "", nil)

	const workers = 20
	const perWorker = 25

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := svc.IncrementCounters(ctx, sess.ID, 1, 3, 0.01); err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := svc.Get(ctx, "user-1", sess.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.MessageCount != workers*perWorker {
		t.Fatalf("expected %d messages, got %d", workers*perWorker, got.MessageCount)
	}
	if got.TokenCount != workers*perWorker*3 {
		t.Fatalf("expected %d tokens, got %d", workers*perWorker*3, got.TokenCount)
	}
}

func TestStats(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	a, _ := svc.Create(ctx, "user-1", "", "", nil)
	b, _ := svc.Create(ctx, "user-1", "", "", nil)
	svc.Create(ctx, "user-2", "", "", nil)

	svc.IncrementCounters(ctx, a.ID, 4, 100, 0.5)
	svc.IncrementCounters(ctx, b.ID, 2, 50, 0.25)
	if _, err := svc.Update(ctx, "user-1", b.ID, chat.Update{Status: statusPtr(chat.StatusCompleted)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats, err := svc.Stats(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Total != 2 {
		t.Fatalf("expected 2 sessions, got %d", stats.Total)
	}
	if stats.ByStatus[chat.StatusActive] != 1 || stats.ByStatus[chat.StatusCompleted] != 1 {
		t.Fatalf("unexpected status breakdown: %v", stats.ByStatus)
	}
	if stats.TotalMessages != 6 {
		t.Fatalf("expected 6 messages, got %d", stats.TotalMessages)
	}
	if stats.AvgMessages != 3 {
		t.Fatalf("expected average of 3 messages, got %f", stats.AvgMessages)
	}
	if stats.TotalTokens != 150 {
		t.Fatalf("expected 150 tokens, got %d", stats.TotalTokens)
	}
}

func TestBatchUpdatePartialFailure(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	mine, _ := svc.Create(ctx, "user-1", "", "", nil)
	theirs, _ := svc.Create(ctx, "user-2", "", "", nil)

	result, err := svc.BatchUpdate(ctx, "user-1", []string{mine.ID, theirs.ID, "missing"}, chat.Update{Status: statusPtr(chat.StatusPaused)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Updated) != 1 || result.Updated[0] != mine.ID {
		t.Fatalf("expected only own session updated, got %v", result.Updated)
	}
	if len(result.Failed) != 2 {
		t.Fatalf("expected 2 failures, got %v", result.Failed)
	}

	got, _ := svc.Get(ctx, "user-1", mine.ID)
	if got.Status != chat.StatusPaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}
}

func TestTranscript(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	sess, _ := svc.Create(ctx, "user-1", "", "", nil)

	for _, content := range []string{"first", "second", "third"} {
		if _, err := repo.SaveMessage(ctx, chat.Message{SessionID: sess.ID, UserID: "user-1", Sender: "user", Content: content}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	messages, err := svc.Transcript(ctx, "user-1", sess.ID, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	// The most recent messages, oldest first.
	if messages[0].Content != "second" || messages[1].Content != "third" {
		t.Fatalf("unexpected transcript order: %v", messages)
	}

	if _, err := svc.Transcript(ctx, "user-2", sess.ID, 0); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}
