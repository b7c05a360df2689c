package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	middlewarePkg "github.com/mivox/chatstream/internal/middleware"
	"github.com/mivox/chatstream/internal/model/character"
	"github.com/mivox/chatstream/internal/model/chat"
	"github.com/mivox/chatstream/internal/service/auth"
	sessionService "github.com/mivox/chatstream/internal/service/session"
)

type fixture struct {
	router   http.Handler
	verifier *auth.JWTVerifier
	sessions *sessionService.Service
	repo     *chat.MemoryRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := chat.NewMemoryRepository()
	sessions := sessionService.New(repo, character.NewMemoryStore(character.Seed()))
	verifier := auth.NewJWTVerifier("test-secret")

	r := chi.NewRouter()
	r.Group(func(authed chi.Router) {
		authed.Use(middlewarePkg.RequireAuth(verifier))
		New(sessions).RegisterRoutes(authed)
	})

	return &fixture{router: r, verifier: verifier, sessions: sessions, repo: repo}
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.verifier.Issue(userID, time.Hour)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f *fixture) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, userID))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) chat.Session {
	t.Helper()
	var sess chat.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}
	return sess
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/sessions", "user-1", map[string]any{
		"characterId": "sage",
		"title":       "Morning chat",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	sess := decodeSession(t, rec)
	if sess.UserID != "user-1" || sess.CharacterID != "sage" || sess.Title != "Morning chat" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.Status != chat.StatusActive {
		t.Fatalf("expected active status, got %s", sess.Status)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/sessions", "user-1", map[string]any{
		"characterId": "no-such-character",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRequiresAuthentication(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/sessions", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGetSessionOwnership(t *testing.T) {
	f := newFixture(t)
	sess, err := f.sessions.Create(context.Background(), "owner", "", "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec := f.do(t, http.MethodGet, "/sessions/"+sess.ID, "owner", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/sessions/"+sess.ID, "intruder", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/sessions/missing", "owner", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUpdateSession(t *testing.T) {
	f := newFixture(t)
	sess, _ := f.sessions.Create(context.Background(), "user-1", "", "", nil)

	rec := f.do(t, http.MethodPatch, "/sessions/"+sess.ID, "user-1", map[string]any{
		"title":  "Renamed",
		"status": "paused",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeSession(t, rec)
	if updated.Title != "Renamed" || updated.Status != chat.StatusPaused {
		t.Fatalf("unexpected session: %+v", updated)
	}

	// paused -> completed is not a legal move.
	rec = f.do(t, http.MethodPatch, "/sessions/"+sess.ID, "user-1", map[string]any{
		"status": "completed",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid transition, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPatch, "/sessions/"+sess.ID, "user-1", map[string]any{
		"status": "bogus",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t)
	sess, _ := f.sessions.Create(context.Background(), "user-1", "", "", nil)

	if rec := f.do(t, http.MethodDelete, "/sessions/"+sess.ID, "user-1", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/sessions/"+sess.ID, "user-1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sessions.Create(ctx, "user-1", "", "Trip planning", nil)
	second, _ := f.sessions.Create(ctx, "user-1", "", "Recipes", nil)
	f.sessions.Create(ctx, "user-2", "", "Not mine", nil)
	f.sessions.Update(ctx, "user-1", second.ID, chat.Update{Status: statusPtrFor(chat.StatusPaused)})

	rec := f.do(t, http.MethodGet, "/sessions", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page chat.Page
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("failed to decode page: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("expected 2 sessions, got %d", page.Total)
	}

	rec = f.do(t, http.MethodGet, "/sessions?status=paused", "user-1", nil)
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 || page.Sessions[0].Title != "Recipes" {
		t.Fatalf("unexpected filtered page: %+v", page)
	}

	rec = f.do(t, http.MethodGet, "/sessions?search=trip", "user-1", nil)
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 || page.Sessions[0].Title != "Trip planning" {
		t.Fatalf("unexpected search page: %+v", page)
	}

	if rec := f.do(t, http.MethodGet, "/sessions?status=bogus", "user-1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid status, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/sessions?limit=abc", "user-1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid limit, got %d", rec.Code)
	}
}

func TestStatsRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, _ := f.sessions.Create(ctx, "user-1", "", "", nil)
	f.sessions.IncrementCounters(ctx, sess.ID, 3, 30, 0)

	// /sessions/stats must not be swallowed by the {sessionID} route.
	rec := f.do(t, http.MethodGet, "/sessions/stats", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var stats chat.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.Total != 1 || stats.TotalMessages != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestBatchUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine, _ := f.sessions.Create(ctx, "user-1", "", "", nil)
	theirs, _ := f.sessions.Create(ctx, "user-2", "", "", nil)

	rec := f.do(t, http.MethodPost, "/sessions/batch", "user-1", map[string]any{
		"ids":     []string{mine.ID, theirs.ID},
		"updates": map[string]any{"status": "paused"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result sessionService.BatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if len(result.Updated) != 1 || result.Updated[0] != mine.ID {
		t.Fatalf("unexpected updated set: %v", result.Updated)
	}
	if len(result.Failed) != 1 {
		t.Fatalf("expected 1 failure, got %v", result.Failed)
	}

	rec = f.do(t, http.MethodPost, "/sessions/batch", "user-1", map[string]any{"ids": []string{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty ids, got %d", rec.Code)
	}
}

func TestTranscriptRoute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, _ := f.sessions.Create(ctx, "user-1", "", "", nil)
	for i := 0; i < 3; i++ {
		f.repo.SaveMessage(ctx, chat.Message{SessionID: sess.ID, UserID: "user-1", Sender: "user", Content: fmt.Sprintf("msg-%d", i)})
	}

	rec := f.do(t, http.MethodGet, "/sessions/"+sess.ID+"/messages?limit=2", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode transcript: %v", err)
	}
	if len(payload.Messages) != 2 || payload.Messages[1].Content != "msg-2" {
		t.Fatalf("unexpected transcript: %+v", payload.Messages)
	}

	if rec := f.do(t, http.MethodGet, "/sessions/"+sess.ID+"/messages", "intruder", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func statusPtrFor(s chat.SessionStatus) *chat.SessionStatus {
	return &s
}
