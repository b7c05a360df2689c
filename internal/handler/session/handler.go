package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mivox/chatstream/internal/middleware"
	"github.com/mivox/chatstream/internal/model/chat"
	sessionService "github.com/mivox/chatstream/internal/service/session"
	"github.com/mivox/chatstream/pkg/utils"
)

// Handler exposes the session REST surface.
type Handler struct {
	sessions *sessionService.Service
}

// New creates the session handler.
func New(sessions *sessionService.Service) *Handler {
	return &Handler{sessions: sessions}
}

// RegisterRoutes mounts the session routes; callers wrap them in auth.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreate)
	r.Get("/sessions", h.handleList)
	r.Get("/sessions/stats", h.handleStats)
	r.Post("/sessions/batch", h.handleBatchUpdate)
	r.Get("/sessions/{sessionID}", h.handleGet)
	r.Patch("/sessions/{sessionID}", h.handleUpdate)
	r.Delete("/sessions/{sessionID}", h.handleDelete)
	r.Get("/sessions/{sessionID}/messages", h.handleTranscript)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "missing principal")
		return
	}

	var payload struct {
		CharacterID string         `json:"characterId"`
		Title       string         `json:"title"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.sessions.Create(r.Context(), principal.UserID, payload.CharacterID, payload.Title, payload.Metadata)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())
	session, err := h.sessions.Get(r.Context(), principal.UserID, chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())

	var upd chat.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.sessions.Update(r.Context(), principal.UserID, chi.URLParam(r, "sessionID"), upd)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())
	if err := h.sessions.Delete(r.Context(), principal.UserID, chi.URLParam(r, "sessionID")); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())

	filter, err := parseFilter(r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := h.sessions.List(r.Context(), principal.UserID, filter)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, page)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())
	stats, err := h.sessions.Stats(r.Context(), principal.UserID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleBatchUpdate(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())

	var payload struct {
		IDs     []string    `json:"ids"`
		Updates chat.Update `json:"updates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(payload.IDs) == 0 {
		utils.RespondError(w, http.StatusBadRequest, "ids is required")
		return
	}

	result, err := h.sessions.BatchUpdate(r.Context(), principal.UserID, payload.IDs, payload.Updates)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	messages, err := h.sessions.Transcript(r.Context(), principal.UserID, chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func parseFilter(r *http.Request) (chat.Filter, error) {
	q := r.URL.Query()
	filter := chat.Filter{
		CharacterID: q.Get("characterId"),
		Search:      q.Get("search"),
		SortBy:      q.Get("sortBy"),
		SortOrder:   q.Get("sortOrder"),
	}

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := chat.SessionStatus(strings.TrimSpace(part))
			if !status.Valid() {
				return chat.Filter{}, errors.New("invalid status filter: " + string(status))
			}
			filter.Status = append(filter.Status, status)
		}
	}

	for key, dst := range map[string]*time.Time{
		"createdAfter":  &filter.CreatedAfter,
		"createdBefore": &filter.CreatedBefore,
	} {
		if raw := q.Get(key); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return chat.Filter{}, errors.New("invalid " + key + " timestamp")
			}
			*dst = parsed
		}
	}

	for key, dst := range map[string]*int{
		"limit":  &filter.Limit,
		"offset": &filter.Offset,
	} {
		if raw := q.Get(key); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				return chat.Filter{}, errors.New("invalid " + key)
			}
			*dst = parsed
		}
	}

	return filter, nil
}

// respondServiceError maps service errors onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, sessionService.ErrAccessDenied):
		utils.RespondError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, sessionService.ErrInvalidTransition),
		errors.Is(err, sessionService.ErrInvalidStatus),
		errors.Is(err, sessionService.ErrCharacterUnknown),
		errors.Is(err, sessionService.ErrUserRequired):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
