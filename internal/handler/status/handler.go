package status

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mivox/chatstream/internal/middleware"
	"github.com/mivox/chatstream/internal/service/realtime"
	"github.com/mivox/chatstream/pkg/utils"
)

// Handler exposes read-only realtime counters plus per-connection
// operations for ops tooling.
type Handler struct {
	registry *realtime.Registry
	gateway  *realtime.Gateway
}

// New creates the status handler.
func New(registry *realtime.Registry, gateway *realtime.Gateway) *Handler {
	return &Handler{registry: registry, gateway: gateway}
}

// RegisterRoutes mounts the ops routes; the connection mutations are
// expected to sit behind auth.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/realtime/stats", h.handleStats)
}

// RegisterAuthedRoutes mounts the routes that act on the caller's own
// connections.
func (h *Handler) RegisterAuthedRoutes(r chi.Router) {
	r.Get("/realtime/connections", h.handleConnections)
	r.Post("/realtime/connections/{connectionID}/interrupt", h.handleInterrupt)
	r.Delete("/realtime/connections/{connectionID}", h.handleClose)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"push":   h.registry.Stats(),
		"socket": h.gateway.Stats(),
	})
}

func (h *Handler) handleConnections(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"connections": h.registry.GetUserConnections(principal.UserID),
	})
}

func (h *Handler) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())
	connID := chi.URLParam(r, "connectionID")

	conn, ok := h.registry.GetConnection(connID)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "connection not found")
		return
	}
	if conn.UserID != principal.UserID {
		utils.RespondError(w, http.StatusForbidden, "access denied")
		return
	}

	var payload struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	if payload.Reason == "" {
		payload.Reason = "interrupted"
	}

	if !h.registry.InterruptStreaming(connID, payload.Reason) {
		utils.RespondError(w, http.StatusNotFound, "connection not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFrom(r.Context())
	connID := chi.URLParam(r, "connectionID")

	conn, ok := h.registry.GetConnection(connID)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "connection not found")
		return
	}
	if conn.UserID != principal.UserID {
		utils.RespondError(w, http.StatusForbidden, "access denied")
		return
	}

	if !h.registry.CloseConnection(connID) {
		utils.RespondError(w, http.StatusNotFound, "connection not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
