package socket

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mivox/chatstream/internal/middleware"
	"github.com/mivox/chatstream/internal/model/chat"
	model "github.com/mivox/chatstream/internal/model/realtime"
	"github.com/mivox/chatstream/internal/service/auth"
	"github.com/mivox/chatstream/internal/service/realtime"
	sessionService "github.com/mivox/chatstream/internal/service/session"
	"github.com/mivox/chatstream/pkg/utils"
)

const (
	readLimit    = 64 * 1024
	readTimeout  = 120 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler terminates the socket transport: bearer auth at handshake,
// guard check, websocket upgrade, then a read loop that dispatches
// client events to the gateway.
type Handler struct {
	verifier auth.Verifier
	gateway  *realtime.Gateway
	guard    *realtime.Guard
	upgrader websocket.Upgrader
}

// New creates the socket handler.
func New(verifier auth.Verifier, gateway *realtime.Gateway, guard *realtime.Guard) *Handler {
	return &Handler{
		verifier: verifier,
		gateway:  gateway,
		guard:    guard,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the socket-transport endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleSocket)
}

func (h *Handler) handleSocket(w http.ResponseWriter, r *http.Request) {
	principal, err := h.verifier.Verify(r.Context(), middleware.BearerToken(r))
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "invalid or missing credential")
		return
	}

	if rej := h.guard.CheckConnection(principal.UserID); rej != nil {
		utils.RespondRejection(w, rej.Status, rej.Code, rej.Reason)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	sink := newWSSink(conn)
	connID, err := h.gateway.Connect(principal.UserID, sink, map[string]string{
		"remoteAddr": r.RemoteAddr,
	})
	if err != nil {
		log.Printf("[ws] connect failed: %v", err)
		_ = conn.Close()
		return
	}

	h.readLoop(r, conn, sink, connID)
}

func (h *Handler) readLoop(r *http.Request, conn *websocket.Conn, sink *wsSink, connID string) {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[ws] read on %s ended: %v", connID, err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg model.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.gateway.SendError(connID, "validation", "malformed message")
			continue
		}
		h.dispatch(r, connID, msg)
	}

	sink.transportClosed()
}

func (h *Handler) dispatch(r *http.Request, connID string, msg model.ClientMessage) {
	ctx := r.Context()

	switch msg.Type {
	case model.ClientJoinSession:
		h.report(connID, h.gateway.JoinSession(ctx, connID, msg.SessionID))

	case model.ClientLeaveSession:
		h.report(connID, h.gateway.LeaveSession(ctx, connID, msg.SessionID))

	case model.ClientChatMessage:
		var payload struct {
			Text     string         `json:"text"`
			Metadata map[string]any `json:"metadata"`
		}
		if msg.Data != nil {
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				h.gateway.SendError(connID, "validation", "malformed chat payload")
				return
			}
		}
		h.report(connID, h.gateway.ChatMessage(ctx, connID, msg.SessionID, payload.Text, payload.Metadata))

	case model.ClientTyping:
		var payload struct {
			IsTyping bool `json:"isTyping"`
		}
		if msg.Data != nil {
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				h.gateway.SendError(connID, "validation", "malformed typing payload")
				return
			}
		}
		h.report(connID, h.gateway.Typing(connID, msg.SessionID, payload.IsTyping))

	case model.ClientStatusUpdate:
		var payload struct {
			Status   string         `json:"status"`
			Metadata map[string]any `json:"metadata"`
		}
		if msg.Data != nil {
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				h.gateway.SendError(connID, "validation", "malformed status payload")
				return
			}
		}
		h.report(connID, h.gateway.StatusUpdate(connID, payload.Status, payload.Metadata))

	case model.ClientPing:
		h.report(connID, h.gateway.Ping(connID))

	default:
		h.gateway.SendError(connID, "validation", "unknown message type: "+msg.Type)
	}
}

// report translates gateway errors into error events on the connection.
func (h *Handler) report(connID string, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, realtime.ErrRateLimited):
		h.gateway.SendError(connID, "rate_limit", err.Error())
	case errors.Is(err, sessionService.ErrAccessDenied):
		h.gateway.SendError(connID, "access_denied", "session belongs to another user")
	case errors.Is(err, chat.ErrSessionNotFound):
		h.gateway.SendError(connID, "not_found", "session not found")
	case errors.Is(err, realtime.ErrNotInSession),
		errors.Is(err, realtime.ErrMessageEmpty):
		h.gateway.SendError(connID, "validation", err.Error())
	case errors.Is(err, realtime.ErrConnectionNotFound):
		// connection already torn down, nothing to report to
	default:
		h.gateway.SendError(connID, "system", "internal error")
	}
}

var errWSSinkClosed = errors.New("websocket sink closed")

// wsSink adapts a gorilla websocket connection to the transport Sink
// contract. gorilla permits one concurrent writer, so Write serializes.
type wsSink struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	onClose func()
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

func (s *wsSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errWSSinkClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, p)
}

func (s *wsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func (s *wsSink) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// transportClosed reports that the read loop ended, whatever the cause.
func (s *wsSink) transportClosed() {
	s.mu.Lock()
	fn := s.onClose
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	_ = s.conn.Close()
	if !alreadyClosed && fn != nil {
		fn()
	}
}
