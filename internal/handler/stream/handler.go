package stream

import (
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/mivox/chatstream/internal/middleware"
	"github.com/mivox/chatstream/internal/model/chat"
	model "github.com/mivox/chatstream/internal/model/realtime"
	"github.com/mivox/chatstream/internal/service/auth"
	"github.com/mivox/chatstream/internal/service/realtime"
	sessionService "github.com/mivox/chatstream/internal/service/session"
	"github.com/mivox/chatstream/pkg/utils"
)

// Handler terminates the push transport: it authenticates the client,
// consults the connection guard, and hands a streaming HTTP sink to the
// connection registry.
type Handler struct {
	verifier auth.Verifier
	registry *realtime.Registry
	guard    *realtime.Guard
	sessions *sessionService.Service
}

// New creates the stream handler.
func New(verifier auth.Verifier, registry *realtime.Registry, guard *realtime.Guard, sessions *sessionService.Service) *Handler {
	return &Handler{verifier: verifier, registry: registry, guard: guard, sessions: sessions}
}

// RegisterRoutes mounts the push-transport endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream", h.handleStream)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	principal, err := h.verifier.Verify(r.Context(), middleware.BearerToken(r))
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "invalid or missing credential")
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID != "" {
		if _, err := h.sessions.Get(r.Context(), principal.UserID, sessionID); err != nil {
			switch {
			case errors.Is(err, chat.ErrSessionNotFound):
				utils.RespondError(w, http.StatusNotFound, "session not found")
			case errors.Is(err, sessionService.ErrAccessDenied):
				utils.RespondError(w, http.StatusForbidden, "access denied")
			default:
				utils.RespondError(w, http.StatusInternalServerError, "session lookup failed")
			}
			return
		}
	}

	if rej := h.guard.CheckConnection(principal.UserID); rej != nil {
		utils.RespondRejection(w, rej.Status, rej.Code, rej.Reason)
		return
	}

	utils.SetupSSEHeaders(w)
	flusher.Flush()

	sink := newSSESink(w, flusher)
	if _, err := h.registry.CreateConnection(principal.UserID, sink, sessionID, map[string]string{
		"remoteAddr": r.RemoteAddr,
	}); err != nil {
		// The response is already committed as a stream, so the failure
		// goes out as an error frame rather than an HTTP status.
		if frame, encErr := model.NewEnvelope(model.EnvelopeError, map[string]any{
			"reason": "failed to register connection",
		}).EncodeFrame(); encErr == nil {
			_ = sink.Write(frame)
		}
		return
	}

	// Block until the client goes away or the registry ends the sink.
	select {
	case <-r.Context().Done():
		sink.transportClosed()
	case <-sink.done:
	}
}

var errSinkClosed = errors.New("sse sink closed")

// sseSink adapts a streaming HTTP response to the transport Sink
// contract. Writes are serialized; Close is idempotent.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
	done    chan struct{}
	onClose func()
}

func newSSESink(w http.ResponseWriter, flusher http.Flusher) *sseSink {
	return &sseSink{w: w, flusher: flusher, done: make(chan struct{})}
}

func (s *sseSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func (s *sseSink) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// transportClosed reports a client-side disconnect to the sink's owner.
func (s *sseSink) transportClosed() {
	s.mu.Lock()
	fn := s.onClose
	alreadyClosed := s.closed
	if !alreadyClosed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()

	if !alreadyClosed && fn != nil {
		fn()
	}
}
