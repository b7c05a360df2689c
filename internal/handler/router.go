package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	characterHandler "github.com/mivox/chatstream/internal/handler/character"
	sessionHandler "github.com/mivox/chatstream/internal/handler/session"
	socketHandler "github.com/mivox/chatstream/internal/handler/socket"
	statusHandler "github.com/mivox/chatstream/internal/handler/status"
	streamHandler "github.com/mivox/chatstream/internal/handler/stream"
	middlewarePkg "github.com/mivox/chatstream/internal/middleware"
	characterModel "github.com/mivox/chatstream/internal/model/character"
	"github.com/mivox/chatstream/internal/service/auth"
	"github.com/mivox/chatstream/internal/service/realtime"
	sessionService "github.com/mivox/chatstream/internal/service/session"
	"github.com/mivox/chatstream/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(
	verifier auth.Verifier,
	sessions *sessionService.Service,
	registry *realtime.Registry,
	gateway *realtime.Gateway,
	guard *realtime.Guard,
	characters characterModel.Store,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	sessionH := sessionHandler.New(sessions)
	streamH := streamHandler.New(verifier, registry, guard, sessions)
	socketH := socketHandler.New(verifier, gateway, guard)
	statusH := statusHandler.New(registry, gateway)
	characterH := characterHandler.New(characters)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		// Transports authenticate per handshake themselves; EventSource
		// clients cannot set an Authorization header.
		streamH.RegisterRoutes(api)
		socketH.RegisterRoutes(api)

		characterH.RegisterRoutes(api)
		statusH.RegisterRoutes(api)

		api.Group(func(authed chi.Router) {
			authed.Use(middlewarePkg.RequireAuth(verifier))
			sessionH.RegisterRoutes(authed)
			statusH.RegisterAuthedRoutes(authed)
		})
	})

	return r
}
