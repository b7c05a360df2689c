package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mivox/chatstream/internal/config"
	"github.com/mivox/chatstream/internal/handler"
	"github.com/mivox/chatstream/internal/model/character"
	"github.com/mivox/chatstream/internal/model/chat"
	"github.com/mivox/chatstream/internal/service/ai"
	"github.com/mivox/chatstream/internal/service/auth"
	"github.com/mivox/chatstream/internal/service/realtime"
	"github.com/mivox/chatstream/internal/service/session"
)

// devJWTSecret keeps local development working without configuration;
// production deployments must set JWT_SECRET.
const devJWTSecret = "chatstream-dev-secret"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	secret := cfg.Auth.JWTSecret
	if !cfg.Auth.Configured() {
		log.Println("warning: JWT_SECRET not set, using the development secret")
		secret = devJWTSecret
	}
	verifier := auth.NewJWTVerifier(secret)

	repo := chat.NewMemoryRepository()
	characters := character.NewMemoryStore(character.Seed())
	sessions := session.New(repo, characters)

	registry := realtime.NewRegistry(realtime.RegistryConfig{
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		ConnectionTimeout: cfg.Realtime.ConnectionTimeout,
		CleanupInterval:   cfg.Realtime.CleanupInterval,
	})

	guard := realtime.NewGuard(realtime.GuardConfig{
		MaxConnectionsPerUser: cfg.Realtime.MaxConnectionsPerUser,
		MaxMessagesPerMinute:  cfg.Realtime.MaxMessagesPerMinute,
	}, registry)

	// The AI producer is optional; without credentials chat still relays
	// between humans, there is just no assistant reply.
	var producer realtime.CompletionProducer
	if cfg.AI.Enabled() {
		aiSvc, err := ai.NewService(ctx, characters, repo, registry, sessions, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI replies - check the Ark credentials")
		} else {
			producer = aiSvc
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("Ark credentials not configured, skipping AI initialization")
	}

	gateway := realtime.NewGateway(sessions, repo, guard, producer)
	guard.AddCounter(gateway)

	// Wire the cross-transport hooks: session deletes cascade to both
	// transports, updates notify socket rooms, and the gateway mirrors
	// push deliveries into its rooms.
	sessions.AttachCloser(registry)
	sessions.AttachCloser(gateway)
	sessions.AttachNotifier(gateway)
	registry.Subscribe(gateway.HandleRegistryEvent)

	registry.Start()
	defer func() {
		gateway.Shutdown()
		registry.Stop()
	}()

	router := handler.NewRouter(verifier, sessions, registry, gateway, guard, characters)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("chatstream backend listening on %s", serverCfg.Addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
