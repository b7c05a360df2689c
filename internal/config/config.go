package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates every service setting.
type Config struct {
	Server   ServerConfig
	Auth     AuthConfig
	Realtime RealtimeConfig
	AI       AIConfig
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	auth := loadAuthConfig()

	realtime, err := loadRealtimeConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Auth: auth, Realtime: realtime, AI: ai}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as-is.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AuthConfig carries the bearer-token signing secret.
type AuthConfig struct {
	JWTSecret string
}

// Configured reports whether a real secret was provided.
func (c AuthConfig) Configured() bool {
	return c.JWTSecret != ""
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret: strings.TrimSpace(os.Getenv("JWT_SECRET")),
	}
}

// RealtimeConfig tunes connection limits and liveness timings.
type RealtimeConfig struct {
	MaxConnectionsPerUser int
	MaxMessagesPerMinute  int
	HeartbeatInterval     time.Duration
	ConnectionTimeout     time.Duration
	CleanupInterval       time.Duration
}

func loadRealtimeConfig() (RealtimeConfig, error) {
	cfg := RealtimeConfig{
		MaxConnectionsPerUser: 5,
		MaxMessagesPerMinute:  60,
		HeartbeatInterval:     30 * time.Second,
		ConnectionTimeout:     90 * time.Second,
		CleanupInterval:       30 * time.Second,
	}

	if v, err := parseOptionalIntEnv("REALTIME_MAX_CONNECTIONS_PER_USER"); err != nil {
		return RealtimeConfig{}, err
	} else if v != nil {
		cfg.MaxConnectionsPerUser = *v
	}

	if v, err := parseOptionalIntEnv("REALTIME_MAX_MESSAGES_PER_MINUTE"); err != nil {
		return RealtimeConfig{}, err
	} else if v != nil {
		cfg.MaxMessagesPerMinute = *v
	}

	if v, err := parseOptionalIntEnv("REALTIME_HEARTBEAT_SECONDS"); err != nil {
		return RealtimeConfig{}, err
	} else if v != nil {
		cfg.HeartbeatInterval = time.Duration(*v) * time.Second
	}

	if v, err := parseOptionalIntEnv("REALTIME_CONNECTION_TIMEOUT_SECONDS"); err != nil {
		return RealtimeConfig{}, err
	} else if v != nil {
		cfg.ConnectionTimeout = time.Duration(*v) * time.Second
	}

	if v, err := parseOptionalIntEnv("REALTIME_CLEANUP_INTERVAL_SECONDS"); err != nil {
		return RealtimeConfig{}, err
	} else if v != nil {
		cfg.CleanupInterval = time.Duration(*v) * time.Second
	}

	return cfg, nil
}

// AIConfig describes the chat-model settings.
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	StreamResponse bool
}

// Enabled reports whether the required credentials were provided.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel creates a model instance from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials missing: provide ARK_API_KEY + ARK_MODEL or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("ARK_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		StreamResponse: stream,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
