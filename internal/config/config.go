package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog"
)

// ServerConfig configures the signaling relay.
type ServerConfig struct {
	ListenAddr    string
	LogLevel      string
	RedisAddr     string // empty keeps routes in memory
	RedisPassword string
	RedisDB       int
	RouteTTL      time.Duration
}

// AgentConfig configures one calling agent.
type AgentConfig struct {
	ListenAddr          string
	LogLevel            string
	SignalURL           string
	UserID              domain.UserID
	UserName            string
	DisplayName         string
	ICEServers          []string
	AutoAnswer          bool
	ReconnectMaxBackoff time.Duration
}

// LoadServer loads the relay configuration from environment variables.
func LoadServer() (*ServerConfig, error) {
	cfg := &ServerConfig{
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		RouteTTL:      getEnvAsDuration("ROUTE_TTL", 2*time.Hour),
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	return cfg, nil
}

// LoadAgent loads the agent configuration from environment variables.
func LoadAgent() (*AgentConfig, error) {
	cfg := &AgentConfig{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8081"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		SignalURL:           getEnv("SIGNAL_URL", "ws://localhost:8080/ws"),
		UserID:              domain.UserID(getEnv("USER_ID", "")),
		UserName:            getEnv("USER_NAME", ""),
		DisplayName:         getEnv("DISPLAY_NAME", ""),
		ICEServers:          getEnvAsSlice("ICE_SERVERS", nil),
		AutoAnswer:          getEnvAsBool("AUTO_ANSWER", false),
		ReconnectMaxBackoff: getEnvAsDuration("RECONNECT_MAX_BACKOFF", 30*time.Second),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("USER_ID must be set")
	}
	if !strings.HasPrefix(c.SignalURL, "ws://") && !strings.HasPrefix(c.SignalURL, "wss://") {
		return fmt.Errorf("SIGNAL_URL must be a ws:// or wss:// url, got %q", c.SignalURL)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return nil
}

// Participant is how the agent presents itself in offers.
func (c *AgentConfig) Participant() domain.CallParticipant {
	name := c.DisplayName
	if name == "" {
		name = c.UserName
	}
	return domain.CallParticipant{
		UserID:      c.UserID,
		UserName:    c.UserName,
		DisplayName: name,
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
