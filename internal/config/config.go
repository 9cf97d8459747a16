package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries all runtime settings. Defaults are production-ready for
// a single classroom host; every field can be overridden through
// CLASSHUB_* environment variables (a .env file is honored when present).
type Config struct {
	Database  *DatabaseConfig
	HTTP      *HTTPConfig
	WebSocket *WebSocketConfig
	Redis     *RedisConfig
	LogLevel  string
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path    string
	Timeout time.Duration
}

// HTTPConfig holds server settings.
type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// WebSocketConfig tunes the realtime transport.
type WebSocketConfig struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

// RedisConfig selects the bus backend: when URL is empty the in-process
// bus is used, otherwise Redis pub/sub.
type RedisConfig struct {
	URL string
}

// DefaultConfig returns classroom-scale defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./classhub.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			SendBuffer:   100,
		},
		Redis:    &RedisConfig{},
		LogLevel: "info",
	}
}

// Load reads a .env file when present, then applies environment
// overrides on top of the defaults.
func Load() *Config {
	_ = godotenv.Load()
	return loadFromEnv(DefaultConfig())
}

func loadFromEnv(config *Config) *Config {
	if host := os.Getenv("CLASSHUB_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if port := os.Getenv("CLASSHUB_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if path := os.Getenv("CLASSHUB_DATABASE_PATH"); path != "" {
		config.Database.Path = path
	}
	if url := os.Getenv("CLASSHUB_REDIS_URL"); url != "" {
		config.Redis.URL = url
	}
	if level := os.Getenv("CLASSHUB_LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}

	durations := map[string]*time.Duration{
		"CLASSHUB_HTTP_READ_TIMEOUT":        &config.HTTP.ReadTimeout,
		"CLASSHUB_HTTP_WRITE_TIMEOUT":       &config.HTTP.WriteTimeout,
		"CLASSHUB_DATABASE_TIMEOUT":         &config.Database.Timeout,
		"CLASSHUB_WEBSOCKET_PING_INTERVAL":  &config.WebSocket.PingInterval,
		"CLASSHUB_WEBSOCKET_READ_TIMEOUT":   &config.WebSocket.ReadTimeout,
		"CLASSHUB_WEBSOCKET_WRITE_TIMEOUT":  &config.WebSocket.WriteTimeout,
	}
	for env, target := range durations {
		if value := os.Getenv(env); value != "" {
			if d, err := time.ParseDuration(value); err == nil {
				*target = d
			}
		}
	}

	if buffer := os.Getenv("CLASSHUB_WEBSOCKET_SEND_BUFFER"); buffer != "" {
		if size, err := strconv.Atoi(buffer); err == nil {
			config.WebSocket.SendBuffer = size
		}
	}

	return config
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Database == nil || c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket timeouts must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("WebSocket send buffer must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of debug, info, warn, error")
	}
	return nil
}
