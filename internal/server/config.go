// Package server provides configuration helpers that define runtime defaults,
// validation, and environment parsing for the relay.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Config holds the server configuration settings.
type Config struct {
	Port            string
	Env             string
	LogLevel        string
	AllowedOrigins  []string
	MaxMessageSize  int64
	SendBufferSize  int
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	RejoinPolicy    chat.RejoinPolicy
	ShutdownTimeout time.Duration
}

func defaultConfig() Config {
	conn := chat.DefaultConnectionConfig()
	return Config{
		Port:     ":8087",
		Env:      "dev",
		LogLevel: "info",
		AllowedOrigins: []string{
			"http://localhost:8087",
		},
		MaxMessageSize:  conn.MaxMessageSize,
		SendBufferSize:  conn.SendBufferSize,
		PingInterval:    conn.PingInterval,
		PongWait:        conn.PongWait,
		WriteWait:       conn.WriteWait,
		RejoinPolicy:    chat.RejoinReplace,
		ShutdownTimeout: 10 * time.Second,
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set or invalid.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if env := os.Getenv("APP_ENV"); env != "" {
		cfg.Env = env
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(level))
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if size := os.Getenv("SEND_BUFFER_SIZE"); size != "" {
		cfg.SendBufferSize = parseIntValue(size, cfg.SendBufferSize)
	}

	// PING_INTERVAL=0 turns keepalive off.
	if interval := os.Getenv("PING_INTERVAL"); interval != "" {
		cfg.PingInterval = parseSeconds(interval, cfg.PingInterval, true)
	}

	if wait := os.Getenv("PONG_WAIT"); wait != "" {
		cfg.PongWait = parseSeconds(wait, cfg.PongWait, false)
	}

	if wait := os.Getenv("WRITE_WAIT"); wait != "" {
		cfg.WriteWait = parseSeconds(wait, cfg.WriteWait, false)
	}

	if policy := os.Getenv("REJOIN_POLICY"); policy != "" {
		if p, ok := chat.ParseRejoinPolicy(strings.ToLower(strings.TrimSpace(policy))); ok {
			cfg.RejoinPolicy = p
		}
	}

	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseSeconds(timeout, cfg.ShutdownTimeout, false)
	}

	sanitized := cfg.sanitize()
	return &sanitized
}

// sanitize replaces unusable values with defaults.
func (c Config) sanitize() Config {
	def := defaultConfig()

	if c.Port == "" {
		c.Port = def.Port
	}
	if c.Env == "" {
		c.Env = def.Env
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	if c.PingInterval < 0 {
		c.PingInterval = def.PingInterval
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.PingInterval > 0 && c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 10 / 9
	}
	if _, ok := chat.ParseRejoinPolicy(string(c.RejoinPolicy)); !ok {
		c.RejoinPolicy = def.RejoinPolicy
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// ConnectionConfig returns the per-connection transport settings.
func (c Config) ConnectionConfig() chat.ConnectionConfig {
	return chat.ConnectionConfig{
		SendBufferSize: c.SendBufferSize,
		MaxMessageSize: c.MaxMessageSize,
		WriteWait:      c.WriteWait,
		PongWait:       c.PongWait,
		PingInterval:   c.PingInterval,
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration, allowZero bool) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds < 0 || (seconds == 0 && !allowZero) {
		return defaultValue
	}
	return time.Duration(seconds) * time.Second
}
