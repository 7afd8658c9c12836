package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPort        uint16 = 12719
	DefaultBroadcast          = "255.255.255.255"
	DefaultSendDelay          = 500 * time.Millisecond
	DefaultRecvTimeout        = 300 * time.Millisecond
)

// Config holds the process configuration.
type Config struct {
	Port      uint16
	Broadcast string

	// SendDelay is the pause after every successful send.
	SendDelay time.Duration
	// RecvTimeout bounds how long the listener blocks before it checks
	// for cancellation and port changes.
	RecvTimeout time.Duration

	LogLevel string

	// RecordPath, when set, makes the listener append every received
	// message to a capture file.
	RecordPath string

	MetricsAddr string
	CORSOrigins string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:        getPortEnv("ATRIUMCTL_PORT", DefaultPort),
		Broadcast:   getEnv("ATRIUMCTL_BROADCAST", DefaultBroadcast),
		SendDelay:   getDurationEnv("ATRIUMCTL_SEND_DELAY", DefaultSendDelay),
		RecvTimeout: getDurationEnv("ATRIUMCTL_RECV_TIMEOUT", DefaultRecvTimeout),
		LogLevel:    getEnv("ATRIUMCTL_LOG_LEVEL", "info"),
		RecordPath:  getEnv("ATRIUMCTL_RECORD", ""),
		MetricsAddr: getEnv("ATRIUMCTL_METRICS_ADDR", ""),
		CORSOrigins: getEnv("ATRIUMCTL_CORS_ORIGINS", ""),
	}
}

// SlogLevel maps the configured level name to a slog level. Unknown names
// fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getPortEnv(key string, defaultValue uint16) uint16 {
	if value := os.Getenv(key); value != "" {
		if port, err := ParsePort(value); err == nil {
			return port
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// ParsePort parses a decimal UDP port number in the range 1..65535.
func ParsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, strconv.ErrRange
	}
	return uint16(n), nil
}
