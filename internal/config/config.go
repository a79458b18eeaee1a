// Package config provides configuration for the assistant gateway and CLI.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Assistant backend
	BackendURL  string
	StreamPath  string
	HistoryPath string
	Mode        string

	// Request parameters
	Model             string
	Temperature       float64
	IncludeSystemData *bool
	DataSummaryDays   *int
	ShopID            string

	// Session identity
	SessionKey   string
	SessionStore string
	RedisAddr    string

	// Policy
	PolicyFile string

	// Timeouts
	HistoryTimeout time.Duration

	// WebSocket settings
	WSPingInterval   time.Duration
	WSWriteTimeout   time.Duration
	WSReadTimeout    time.Duration
	WSMaxMessageSize int64

	// Logging
	LogLevel  string
	LogFormat string
}

// Session store backends.
const (
	SessionStoreSQLite = "sqlite"
	SessionStoreRedis  = "redis"
)

// Load loads configuration from environment variables, after applying an
// optional .env file from the working directory.
func Load() *Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from the current environment only.
func FromEnv() *Config {
	cfg := &Config{
		HTTPPort:          getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:       getEnv("DATABASE_URL", "file:omni-assistant.db?cache=shared&mode=rwc"),
		BackendURL:        getEnv("BACKEND_URL", "http://localhost:8000"),
		StreamPath:        getEnv("STREAM_PATH", "/api/ai/chat/stream"),
		HistoryPath:       getEnv("HISTORY_PATH", "/api/ai/chat"),
		Mode:              getEnv("OMNI_MODE", ""),
		Model:             getEnv("MODEL", "deepseek-chat"),
		Temperature:       getEnvFloat("TEMPERATURE", 0.7),
		IncludeSystemData: getEnvBoolPtr("INCLUDE_SYSTEM_DATA"),
		DataSummaryDays:   getEnvIntPtr("DATA_SUMMARY_DAYS"),
		ShopID:            getEnv("SHOP_ID", ""),
		SessionKey:        getEnv("SESSION_KEY", "ai_chat_session_id"),
		SessionStore:      strings.ToLower(getEnv("SESSION_STORE", SessionStoreSQLite)),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		PolicyFile:        getEnv("POLICY_FILE", ""),
		HistoryTimeout:    time.Duration(getEnvInt("HISTORY_TIMEOUT_MS", 10000)) * time.Millisecond,
		WSPingInterval:    time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WSWriteTimeout:    time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		WSReadTimeout:     time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		WSMaxMessageSize:  int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "console"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvBoolPtr returns nil when key is unset or unparsable, so the field is
// left out of requests.
func getEnvBoolPtr(key string) *bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return &b
		}
	}
	return nil
}

func getEnvIntPtr(key string) *int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return &i
		}
	}
	return nil
}
