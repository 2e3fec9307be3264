// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Telegram TelegramConfig
	Opencode OpencodeConfig
	Webchat  bool
	// WebchatOrigin restricts browser origins for /ws/chat; "" allows any.
	WebchatOrigin string

	PromptTimeout       time.Duration
	EventReconnectDelay time.Duration

	DBPath           string
	ProjectsFile     string
	SessionRetention time.Duration

	Port           string
	APIToken       string
	GRPCHealthAddr string

	MaxFileSize      int64
	DownloadTimeout  time.Duration
	MessageChunkSize int

	Sentry   SentryConfig
	LogLevel slog.Level
}

// TelegramConfig configures the Telegram transport. An empty token disables it.
type TelegramConfig struct {
	Token          string
	AllowedUserIDs []int64
}

// Enabled reports whether the Telegram transport should start.
func (c TelegramConfig) Enabled() bool {
	return c.Token != ""
}

// Allowed reports whether userID may use the bot. An empty allow list admits
// everyone.
func (c TelegramConfig) Allowed(userID int64) bool {
	if len(c.AllowedUserIDs) == 0 {
		return true
	}
	for _, id := range c.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// OpencodeConfig locates the agent server.
type OpencodeConfig struct {
	URL      string
	Username string
	Password string
}

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN         string
	Environment string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	allowed, err := parseIDList(getEnv("TELEGRAM_ALLOWED_USER_IDS", ""))
	if err != nil {
		return nil, fmt.Errorf("TELEGRAM_ALLOWED_USER_IDS: %w", err)
	}

	cfg := &Config{
		Telegram: TelegramConfig{
			Token:          getEnv("TELEGRAM_BOT_TOKEN", ""),
			AllowedUserIDs: allowed,
		},
		Opencode: OpencodeConfig{
			URL:      strings.TrimRight(getEnv("OPENCODE_URL", "http://127.0.0.1:4096"), "/"),
			Username: getEnv("OPENCODE_USERNAME", "opencode"),
			Password: getEnv("OPENCODE_PASSWORD", ""),
		},
		Webchat:             getEnvBool("WEBCHAT_ENABLED", false),
		WebchatOrigin:       getEnv("WEBCHAT_ALLOWED_ORIGIN", ""),
		PromptTimeout:       getEnvDuration("PROMPT_TIMEOUT", 10*time.Minute),
		EventReconnectDelay: getEnvDuration("EVENT_RECONNECT_DELAY", time.Second),
		DBPath:              getEnv("DB_PATH", "./data/tgcode.db"),
		ProjectsFile:        getEnv("PROJECTS_FILE", "./projects.toml"),
		SessionRetention:    getEnvDuration("SESSION_RETENTION", 720*time.Hour),
		Port:                getEnv("PORT", "8080"),
		APIToken:            getEnv("API_TOKEN", ""),
		GRPCHealthAddr:      getEnv("GRPC_HEALTH_ADDR", ""),
		MaxFileSize:         int64(getEnvInt("MAX_FILE_SIZE_MB", 20)) << 20,
		DownloadTimeout:     getEnvDuration("DOWNLOAD_TIMEOUT", 60*time.Second),
		MessageChunkSize:    getEnvInt("MESSAGE_CHUNK_SIZE", 4096),
		Sentry: SentryConfig{
			DSN:         getEnv("SENTRY_DSN", ""),
			Environment: getEnv("SENTRY_ENVIRONMENT", "production"),
		},
		LogLevel: parseLevel(getEnv("LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if !c.Telegram.Enabled() && !c.Webchat {
		return fmt.Errorf("no transport enabled: set TELEGRAM_BOT_TOKEN or WEBCHAT_ENABLED")
	}
	if c.Opencode.URL == "" {
		return fmt.Errorf("OPENCODE_URL cannot be empty")
	}
	if c.PromptTimeout <= 0 {
		return fmt.Errorf("PROMPT_TIMEOUT must be > 0")
	}
	if c.EventReconnectDelay <= 0 {
		return fmt.Errorf("EVENT_RECONNECT_DELAY must be > 0")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE_MB must be > 0")
	}
	if c.DownloadTimeout <= 0 {
		return fmt.Errorf("DOWNLOAD_TIMEOUT must be > 0")
	}
	if c.MessageChunkSize <= 0 {
		return fmt.Errorf("MESSAGE_CHUNK_SIZE must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func parseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse user id %q: %w", field, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
