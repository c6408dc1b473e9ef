package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Storage
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Auth
	AuthDomain      string
	AuthAudience    string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Game timing knobs
	ReconnectWindow  time.Duration
	TurnGrace        time.Duration
	AfkWarningWindow time.Duration
	PauseDebounce    time.Duration
	CleanupWindow    time.Duration
	InviteTTL        time.Duration
	JoinRequestTTL   time.Duration
	StaleThreshold   time.Duration

	// Limits
	ChatHistoryLimit int

	// Rate limits (ulule/limiter formatted, e.g. "100-M")
	RateLimitWsIP   string
	RateLimitWsUser string

	// Tracing
	TracingEnabled bool
	OTLPEndpoint   string

	// Misc
	GoEnv    string
	LogLevel string
}

// ValidateEnv validates all required environment variables and returns a Config.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Game timing knobs. Defaults are the protocol contract values; they are
	// tunable mainly so tests and staging can shrink them.
	var derr error
	if cfg.ReconnectWindow, derr = durationEnv("RECONNECT_WINDOW", 5*time.Minute); derr != nil {
		errs = append(errs, derr.Error())
	}
	if cfg.TurnGrace, derr = durationEnv("TURN_GRACE", 2*time.Minute); derr != nil {
		errs = append(errs, derr.Error())
	}
	if cfg.AfkWarningWindow, derr = durationEnv("AFK_WARNING_WINDOW", 10*time.Second); derr != nil {
		errs = append(errs, derr.Error())
	}
	if cfg.PauseDebounce, derr = durationEnv("PAUSE_DEBOUNCE", 2*time.Second); derr != nil {
		errs = append(errs, derr.Error())
	}
	if cfg.CleanupWindow, derr = durationEnv("CLEANUP_WINDOW", 10*time.Minute); derr != nil {
		errs = append(errs, derr.Error())
	}
	if cfg.InviteTTL, derr = durationEnv("INVITE_TTL", 60*time.Second); derr != nil {
		errs = append(errs, derr.Error())
	}
	if cfg.JoinRequestTTL, derr = durationEnv("JOIN_REQUEST_TTL", 60*time.Second); derr != nil {
		errs = append(errs, derr.Error())
	}
	if cfg.StaleThreshold, derr = durationEnv("STALE_THRESHOLD", 60*time.Second); derr != nil {
		errs = append(errs, derr.Error())
	}

	cfg.ChatHistoryLimit = intEnvOrDefault("CHAT_HISTORY_LIMIT", 100)
	if cfg.ChatHistoryLimit < 1 {
		errs = append(errs, fmt.Sprintf("CHAT_HISTORY_LIMIT must be positive (got %d)", cfg.ChatHistoryLimit))
	}

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "30-M")

	cfg.TracingEnabled = os.Getenv("TRACING_ENABLED") == "true"
	cfg.OTLPEndpoint = getEnvOrDefault("OTLP_ENDPOINT", "localhost:4317")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

func durationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a Go duration like '30s' (got '%s')", key, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative (got '%s')", key, raw)
	}
	return d, nil
}

func intEnvOrDefault(key string, defaultValue int) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring non-integer environment value", "key", key, "value", raw)
		return defaultValue
	}
	return n
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated")
	slog.Info("Configuration",
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"redis_password", redactSecret(cfg.RedisPassword),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"reconnect_window", cfg.ReconnectWindow,
		"rate_limit_ws_ip", cfg.RateLimitWsIP,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first characters
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***"
}
