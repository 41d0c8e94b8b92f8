package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/opentalk-go/controller/backend/go/internal/v1/sfupool"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	JWTSecret   string
	RedisAddr   string
	RustSFUAddr string
	Port        string

	// SFUBackends is the set of SFU backends the pool connects to at
	// startup, each identified by the bus exchange pair it speaks on
	// (internal/v1/sfupool routes placement and subscriber/publisher
	// traffic over the bus, not a single gRPC address, so RustSFUAddr
	// alone no longer describes the whole SFU topology).
	SFUBackends []sfupool.BackendConfig

	// RoomConfig holds the per-publisher-room settings applied at
	// publisher-room creation time.
	RoomConfig sfupool.RoomConfig

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisPassword string

	// Auth0 (existing, not validated here)
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate Limits
	RateLimitAPIGlobal   string
	RateLimitAPIPublic   string
	RateLimitAPIRooms    string
	RateLimitAPIMessages string
	RateLimitWsIP        string
	RateLimitWsUser      string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: JWT_SECRET (minimum 32 characters)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: RUST_SFU_ADDR (format: host:port)
	cfg.RustSFUAddr = os.Getenv("RUST_SFU_ADDR")
	if cfg.RustSFUAddr == "" {
		errors = append(errors, "RUST_SFU_ADDR is required")
	} else if !isValidHostPort(cfg.RustSFUAddr) {
		errors = append(errors, fmt.Sprintf("RUST_SFU_ADDR must be in format 'host:port' (got '%s')", cfg.RustSFUAddr))
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			// Default to localhost:6379 if not specified
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Existing variables (not validated here, kept for compatibility)
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitAPIMessages = getEnvOrDefault("RATE_LIMIT_API_MESSAGES", "500-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	// SFU backend topology and per-room media settings
	backends, err := parseSFUBackends(os.Getenv("SFU_BACKENDS"))
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.SFUBackends = backends

	cfg.RoomConfig = sfupool.RoomConfig{
		MaxVideoBitrate:            getEnvIntOrDefault("SFU_MAX_VIDEO_BITRATE", 1_500_000),
		MaxScreenBitrate:           getEnvIntOrDefault("SFU_MAX_SCREEN_BITRATE", 4_000_000),
		SpeakerFocusPackets:        getEnvIntOrDefault("SFU_SPEAKER_FOCUS_PACKETS", 30),
		SpeakerFocusLevelThreshold: getEnvIntOrDefault("SFU_SPEAKER_FOCUS_LEVEL_THRESHOLD", 40),
	}

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"rust_sfu_addr", cfg.RustSFUAddr,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"rate_limit_api_global", cfg.RateLimitAPIGlobal,
		"sfu_backend_count", len(cfg.SFUBackends),
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the integer value of an environment variable,
// or defaultValue if it's unset or not a valid integer.
func getEnvIntOrDefault(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return n
}

// parseSFUBackends parses SFU_BACKENDS, a comma-separated list of
// "id=requestExchange:responseExchange" triples naming every SFU backend the
// pool should connect to at startup. An empty value falls back to a single
// backend "primary" on "sfu.media.req"/"sfu.media.res", so a single-backend
// deployment still works without SFU_BACKENDS set.
func parseSFUBackends(raw string) ([]sfupool.BackendConfig, error) {
	if raw == "" {
		return []sfupool.BackendConfig{
			{ID: "primary", RequestExchange: "sfu.media.req", ResponseExchange: "sfu.media.res"},
		}, nil
	}

	var backends []sfupool.BackendConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idAndExchanges := strings.SplitN(entry, "=", 2)
		if len(idAndExchanges) != 2 {
			return nil, fmt.Errorf("SFU_BACKENDS entry %q must be 'id=requestExchange:responseExchange'", entry)
		}
		exchanges := strings.SplitN(idAndExchanges[1], ":", 2)
		if len(exchanges) != 2 || exchanges[0] == "" || exchanges[1] == "" {
			return nil, fmt.Errorf("SFU_BACKENDS entry %q must be 'id=requestExchange:responseExchange'", entry)
		}
		backends = append(backends, sfupool.BackendConfig{
			ID:               idAndExchanges[0],
			RequestExchange:  exchanges[0],
			ResponseExchange: exchanges[1],
		})
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("SFU_BACKENDS must name at least one backend when set")
	}
	return backends, nil
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
