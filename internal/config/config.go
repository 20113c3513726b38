// Package config provides environment configuration for the orchestrator.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreNATS   = "nats"
	StoreMemory = "memory"
)

// Backend holds the credentials and defaults of one LLM backend.
type Backend struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// Enabled reports whether the backend has credentials.
func (b Backend) Enabled() bool {
	return b.APIKey != ""
}

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSOrigins        []string

	// Backends
	OpenRouter Backend
	Anthropic  Backend
	OpenAI     Backend

	// Executor
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	MaxRateLimitWaits int
	RequestsPerSecond float64
	RequestBurst      int

	// Capability validator
	SchemaFailureThreshold int
	SchemaFailureWindow    time.Duration
	CapabilityCacheTTL     time.Duration

	// Sub-agents
	AgentBackend       string
	AgentModel         string
	AgentMaxConcurrent int
	AgentTimeout       time.Duration
	AgentMaxTurns      int
	AgentMaxToolCalls  int
	ActivityRetention  time.Duration

	// Storage
	StoreBackend string
	SQLitePath   string
	KVBucket     string

	// NATS settings
	NATSEnabled  bool
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Minute),
		CORSOrigins:        getListEnv("CORS_ORIGINS"),

		// Backends
		OpenRouter: Backend{
			APIKey:       getEnv("OPENROUTER_API_KEY", ""),
			BaseURL:      getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
			DefaultModel: getEnv("OPENROUTER_DEFAULT_MODEL", "openai/gpt-4o-mini"),
			MaxTokens:    getIntEnv("OPENROUTER_MAX_TOKENS", 0),
		},
		Anthropic: Backend{
			APIKey:       getEnv("ANTHROPIC_API_KEY", ""),
			BaseURL:      getEnv("ANTHROPIC_BASE_URL", ""),
			DefaultModel: getEnv("ANTHROPIC_DEFAULT_MODEL", "claude-sonnet-4-5"),
			MaxTokens:    getIntEnv("ANTHROPIC_MAX_TOKENS", 8192),
		},
		OpenAI: Backend{
			APIKey:       getEnv("OPENAI_API_KEY", ""),
			BaseURL:      getEnv("OPENAI_BASE_URL", ""),
			DefaultModel: getEnv("OPENAI_DEFAULT_MODEL", "gpt-4.1"),
			MaxTokens:    getIntEnv("OPENAI_MAX_TOKENS", 0),
		},

		// Executor
		MaxRetries:        getIntEnv("LLM_MAX_RETRIES", 3),
		RetryBaseDelay:    getDurationEnv("LLM_RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:     getDurationEnv("LLM_RETRY_MAX_DELAY", 30*time.Second),
		MaxRateLimitWaits: getIntEnv("LLM_MAX_RATE_LIMIT_WAITS", 5),
		RequestsPerSecond: getFloatEnv("LLM_REQUESTS_PER_SECOND", 0),
		RequestBurst:      getIntEnv("LLM_REQUEST_BURST", 1),

		// Capability validator
		SchemaFailureThreshold: getIntEnv("SCHEMA_FAILURE_THRESHOLD", 2),
		SchemaFailureWindow:    getDurationEnv("SCHEMA_FAILURE_WINDOW", time.Hour),
		CapabilityCacheTTL:     getDurationEnv("CAPABILITY_CACHE_TTL", 24*time.Hour),

		// Sub-agents
		AgentBackend:       getEnv("AGENT_BACKEND", "openai"),
		AgentModel:         getEnv("AGENT_MODEL", ""),
		AgentMaxConcurrent: getIntEnv("AGENT_MAX_CONCURRENT", 3),
		AgentTimeout:       getDurationEnv("AGENT_TIMEOUT", 3*time.Minute),
		AgentMaxTurns:      getIntEnv("AGENT_MAX_TURNS", 12),
		AgentMaxToolCalls:  getIntEnv("AGENT_MAX_TOOL_CALLS", 24),
		ActivityRetention:  getDurationEnv("ACTIVITY_RETENTION", 24*time.Hour),

		// Storage
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", StoreSQLite)),
		SQLitePath:   getEnv("SQLITE_PATH", "sprung.db"),
		KVBucket:     getEnv("NATS_KV_BUCKET", "SPRUNG_CONVERSATIONS"),

		// NATS
		NATSEnabled:  getBoolEnv("NATS_ENABLED", false),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if !c.OpenRouter.Enabled() && !c.Anthropic.Enabled() && !c.OpenAI.Enabled() {
		errs = append(errs, errors.New("no LLM backend configured: set OPENROUTER_API_KEY, ANTHROPIC_API_KEY or OPENAI_API_KEY"))
	}
	switch c.StoreBackend {
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	case StoreNATS:
		if !c.NATSEnabled {
			errs = append(errs, errors.New("the nats store requires NATS_ENABLED=true"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.AgentMaxConcurrent <= 0 {
		errs = append(errs, errors.New("AGENT_MAX_CONCURRENT must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("LLM_MAX_RETRIES cannot be negative"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	return errors.Join(errs...)
}

// Backend returns the settings for a backend name.
func (c *Config) Backend(name string) (Backend, bool) {
	switch name {
	case "openrouter":
		return c.OpenRouter, true
	case "anthropic":
		return c.Anthropic, true
	case "openai":
		return c.OpenAI, true
	}
	return Backend{}, false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
