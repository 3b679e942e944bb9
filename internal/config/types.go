package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses Go-style duration strings; bare numbers are read as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err == nil {
		d.Duration = parsed
		return nil
	}
	if secs, convErr := time.ParseDuration(raw + "s"); convErr == nil {
		d.Duration = secs
		return nil
	}
	return fmt.Errorf("invalid duration value %q: %w", raw, err)
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Oracle         OracleConfig         `yaml:"oracle"`
	Storage        StorageConfig        `yaml:"storage"`
	Tokens         TokenConfig          `yaml:"tokens"`
	Callbacks      CallbacksConfig      `yaml:"callbacks"`
	Idempotency    IdempotencyConfig    `yaml:"idempotency"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Admin          AdminConfig          `yaml:"admin"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`    // Optional prefix for all routes (e.g., "/api")
	PublicBaseURL      string   `yaml:"public_base_url"` // Used to build ticket links in notifications
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// OracleConfig describes the payment provider used to confirm payments.
type OracleConfig struct {
	Provider           string   `yaml:"provider"`            // "hmac" (generic REST provider) or "stripe"
	BaseURL            string   `yaml:"base_url"`            // Verify endpoint root for the hmac provider
	SecretKey          string   `yaml:"secret_key"`          // API key used for verify calls
	WebhookSecret      string   `yaml:"webhook_secret"`      // Shared secret for inbound webhook signatures
	SignatureHeader    string   `yaml:"signature_header"`    // Header carrying the webhook signature
	SignatureAlgorithm string   `yaml:"signature_algorithm"` // sha512 or sha256 (hmac provider only)
	Timeout            Duration `yaml:"timeout"`             // Upper bound for a single verify call (default: 10s)
}

// WebhookSignatureHeader is the configured header, or the provider's own
// when none is set: Stripe-Signature for stripe, X-Payment-Signature otherwise.
func (o OracleConfig) WebhookSignatureHeader() string {
	if h := strings.TrimSpace(o.SignatureHeader); h != "" {
		return h
	}
	if strings.EqualFold(strings.TrimSpace(o.Provider), "stripe") {
		return "Stripe-Signature"
	}
	return "X-Payment-Signature"
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // default: 25
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // default: 5
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // default: 5m
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend          string             `yaml:"backend"` // "memory", "postgres" or "mongodb"
	PostgresURL      string             `yaml:"postgres_url"`
	MongoDBURL       string             `yaml:"mongodb_url"`
	MongoDBDatabase  string             `yaml:"mongodb_database"`
	PostgresPool     PostgresPoolConfig `yaml:"postgres_pool"`
	ReceiptRetention Duration           `yaml:"receipt_retention"` // Receipts of settled purchases older than this are deleted (0 keeps forever)
	SweepInterval    Duration           `yaml:"sweep_interval"`    // How often pending purchases are re-checked against stored receipts
	SweepBatch       int                `yaml:"sweep_batch"`       // Pending purchases examined per sweep
	Tables           TableNames         `yaml:"tables"`
}

// TableNames overrides the default table/collection names.
type TableNames struct {
	Purchases    string `yaml:"purchases"`
	Receipts     string `yaml:"callback_receipts"`
	AccessTokens string `yaml:"access_tokens"`
	Deliveries   string `yaml:"deliveries"`
}

// TokenConfig controls public access token generation.
type TokenConfig struct {
	Length      int    `yaml:"length"`       // default: 8
	Alphabet    string `yaml:"alphabet"`     // default excludes i, o, 0 and 1
	MaxAttempts int    `yaml:"max_attempts"` // collision redraws before giving up (default: 5)
}

// CallbacksConfig holds ticket delivery configuration.
type CallbacksConfig struct {
	TicketIssuedURL string            `yaml:"ticket_issued_url"` // Email/SMS gateway endpoint receiving ticket.issued events
	TicketBaseURL   string            `yaml:"ticket_base_url"`   // Prefix for ticketUrl in events (default: server.public_base_url + route_prefix)
	Headers         map[string]string `yaml:"headers"`
	Timeout         Duration          `yaml:"timeout"`
	Retry           RetryConfig       `yaml:"retry"`
	DLQEnabled      bool              `yaml:"dlq_enabled"`
	DLQPath         string            `yaml:"dlq_path"`         // default: ./data/delivery-dlq.json
	PersistentQueue bool              `yaml:"persistent_queue"` // Queue deliveries in the store instead of in-process goroutines
	PollInterval    Duration          `yaml:"poll_interval"`    // Queue worker poll interval (default: 5s)
}

// RetryConfig holds delivery retry configuration.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MaxAttempts     int      `yaml:"max_attempts"`     // default: 5
	InitialInterval Duration `yaml:"initial_interval"` // default: 1s
	MaxInterval     Duration `yaml:"max_interval"`     // default: 5m
	Multiplier      float64  `yaml:"multiplier"`       // default: 2.0
}

// IdempotencyConfig configures the Idempotency-Key replay cache.
type IdempotencyConfig struct {
	Backend  string   `yaml:"backend"` // "memory" or "redis"
	RedisURL string   `yaml:"redis_url"`
	TTL      Duration `yaml:"ttl"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`

	// Ticket lookups are limited separately to slow down token guessing.
	LookupEnabled bool     `yaml:"lookup_enabled"`
	LookupLimit   int      `yaml:"lookup_limit"`
	LookupWindow  Duration `yaml:"lookup_window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled bool                 `yaml:"enabled"`
	Oracle  BreakerServiceConfig `yaml:"oracle"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // default: 5
	FailureRatio        float64  `yaml:"failure_ratio"`        // default: 0.5
	MinRequests         uint32   `yaml:"min_requests"`         // default: 10
}

// AdminConfig protects operator endpoints and /metrics.
type AdminConfig struct {
	APIKey string `yaml:"api_key"`
}
