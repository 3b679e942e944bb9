package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	c.Oracle.Provider = strings.ToLower(strings.TrimSpace(c.Oracle.Provider))
	if c.Oracle.Provider == "" {
		c.Oracle.Provider = "hmac"
	}
	c.Oracle.SignatureHeader = c.Oracle.WebhookSignatureHeader()
	c.Oracle.SignatureAlgorithm = strings.ToLower(c.Oracle.SignatureAlgorithm)
	if c.Oracle.SignatureAlgorithm == "" {
		c.Oracle.SignatureAlgorithm = "sha512"
	}
	if c.Oracle.Timeout.Duration <= 0 {
		c.Oracle.Timeout = Duration{Duration: 10 * time.Second}
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.SweepInterval.Duration <= 0 {
		c.Storage.SweepInterval = Duration{Duration: 1 * time.Minute}
	}
	if c.Storage.SweepBatch <= 0 {
		c.Storage.SweepBatch = 100
	}

	if c.Tokens.Length == 0 {
		c.Tokens.Length = 8
	}
	if c.Tokens.Alphabet == "" {
		c.Tokens.Alphabet = "abcdefghjklmnpqrstuvwxyz23456789"
	}
	if c.Tokens.MaxAttempts == 0 {
		c.Tokens.MaxAttempts = 5
	}

	if c.Callbacks.Timeout.Duration <= 0 {
		c.Callbacks.Timeout = Duration{Duration: 5 * time.Second}
	}
	if c.Callbacks.Headers == nil {
		c.Callbacks.Headers = make(map[string]string)
	}
	if c.Callbacks.PollInterval.Duration <= 0 {
		c.Callbacks.PollInterval = Duration{Duration: 5 * time.Second}
	}
	if c.Callbacks.DLQPath == "" {
		c.Callbacks.DLQPath = "./data/delivery-dlq.json"
	}
	if c.Callbacks.TicketBaseURL == "" && c.Server.PublicBaseURL != "" {
		c.Callbacks.TicketBaseURL = strings.TrimSuffix(c.Server.PublicBaseURL, "/") + c.Server.RoutePrefix
	}

	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = "memory"
	}
	if c.Idempotency.TTL.Duration <= 0 {
		c.Idempotency.TTL = Duration{Duration: 24 * time.Hour}
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Oracle.Provider {
	case "hmac":
		if c.Oracle.BaseURL == "" {
			errs = append(errs, "oracle.base_url is required for the hmac provider")
		}
		if c.Oracle.SignatureAlgorithm != "sha512" && c.Oracle.SignatureAlgorithm != "sha256" {
			errs = append(errs, fmt.Sprintf("oracle.signature_algorithm %q must be sha512 or sha256", c.Oracle.SignatureAlgorithm))
		}
	case "stripe":
		if c.Oracle.SecretKey == "" {
			errs = append(errs, "oracle.secret_key is required for the stripe provider")
		}
	default:
		errs = append(errs, fmt.Sprintf("oracle.provider %q must be hmac or stripe", c.Oracle.Provider))
	}
	if c.Oracle.WebhookSecret == "" {
		errs = append(errs, "oracle.webhook_secret is required")
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when backend is postgres")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when backend is mongodb")
		}
		if c.Storage.MongoDBDatabase == "" {
			errs = append(errs, "storage.mongodb_database is required when backend is mongodb")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q must be memory, postgres or mongodb", c.Storage.Backend))
	}

	if c.Tokens.Length < 6 {
		errs = append(errs, "tokens.length must be at least 6")
	}
	if n := distinctRunes(c.Tokens.Alphabet); n < 16 || n != len([]rune(c.Tokens.Alphabet)) {
		errs = append(errs, "tokens.alphabet must contain at least 16 distinct characters and no repeats")
	}
	if c.Tokens.MaxAttempts < 1 {
		errs = append(errs, "tokens.max_attempts must be at least 1")
	}

	switch c.Idempotency.Backend {
	case "memory":
	case "redis":
		if c.Idempotency.RedisURL == "" {
			errs = append(errs, "idempotency.redis_url is required when backend is redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("idempotency.backend %q must be memory or redis", c.Idempotency.Backend))
	}

	if c.Callbacks.PersistentQueue && c.Callbacks.TicketIssuedURL == "" {
		errs = append(errs, "callbacks.ticket_issued_url is required when persistent_queue is enabled")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func distinctRunes(s string) int {
	seen := make(map[rune]struct{}, len(s))
	for _, r := range s {
		seen[r] = struct{}{}
	}
	return len(seen)
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// Unset values fall back to 25 open, 5 idle, 5m lifetime.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
