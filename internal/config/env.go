package config

import (
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// Service-owned settings use the TICKETING_ prefix; a few provider-native
// names are accepted as well so existing deployment secrets can be reused.
func (c *Config) applyEnvOverrides() {
	// Server
	setIfEnv(&c.Server.Address, "TICKETING_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "TICKETING_ROUTE_PREFIX")
	setIfEnv(&c.Server.PublicBaseURL, "TICKETING_PUBLIC_BASE_URL")
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging
	setIfEnv(&c.Logging.Level, "TICKETING_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "TICKETING_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "TICKETING_ENVIRONMENT")

	// Oracle
	setIfEnv(&c.Oracle.Provider, "TICKETING_ORACLE_PROVIDER")
	setIfEnv(&c.Oracle.BaseURL, "TICKETING_ORACLE_BASE_URL")
	setIfEnv(&c.Oracle.SecretKey, "PAYMENT_SECRET_KEY")
	setIfEnv(&c.Oracle.SecretKey, "STRIPE_SECRET_KEY")
	setIfEnv(&c.Oracle.SecretKey, "TICKETING_ORACLE_SECRET_KEY")
	setIfEnv(&c.Oracle.WebhookSecret, "PAYMENT_WEBHOOK_SECRET")
	setIfEnv(&c.Oracle.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setIfEnv(&c.Oracle.WebhookSecret, "TICKETING_ORACLE_WEBHOOK_SECRET")
	setIfEnv(&c.Oracle.SignatureHeader, "TICKETING_ORACLE_SIGNATURE_HEADER")
	setIfEnv(&c.Oracle.SignatureAlgorithm, "TICKETING_ORACLE_SIGNATURE_ALGORITHM")
	setDurationIfEnv(&c.Oracle.Timeout, "TICKETING_ORACLE_TIMEOUT")

	// Storage
	setIfEnv(&c.Storage.Backend, "TICKETING_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "DATABASE_URL")
	setIfEnv(&c.Storage.PostgresURL, "TICKETING_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "TICKETING_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "TICKETING_MONGODB_DATABASE")
	setDurationIfEnv(&c.Storage.ReceiptRetention, "TICKETING_RECEIPT_RETENTION")
	setDurationIfEnv(&c.Storage.SweepInterval, "TICKETING_SWEEP_INTERVAL")
	setIntIfEnv(&c.Storage.SweepBatch, "TICKETING_SWEEP_BATCH")

	// Tokens
	setIntIfEnv(&c.Tokens.Length, "TICKETING_TOKEN_LENGTH")
	setIfEnv(&c.Tokens.Alphabet, "TICKETING_TOKEN_ALPHABET")
	setIntIfEnv(&c.Tokens.MaxAttempts, "TICKETING_TOKEN_MAX_ATTEMPTS")

	// Callbacks
	setIfEnv(&c.Callbacks.TicketIssuedURL, "TICKETING_CALLBACK_TICKET_ISSUED_URL")
	setDurationIfEnv(&c.Callbacks.Timeout, "TICKETING_CALLBACK_TIMEOUT")
	setBoolIfEnv(&c.Callbacks.DLQEnabled, "TICKETING_CALLBACK_DLQ_ENABLED")
	setIfEnv(&c.Callbacks.DLQPath, "TICKETING_CALLBACK_DLQ_PATH")
	setBoolIfEnv(&c.Callbacks.PersistentQueue, "TICKETING_CALLBACK_PERSISTENT_QUEUE")
	for name, value := range envWithPrefix("TICKETING_CALLBACK_HEADER_") {
		if c.Callbacks.Headers == nil {
			c.Callbacks.Headers = make(map[string]string)
		}
		c.Callbacks.Headers[textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))] = value
	}

	// Idempotency
	setIfEnv(&c.Idempotency.Backend, "TICKETING_IDEMPOTENCY_BACKEND")
	setIfEnv(&c.Idempotency.RedisURL, "REDIS_URL")
	setIfEnv(&c.Idempotency.RedisURL, "TICKETING_REDIS_URL")
	setDurationIfEnv(&c.Idempotency.TTL, "TICKETING_IDEMPOTENCY_TTL")

	// Rate limiting
	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "TICKETING_RATE_LIMIT_GLOBAL_ENABLED")
	setIntIfEnv(&c.RateLimit.GlobalLimit, "TICKETING_RATE_LIMIT_GLOBAL_LIMIT")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "TICKETING_RATE_LIMIT_PER_IP_ENABLED")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "TICKETING_RATE_LIMIT_PER_IP_LIMIT")
	setBoolIfEnv(&c.RateLimit.LookupEnabled, "TICKETING_RATE_LIMIT_LOOKUP_ENABLED")
	setIntIfEnv(&c.RateLimit.LookupLimit, "TICKETING_RATE_LIMIT_LOOKUP_LIMIT")

	setBoolIfEnv(&c.CircuitBreaker.Enabled, "TICKETING_CIRCUIT_BREAKER_ENABLED")

	setIfEnv(&c.Admin.APIKey, "TICKETING_ADMIN_API_KEY")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv accepts "1" and any casing of "true" as true.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv parses values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// envWithPrefix returns every environment variable starting with prefix, keyed by the remainder.
func envWithPrefix(prefix string) map[string]string {
	out := make(map[string]string)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], prefix)
		if name == "" {
			continue
		}
		out[name] = parts[1]
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
