// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage and transport. Empty values select in-memory implementations
	// outside production.
	DatabaseURL         string
	KafkaBrokers        []string
	SettlementTopic     string
	ConfirmationTopic   string // empty disables the confirmation consumer
	ConfirmationGroupID string
	ConfirmationWorkers int
	RedisURL            string // empty uses a process-local sweep lease
	OTLPEndpoint        string // empty disables tracing

	// Security
	AdminSecret string

	// Trade policy
	PaymentWindow            time.Duration
	RequireOfferConfirmation bool

	// Sweeps
	HardExpiryEvery       time.Duration
	PolicyTimeoutEvery    time.Duration
	DisputeExpiryEvery    time.Duration
	UnpaidTimeout         time.Duration
	PaidTimeout           time.Duration
	DisputeMaxOpen        time.Duration
	DisputeDefaultOutcome string // "release" or "refund"
	SweepBatchSize        int

	// Settlement publishing
	PublishAttempts int
	PublishBackoff  time.Duration

	// Consecutive bus failures that open the settlement circuit; 0 disables it.
	BusBreakerThreshold int
	BusBreakerCooldown  time.Duration

	// Admin requests per minute per client IP.
	AdminRateLimit int

	// How long Shutdown waits after readiness drops before closing the listener.
	ShutdownDrain time.Duration
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultSettlementTopic       = "p2p.trade.settlement"
	DefaultConfirmationGroupID   = "p2psettle-confirmations"
	DefaultConfirmationWorkers   = 4
	DefaultPaymentWindow         = 15 * time.Minute
	DefaultHardExpiryEvery       = 5 * time.Minute
	DefaultPolicyTimeoutEvery    = time.Minute
	DefaultDisputeExpiryEvery    = 2 * time.Hour
	DefaultUnpaidTimeout         = 15 * time.Minute
	DefaultPaidTimeout           = 15 * time.Minute
	DefaultDisputeMaxOpen        = 72 * time.Hour
	DefaultDisputeDefaultOutcome = "refund"
	DefaultSweepBatchSize        = 100
	DefaultPublishAttempts       = 3
	DefaultPublishBackoff        = time.Second
	DefaultBusBreakerThreshold   = 5
	DefaultBusBreakerCooldown    = 30 * time.Second
	DefaultShutdownDrain         = 5 * time.Second
	DefaultAdminRateLimit        = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		KafkaBrokers:             getEnvList("KAFKA_BROKERS"),
		SettlementTopic:          getEnv("SETTLEMENT_TOPIC", DefaultSettlementTopic),
		ConfirmationTopic:        os.Getenv("CONFIRMATION_TOPIC"),
		ConfirmationGroupID:      getEnv("CONFIRMATION_GROUP_ID", DefaultConfirmationGroupID),
		ConfirmationWorkers:      getEnvInt("CONFIRMATION_WORKERS", DefaultConfirmationWorkers),
		RedisURL:                 os.Getenv("REDIS_URL"),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:              os.Getenv("ADMIN_SECRET"),
		PaymentWindow:            getEnvDuration("PAYMENT_WINDOW", DefaultPaymentWindow),
		RequireOfferConfirmation: getEnvBool("REQUIRE_OFFER_CONFIRMATION", false),
		HardExpiryEvery:          getEnvDuration("HARD_EXPIRY_EVERY", DefaultHardExpiryEvery),
		PolicyTimeoutEvery:       getEnvDuration("POLICY_TIMEOUT_EVERY", DefaultPolicyTimeoutEvery),
		DisputeExpiryEvery:       getEnvDuration("DISPUTE_EXPIRY_EVERY", DefaultDisputeExpiryEvery),
		UnpaidTimeout:            getEnvDuration("UNPAID_TIMEOUT", DefaultUnpaidTimeout),
		PaidTimeout:              getEnvDuration("PAID_TIMEOUT", DefaultPaidTimeout),
		DisputeMaxOpen:           getEnvDuration("DISPUTE_MAX_OPEN", DefaultDisputeMaxOpen),
		DisputeDefaultOutcome:    strings.ToLower(getEnv("DISPUTE_DEFAULT_OUTCOME", DefaultDisputeDefaultOutcome)),
		SweepBatchSize:           getEnvInt("SWEEP_BATCH_SIZE", DefaultSweepBatchSize),
		PublishAttempts:          getEnvInt("PUBLISH_ATTEMPTS", DefaultPublishAttempts),
		PublishBackoff:           getEnvDuration("PUBLISH_BACKOFF", DefaultPublishBackoff),
		BusBreakerThreshold:      getEnvInt("BUS_BREAKER_THRESHOLD", DefaultBusBreakerThreshold),
		BusBreakerCooldown:       getEnvDuration("BUS_BREAKER_COOLDOWN", DefaultBusBreakerCooldown),
		ShutdownDrain:            getEnvDuration("SHUTDOWN_DRAIN", DefaultShutdownDrain),
		AdminRateLimit:           getEnvInt("ADMIN_RATE_LIMIT", DefaultAdminRateLimit),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable. Every problem found is
// reported, not just the first.
func (c *Config) Validate() error {
	var errs []error

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required in production"))
		}
		if c.AdminSecret == "" {
			errs = append(errs, errors.New("ADMIN_SECRET is required in production"))
		}
	}

	for name, d := range map[string]time.Duration{
		"PAYMENT_WINDOW":       c.PaymentWindow,
		"HARD_EXPIRY_EVERY":    c.HardExpiryEvery,
		"POLICY_TIMEOUT_EVERY": c.PolicyTimeoutEvery,
		"DISPUTE_EXPIRY_EVERY": c.DisputeExpiryEvery,
		"UNPAID_TIMEOUT":       c.UnpaidTimeout,
		"PAID_TIMEOUT":         c.PaidTimeout,
		"DISPUTE_MAX_OPEN":     c.DisputeMaxOpen,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration", name))
		}
	}

	switch c.DisputeDefaultOutcome {
	case "release", "refund":
	default:
		errs = append(errs, fmt.Errorf("DISPUTE_DEFAULT_OUTCOME must be release or refund, got %q", c.DisputeDefaultOutcome))
	}

	if c.SweepBatchSize <= 0 {
		errs = append(errs, errors.New("SWEEP_BATCH_SIZE must be positive"))
	}
	if c.PublishAttempts <= 0 {
		errs = append(errs, errors.New("PUBLISH_ATTEMPTS must be positive"))
	}
	if c.PublishBackoff < 0 {
		errs = append(errs, errors.New("PUBLISH_BACKOFF must not be negative"))
	}
	if c.BusBreakerThreshold < 0 {
		errs = append(errs, errors.New("BUS_BREAKER_THRESHOLD must not be negative"))
	}
	if c.BusBreakerThreshold > 0 && c.BusBreakerCooldown <= 0 {
		errs = append(errs, errors.New("BUS_BREAKER_COOLDOWN must be positive when the breaker is enabled"))
	}
	if c.ShutdownDrain < 0 {
		errs = append(errs, errors.New("SHUTDOWN_DRAIN must not be negative"))
	}
	if c.ConfirmationTopic != "" && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("CONFIRMATION_TOPIC needs KAFKA_BROKERS"))
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "15m") or a bare
// number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
