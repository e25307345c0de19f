// Package config defines the configuration structure for the billing sync
// service. Configuration is loaded once at process initialization (or Lambda
// cold start) and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"billingsync/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"billingsync"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	Stripe        StripeConfig
	LemonSqueezy  LemonSqueezyConfig
	Processing    ProcessingConfig
	Queue         QueueConfig
	Security      SecurityConfig
	Observability ObservabilityConfig
	AWS           AWSConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"20s"`
	// MaxBodyBytes caps inbound webhook bodies.
	MaxBodyBytes int64 `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"1048576" validate:"min=1024"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	// Driver selects the store: postgres for deployments, sqlite for local runs.
	Driver string       `envconfig:"DB_DRIVER" default:"postgres" validate:"oneof=postgres sqlite"`
	URL    SecretString `envconfig:"DATABASE_URL" validate:"required"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover

	// MigrateOnStart applies pending schema migrations when the API boots.
	MigrateOnStart bool `envconfig:"DB_MIGRATE_ON_START" default:"false"`
}

// StripeConfig holds Stripe webhook verification settings.
type StripeConfig struct {
	WebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET"`
	Tolerance     time.Duration `envconfig:"STRIPE_WEBHOOK_TOLERANCE" default:"5m"`
	// PriceTiers maps Stripe price IDs to plan tiers, e.g.
	// "price_1Pro:pro,price_1Ent:enterprise".
	PriceTiers map[string]string `envconfig:"STRIPE_PRICE_TIERS" validate:"omitempty,dive,keys,min=1,endkeys,oneof=free pro enterprise"`
}

// LemonSqueezyConfig holds Lemon Squeezy webhook verification settings.
type LemonSqueezyConfig struct {
	WebhookSecret SecretString  `envconfig:"LEMONSQUEEZY_WEBHOOK_SECRET"`
	Tolerance     time.Duration `envconfig:"LEMONSQUEEZY_WEBHOOK_TOLERANCE" default:"5m"`
	// VariantTiers maps Lemon Squeezy variant IDs to plan tiers.
	VariantTiers map[string]string `envconfig:"LEMONSQUEEZY_VARIANT_TIERS" validate:"omitempty,dive,keys,min=1,endkeys,oneof=free pro enterprise"`
}

// ProcessingConfig bounds how long and how hard the engine works on one event.
type ProcessingConfig struct {
	Deadline       time.Duration `envconfig:"PROCESSING_DEADLINE" default:"8s" validate:"min=1s"`
	CASMaxAttempts int           `envconfig:"CAS_MAX_ATTEMPTS" default:"5" validate:"min=1,max=20"`
	CASBackoffBase time.Duration `envconfig:"CAS_BACKOFF_BASE" default:"10ms"`
	CASBackoffMax  time.Duration `envconfig:"CAS_BACKOFF_MAX" default:"250ms"`
	// ClaimLease is how long a PENDING ledger claim blocks other deliveries of
	// the same event. It must outlive Deadline.
	ClaimLease time.Duration `envconfig:"CLAIM_LEASE" default:"2m"`

	BreakerMaxFailures uint32        `envconfig:"BREAKER_MAX_FAILURES" default:"5" validate:"min=1"`
	BreakerOpenTimeout time.Duration `envconfig:"BREAKER_OPEN_TIMEOUT" default:"30s"`

	// LapseGrace is added to period_end before a cancelled subscription is
	// expired by the maintenance job.
	LapseGrace time.Duration `envconfig:"LAPSE_GRACE_PERIOD" default:"24h"`
	// PendingClaimAge is the age past which a PENDING claim is reported.
	PendingClaimAge time.Duration `envconfig:"PENDING_CLAIM_REPORT_AGE" default:"10m"`
}

// QueueConfig holds the replay queue location.
type QueueConfig struct {
	// ReplayQueueURL is where infrastructure-failed deliveries are parked.
	// Empty disables parking.
	ReplayQueueURL    string `envconfig:"SQS_REPLAY_QUEUE" validate:"omitempty,url"`
	ReplayConcurrency int    `envconfig:"REPLAY_CONCURRENCY" default:"4" validate:"min=1,max=64"`
}

// SecurityConfig holds access control for the read API.
type SecurityConfig struct {
	// OpsTokenHash is the bcrypt hash of the bearer token accepted on /v1.
	// Empty disables the read API.
	OpsTokenHash SecretString `envconfig:"OPS_TOKEN_HASH"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"BillingSync"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// AWSConfig holds regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrSecretResolution indicates an *_SSM_PARAM pointer could not be
	// resolved.
	ErrSecretResolution ConfigErrorType = "SECRET_RESOLUTION_FAILED"
)
