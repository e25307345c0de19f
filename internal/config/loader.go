// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Outside APP_ENV=local, resolve *_SSM_PARAM pointers from SSM.
//  4. Use envconfig to process struct tags and populate the Config struct.
//  5. Populate BuildInfo from linker-injected variables.
//  6. Validate the struct using go-playground/validator.
//  7. Apply cross-field rules that struct tags cannot express.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid debugging.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// localEnv is the APP_ENV value that relaxes deployment-only rules.
const localEnv = "local"

// LoadConfig loads and validates the configuration from the environment and
// an optional .env file in the working directory.
func LoadConfig() (*Config, error) {
	return loadConfigWithDeps(defaultDeps())
}

func loadConfigWithDeps(deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// godotenv.Load does NOT override existing environment variables.
	_ = godotenv.Load()

	if appEnv, _ := deps.lookupEnv("APP_ENV"); appEnv != localEnv {
		if err := resolveSecretParams(deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if err := checkRules(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// checkRules enforces constraints spanning several fields.
func checkRules(cfg *Config) error {
	if cfg.Processing.ClaimLease <= cfg.Processing.Deadline {
		return &ConfigError{
			Type:    ErrValidation,
			Message: fmt.Sprintf("CLAIM_LEASE (%s) must exceed PROCESSING_DEADLINE (%s)", cfg.Processing.ClaimLease, cfg.Processing.Deadline),
		}
	}
	if cfg.Processing.CASBackoffMax < cfg.Processing.CASBackoffBase {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "CAS_BACKOFF_MAX must not be below CAS_BACKOFF_BASE",
		}
	}

	if cfg.Environment == localEnv {
		return nil
	}

	if cfg.Database.Driver == "sqlite" {
		return &ConfigError{
			Type:    ErrValidation,
			Message: fmt.Sprintf("DB_DRIVER=sqlite is only allowed with APP_ENV=%s", localEnv),
		}
	}
	if !cfg.Stripe.WebhookSecret.IsSet() && !cfg.LemonSqueezy.WebhookSecret.IsSet() {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "at least one of STRIPE_WEBHOOK_SECRET or LEMONSQUEEZY_WEBHOOK_SECRET is required",
		}
	}
	return nil
}
