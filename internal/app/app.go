// Package app holds the process wiring shared by the binaries: logger
// construction, store selection and AWS client configuration.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"billingsync/internal/billing"
	"billingsync/internal/config"
	"billingsync/internal/db"
	"billingsync/internal/store/sqlite"
)

// NewLogger creates a JSON slog.Logger on stdout at the given level.
func NewLogger(level string) *slog.Logger {
	return newLogger(os.Stdout, level)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps a LOG_LEVEL value onto a slog level. Unknown values select
// info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Backend is an opened billing store. Postgres is non-nil only for the
// postgres driver and carries the job lock and history repositories.
type Backend struct {
	Store    Store
	Postgres *db.Store
	close    func() error
}

// Store is the store surface the binaries use: the engine's Store plus
// account registration.
type Store interface {
	billing.Store
	UpsertAccount(ctx context.Context, accountID string) error
}

// Close releases the store's connections.
func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// OpenStore opens the store selected by cfg.Driver. With MigrateOnStart set,
// pending Postgres migrations are applied first.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Driver {
	case "sqlite":
		s, err := sqlite.Open(cfg.URL.Unmask(), logger)
		if err != nil {
			return nil, err
		}
		logger.Info("using sqlite store")
		return &Backend{Store: s, close: s.Close}, nil

	case "postgres", "":
		if cfg.MigrateOnStart {
			if err := Migrate(cfg, logger); err != nil {
				return nil, err
			}
		}
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s := db.NewStore(pool, logger)
		logger.Info("using postgres store")
		return &Backend{Store: s, Postgres: s, close: s.Close}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Migrate applies all pending Postgres migrations.
func Migrate(cfg config.DatabaseConfig, logger *slog.Logger) error {
	m, err := db.NewMigrator(cfg.URL.Unmask(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	return m.Up()
}

// LoadAWSConfig loads the default AWS configuration for cfg.Region. A
// non-empty EndpointURL (LocalStack) overrides every service endpoint.
func LoadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading aws config: %w", err)
	}
	return awsCfg, nil
}
