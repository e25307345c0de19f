package db

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"billingsync/internal/types"
)

// Store bundles the repositories into the full billing store surface used by
// the processor, the read service and the maintenance job.
type Store struct {
	*LedgerRepository
	*SubscriptionRepository
	*AccountRepository

	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore wires the repositories over pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		LedgerRepository:       NewLedgerRepository(pool),
		SubscriptionRepository: NewSubscriptionRepository(pool),
		AccountRepository:      NewAccountRepository(pool),
		pool:                   pool,
		logger:                 logger,
	}
}

// Pool exposes the underlying pool for job locks and history.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "database ping failed", err)
	}
	return nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
