package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"billingsync/internal/types"
)

// AccountRepository maps provider references onto internal account IDs.
type AccountRepository struct {
	db DBTX
}

// NewAccountRepository creates a new AccountRepository backed by the given
// database connection (pool or transaction).
func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

// UpsertAccount registers an account ID so events can resolve to it.
func (r *AccountRepository) UpsertAccount(ctx context.Context, accountID string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		accountID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert account", err)
	}
	return nil
}

// ResolveAccount maps an event onto an account.
//
// Resolution order:
//  1. An explicit AccountRef must name a registered account.
//  2. Otherwise the provider subscription reference, then the customer
//     reference, is matched against records owned by the event's provider.
//
// More than one match is types.ErrAccountAmbiguous; none is
// types.ErrAccountNotFound.
func (r *AccountRepository) ResolveAccount(ctx context.Context, ev *types.NormalizedEvent) (string, error) {
	if ev.AccountRef != "" {
		var id string
		err := r.db.QueryRow(ctx, `SELECT id FROM accounts WHERE id = $1`, ev.AccountRef).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.ErrAccountNotFound
		}
		if err != nil {
			return "", types.NewAppError(types.ErrCodeInternalDB, "failed to resolve account", err)
		}
		return id, nil
	}

	if ev.SubscriptionRef != "" {
		id, err := r.resolveByRef(ctx,
			`SELECT account_id FROM account_subscriptions
			 WHERE active_provider = $1 AND provider_subscription_ref = $2 LIMIT 2`,
			ev.Provider, ev.SubscriptionRef,
		)
		if !errors.Is(err, types.ErrAccountNotFound) {
			return id, err
		}
	}
	if ev.CustomerRef != "" {
		return r.resolveByRef(ctx,
			`SELECT account_id FROM account_subscriptions
			 WHERE active_provider = $1 AND provider_customer_ref = $2 LIMIT 2`,
			ev.Provider, ev.CustomerRef,
		)
	}
	return "", types.ErrAccountNotFound
}

func (r *AccountRepository) resolveByRef(ctx context.Context, query string, provider types.Provider, ref string) (string, error) {
	rows, err := r.db.Query(ctx, query, string(provider), ref)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to resolve account by reference", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to scan account ids", err)
	}

	switch len(ids) {
	case 0:
		return "", types.ErrAccountNotFound
	case 1:
		return ids[0], nil
	default:
		return "", types.ErrAccountAmbiguous
	}
}
