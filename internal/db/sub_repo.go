package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"billingsync/internal/types"
)

// SubscriptionRepository manages account_subscriptions and its append-only
// audit trail.
//
// Key invariants:
//   - A record row and its audit entry are written in the same transaction.
//   - Writes are compare-and-swap on version; a lost race surfaces as
//     types.ErrVersionConflict and never as a partial write.
//   - An event appears in the audit trail at most once (UNIQUE provider,
//     event_id), reported as types.ErrAlreadyApplied.
type SubscriptionRepository struct {
	db TxBeginner
}

// NewSubscriptionRepository creates a new SubscriptionRepository. db must be
// able to open transactions; pass the pool.
func NewSubscriptionRepository(db TxBeginner) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `account_id, active_provider, provider_customer_ref, provider_subscription_ref,
	status, tier, period_end, version, last_event_at, updated_at`

const auditColumns = `id, account_id, version, previous_status, new_status, previous_tier, new_tier,
	previous_provider, provider, event_id, event_type, provider_event_time,
	customer_ref, subscription_ref, period_end, applied_at`

// GetSubscription returns the account's record, or the version-0 NONE record
// when none is stored.
func (r *SubscriptionRepository) GetSubscription(ctx context.Context, accountID string) (types.SubscriptionRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM account_subscriptions WHERE account_id = $1`,
		accountID,
	)
	rec, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.NewSubscriptionRecord(accountID), nil
	}
	if err != nil {
		return types.SubscriptionRecord{}, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription", err)
	}
	return rec, nil
}

// CommitTransition writes next and entry atomically.
//
// Steps inside one transaction:
//  1. If the audit trail already has (provider, event_id), return ErrAlreadyApplied.
//  2. Version 0 inserts the first row (ON CONFLICT DO NOTHING); later versions
//     UPDATE ... WHERE version = expectedVersion. Zero rows is a conflict.
//  3. Append the audit entry. A unique violation here is also a conflict.
func (r *SubscriptionRepository) CommitTransition(ctx context.Context, expectedVersion int64, next types.SubscriptionRecord, entry types.AuditEntry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var applied bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscription_audit WHERE provider = $1 AND event_id = $2)`,
		string(entry.Provider),
		entry.EventID,
	).Scan(&applied)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to check audit trail", err)
	}
	if applied {
		return types.ErrAlreadyApplied
	}

	var sql string
	var args []any
	if expectedVersion == 0 {
		sql = `INSERT INTO account_subscriptions (` + subscriptionColumns + `)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (account_id) DO NOTHING`
		args = []any{
			next.AccountID, string(next.ActiveProvider), next.ProviderCustomerRef, next.ProviderSubscriptionRef,
			string(next.Status), string(next.Tier), next.PeriodEnd, next.Version,
			next.LastEventAt, next.UpdatedAt,
		}
	} else {
		sql = `UPDATE account_subscriptions
		 SET active_provider = $2, provider_customer_ref = $3, provider_subscription_ref = $4,
		     status = $5, tier = $6, period_end = $7, version = $8, last_event_at = $9, updated_at = $10
		 WHERE account_id = $1 AND version = $11`
		args = []any{
			next.AccountID, string(next.ActiveProvider), next.ProviderCustomerRef, next.ProviderSubscriptionRef,
			string(next.Status), string(next.Tier), next.PeriodEnd, next.Version,
			next.LastEventAt, next.UpdatedAt, expectedVersion,
		}
	}
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrVersionConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO subscription_audit (`+auditColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		entry.ID,
		entry.AccountID,
		entry.Version,
		string(entry.PreviousStatus),
		string(entry.NewStatus),
		string(entry.PreviousTier),
		string(entry.NewTier),
		string(entry.PreviousProvider),
		string(entry.Provider),
		entry.EventID,
		string(entry.EventType),
		entry.ProviderEventTime,
		entry.CustomerRef,
		entry.SubscriptionRef,
		entry.PeriodEnd,
		entry.AppliedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.ErrVersionConflict
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append audit entry", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transition", err)
	}
	return nil
}

// ListAudit returns up to limit audit entries for the account in version
// order.
func (r *SubscriptionRepository) ListAudit(ctx context.Context, accountID string, limit int) ([]types.AuditEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+auditColumns+`
		 FROM subscription_audit
		 WHERE account_id = $1
		 ORDER BY version
		 LIMIT $2`,
		accountID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list audit entries", err)
	}
	defer rows.Close()

	var out []types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		if err := rows.Scan(
			&e.ID,
			&e.AccountID,
			&e.Version,
			&e.PreviousStatus,
			&e.NewStatus,
			&e.PreviousTier,
			&e.NewTier,
			&e.PreviousProvider,
			&e.Provider,
			&e.EventID,
			&e.EventType,
			&e.ProviderEventTime,
			&e.CustomerRef,
			&e.SubscriptionRef,
			&e.PeriodEnd,
			&e.AppliedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan audit entry", err)
		}
		e.ProviderEventTime = e.ProviderEventTime.UTC()
		e.PeriodEnd = utcPtr(e.PeriodEnd)
		e.AppliedAt = e.AppliedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate audit entries", err)
	}
	return out, nil
}

// ListLapsed returns CANCELLED records whose period ended before cutoff,
// oldest first.
func (r *SubscriptionRepository) ListLapsed(ctx context.Context, cutoff time.Time, limit int) ([]types.SubscriptionRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM account_subscriptions
		 WHERE status = 'CANCELLED' AND period_end IS NOT NULL AND period_end < $1
		 ORDER BY period_end
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list lapsed subscriptions", err)
	}
	defer rows.Close()

	var out []types.SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan lapsed subscription", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate lapsed subscriptions", err)
	}
	return out, nil
}

func scanSubscription(row pgx.Row) (types.SubscriptionRecord, error) {
	var rec types.SubscriptionRecord
	if err := row.Scan(
		&rec.AccountID,
		&rec.ActiveProvider,
		&rec.ProviderCustomerRef,
		&rec.ProviderSubscriptionRef,
		&rec.Status,
		&rec.Tier,
		&rec.PeriodEnd,
		&rec.Version,
		&rec.LastEventAt,
		&rec.UpdatedAt,
	); err != nil {
		return types.SubscriptionRecord{}, err
	}
	rec.PeriodEnd = utcPtr(rec.PeriodEnd)
	rec.LastEventAt = rec.LastEventAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}
