// Package sqlite is the single-file store used for local runs and tests. It
// implements the same ledger, record, audit and account-resolution contract
// as the Postgres store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"billingsync/internal/types"
)

// Store is a SQLite-backed billing store. A single connection serializes all
// access, which makes every transaction effectively exclusive.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies the schema. path
// may carry a "sqlite://" or "file:" prefix; ":memory:" is accepted.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path = strings.TrimPrefix(strings.TrimPrefix(path, "sqlite://"), "file:")
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS account_subscriptions (
		account_id                TEXT PRIMARY KEY,
		active_provider           TEXT NOT NULL DEFAULT 'NONE',
		provider_customer_ref     TEXT NOT NULL DEFAULT '',
		provider_subscription_ref TEXT NOT NULL DEFAULT '',
		status                    TEXT NOT NULL,
		tier                      TEXT NOT NULL,
		period_end                INTEGER,
		version                   INTEGER NOT NULL,
		last_event_at             INTEGER NOT NULL,
		updated_at                INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_subscription_ref ON account_subscriptions(active_provider, provider_subscription_ref);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_customer_ref ON account_subscriptions(active_provider, provider_customer_ref);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_lapse ON account_subscriptions(status, period_end);

	CREATE TABLE IF NOT EXISTS processed_events (
		provider     TEXT NOT NULL,
		event_id     TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		outcome      TEXT NOT NULL,
		detail       TEXT NOT NULL DEFAULT '',
		account_id   TEXT NOT NULL DEFAULT '',
		request_id   TEXT NOT NULL DEFAULT '',
		received_at  INTEGER NOT NULL,
		claimed_at   INTEGER NOT NULL,
		finalized_at INTEGER,
		payload      BLOB,
		PRIMARY KEY (provider, event_id)
	);
	CREATE INDEX IF NOT EXISTS idx_processed_events_pending ON processed_events(outcome, claimed_at);

	CREATE TABLE IF NOT EXISTS delivery_attempts (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		provider    TEXT NOT NULL,
		event_id    TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		request_id  TEXT NOT NULL DEFAULT '',
		received_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_delivery_attempts_event ON delivery_attempts(provider, event_id);

	CREATE TABLE IF NOT EXISTS subscription_audit (
		id                  TEXT PRIMARY KEY,
		account_id          TEXT NOT NULL,
		version             INTEGER NOT NULL,
		previous_status     TEXT NOT NULL,
		new_status          TEXT NOT NULL,
		previous_tier       TEXT NOT NULL,
		new_tier            TEXT NOT NULL,
		previous_provider   TEXT NOT NULL,
		provider            TEXT NOT NULL,
		event_id            TEXT NOT NULL,
		event_type          TEXT NOT NULL,
		provider_event_time INTEGER NOT NULL,
		customer_ref        TEXT NOT NULL DEFAULT '',
		subscription_ref    TEXT NOT NULL DEFAULT '',
		period_end          INTEGER,
		applied_at          INTEGER NOT NULL,
		UNIQUE (provider, event_id),
		UNIQUE (account_id, version)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertAccount registers an account ID so events can resolve to it.
func (s *Store) UpsertAccount(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, created_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`,
		accountID, toNanos(time.Now().UTC()),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert account", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

// RecordIfNew inserts a PENDING claim, or takes over a PENDING claim made
// before claim.StaleBefore. Exactly one caller sees a row change.
func (s *Store) RecordIfNew(ctx context.Context, claim types.LedgerClaim) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_events
			(provider, event_id, event_type, outcome, request_id, received_at, claimed_at, payload)
		 VALUES (?, ?, ?, 'PENDING', ?, ?, ?, ?)
		 ON CONFLICT (provider, event_id) DO UPDATE
			SET claimed_at = excluded.claimed_at,
			    request_id = excluded.request_id,
			    received_at = excluded.received_at
			WHERE processed_events.outcome = 'PENDING'
			  AND processed_events.claimed_at < ?`,
		string(claim.Provider), claim.EventID, string(claim.EventType), claim.RequestID,
		toNanos(claim.ReceivedAt), toNanos(claimedAt(claim)), claim.Payload,
		nullableNanos(claim.StaleBefore),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record ledger claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to read ledger claim result", err)
	}
	return n > 0, nil
}

// Finalize moves a PENDING claim to a terminal outcome.
func (s *Store) Finalize(ctx context.Context, provider types.Provider, eventID, accountID string, outcome types.Outcome, detail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processed_events
		 SET outcome = ?, detail = ?, account_id = ?, finalized_at = ?
		 WHERE provider = ? AND event_id = ? AND outcome = 'PENDING'`,
		string(outcome), detail, accountID, toNanos(time.Now().UTC()),
		string(provider), eventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finalize ledger claim", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "ledger claim is no longer pending", nil)
	}
	return nil
}

// Release deletes a PENDING claim.
func (s *Store) Release(ctx context.Context, provider types.Provider, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE provider = ? AND event_id = ? AND outcome = 'PENDING'`,
		string(provider), eventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release ledger claim", err)
	}
	return nil
}

// RecordAttempt appends a delivery attempt row.
func (s *Store) RecordAttempt(ctx context.Context, a types.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts (provider, event_id, outcome, request_id, received_at)
		 VALUES (?, ?, ?, ?, ?)`,
		string(a.Provider), a.EventID, string(a.Outcome), a.RequestID, toNanos(a.ReceivedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record delivery attempt", err)
	}
	return nil
}

// GetProcessedEvent returns the ledger row, or nil when there is none.
func (s *Store) GetProcessedEvent(ctx context.Context, provider types.Provider, eventID string) (*types.ProcessedEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+processedColumns+` FROM processed_events WHERE provider = ? AND event_id = ?`,
		string(provider), eventID,
	)
	pe, err := scanProcessed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get processed event", err)
	}
	return pe, nil
}

// ListPendingClaims returns PENDING claims made before claimedBefore, oldest
// first.
func (s *Store) ListPendingClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]types.ProcessedEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+processedColumns+` FROM processed_events
		 WHERE outcome = 'PENDING' AND claimed_at < ?
		 ORDER BY claimed_at LIMIT ?`,
		toNanos(claimedBefore), limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list pending claims", err)
	}
	defer rows.Close()

	var out []types.ProcessedEvent
	for rows.Next() {
		pe, err := scanProcessed(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan pending claim", err)
		}
		out = append(out, *pe)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate pending claims", err)
	}
	return out, nil
}

// ListDeliveryAttempts returns every recorded delivery of an event in arrival
// order.
func (s *Store) ListDeliveryAttempts(ctx context.Context, provider types.Provider, eventID string) ([]types.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, event_id, outcome, request_id, received_at
		 FROM delivery_attempts WHERE provider = ? AND event_id = ? ORDER BY id`,
		string(provider), eventID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list delivery attempts", err)
	}
	defer rows.Close()

	var out []types.DeliveryAttempt
	for rows.Next() {
		var a types.DeliveryAttempt
		var p, o string
		var receivedAt int64
		if err := rows.Scan(&p, &a.EventID, &o, &a.RequestID, &receivedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery attempt", err)
		}
		a.Provider = types.Provider(p)
		a.Outcome = types.Outcome(o)
		a.ReceivedAt = fromNanos(receivedAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate delivery attempts", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Subscriptions and audit
// ---------------------------------------------------------------------------

// GetSubscription returns the account's record, or the version-0 NONE record.
func (s *Store) GetSubscription(ctx context.Context, accountID string) (types.SubscriptionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM account_subscriptions WHERE account_id = ?`,
		accountID,
	)
	rec, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.NewSubscriptionRecord(accountID), nil
	}
	if err != nil {
		return types.SubscriptionRecord{}, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription", err)
	}
	return rec, nil
}

// CommitTransition writes next and its audit entry atomically, guarded by a
// compare-and-swap on version.
func (s *Store) CommitTransition(ctx context.Context, expectedVersion int64, next types.SubscriptionRecord, entry types.AuditEntry) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscription_audit WHERE provider = ? AND event_id = ?`,
		string(entry.Provider), entry.EventID,
	).Scan(&exists)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to check audit trail", err)
	}
	if exists > 0 {
		return types.ErrAlreadyApplied
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO account_subscriptions (`+subscriptionColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (account_id) DO NOTHING`,
			next.AccountID, string(next.ActiveProvider), next.ProviderCustomerRef, next.ProviderSubscriptionRef,
			string(next.Status), string(next.Tier), nullableTimePtr(next.PeriodEnd), next.Version,
			toNanos(next.LastEventAt), toNanos(next.UpdatedAt),
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE account_subscriptions
			 SET active_provider = ?, provider_customer_ref = ?, provider_subscription_ref = ?,
			     status = ?, tier = ?, period_end = ?, version = ?, last_event_at = ?, updated_at = ?
			 WHERE account_id = ? AND version = ?`,
			string(next.ActiveProvider), next.ProviderCustomerRef, next.ProviderSubscriptionRef,
			string(next.Status), string(next.Tier), nullableTimePtr(next.PeriodEnd), next.Version,
			toNanos(next.LastEventAt), toNanos(next.UpdatedAt),
			next.AccountID, expectedVersion,
		)
	}
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write subscription", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = types.ErrVersionConflict
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO subscription_audit (
			id, account_id, version, previous_status, new_status, previous_tier, new_tier,
			previous_provider, provider, event_id, event_type, provider_event_time,
			customer_ref, subscription_ref, period_end, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AccountID, entry.Version,
		string(entry.PreviousStatus), string(entry.NewStatus),
		string(entry.PreviousTier), string(entry.NewTier),
		string(entry.PreviousProvider), string(entry.Provider),
		entry.EventID, string(entry.EventType), toNanos(entry.ProviderEventTime),
		entry.CustomerRef, entry.SubscriptionRef, nullableTimePtr(entry.PeriodEnd), toNanos(entry.AppliedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			err = types.ErrVersionConflict
			return err
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append audit entry", err)
	}

	if err = tx.Commit(); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transition", err)
	}
	return nil
}

// ListAudit returns up to limit audit entries for the account in version
// order.
func (s *Store) ListAudit(ctx context.Context, accountID string, limit int) ([]types.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, version, previous_status, new_status, previous_tier, new_tier,
		        previous_provider, provider, event_id, event_type, provider_event_time,
		        customer_ref, subscription_ref, period_end, applied_at
		 FROM subscription_audit WHERE account_id = ? ORDER BY version LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list audit entries", err)
	}
	defer rows.Close()

	var out []types.AuditEntry
	for rows.Next() {
		var (
			e                                        types.AuditEntry
			prevStatus, newStatus, prevTier, newTier string
			prevProvider, provider, eventType        string
			eventTime, appliedAt                     int64
			periodEnd                                sql.NullInt64
		)
		if err := rows.Scan(
			&e.ID, &e.AccountID, &e.Version, &prevStatus, &newStatus, &prevTier, &newTier,
			&prevProvider, &provider, &e.EventID, &eventType, &eventTime,
			&e.CustomerRef, &e.SubscriptionRef, &periodEnd, &appliedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan audit entry", err)
		}
		e.PreviousStatus = types.SubscriptionStatus(prevStatus)
		e.NewStatus = types.SubscriptionStatus(newStatus)
		e.PreviousTier = types.PlanTier(prevTier)
		e.NewTier = types.PlanTier(newTier)
		e.PreviousProvider = types.Provider(prevProvider)
		e.Provider = types.Provider(provider)
		e.EventType = types.EventType(eventType)
		e.ProviderEventTime = fromNanos(eventTime)
		e.PeriodEnd = timePtr(periodEnd)
		e.AppliedAt = fromNanos(appliedAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate audit entries", err)
	}
	return out, nil
}

// ListLapsed returns CANCELLED records whose period ended before cutoff.
func (s *Store) ListLapsed(ctx context.Context, cutoff time.Time, limit int) ([]types.SubscriptionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM account_subscriptions
		 WHERE status = 'CANCELLED' AND period_end IS NOT NULL AND period_end < ?
		 ORDER BY period_end LIMIT ?`,
		toNanos(cutoff), limit,
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

// ---------------------------------------------------------------------------
// Account resolution
// ---------------------------------------------------------------------------

// ResolveAccount maps an event onto an account. An explicit account reference
// must name a registered account; otherwise the provider subscription and
// customer references are matched against existing records.
func (s *Store) ResolveAccount(ctx context.Context, ev *types.NormalizedEvent) (string, error) {
	if ev.AccountRef != "" {
		var id string
		err := s.db.QueryRowContext(ctx, `SELECT id FROM accounts WHERE id = ?`, ev.AccountRef).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return "", types.ErrAccountNotFound
		}
		if err != nil {
			return "", types.NewAppError(types.ErrCodeInternalDB, "failed to resolve account", err)
		}
		return id, nil
	}

	lookups := []struct {
		column, value string
	}{
		{"provider_subscription_ref", ev.SubscriptionRef},
		{"provider_customer_ref", ev.CustomerRef},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		id, err := s.resolveByRef(ctx, ev.Provider, l.column, l.value)
		if errors.Is(err, types.ErrAccountNotFound) {
			continue
		}
		return id, err
	}
	return "", types.ErrAccountNotFound
}

func (s *Store) resolveByRef(ctx context.Context, provider types.Provider, column, value string) (string, error) {
	// column is one of two fixed identifiers chosen by ResolveAccount.
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id FROM account_subscriptions
		 WHERE active_provider = ? AND `+column+` = ? LIMIT 2`,
		string(provider), value,
	)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to resolve account by reference", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", types.NewAppError(types.ErrCodeInternalDB, "failed to scan account id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to iterate account ids", err)
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

// ---------------------------------------------------------------------------
// Scanning helpers
// ---------------------------------------------------------------------------

const subscriptionColumns = `account_id, active_provider, provider_customer_ref, provider_subscription_ref,
	status, tier, period_end, version, last_event_at, updated_at`

const processedColumns = `provider, event_id, event_type, outcome, detail, account_id,
	received_at, claimed_at, finalized_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (types.SubscriptionRecord, error) {
	var (
		rec                    types.SubscriptionRecord
		provider, status, tier string
		periodEnd              sql.NullInt64
		lastEventAt, updatedAt int64
	)
	if err := row.Scan(
		&rec.AccountID, &provider, &rec.ProviderCustomerRef, &rec.ProviderSubscriptionRef,
		&status, &tier, &periodEnd, &rec.Version, &lastEventAt, &updatedAt,
	); err != nil {
		return types.SubscriptionRecord{}, err
	}
	rec.ActiveProvider = types.Provider(provider)
	rec.Status = types.SubscriptionStatus(status)
	rec.Tier = types.PlanTier(tier)
	rec.PeriodEnd = timePtr(periodEnd)
	rec.LastEventAt = fromNanos(lastEventAt)
	rec.UpdatedAt = fromNanos(updatedAt)
	return rec, nil
}

func scanProcessed(row scanner) (*types.ProcessedEvent, error) {
	var (
		pe                           types.ProcessedEvent
		provider, eventType, outcome string
		receivedAt, claimedAt        int64
		finalizedAt                  sql.NullInt64
	)
	if err := row.Scan(
		&provider, &pe.EventID, &eventType, &outcome, &pe.Detail, &pe.AccountID,
		&receivedAt, &claimedAt, &finalizedAt,
	); err != nil {
		return nil, err
	}
	pe.Provider = types.Provider(provider)
	pe.EventType = types.EventType(eventType)
	pe.Outcome = types.Outcome(outcome)
	pe.ReceivedAt = fromNanos(receivedAt)
	pe.ClaimedAt = fromNanos(claimedAt)
	pe.FinalizedAt = timePtr(finalizedAt)
	return &pe, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func claimedAt(claim types.LedgerClaim) time.Time {
	if claim.ClaimedAt.IsZero() {
		return claim.ReceivedAt
	}
	return claim.ClaimedAt
}

// Timestamps are stored as UTC Unix nanoseconds.

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullableNanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().UnixNano()
}

func nullableTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
