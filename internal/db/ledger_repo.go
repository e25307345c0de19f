package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"billingsync/internal/types"
)

// LedgerRepository manages the idempotency ledger (processed_events) and the
// per-delivery log (delivery_attempts).
//
// Key invariants:
//   - At most one row per (provider, event_id); the primary key arbitrates
//     concurrent claims.
//   - A terminal outcome is never overwritten. Finalize and Release only
//     touch PENDING rows.
type LedgerRepository struct {
	db DBTX
}

// NewLedgerRepository creates a new LedgerRepository backed by the given
// database connection (pool or transaction).
func NewLedgerRepository(db DBTX) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// RecordIfNew inserts a PENDING claim. When a row already exists, it is taken
// over only if it is still PENDING and was claimed before claim.StaleBefore;
// a NULL StaleBefore never matches.
//
// RowsAffected is 1 for a fresh insert or a takeover, and 0 otherwise.
func (r *LedgerRepository) RecordIfNew(ctx context.Context, claim types.LedgerClaim) (bool, error) {
	claimedAt := claim.ClaimedAt
	if claimedAt.IsZero() {
		claimedAt = claim.ReceivedAt
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO processed_events
		   (provider, event_id, event_type, outcome, request_id, received_at, claimed_at, payload)
		 VALUES ($1, $2, $3, 'PENDING', $4, $5, $6, $7)
		 ON CONFLICT (provider, event_id) DO UPDATE
		   SET claimed_at = EXCLUDED.claimed_at,
		       request_id = EXCLUDED.request_id,
		       received_at = EXCLUDED.received_at
		   WHERE processed_events.outcome = 'PENDING'
		     AND processed_events.claimed_at < $8`,
		string(claim.Provider),
		claim.EventID,
		string(claim.EventType),
		claim.RequestID,
		claim.ReceivedAt,
		claimedAt,
		claim.Payload,
		nilIfZeroTime(claim.StaleBefore),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record ledger claim", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Finalize moves a PENDING claim to its terminal outcome. Returns
// ErrCodeConflictConcurrent when the claim is no longer PENDING.
func (r *LedgerRepository) Finalize(ctx context.Context, provider types.Provider, eventID, accountID string, outcome types.Outcome, detail string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE processed_events
		 SET outcome = $3, detail = $4, account_id = $5, finalized_at = NOW()
		 WHERE provider = $1 AND event_id = $2 AND outcome = 'PENDING'`,
		string(provider),
		eventID,
		string(outcome),
		detail,
		accountID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finalize ledger claim", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "ledger claim is no longer pending", nil)
	}
	return nil
}

// Release deletes a PENDING claim so the next delivery is processed afresh.
func (r *LedgerRepository) Release(ctx context.Context, provider types.Provider, eventID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM processed_events
		 WHERE provider = $1 AND event_id = $2 AND outcome = 'PENDING'`,
		string(provider),
		eventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release ledger claim", err)
	}
	return nil
}

// RecordAttempt appends a delivery attempt row.
func (r *LedgerRepository) RecordAttempt(ctx context.Context, a types.DeliveryAttempt) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO delivery_attempts (provider, event_id, outcome, request_id, received_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(a.Provider),
		a.EventID,
		string(a.Outcome),
		a.RequestID,
		a.ReceivedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record delivery attempt", err)
	}
	return nil
}

const processedColumns = `provider, event_id, event_type, outcome, detail, account_id,
	received_at, claimed_at, finalized_at`

// GetProcessedEvent returns the ledger row for an event, or nil when the
// event was never claimed.
func (r *LedgerRepository) GetProcessedEvent(ctx context.Context, provider types.Provider, eventID string) (*types.ProcessedEvent, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+processedColumns+`
		 FROM processed_events WHERE provider = $1 AND event_id = $2`,
		string(provider),
		eventID,
	)
	pe, err := scanProcessedEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get processed event", err)
	}
	return pe, nil
}

// ListPendingClaims returns PENDING claims made before claimedBefore, oldest
// first.
func (r *LedgerRepository) ListPendingClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]types.ProcessedEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+processedColumns+`
		 FROM processed_events
		 WHERE outcome = 'PENDING' AND claimed_at < $1
		 ORDER BY claimed_at
		 LIMIT $2`,
		claimedBefore,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list pending claims", err)
	}
	defer rows.Close()

	var out []types.ProcessedEvent
	for rows.Next() {
		pe, err := scanProcessedEvent(rows)
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
func (r *LedgerRepository) ListDeliveryAttempts(ctx context.Context, provider types.Provider, eventID string) ([]types.DeliveryAttempt, error) {
	rows, err := r.db.Query(ctx,
		`SELECT provider, event_id, outcome, request_id, received_at
		 FROM delivery_attempts
		 WHERE provider = $1 AND event_id = $2
		 ORDER BY id`,
		string(provider),
		eventID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list delivery attempts", err)
	}
	defer rows.Close()

	var out []types.DeliveryAttempt
	for rows.Next() {
		var a types.DeliveryAttempt
		if err := rows.Scan(&a.Provider, &a.EventID, &a.Outcome, &a.RequestID, &a.ReceivedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery attempt", err)
		}
		a.ReceivedAt = a.ReceivedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate delivery attempts", err)
	}
	return out, nil
}

func scanProcessedEvent(row pgx.Row) (*types.ProcessedEvent, error) {
	var pe types.ProcessedEvent
	if err := row.Scan(
		&pe.Provider,
		&pe.EventID,
		&pe.EventType,
		&pe.Outcome,
		&pe.Detail,
		&pe.AccountID,
		&pe.ReceivedAt,
		&pe.ClaimedAt,
		&pe.FinalizedAt,
	); err != nil {
		return nil, err
	}
	pe.ReceivedAt = pe.ReceivedAt.UTC()
	pe.ClaimedAt = pe.ClaimedAt.UTC()
	pe.FinalizedAt = utcPtr(pe.FinalizedAt)
	return &pe, nil
}
