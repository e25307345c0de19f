package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"billingsync/internal/types"
)

func testLedgerClaim() types.LedgerClaim {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return types.LedgerClaim{
		Provider:    types.ProviderStripe,
		EventID:     "evt_1",
		EventType:   types.EventSubscriptionCreated,
		ReceivedAt:  received,
		ClaimedAt:   received.Add(time.Second),
		RequestID:   "req_1",
		Payload:     []byte{0x28, 0xb5, 0x2f, 0xfd},
		StaleBefore: received.Add(-2 * time.Minute),
	}
}

func TestLedgerRepository_RecordIfNew(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{"fresh insert", "INSERT 0 1", true},
		{"stale claim taken over", "INSERT 0 1", true},
		{"existing claim kept", "INSERT 0 0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewLedgerRepository(db)
			ctx := context.Background()
			claim := testLedgerClaim()

			db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
				if len(args) != 8 {
					return false
				}
				staleBefore, ok := args[7].(*time.Time)
				return args[0] == "STRIPE" &&
					args[1] == "evt_1" &&
					args[5] == claim.ClaimedAt &&
					ok && staleBefore != nil && staleBefore.Equal(claim.StaleBefore)
			})).Return(pgconn.NewCommandTag(tt.tag), nil)

			isNew, err := repo.RecordIfNew(ctx, claim)
			require.NoError(t, err)
			assert.Equal(t, tt.want, isNew)
			db.AssertExpectations(t)
		})
	}
}

func TestLedgerRepository_RecordIfNew_NoTakeoverWithoutLease(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db)
	ctx := context.Background()
	claim := testLedgerClaim()
	claim.StaleBefore = time.Time{}
	claim.ClaimedAt = time.Time{}

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		staleBefore, ok := args[7].(*time.Time)
		return ok && staleBefore == nil && args[5] == claim.ReceivedAt
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	_, err := repo.RecordIfNew(ctx, claim)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestLedgerRepository_RecordIfNew_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	isNew, err := repo.RecordIfNew(ctx, testLedgerClaim())
	require.Error(t, err)
	assert.False(t, isNew)
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
	assert.True(t, types.IsRetryable(err))
}

func TestLedgerRepository_Finalize(t *testing.T) {
	t.Run("pending claim finalized", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewLedgerRepository(db)
		ctx := context.Background()

		db.On("Exec", ctx, mock.AnythingOfType("string"),
			[]any{"STRIPE", "evt_1", "APPLIED", "state_changed", "acct_1"},
		).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

		err := repo.Finalize(ctx, types.ProviderStripe, "evt_1", "acct_1", types.OutcomeApplied, types.DetailStateChanged)
		require.NoError(t, err)
		db.AssertExpectations(t)
	})

	t.Run("terminal claim is not overwritten", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewLedgerRepository(db)
		ctx := context.Background()

		db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
			Return(pgconn.NewCommandTag("UPDATE 0"), nil)

		err := repo.Finalize(ctx, types.ProviderStripe, "evt_1", "", types.OutcomeError, types.DetailOrphanAccount)
		assert.Equal(t, types.ErrCodeConflictConcurrent, types.CodeOf(err))
	})
}

func TestLedgerRepository_Release(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"LEMONSQUEEZY", "ls_1"}).
		Return(pgconn.NewCommandTag("DELETE 1"), nil)

	require.NoError(t, repo.Release(ctx, types.ProviderLemonSqueezy, "ls_1"))
	db.AssertExpectations(t)
}

func TestLedgerRepository_RecordAttempt(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db.On("Exec", ctx, mock.AnythingOfType("string"),
		[]any{"STRIPE", "evt_1", "DUPLICATE_SKIPPED", "req_2", at},
	).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.RecordAttempt(ctx, types.DeliveryAttempt{
		Provider:   types.ProviderStripe,
		EventID:    "evt_1",
		Outcome:    types.OutcomeDuplicateSkipped,
		RequestID:  "req_2",
		ReceivedAt: at,
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestLedgerRepository_GetProcessedEvent(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	finalized := received.Add(time.Second)

	t.Run("found", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewLedgerRepository(db)
		ctx := context.Background()

		db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"STRIPE", "evt_1"}).
			Return(valuesRow(
				types.ProviderStripe, "evt_1", types.EventSubscriptionCreated, types.OutcomeApplied,
				types.DetailStateChanged, "acct_1", received, received, &finalized,
			))

		pe, err := repo.GetProcessedEvent(ctx, types.ProviderStripe, "evt_1")
		require.NoError(t, err)
		require.NotNil(t, pe)
		assert.Equal(t, types.OutcomeApplied, pe.Outcome)
		assert.Equal(t, "acct_1", pe.AccountID)
		require.NotNil(t, pe.FinalizedAt)
		assert.True(t, pe.FinalizedAt.Equal(finalized))
	})

	t.Run("missing", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewLedgerRepository(db)
		ctx := context.Background()

		db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
			Return(&mockRow{scanErr: pgx.ErrNoRows})

		pe, err := repo.GetProcessedEvent(ctx, types.ProviderStripe, "evt_missing")
		require.NoError(t, err)
		assert.Nil(t, pe)
	})
}

func TestLedgerRepository_ListPendingClaims(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db)
	ctx := context.Background()
	cutoff := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	claimed := cutoff.Add(-time.Hour)

	rows := newMockRows([][]any{
		{types.ProviderStripe, "evt_1", types.EventPaymentFailed, types.OutcomePending, "", "", claimed, claimed, nil},
		{types.ProviderLemonSqueezy, "ls_1", types.EventSubscriptionCreated, types.OutcomePending, "", "", claimed, claimed, nil},
	})
	db.On("Query", ctx, mock.AnythingOfType("string"), []any{cutoff, 50}).Return(rows, nil)

	claims, err := repo.ListPendingClaims(ctx, cutoff, 50)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.Equal(t, types.ProviderLemonSqueezy, claims[1].Provider)
	assert.Nil(t, claims[0].FinalizedAt)
	assert.True(t, rows.closed)
}

func TestLedgerRepository_ListPendingClaims_RowsError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db)
	ctx := context.Background()

	rows := newMockRows(nil)
	rows.errVal = errors.New("connection lost")
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	_, err := repo.ListPendingClaims(ctx, time.Now(), 10)
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}

func TestLedgerRepository_ListDeliveryAttempts(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepository(db)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	db.On("Query", ctx, mock.AnythingOfType("string"), []any{"STRIPE", "evt_1"}).
		Return(newMockRows([][]any{
			{types.ProviderStripe, "evt_1", types.OutcomeApplied, "req_1", at},
			{types.ProviderStripe, "evt_1", types.OutcomeDuplicateSkipped, "req_2", at.Add(time.Second)},
		}), nil)

	attempts, err := repo.ListDeliveryAttempts(ctx, types.ProviderStripe, "evt_1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, types.OutcomeDuplicateSkipped, attempts[1].Outcome)
	assert.Equal(t, "req_2", attempts[1].RequestID)
}
