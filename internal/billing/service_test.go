package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"billingsync/internal/types"
)

func TestService_GetSubscription(t *testing.T) {
	store := new(mockStore)
	svc := NewService(store, nil, discardLogger())

	rec := record(types.ProviderStripe, types.SubStatusPastDue, types.PlanEnterprise, 4, at(0))
	store.On("GetSubscription", mock.Anything, "acct_1").Return(rec, nil)

	view, err := svc.GetSubscription(context.Background(), "acct_1")

	require.NoError(t, err)
	assert.Equal(t, int64(4), view.Version)
	assert.Equal(t, types.PlanEnterprise, view.EffectiveTier)
}

func TestService_GetSubscription_UnknownAccountIsNone(t *testing.T) {
	store := new(mockStore)
	svc := NewService(store, nil, discardLogger())
	store.On("GetSubscription", mock.Anything, "acct_new").Return(types.NewSubscriptionRecord("acct_new"), nil)

	view, err := svc.GetSubscription(context.Background(), "acct_new")

	require.NoError(t, err)
	assert.Equal(t, types.SubStatusNone, view.Status)
	assert.Equal(t, types.PlanFree, view.EffectiveTier)
	assert.Equal(t, int64(0), view.Version)
}

func TestService_GetSubscription_Errors(t *testing.T) {
	store := new(mockStore)
	svc := NewService(store, nil, discardLogger())

	_, err := svc.GetSubscription(context.Background(), "")
	assert.Equal(t, types.ErrCodeValidationMissingField, types.CodeOf(err))

	dbErr := types.NewAppError(types.ErrCodeInternalDB, "boom", errors.New("down"))
	store.On("GetSubscription", mock.Anything, "acct_1").Return(types.SubscriptionRecord{}, dbErr)

	_, err = svc.GetSubscription(context.Background(), "acct_1")
	assert.ErrorIs(t, err, dbErr)
}

func TestService_ListAuditHistory_Limits(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"default", 0, DefaultAuditLimit},
		{"negative", -5, DefaultAuditLimit},
		{"within range", 10, 10},
		{"capped", 50_000, MaxAuditLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(mockStore)
			svc := NewService(store, nil, discardLogger())
			store.On("ListAudit", mock.Anything, "acct_1", tt.want).Return(nil, nil)

			entries, err := svc.ListAuditHistory(context.Background(), "acct_1", tt.limit)

			require.NoError(t, err)
			assert.NotNil(t, entries)
			assert.Empty(t, entries)
			store.AssertExpectations(t)
		})
	}
}

func TestReplay_EmptyHistory(t *testing.T) {
	rec := Replay("acct_1", nil)
	assert.Equal(t, types.NewSubscriptionRecord("acct_1"), rec)
}
