package billing_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingsync/internal/billing"
	"billingsync/internal/config"
	"billingsync/internal/store/sqlite"
	"billingsync/internal/types"
)

type engine struct {
	store     *sqlite.Store
	processor *billing.Processor
	service   *billing.Service
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "engine.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.ProcessingConfig{
		Deadline:       10 * time.Second,
		CASMaxAttempts: 5,
		CASBackoffBase: time.Millisecond,
		CASBackoffMax:  5 * time.Millisecond,
		ClaimLease:     5 * time.Minute,
	}
	require.NoError(t, store.UpsertAccount(context.Background(), "acct_42"))

	return &engine{
		store:     store,
		processor: billing.NewProcessor(store, cfg, logger),
		service:   billing.NewService(store, billing.NewStaticEntitlementPolicy(), logger),
	}
}

func ts(sec int64) time.Time {
	return time.Unix(1_760_000_000+sec, 0).UTC()
}

func stripeEvent(id string, typ types.EventType, sec int64) *types.NormalizedEvent {
	return &types.NormalizedEvent{
		Provider:          types.ProviderStripe,
		EventID:           id,
		EventType:         typ,
		AccountRef:        "acct_42",
		CustomerRef:       "cus_42",
		SubscriptionRef:   "sub_42",
		ProviderEventTime: ts(sec),
	}
}

func (e *engine) deliver(t *testing.T, ev *types.NormalizedEvent) billing.Result {
	t.Helper()
	res, err := e.processor.Process(context.Background(), ev, types.RawDelivery{
		Provider:   ev.Provider,
		Body:       []byte(`{"id":"` + ev.EventID + `"}`),
		ReceivedAt: time.Now().UTC(),
		RequestID:  "req-" + ev.EventID,
	})
	require.NoError(t, err)
	return res
}

func (e *engine) subscription(t *testing.T) *billing.SubscriptionView {
	t.Helper()
	view, err := e.service.GetSubscription(context.Background(), "acct_42")
	require.NoError(t, err)
	return view
}

func created(sec int64) *types.NormalizedEvent {
	ev := stripeEvent("evt_1", types.EventSubscriptionCreated, sec)
	ev.TierHint = types.PlanPro
	return ev
}

func TestEngine_CreatedOnce(t *testing.T) {
	e := newEngine(t)

	res := e.deliver(t, created(100))

	assert.Equal(t, types.OutcomeApplied, res.Outcome)
	view := e.subscription(t)
	assert.Equal(t, types.ProviderStripe, view.ActiveProvider)
	assert.Equal(t, types.SubStatusActive, view.Status)
	assert.Equal(t, types.PlanPro, view.Tier)
	assert.Equal(t, types.PlanPro, view.EffectiveTier)
	assert.Equal(t, int64(1), view.Version)
}

func TestEngine_ConcurrentRedeliveryAppliesOnce(t *testing.T) {
	e := newEngine(t)
	const n = 5

	var wg sync.WaitGroup
	results := make([]billing.Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.processor.Process(context.Background(), created(100), types.RawDelivery{
				Provider:   types.ProviderStripe,
				Body:       []byte(`{"id":"evt_1"}`),
				ReceivedAt: time.Now().UTC(),
			})
		}(i)
	}
	wg.Wait()

	counts := map[types.Outcome]int{}
	for i := range results {
		require.NoError(t, errs[i])
		counts[results[i].Outcome]++
	}
	assert.Equal(t, 1, counts[types.OutcomeApplied])
	assert.Equal(t, n-1, counts[types.OutcomeDuplicateSkipped])

	assert.Equal(t, int64(1), e.subscription(t).Version)

	audit, err := e.service.ListAuditHistory(context.Background(), "acct_42", 0)
	require.NoError(t, err)
	assert.Len(t, audit, 1)

	attempts, err := e.store.ListDeliveryAttempts(context.Background(), types.ProviderStripe, "evt_1")
	require.NoError(t, err)
	assert.Len(t, attempts, n)

	processed, err := e.store.GetProcessedEvent(context.Background(), types.ProviderStripe, "evt_1")
	require.NoError(t, err)
	require.NotNil(t, processed)
	assert.Equal(t, types.OutcomeApplied, processed.Outcome)
}

func TestEngine_StaleEventRejected(t *testing.T) {
	e := newEngine(t)
	e.deliver(t, created(100))

	res := e.deliver(t, stripeEvent("evt_2", types.EventPaymentFailed, 90))

	assert.Equal(t, types.OutcomeRejectedStale, res.Outcome)
	view := e.subscription(t)
	assert.Equal(t, int64(1), view.Version)
	assert.Equal(t, types.SubStatusActive, view.Status)

	processed, err := e.store.GetProcessedEvent(context.Background(), types.ProviderStripe, "evt_2")
	require.NoError(t, err)
	require.NotNil(t, processed)
	assert.Equal(t, types.OutcomeRejectedStale, processed.Outcome)
}

func TestEngine_CrossProviderIsolation(t *testing.T) {
	e := newEngine(t)
	e.deliver(t, created(100))

	ls := &types.NormalizedEvent{
		Provider:          types.ProviderLemonSqueezy,
		EventID:           "evt_9",
		EventType:         types.EventSubscriptionCreated,
		AccountRef:        "acct_42",
		SubscriptionRef:   "ls_sub_1",
		ProviderEventTime: ts(150),
	}
	res := e.deliver(t, ls)

	assert.Equal(t, types.OutcomeError, res.Outcome)
	assert.Equal(t, types.DetailPolicyViolation, res.Detail)
	view := e.subscription(t)
	assert.Equal(t, types.ProviderStripe, view.ActiveProvider)
	assert.Equal(t, int64(1), view.Version)
}

func TestEngine_CancelVisibleImmediately(t *testing.T) {
	e := newEngine(t)
	e.deliver(t, created(100))

	end := ts(86_400)
	cancel := stripeEvent("evt_3", types.EventSubscriptionCancelled, 200)
	cancel.PeriodEndHint = &end
	res := e.deliver(t, cancel)

	assert.Equal(t, types.DetailStateChanged, res.Detail)
	view := e.subscription(t)
	assert.Equal(t, types.SubStatusCancelled, view.Status)
	assert.Equal(t, int64(2), view.Version)
	require.NotNil(t, view.PeriodEnd)
	assert.True(t, view.PeriodEnd.Equal(end))
}

func TestEngine_OrderingRobustness(t *testing.T) {
	early := stripeEvent("evt_a", types.EventPaymentFailed, 200)
	late := stripeEvent("evt_b", types.EventPaymentSucceeded, 300)

	inOrder := newEngine(t)
	inOrder.deliver(t, created(100))
	inOrder.deliver(t, early)
	inOrder.deliver(t, late)

	reversed := newEngine(t)
	reversed.deliver(t, created(100))
	reversed.deliver(t, late)
	res := reversed.deliver(t, early)
	assert.Equal(t, types.OutcomeRejectedStale, res.Outcome)

	a, b := inOrder.subscription(t), reversed.subscription(t)
	assert.Equal(t, a.Status, b.Status)
	assert.Equal(t, a.Tier, b.Tier)
	assert.Equal(t, a.ActiveProvider, b.ActiveProvider)
	assert.True(t, a.LastEventAt.Equal(b.LastEventAt))
}

func TestEngine_NoOpEventAdvancesRecordedTime(t *testing.T) {
	e := newEngine(t)
	e.deliver(t, created(100))

	paid := e.deliver(t, stripeEvent("evt_2", types.EventPaymentSucceeded, 300))
	assert.Equal(t, types.OutcomeApplied, paid.Outcome)
	assert.Equal(t, types.DetailNoOp, paid.Detail)
	view := e.subscription(t)
	assert.Equal(t, int64(2), view.Version)
	assert.True(t, view.LastEventAt.Equal(ts(300)))

	late := e.deliver(t, stripeEvent("evt_3", types.EventPaymentFailed, 200))
	assert.Equal(t, types.OutcomeRejectedStale, late.Outcome)
	view = e.subscription(t)
	assert.Equal(t, types.SubStatusActive, view.Status)
	assert.Equal(t, int64(2), view.Version)

	audit, err := e.service.ListAuditHistory(context.Background(), "acct_42", 0)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	replayed := billing.Replay("acct_42", audit)
	assert.Equal(t, view.Version, replayed.Version)
	assert.Equal(t, view.Status, replayed.Status)
	assert.True(t, view.LastEventAt.Equal(replayed.LastEventAt))
}

func TestEngine_OrphanAccount(t *testing.T) {
	e := newEngine(t)
	ev := stripeEvent("evt_x", types.EventSubscriptionCreated, 100)
	ev.AccountRef = "acct_missing"

	res := e.deliver(t, ev)

	assert.Equal(t, types.OutcomeError, res.Outcome)
	assert.Equal(t, types.DetailOrphanAccount, res.Detail)
	assert.Equal(t, int64(0), e.subscription(t).Version)
}

func TestEngine_ResolvesBySubscriptionRef(t *testing.T) {
	e := newEngine(t)
	e.deliver(t, created(100))

	ev := stripeEvent("evt_4", types.EventPaymentFailed, 150)
	ev.AccountRef = ""
	res := e.deliver(t, ev)

	assert.Equal(t, "acct_42", res.AccountID)
	assert.Equal(t, types.SubStatusPastDue, e.subscription(t).Status)
}

func TestEngine_AuditReplayReconstructsRecord(t *testing.T) {
	e := newEngine(t)
	end := ts(86_400)

	e.deliver(t, created(100))
	e.deliver(t, stripeEvent("evt_2", types.EventPaymentFailed, 200))
	e.deliver(t, stripeEvent("evt_3", types.EventPaymentSucceeded, 300))
	cancel := stripeEvent("evt_4", types.EventSubscriptionCancelled, 400)
	cancel.PeriodEndHint = &end
	e.deliver(t, cancel)
	e.deliver(t, stripeEvent("evt_5", types.EventSubscriptionExpired, 500))

	view := e.subscription(t)
	require.Equal(t, int64(5), view.Version)
	assert.Equal(t, types.SubStatusExpired, view.Status)
	assert.Equal(t, types.PlanFree, view.Tier)

	audit, err := e.service.ListAuditHistory(context.Background(), "acct_42", 0)
	require.NoError(t, err)
	require.Len(t, audit, 5)
	for i, entry := range audit {
		assert.Equal(t, int64(i+1), entry.Version)
	}

	replayed := billing.Replay("acct_42", audit)
	stored := view.SubscriptionRecord
	assert.Equal(t, stored.Status, replayed.Status)
	assert.Equal(t, stored.Tier, replayed.Tier)
	assert.Equal(t, stored.ActiveProvider, replayed.ActiveProvider)
	assert.Equal(t, stored.ProviderCustomerRef, replayed.ProviderCustomerRef)
	assert.Equal(t, stored.ProviderSubscriptionRef, replayed.ProviderSubscriptionRef)
	assert.Equal(t, stored.Version, replayed.Version)
	assert.True(t, stored.LastEventAt.Equal(replayed.LastEventAt))
	require.NotNil(t, replayed.PeriodEnd)
	assert.True(t, stored.PeriodEnd.Equal(*replayed.PeriodEnd))
}

func TestEngine_ProviderSwitchAfterCancellation(t *testing.T) {
	e := newEngine(t)
	e.deliver(t, created(100))
	e.deliver(t, stripeEvent("evt_2", types.EventSubscriptionCancelled, 200))

	ls := &types.NormalizedEvent{
		Provider:          types.ProviderLemonSqueezy,
		EventID:           "ls_1",
		EventType:         types.EventSubscriptionCreated,
		AccountRef:        "acct_42",
		CustomerRef:       "ls_cus",
		SubscriptionRef:   "ls_sub",
		TierHint:          types.PlanEnterprise,
		ProviderEventTime: ts(300),
	}
	res := e.deliver(t, ls)

	assert.Equal(t, types.DetailStateChanged, res.Detail)
	view := e.subscription(t)
	assert.Equal(t, types.ProviderLemonSqueezy, view.ActiveProvider)
	assert.Equal(t, types.PlanEnterprise, view.Tier)
	assert.Equal(t, int64(3), view.Version)
}
