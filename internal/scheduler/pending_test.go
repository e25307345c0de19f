package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"billingsync/internal/types"
)

type mockPendingDB struct {
	claims    []types.ProcessedEvent
	err       error
	gotCutoff time.Time
}

func (m *mockPendingDB) ListPendingClaims(_ context.Context, before time.Time, _ int) ([]types.ProcessedEvent, error) {
	m.gotCutoff = before
	if m.err != nil {
		return nil, m.err
	}
	return m.claims, nil
}

type publishedMetric struct {
	name  string
	value float64
	dims  map[string]string
}

type mockPublisher struct {
	published []publishedMetric
	err       error
}

func (m *mockPublisher) Publish(_ context.Context, name string, value float64, dims map[string]string) error {
	m.published = append(m.published, publishedMetric{name: name, value: value, dims: dims})
	return m.err
}

func TestPendingReport_CountsPerProvider(t *testing.T) {
	now := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	db := &mockPendingDB{claims: []types.ProcessedEvent{
		{Provider: types.ProviderStripe, EventID: "evt_1", Outcome: types.OutcomePending, ClaimedAt: now.Add(-time.Hour)},
		{Provider: types.ProviderStripe, EventID: "evt_2", Outcome: types.OutcomePending, ClaimedAt: now.Add(-time.Hour)},
		{Provider: types.ProviderLemonSqueezy, EventID: "ls_1", Outcome: types.OutcomePending, ClaimedAt: now.Add(-time.Hour)},
	}}
	pub := &mockPublisher{}

	r := NewPendingClaimReporter(db, pub, 10*time.Minute, maintenanceTestLogger())
	n, err := r.Report(context.Background(), now, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 pending, got %d", n)
	}
	if !db.gotCutoff.Equal(now.Add(-10 * time.Minute)) {
		t.Errorf("cutoff = %v", db.gotCutoff)
	}

	got := map[string]float64{}
	for _, m := range pub.published {
		if m.name != types.MetricPendingLedgerClaims {
			t.Errorf("unexpected metric %q", m.name)
		}
		got[m.dims[types.DimProvider]] = m.value
	}
	if got["stripe"] != 2 || got["lemonsqueezy"] != 1 {
		t.Errorf("per-provider counts = %v", got)
	}
}

func TestPendingReport_PublishesZeroes(t *testing.T) {
	pub := &mockPublisher{}
	r := NewPendingClaimReporter(&mockPendingDB{}, pub, time.Minute, maintenanceTestLogger())

	n, err := r.Report(context.Background(), time.Now(), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0, got %d", n)
	}
	if len(pub.published) != len(types.Providers) {
		t.Errorf("expected one data point per provider, got %d", len(pub.published))
	}
	for _, m := range pub.published {
		if m.value != 0 {
			t.Errorf("expected zero value, got %v", m.value)
		}
	}
}

func TestPendingReport_NilPublisher(t *testing.T) {
	db := &mockPendingDB{claims: []types.ProcessedEvent{{Provider: types.ProviderStripe, EventID: "evt_1"}}}
	r := NewPendingClaimReporter(db, nil, time.Minute, maintenanceTestLogger())

	n, err := r.Report(context.Background(), time.Now(), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
}

func TestPendingReport_PublishErrorIsNotFatal(t *testing.T) {
	pub := &mockPublisher{err: errors.New("throttled")}
	r := NewPendingClaimReporter(&mockPendingDB{}, pub, time.Minute, maintenanceTestLogger())

	if _, err := r.Report(context.Background(), time.Now(), 100); err != nil {
		t.Fatalf("publish failure must not fail the report: %v", err)
	}
}

func TestPendingReport_ListError(t *testing.T) {
	r := NewPendingClaimReporter(&mockPendingDB{err: errors.New("timeout")}, nil, time.Minute, maintenanceTestLogger())

	if _, err := r.Report(context.Background(), time.Now(), 100); err == nil {
		t.Fatal("expected error")
	}
}
