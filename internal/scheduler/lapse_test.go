package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"billingsync/internal/billing"
	"billingsync/internal/types"
)

func maintenanceTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// ============================================================
// Mock: LapseDB
// ============================================================

type mockLapseDB struct {
	records   []types.SubscriptionRecord
	err       error
	gotCutoff time.Time
	gotLimit  int
}

func (m *mockLapseDB) ListLapsed(_ context.Context, cutoff time.Time, limit int) ([]types.SubscriptionRecord, error) {
	m.gotCutoff = cutoff
	m.gotLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.records, nil
}

// ============================================================
// Mock: EventProcessor
// ============================================================

type mockProcessor struct {
	mu      sync.Mutex
	events  []*types.NormalizedEvent
	results map[string]billing.Result
	failFor map[string]error
}

func (m *mockProcessor) Process(_ context.Context, ev *types.NormalizedEvent, _ types.RawDelivery) (billing.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if err, ok := m.failFor[ev.AccountRef]; ok {
		return billing.Result{}, err
	}
	if res, ok := m.results[ev.AccountRef]; ok {
		return res, nil
	}
	return billing.Result{Outcome: types.OutcomeApplied, Detail: types.DetailStateChanged}, nil
}

func cancelledRecord(account string, version int64, periodEnd time.Time) types.SubscriptionRecord {
	return types.SubscriptionRecord{
		AccountID:               account,
		ActiveProvider:          types.ProviderStripe,
		ProviderSubscriptionRef: "sub_" + account,
		Status:                  types.SubStatusCancelled,
		Tier:                    types.PlanPro,
		PeriodEnd:               &periodEnd,
		Version:                 version,
		LastEventAt:             periodEnd.Add(-72 * time.Hour),
	}
}

func TestExpireLapsed_Success(t *testing.T) {
	now := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	db := &mockLapseDB{records: []types.SubscriptionRecord{
		cancelledRecord("acct_1", 3, now.Add(-48*time.Hour)),
		cancelledRecord("acct_2", 7, now.Add(-30*time.Hour)),
	}}
	proc := &mockProcessor{}

	sweeper := NewLapseSweeper(db, proc, 24*time.Hour, maintenanceTestLogger())
	n, err := sweeper.ExpireLapsed(context.Background(), now, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 expired, got %d", n)
	}
	if !db.gotCutoff.Equal(now.Add(-24 * time.Hour)) {
		t.Errorf("cutoff = %v, want now-24h", db.gotCutoff)
	}
	if db.gotLimit != 50 {
		t.Errorf("limit = %d, want 50", db.gotLimit)
	}
	if len(proc.events) != 2 {
		t.Fatalf("expected 2 processed events, got %d", len(proc.events))
	}
	if proc.events[0].EventID != "lapse:acct_1:3" {
		t.Errorf("event id = %q", proc.events[0].EventID)
	}
	if proc.events[1].EventType != types.EventSubscriptionExpired {
		t.Errorf("event type = %q", proc.events[1].EventType)
	}
}

func TestExpireLapsed_Empty(t *testing.T) {
	proc := &mockProcessor{}
	sweeper := NewLapseSweeper(&mockLapseDB{}, proc, time.Hour, maintenanceTestLogger())

	n, err := sweeper.ExpireLapsed(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 || len(proc.events) != 0 {
		t.Errorf("expected nothing processed, got n=%d events=%d", n, len(proc.events))
	}
}

func TestExpireLapsed_ListError(t *testing.T) {
	db := &mockLapseDB{err: errors.New("connection refused")}
	sweeper := NewLapseSweeper(db, &mockProcessor{}, time.Hour, maintenanceTestLogger())

	if _, err := sweeper.ExpireLapsed(context.Background(), time.Now(), 10); err == nil {
		t.Fatal("expected error")
	}
}

func TestExpireLapsed_ContinuesPastFailures(t *testing.T) {
	now := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	db := &mockLapseDB{records: []types.SubscriptionRecord{
		cancelledRecord("acct_bad", 1, now.Add(-48*time.Hour)),
		cancelledRecord("acct_dup", 2, now.Add(-48*time.Hour)),
		cancelledRecord("acct_ok", 3, now.Add(-48*time.Hour)),
	}}
	proc := &mockProcessor{
		failFor: map[string]error{"acct_bad": types.NewAppError(types.ErrCodeInternalDB, "down", nil)},
		results: map[string]billing.Result{"acct_dup": {Outcome: types.OutcomeDuplicateSkipped}},
	}

	n, err := NewLapseSweeper(db, proc, 24*time.Hour, maintenanceTestLogger()).ExpireLapsed(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired, got %d", n)
	}
	if len(proc.events) != 3 {
		t.Errorf("expected all 3 records attempted, got %d", len(proc.events))
	}
}

func TestLapseEvent(t *testing.T) {
	periodEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("period end plus grace", func(t *testing.T) {
		rec := cancelledRecord("acct_42", 2, periodEnd)
		ev := LapseEvent(rec, 24*time.Hour)

		if ev.EventID != "lapse:acct_42:2" {
			t.Errorf("EventID = %q", ev.EventID)
		}
		if ev.Provider != types.ProviderStripe {
			t.Errorf("Provider = %q", ev.Provider)
		}
		if ev.AccountRef != "acct_42" || ev.SubscriptionRef != "sub_acct_42" {
			t.Errorf("refs = %q / %q", ev.AccountRef, ev.SubscriptionRef)
		}
		if want := periodEnd.Add(24 * time.Hour); !ev.ProviderEventTime.Equal(want) {
			t.Errorf("ProviderEventTime = %v, want %v", ev.ProviderEventTime, want)
		}
	})

	t.Run("never older than last event", func(t *testing.T) {
		rec := cancelledRecord("acct_42", 2, periodEnd)
		rec.LastEventAt = periodEnd.Add(48 * time.Hour)
		ev := LapseEvent(rec, time.Hour)

		if !ev.ProviderEventTime.Equal(rec.LastEventAt) {
			t.Errorf("ProviderEventTime = %v, want %v", ev.ProviderEventTime, rec.LastEventAt)
		}
	})

	t.Run("version changes the id", func(t *testing.T) {
		a := LapseEvent(cancelledRecord("acct_42", 2, periodEnd), time.Hour)
		b := LapseEvent(cancelledRecord("acct_42", 3, periodEnd), time.Hour)
		if a.EventID == b.EventID {
			t.Errorf("expected distinct ids, both %q", a.EventID)
		}
	})
}
