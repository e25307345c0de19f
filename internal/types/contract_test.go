package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"testing"
	"time"
)

// snakeCaseRegexp matches strings that are strictly snake_case:
// lowercase letters, digits, and underscores only.
var snakeCaseRegexp = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)

func isSnakeCase(key string) bool {
	return snakeCaseRegexp.MatchString(key)
}

// assertAllKeysSnakeCase recursively walks a JSON value and asserts that every
// object key is strictly snake_case. The path parameter tracks the JSON path
// for clear error messages.
func assertAllKeysSnakeCase(t *testing.T, path string, v interface{}) {
	t.Helper()

	switch val := v.(type) {
	case map[string]interface{}:
		for key, child := range val {
			fullPath := key
			if path != "" {
				fullPath = path + "." + key
			}
			if !isSnakeCase(key) {
				t.Errorf("JSON key %q at path %q is not snake_case", key, fullPath)
			}
			assertAllKeysSnakeCase(t, fullPath, child)
		}
	case []interface{}:
		for i, item := range val {
			assertAllKeysSnakeCase(t, fmt.Sprintf("%s[%d]", path, i), item)
		}
	default:
	}
}

// marshalToMap marshals v and returns its top-level object.
func marshalToMap(t *testing.T, v interface{}) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal %T: %v", v, err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("%T did not marshal to a JSON object: %v", v, err)
	}
	assertAllKeysSnakeCase(t, "", raw)
	return raw
}

// TestReadModelSnakeCaseContract verifies every type served by the read API
// and printed by billingctl carries snake_case json tags. A missing tag
// surfaces as a PascalCase key.
func TestReadModelSnakeCaseContract(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := now.Add(30 * 24 * time.Hour)

	tests := []struct {
		name     string
		value    interface{}
		wantKeys int
	}{
		{
			name: "SubscriptionRecord",
			value: SubscriptionRecord{
				AccountID:               "acct_1",
				ActiveProvider:          ProviderStripe,
				ProviderCustomerRef:     "cus_1",
				ProviderSubscriptionRef: "sub_1",
				Status:                  SubStatusActive,
				Tier:                    PlanPro,
				PeriodEnd:               &end,
				Version:                 3,
				LastEventAt:             now,
				UpdatedAt:               now,
			},
			wantKeys: 10,
		},
		{
			name: "AuditEntry",
			value: AuditEntry{
				ID:                "01J0000000000000000000000",
				AccountID:         "acct_1",
				Version:           1,
				PreviousStatus:    SubStatusNone,
				NewStatus:         SubStatusActive,
				PreviousTier:      PlanFree,
				NewTier:           PlanPro,
				PreviousProvider:  ProviderNone,
				Provider:          ProviderStripe,
				EventID:           "evt_1",
				EventType:         EventSubscriptionCreated,
				ProviderEventTime: now,
				CustomerRef:       "cus_1",
				SubscriptionRef:   "sub_1",
				PeriodEnd:         &end,
				AppliedAt:         now,
			},
			wantKeys: 16,
		},
		{
			name: "ProcessedEvent",
			value: ProcessedEvent{
				Provider:    ProviderLemonSqueezy,
				EventID:     "ls_1",
				EventType:   EventPaymentFailed,
				AccountID:   "acct_1",
				Outcome:     OutcomeApplied,
				Detail:      DetailStateChanged,
				ReceivedAt:  now,
				ClaimedAt:   now,
				FinalizedAt: &now,
			},
			wantKeys: 9,
		},
		{
			name: "DeliveryAttempt",
			value: DeliveryAttempt{
				Provider:   ProviderStripe,
				EventID:    "evt_1",
				Outcome:    OutcomeDuplicateSkipped,
				RequestID:  "req_1",
				ReceivedAt: now,
			},
			wantKeys: 5,
		},
		{
			name: "NormalizedEvent",
			value: NormalizedEvent{
				Provider:          ProviderStripe,
				EventID:           "evt_1",
				EventType:         EventSubscriptionCancelled,
				ProviderEventType: "customer.subscription.deleted",
				AccountRef:        "acct_1",
				SubscriptionRef:   "sub_1",
				CustomerRef:       "cus_1",
				StatusHint:        SubStatusCancelled,
				TierHint:          PlanPro,
				PeriodEndHint:     &end,
				ProviderEventTime: now,
			},
			wantKeys: 11,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := marshalToMap(t, tt.value)
			if len(raw) != tt.wantKeys {
				t.Errorf("%s has %d top-level keys, expected %d; fields may be missing json tags",
					tt.name, len(raw), tt.wantKeys)
			}
		})
	}
}

// TestOmittedFieldsSnakeCaseContract verifies the never-seen record still
// marshals with snake_case keys once omitempty fields drop out.
func TestOmittedFieldsSnakeCaseContract(t *testing.T) {
	raw := marshalToMap(t, NewSubscriptionRecord("acct_new"))

	for _, key := range []string{"period_end", "provider_customer_ref", "provider_subscription_ref"} {
		if _, ok := raw[key]; ok {
			t.Errorf("expected %q to be omitted for a never-seen account", key)
		}
	}
	if raw["status"] != string(SubStatusNone) {
		t.Errorf("expected status NONE, got %v", raw["status"])
	}
}

// TestSnakeCaseHelperFunction validates the isSnakeCase helper itself.
func TestSnakeCaseHelperFunction(t *testing.T) {
	valid := []string{
		"account_id",
		"active_provider",
		"provider_event_time",
		"last_event_at",
		"version",
		"id",
	}
	for _, key := range valid {
		if !isSnakeCase(key) {
			t.Errorf("Expected %q to be valid snake_case", key)
		}
	}

	invalid := []string{
		"AccountID",   // PascalCase (missing json tag)
		"accountId",   // camelCase
		"event-id",    // kebab-case
		"_version",    // leading underscore
		"last__event", // double underscore
		"",
	}
	for _, key := range invalid {
		if isSnakeCase(key) {
			t.Errorf("Expected %q to be invalid snake_case", key)
		}
	}
}
