// Package scheduler implements the scheduled maintenance jobs of the billing
// sync service.
//
// The MaintenancePayload is the JSON structure sent by EventBridge rules to the
// maintenance Lambda. The TaskType determines which job runs.
package scheduler

import "time"

// TaskType identifies which maintenance job should handle an EventBridge event.
type TaskType string

const (
	// TaskExpireLapsed moves cancelled subscriptions past their period end
	// (plus grace) to EXPIRED.
	TaskExpireLapsed TaskType = "expire_lapsed"
	// TaskReportPending reports ledger claims stuck in PENDING.
	TaskReportPending TaskType = "report_pending"
)

// MaintenancePayload is the JSON payload sent by EventBridge to the
// maintenance Lambda function:
//
//	{
//	  "task": "expire_lapsed",
//	  "reference_time": "2026-02-06T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime allows manual invocation to specify a different "now" for
	// deterministic execution and backfilling. If nil, time.Now().UTC() is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
