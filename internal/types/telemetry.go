package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricPendingLedgerClaims = "PendingLedgerClaims"
	MetricLapsedExpired       = "LapsedSubscriptionsExpired"
	MetricReplayProcessed     = "ReplayMessagesProcessed"
	MetricReplayFailed        = "ReplayMessagesFailed"

	// Dimension Keys
	DimProvider  = "Provider"
	DimEventType = "EventType"
	DimOutcome   = "Outcome"

	// Metric Namespace
	MetricNamespace = "BillingSync"
)

// Log message prefixes for signals that operators alert on.
const (
	LogSecurityEvent  = "SECURITY_EVENT"
	LogReconcileAlert = "RECONCILE_ALERT"
)
