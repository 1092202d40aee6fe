package schema

// Audit event type constants. Every stage execution, every backend call
// attempt, and every approval decision produces exactly one record.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunRejected  = "run_rejected"
	EventRunTimedOut  = "run_timed_out"
	EventRunCancelled = "run_cancelled"
	EventRunSuspended = "run_suspended"
	EventRunResumed   = "run_resumed"
	EventRunArchived  = "run_archived"

	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
	EventStageFailed    = "stage_failed"
	EventStageSkipped   = "stage_skipped"
	EventStageRetrying  = "stage_retrying"

	EventBackendCall = "backend_call"

	EventApprovalRequested    = "approval_requested"
	EventApprovalDecided      = "approval_decided"
	EventApprovalExpired      = "approval_expired"
	EventApprovalAutoApproved = "approval_auto_approved"

	EventCircuitOpened   = "circuit_opened"
	EventCircuitHalfOpen = "circuit_half_open"
	EventCircuitClosed   = "circuit_closed"
)
