package schema

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusInitialized      RunStatus = "initialized"
	RunStatusRunning          RunStatus = "running"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusRejected         RunStatus = "rejected"
	RunStatusTimedOut         RunStatus = "timed_out"
	RunStatusFailed           RunStatus = "failed"
	RunStatusCancelled        RunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal run state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusRejected, RunStatusTimedOut, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// ApprovalStatus represents the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "pending"
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusModified  ApprovalStatus = "modified"
	ApprovalStatusRejected  ApprovalStatus = "rejected"
	ApprovalStatusTimedOut  ApprovalStatus = "timed_out"
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
)

// Decision is the verdict delivered by an approver.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionModify  Decision = "modify"
	DecisionReject  Decision = "reject"
)

// TimeoutPolicy controls how the orchestrator treats an approval that
// expired without a decision.
type TimeoutPolicy string

const (
	// TimeoutPolicyReject treats expiry as a rejection: the run terminates
	// in TimedOut and the mutating stage never executes.
	TimeoutPolicyReject TimeoutPolicy = "reject"

	// TimeoutPolicyRetain leaves the run suspended; the approval stays
	// expired but the run waits for an explicit resume or cancel.
	TimeoutPolicyRetain TimeoutPolicy = "retain"
)
