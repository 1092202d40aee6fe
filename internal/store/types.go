package store

import (
	"encoding/json"
	"time"

	"github.com/stewardhq/steward/pkg/schema"
)

// Run is the persisted representation of one pipeline execution for one
// target record. The Version stamp implements optimistic locking: every
// update carries the version it read, and a mismatch is a conflict.
type Run struct {
	ID           string                    `json:"id"`
	TargetID     string                    `json:"target_id"`
	RequesterID  string                    `json:"requester_id"`
	PipelineName string                    `json:"pipeline_name"`
	Pipeline     schema.PipelineDefinition `json:"pipeline"` // definition snapshot at run start
	Status       schema.RunStatus          `json:"status"`
	CurrentStage int                       `json:"current_stage_index"`
	State        json.RawMessage           `json:"state,omitempty"` // accumulated stage outputs
	Reason       string                    `json:"reason,omitempty"`
	LastStage    string                    `json:"last_completed_stage,omitempty"`
	ActiveMs     int64                     `json:"active_ms"` // active execution time, approval waits excluded
	Version      int64                     `json:"version"`
	TTLSeconds   int                       `json:"ttl_seconds"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// StageRecord is the persisted outcome of one stage invocation, appended
// to the run's stage history and never mutated after completion.
type StageRecord struct {
	RunID       string          `json:"run_id"`
	StageIndex  int             `json:"stage_index"`
	StageName   string          `json:"stage_name"`
	Mutating    bool            `json:"mutating"`
	Degraded    bool            `json:"degraded,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
}

// Approval is a pending or resolved human decision gating a mutating stage.
type Approval struct {
	ID              string                `json:"approval_id"`
	RunID           string                `json:"run_id"`
	StageName       string                `json:"stage_name"`
	StageIndex      int                   `json:"stage_index"`
	Proposed        json.RawMessage       `json:"proposed_action"`
	Status          schema.ApprovalStatus `json:"status"`
	DecidedBy       string                `json:"decided_by,omitempty"`
	DecisionReason  string                `json:"decision_reason,omitempty"`
	ModifiedPayload json.RawMessage       `json:"modified_payload,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	DeadlineAt      time.Time             `json:"deadline_at"`
	DecidedAt       *time.Time            `json:"decided_at,omitempty"`
}

// AuditEvent is an immutable entry in the append-only audit log.
// Sequence is monotonically increasing per run, in the order observed
// by the writing component.
type AuditEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Stage     string          `json:"stage,omitempty"`
	Type      string          `json:"event_type"`
	Tier      string          `json:"tier,omitempty"`
	LatencyMs int64           `json:"latency_ms,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Pipeline is a registered pipeline definition.
type Pipeline struct {
	Name       string                    `json:"name"`
	Definition schema.PipelineDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// --- Filter and update types ---

// RunUpdate specifies mutable fields of a run. All writes go through
// UpdateRun with the version the caller read.
type RunUpdate struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	CurrentStage *int              `json:"current_stage_index,omitempty"`
	State        json.RawMessage   `json:"state,omitempty"`
	Reason       *string           `json:"reason,omitempty"`
	LastStage    *string           `json:"last_completed_stage,omitempty"`
	ActiveMs     *int64            `json:"active_ms,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	TargetID     string            `json:"target_id,omitempty"`
	PipelineName string            `json:"pipeline_name,omitempty"`
	Since        *time.Time        `json:"since,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// AuditFilter specifies criteria for listing audit events.
type AuditFilter struct {
	RunID     string     `json:"run_id,omitempty"`
	Stage     string     `json:"stage,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Tier      string     `json:"tier,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}
