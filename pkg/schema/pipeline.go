package schema

import "encoding/json"

// PipelineDefinition is the JSON-serializable description of a fixed,
// ordered stage pipeline for one target record. Pipelines are registered
// by name and resolved at run start.
type PipelineDefinition struct {
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Stages           []StageDescriptor `json:"stages"`
	ApprovalDeadline string            `json:"approval_deadline,omitempty"` // e.g. "5m" (default: 5m)
	ActiveBudget     string            `json:"active_budget,omitempty"`     // total active execution budget (default: 10m)
	OnTimeout        string            `json:"on_timeout,omitempty"`        // reject | retain (default: reject)
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

// StageDescriptor describes one stage in a pipeline.
type StageDescriptor struct {
	Name     string          `json:"name"`
	Kind     string          `json:"kind,omitempty"`    // registered stage kind (default: name)
	Mutating bool            `json:"mutating,omitempty"`
	Cleanup  bool            `json:"cleanup,omitempty"` // runs even after Rejected/TimedOut
	Params   json.RawMessage `json:"params,omitempty"`
	RunIf    string          `json:"run_if,omitempty"` // expr guard over run state; false skips the stage
	Retry    *RetryPolicy    `json:"retry,omitempty"`
	Timeout  string          `json:"timeout,omitempty"` // per-stage execution timeout (default: 30s)
}

// RetryPolicy configures retry behavior for a stage.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s")
	MaxDelay string `json:"max_delay,omitempty"` // cap for computed delays
}

// DefaultRetryPolicy is applied to stages that declare no policy:
// three attempts with exponential backoff starting at one second.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{Max: 3, Backoff: "exponential", Delay: "1s"}
}

// StageResult is the outcome of one stage invocation. It is owned by the
// run that produced it and never mutated after creation.
type StageResult struct {
	StageName string          `json:"stage_name"`
	Output    json.RawMessage `json:"output,omitempty"`
	Mutating  bool            `json:"mutating"`
	Degraded  bool            `json:"degraded,omitempty"` // context fetched with partial/failed sources
	Events    []string        `json:"emitted_events,omitempty"`
	Error     *StewardError   `json:"error,omitempty"`
	// Proposed carries the action a mutating stage wants to perform.
	// Set on the pre-approval invocation; nil once the write has happened.
	Proposed *ProposedAction `json:"proposed_action,omitempty"`
}

// ProposedAction is the human-reviewable payload gating a mutating stage.
type ProposedAction struct {
	Stage     string          `json:"stage"`
	Operation string          `json:"operation"` // logical backend operation, e.g. "write_field"
	TargetID  string          `json:"target_id"`
	Payload   json.RawMessage `json:"payload"`
	Summary   string          `json:"summary,omitempty"`
}
