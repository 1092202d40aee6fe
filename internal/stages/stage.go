package stages

import (
	"context"
	"encoding/json"

	"github.com/stewardhq/steward/internal/backend"
	"github.com/stewardhq/steward/internal/expressions"
	"github.com/stewardhq/steward/pkg/schema"
)

// Handle gives a stage access to the backend collaborators. Read-only
// stages may use it freely; mutating stages must only write when the
// input carries an approved decision.
type Handle struct {
	CRM    *backend.CRM
	Memory *backend.Memory
	JQ     *expressions.GoJQEngine
}

// Decision is the resolved approval a mutating stage executes under.
// ModifiedPayload, when set, replaces the originally proposed payload.
type Decision struct {
	Status          schema.ApprovalStatus
	ModifiedPayload json.RawMessage
}

// Input is the data a stage sees at execution time. State holds the
// accumulated outputs of completed stages keyed by stage name; stages
// must treat it as read-only and re-invocation with identical input must
// produce an equivalent result.
type Input struct {
	RunID       string
	TargetID    string
	RequesterID string
	State       map[string]any
	Params      map[string]any
	// Decision is nil on the pre-approval invocation of a mutating
	// stage. It is set only when re-running after Approved or Modified.
	Decision *Decision
}

// Stage is one unit of pipeline work. Implementations return errors for
// their own failures; the stage runner folds them into the StageResult
// so the orchestrator can decide retry vs. abort.
type Stage interface {
	Name() string
	Mutating() bool
	Execute(ctx context.Context, in Input, h *Handle) (*schema.StageResult, error)
}

// StageInfo is a summary of a registered stage for listing.
type StageInfo struct {
	Name     string `json:"name"`
	Mutating bool   `json:"mutating"`
}
