package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/expressions"
	"github.com/stewardhq/steward/internal/logging"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/streaming"
	"github.com/stewardhq/steward/pkg/schema"
)

const defaultDeadline = 5 * time.Minute

// Config holds gate tuning knobs.
type Config struct {
	// DefaultDeadline applies when the pipeline declares no approval
	// deadline of its own.
	DefaultDeadline time.Duration
	// AutoApprovePolicy is an optional CEL expression evaluated against
	// the proposed action; a true result approves without a human.
	AutoApprovePolicy string
}

// Gate manages the approval lifecycle for mutating stages: it records a
// pending request, notifies reviewers, and resolves the first decision
// that arrives before the deadline. Each run holds at most one pending
// request at a time.
type Gate struct {
	store  store.Store
	hub    streaming.EventHub
	cel    *expressions.CELEngine
	logger *slog.Logger
	config Config
}

// NewGate creates an approval gate.
func NewGate(s store.Store, hub streaming.EventHub, cel *expressions.CELEngine, logger *slog.Logger, config Config) *Gate {
	if config.DefaultDeadline <= 0 {
		config.DefaultDeadline = defaultDeadline
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: s, hub: hub, cel: cel, logger: logger, config: config}
}

// Request creates a pending approval for the proposed action and
// publishes an approval_required event. Fails with
// DUPLICATE_PENDING_APPROVAL when the run already has one pending.
// When the auto-approve policy matches, the request is created and
// resolved in one step and the returned approval is already approved.
func (g *Gate) Request(ctx context.Context, run *store.Run, stageIndex int, proposed *schema.ProposedAction) (*store.Approval, error) {
	ctx = logging.WithRunID(ctx, run.ID)
	log := logging.LogWith(ctx, g.logger)

	deadline := g.config.DefaultDeadline
	if run.Pipeline.ApprovalDeadline != "" {
		d, err := time.ParseDuration(run.Pipeline.ApprovalDeadline)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"pipeline %q declares invalid approval_deadline %q", run.PipelineName, run.Pipeline.ApprovalDeadline)
		}
		deadline = d
	}

	proposedRaw, err := json.Marshal(proposed)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "unserializable proposed action").WithCause(err)
	}

	a := &store.Approval{
		ID:         uuid.New().String(),
		RunID:      run.ID,
		StageName:  proposed.Stage,
		StageIndex: stageIndex,
		Proposed:   proposedRaw,
		DeadlineAt: time.Now().UTC().Add(deadline),
	}
	if err := g.store.CreateApproval(ctx, a); err != nil {
		return nil, err
	}
	g.appendAudit(ctx, run.ID, proposed.Stage, schema.EventApprovalRequested, map[string]any{
		"approval_id":     a.ID,
		"proposed_action": proposed,
		"deadline_at":     a.DeadlineAt.Format(time.RFC3339),
	})

	if g.config.AutoApprovePolicy != "" && g.cel != nil {
		ok, perr := g.policyMatches(ctx, run, proposed)
		if perr != nil {
			log.WarnContext(ctx, "auto-approve policy failed, deferring to human review", slog.Any("error", perr))
		} else if ok {
			now := time.Now().UTC()
			if derr := g.store.DecideApproval(ctx, a.ID, schema.ApprovalStatusApproved, "policy", "auto-approved by policy", nil, now); derr != nil {
				return nil, derr
			}
			g.appendAudit(ctx, run.ID, proposed.Stage, schema.EventApprovalAutoApproved, map[string]any{
				"approval_id": a.ID,
				"policy":      g.config.AutoApprovePolicy,
			})
			log.InfoContext(ctx, "approval auto-approved by policy", slog.String("approval_id", a.ID))
			return g.store.GetApproval(ctx, a.ID)
		}
	}

	g.publish(ctx, streaming.StreamEvent{
		RunID:     run.ID,
		Stage:     proposed.Stage,
		EventType: "approval_required",
		Payload: map[string]any{
			"approval_id":     a.ID,
			"run_id":          run.ID,
			"proposed_action": proposed,
			"deadline_at":     a.DeadlineAt.Format(time.RFC3339),
		},
	})
	log.InfoContext(ctx, "approval requested",
		slog.String("approval_id", a.ID), slog.Time("deadline_at", a.DeadlineAt))
	return a, nil
}

// Decide resolves a pending approval. The first decision wins: stores
// race on a compare-and-swap of the status and losers receive
// STALE_APPROVAL. Modify requires a replacement payload.
func (g *Gate) Decide(ctx context.Context, approvalID string, decision schema.Decision, decidedBy, reason string, modifiedPayload json.RawMessage) (*store.Approval, error) {
	ctx = logging.WithApprovalID(ctx, approvalID)

	var status schema.ApprovalStatus
	switch decision {
	case schema.DecisionApprove:
		status = schema.ApprovalStatusApproved
	case schema.DecisionModify:
		if len(modifiedPayload) == 0 {
			return nil, schema.NewError(schema.ErrCodeValidation, "modify decision requires a modified payload")
		}
		if !json.Valid(modifiedPayload) {
			return nil, schema.NewError(schema.ErrCodeValidation, "modified payload is not valid JSON")
		}
		status = schema.ApprovalStatusModified
	case schema.DecisionReject:
		status = schema.ApprovalStatusRejected
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown decision %q", decision)
	}

	if err := g.store.DecideApproval(ctx, approvalID, status, decidedBy, reason, modifiedPayload, time.Now().UTC()); err != nil {
		return nil, err
	}

	a, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	g.appendAudit(ctx, a.RunID, a.StageName, schema.EventApprovalDecided, map[string]any{
		"approval_id": a.ID,
		"decision":    string(decision),
		"decided_by":  decidedBy,
		"reason":      reason,
	})
	g.publish(ctx, streaming.StreamEvent{
		RunID:     a.RunID,
		Stage:     a.StageName,
		EventType: "approval_decided",
		Payload: map[string]any{
			"approval_id": a.ID,
			"status":      string(a.Status),
			"decided_by":  decidedBy,
		},
	})
	logging.LogWith(ctx, g.logger).InfoContext(ctx, "approval decided",
		slog.String("status", string(a.Status)), slog.String("decided_by", decidedBy))
	return a, nil
}

// Cancel resolves a pending approval as Cancelled on behalf of its
// owning run. It races the same compare-and-swap as Decide, so a
// decider that wins first leaves the approval in its decided state and
// the caller sees STALE_APPROVAL.
func (g *Gate) Cancel(ctx context.Context, approvalID, reason string) (*store.Approval, error) {
	ctx = logging.WithApprovalID(ctx, approvalID)

	if err := g.store.DecideApproval(ctx, approvalID, schema.ApprovalStatusCancelled, "system", reason, nil, time.Now().UTC()); err != nil {
		return nil, err
	}

	a, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	g.appendAudit(ctx, a.RunID, a.StageName, schema.EventApprovalDecided, map[string]any{
		"approval_id": a.ID,
		"decision":    "cancel",
		"decided_by":  "system",
		"reason":      reason,
	})
	g.publish(ctx, streaming.StreamEvent{
		RunID:     a.RunID,
		Stage:     a.StageName,
		EventType: "approval_cancelled",
		Payload:   map[string]any{"approval_id": a.ID, "reason": reason},
	})
	logging.LogWith(ctx, g.logger).InfoContext(ctx, "approval cancelled", slog.String("reason", reason))
	return a, nil
}

// Expire transitions every pending approval past its deadline to
// TimedOut and returns the ones that actually transitioned. Invoked by
// the maintenance sweeper tick.
func (g *Gate) Expire(ctx context.Context, now time.Time) ([]*store.Approval, error) {
	expired, err := g.store.ExpireApprovals(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, a := range expired {
		actx := logging.WithApprovalID(logging.WithRunID(ctx, a.RunID), a.ID)
		g.appendAudit(actx, a.RunID, a.StageName, schema.EventApprovalExpired, map[string]any{
			"approval_id": a.ID,
			"deadline_at": a.DeadlineAt.Format(time.RFC3339),
		})
		g.publish(actx, streaming.StreamEvent{
			RunID:     a.RunID,
			Stage:     a.StageName,
			EventType: "approval_expired",
			Payload:   map[string]any{"approval_id": a.ID},
		})
		logging.LogWith(actx, g.logger).InfoContext(actx, "approval expired")
	}
	return expired, nil
}

// Pending returns the run's pending approval, or nil when none exists.
func (g *Gate) Pending(ctx context.Context, runID string) (*store.Approval, error) {
	return g.store.PendingApproval(ctx, runID)
}

func (g *Gate) policyMatches(ctx context.Context, run *store.Run, proposed *schema.ProposedAction) (bool, error) {
	var proposedMap map[string]any
	raw, err := json.Marshal(proposed)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, &proposedMap); err != nil {
		return false, err
	}

	var stageState map[string]any
	if len(run.State) > 0 {
		_ = json.Unmarshal(run.State, &stageState)
	}

	return g.cel.EvaluateBool(ctx, g.config.AutoApprovePolicy, map[string]any{
		"proposed": proposedMap,
		"run": map[string]any{
			"run_id":    run.ID,
			"target_id": run.TargetID,
			"pipeline":  run.PipelineName,
			"requester": run.RequesterID,
		},
		"stages": stageState,
	})
}

func (g *Gate) appendAudit(ctx context.Context, runID, stage, eventType string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	event := &store.AuditEvent{
		RunID:   runID,
		Stage:   stage,
		Type:    eventType,
		Payload: raw,
	}
	if err := g.store.AppendAudit(ctx, event); err != nil {
		logging.LogWith(ctx, g.logger).ErrorContext(ctx, "failed to append approval audit record",
			slog.String("event_type", eventType), slog.Any("error", err))
	}
}

func (g *Gate) publish(ctx context.Context, event streaming.StreamEvent) {
	if g.hub == nil {
		return
	}
	if err := g.hub.Publish(ctx, event); err != nil {
		logging.LogWith(ctx, g.logger).WarnContext(ctx, "failed to publish approval event",
			slog.String("event_type", event.EventType), slog.Any("error", err))
	}
}
