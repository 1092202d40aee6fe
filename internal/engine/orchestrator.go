package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/approval"
	"github.com/stewardhq/steward/internal/logging"
	"github.com/stewardhq/steward/internal/stages"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/internal/streaming"
	"github.com/stewardhq/steward/pkg/schema"
)

const (
	defaultActiveBudget = 10 * time.Minute
	defaultRunTTL       = time.Hour
)

// Config holds orchestrator tuning knobs.
type Config struct {
	// ActiveBudget caps total active execution time per run, approval
	// waits excluded. Pipelines may declare their own via active_budget.
	ActiveBudget time.Duration
	// RunTTL is how long terminal runs are retained before archival.
	RunTTL time.Duration
}

// Orchestrator drives a run through its pipeline: it admits at most one
// active run per (target, pipeline) pair, executes stages in order with
// retry and backoff, suspends on mutating stages pending approval, and
// persists enough state at every step that a resume can pick up exactly
// where the run left off.
type Orchestrator struct {
	store  store.Store
	runner *StageRunner
	gate   *approval.Gate
	fsm    *RunFSM
	hub    streaming.EventHub
	logger *slog.Logger
	config Config
	now    func() time.Time
}

// RunReport is the full observable state of one run.
type RunReport struct {
	Run     *store.Run           `json:"run"`
	Stages  []*store.StageRecord `json:"stages"`
	Pending *store.Approval      `json:"pending_approval,omitempty"`
	Audit   []*store.AuditEvent  `json:"audit,omitempty"`
}

// New creates an orchestrator.
func New(s store.Store, runner *StageRunner, gate *approval.Gate, hub streaming.EventHub, logger *slog.Logger, config Config) *Orchestrator {
	if config.ActiveBudget <= 0 {
		config.ActiveBudget = defaultActiveBudget
	}
	if config.RunTTL <= 0 {
		config.RunTTL = defaultRunTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:  s,
		runner: runner,
		gate:   gate,
		fsm:    NewRunFSM(s),
		hub:    hub,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Start admits and executes a new run of the named pipeline against the
// target record. Returns RUN_ALREADY_ACTIVE without creating anything
// when another run for the same (target, pipeline) pair is still active.
// The returned run is either terminal or suspended awaiting approval.
func (o *Orchestrator) Start(ctx context.Context, pipelineName, targetID, requesterID string) (*store.Run, error) {
	if pipelineName == "" || targetID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline_name and target_id are required")
	}
	p, err := o.store.GetPipeline(ctx, pipelineName)
	if err != nil {
		return nil, err
	}

	run := &store.Run{
		ID:           uuid.New().String(),
		TargetID:     targetID,
		RequesterID:  requesterID,
		PipelineName: pipelineName,
		Pipeline:     p.Definition, // snapshot: later redefinitions do not affect this run
		Status:       schema.RunStatusInitialized,
		TTLSeconds:   int(o.config.RunTTL.Seconds()),
	}

	ctx = logging.WithRunID(ctx, run.ID)
	log := logging.LogWith(ctx, o.logger)

	if err := o.store.AcquireAdmission(ctx, targetID, pipelineName, run.ID); err != nil {
		return nil, err
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		if rerr := o.store.ReleaseAdmission(ctx, targetID, pipelineName); rerr != nil {
			log.ErrorContext(ctx, "failed to release admission after create failure", slog.Any("error", rerr))
		}
		return nil, err
	}
	run.Version = 1

	if err := o.transition(ctx, run, schema.RunStatusRunning, nil); err != nil {
		return run, err
	}
	o.publishRunEvent(ctx, run, schema.EventRunStarted, nil)
	log.InfoContext(ctx, "run started",
		slog.String("pipeline", pipelineName), slog.String("target_id", targetID))

	return o.advance(ctx, run, nil)
}

// Resume continues a suspended run according to its resolved approval.
// Approved and Modified re-execute the gated stage under the decision
// and continue; Rejected terminates the run after its cleanup stages;
// TimedOut follows the pipeline's timeout policy.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*store.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, run.ID)

	if run.Status != schema.RunStatusAwaitingApproval {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is %s, not awaiting approval", runID, run.Status)
	}
	a, err := o.store.LatestApproval(ctx, runID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal,
			"run %s is suspended but has no approval record", runID)
	}

	switch a.Status {
	case schema.ApprovalStatusPending:
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"approval %s is still pending", a.ID)
	case schema.ApprovalStatusApproved, schema.ApprovalStatusModified:
		if err := o.transition(ctx, run, schema.RunStatusRunning, nil); err != nil {
			return run, err
		}
		o.publishRunEvent(ctx, run, schema.EventRunResumed, map[string]any{"approval_id": a.ID})
		return o.advance(ctx, run, &stages.Decision{Status: a.Status, ModifiedPayload: a.ModifiedPayload})
	case schema.ApprovalStatusRejected:
		reason := a.DecisionReason
		if reason == "" {
			reason = "approval rejected"
		}
		return o.terminate(ctx, run, schema.RunStatusRejected, reason)
	case schema.ApprovalStatusTimedOut:
		if timeoutPolicy(run) == schema.TimeoutPolicyRetain {
			return nil, schema.NewErrorf(schema.ErrCodeApprovalTimedOut,
				"approval %s timed out and the pipeline retains the run; cancel it or start over", a.ID)
		}
		return o.terminate(ctx, run, schema.RunStatusTimedOut, "approval deadline exceeded")
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"approval %s is %s; run cannot be resumed", a.ID, a.Status)
	}
}

// Cancel aborts a non-terminal run. A pending approval is resolved as
// Cancelled so late deciders get STALE_APPROVAL.
func (o *Orchestrator) Cancel(ctx context.Context, runID, reason string) (*store.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, run.ID)
	log := logging.LogWith(ctx, o.logger)

	if run.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is already %s", runID, run.Status)
	}
	if reason == "" {
		reason = "cancelled"
	}

	if pending, perr := o.gate.Pending(ctx, runID); perr == nil && pending != nil {
		if _, derr := o.gate.Cancel(ctx, pending.ID, reason); derr != nil {
			// A racing decider may have won; the run is cancelled regardless.
			var serr *schema.StewardError
			if !errors.As(derr, &serr) || serr.Code != schema.ErrCodeStaleApproval {
				log.WarnContext(ctx, "failed to reject pending approval on cancel", slog.Any("error", derr))
			}
		}
	}

	if err := o.transition(ctx, run, schema.RunStatusCancelled, &reason); err != nil {
		return run, err
	}
	o.releaseAdmission(ctx, run)
	o.publishRunEvent(ctx, run, schema.EventRunCancelled, map[string]any{"reason": reason})
	log.InfoContext(ctx, "run cancelled", slog.String("reason", reason))
	return run, nil
}

// HandleExpiredApproval applies the run's timeout policy after the
// sweeper expired its pending approval. Reject terminates the run as
// TimedOut (cleanup stages still run); retain leaves it suspended.
func (o *Orchestrator) HandleExpiredApproval(ctx context.Context, a *store.Approval) error {
	run, err := o.store.GetRun(ctx, a.RunID)
	if err != nil {
		return err
	}
	ctx = logging.WithRunID(ctx, run.ID)

	if run.Status != schema.RunStatusAwaitingApproval {
		return nil
	}
	if timeoutPolicy(run) == schema.TimeoutPolicyRetain {
		logging.LogWith(ctx, o.logger).InfoContext(ctx, "approval expired, run retained",
			slog.String("approval_id", a.ID))
		return nil
	}
	_, err = o.terminate(ctx, run, schema.RunStatusTimedOut, "approval deadline exceeded")
	return err
}

// Status reports the run, its stage history, any pending approval, and
// the audit trail.
func (o *Orchestrator) Status(ctx context.Context, runID string) (*RunReport, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	records, err := o.store.ListStageRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	pending, err := o.store.PendingApproval(ctx, runID)
	if err != nil {
		return nil, err
	}
	audit, err := o.store.AuditTrail(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	return &RunReport{Run: run, Stages: records, Pending: pending, Audit: audit}, nil
}

// advance executes stages from run.CurrentStage onward. The decision is
// consumed by the first stage only: it is the resolved approval for the
// stage the run suspended on.
func (o *Orchestrator) advance(ctx context.Context, run *store.Run, decision *stages.Decision) (*store.Run, error) {
	log := logging.LogWith(ctx, o.logger)
	state := parseState(run.State)
	budget := o.activeBudget(run)
	started := o.now()

	for i := run.CurrentStage; i < len(run.Pipeline.Stages); i++ {
		desc := run.Pipeline.Stages[i]

		if run.ActiveMs+o.now().Sub(started).Milliseconds() > budget.Milliseconds() {
			return o.fail(ctx, run, started, schema.NewErrorf(schema.ErrCodeBudgetExceeded,
				"run exceeded its %s active execution budget", budget).WithStage(desc.Name))
		}

		stageDecision := decision
		decision = nil

		result, err := o.executeStage(ctx, run, i, desc, state, stageDecision)
		if err != nil {
			return o.fail(ctx, run, started, err)
		}
		if result == nil { // skipped by run_if guard
			if uerr := o.updateRun(ctx, run, store.RunUpdate{CurrentStage: intPtr(i + 1)}); uerr != nil {
				return run, uerr
			}
			continue
		}

		if result.Proposed != nil {
			a, gerr := o.gate.Request(ctx, run, i, result.Proposed)
			if gerr != nil {
				return o.fail(ctx, run, started, gerr)
			}
			switch a.Status {
			case schema.ApprovalStatusApproved, schema.ApprovalStatusModified:
				// Auto-approved by policy: execute the write immediately.
				result, err = o.executeStage(ctx, run, i, desc, state,
					&stages.Decision{Status: a.Status, ModifiedPayload: a.ModifiedPayload})
				if err != nil {
					return o.fail(ctx, run, started, err)
				}
			default:
				return o.suspend(ctx, run, started, i, state, a)
			}
		}

		if len(result.Output) > 0 {
			var out any
			if uerr := json.Unmarshal(result.Output, &out); uerr == nil {
				state[desc.Name] = out
			}
		}
		raw, merr := json.Marshal(state)
		if merr != nil {
			return o.fail(ctx, run, started, schema.NewError(schema.ErrCodeInternal,
				"unserializable run state").WithCause(merr).WithStage(desc.Name))
		}
		if uerr := o.updateRun(ctx, run, store.RunUpdate{
			CurrentStage: intPtr(i + 1),
			State:        raw,
			LastStage:    &desc.Name,
		}); uerr != nil {
			return run, uerr
		}
		log.DebugContext(ctx, "stage completed", slog.String("stage", desc.Name))
	}

	return o.finish(ctx, run, started, schema.RunStatusCompleted, "")
}

// executeStage runs one stage with its retry policy. A nil result with a
// nil error means the stage was skipped. Mutating executions under a
// decision are never retried: at most one write per approval.
func (o *Orchestrator) executeStage(ctx context.Context, run *store.Run, index int, desc schema.StageDescriptor, state map[string]any, decision *stages.Decision) (*schema.StageResult, error) {
	policy := desc.Retry
	if policy == nil {
		policy = schema.DefaultRetryPolicy()
	}
	retries := policy.Max
	if decision != nil {
		retries = 0
	}

	o.appendAudit(ctx, run.ID, desc.Name, schema.EventStageStarted, 0, map[string]any{
		"stage_index": index,
	})

	for attempt := 1; ; attempt++ {
		startAt := o.now()
		result, skipped := o.runner.Run(ctx, run, desc, state, decision)
		duration := o.now().Sub(startAt)

		if skipped {
			o.appendAudit(ctx, run.ID, desc.Name, schema.EventStageSkipped, 0, map[string]any{
				"run_if": desc.RunIf,
			})
			o.upsertStageRecord(ctx, &store.StageRecord{
				RunID:      run.ID,
				StageIndex: index,
				StageName:  desc.Name,
				Attempts:   0,
			})
			return nil, nil
		}

		if result.Error == nil {
			completedAt := o.now()
			o.appendAudit(ctx, run.ID, desc.Name, schema.EventStageCompleted, duration.Milliseconds(), map[string]any{
				"attempts": attempt,
				"mutating": result.Mutating,
				"degraded": result.Degraded,
			})
			o.upsertStageRecord(ctx, &store.StageRecord{
				RunID:       run.ID,
				StageIndex:  index,
				StageName:   desc.Name,
				Mutating:    result.Mutating,
				Degraded:    result.Degraded,
				Output:      result.Output,
				Attempts:    attempt,
				StartedAt:   &startAt,
				CompletedAt: &completedAt,
				DurationMs:  duration.Milliseconds(),
			})
			return result, nil
		}

		if attempt <= retries && IsRetryableError(result.Error) {
			delay := ComputeBackoff(policy, attempt-1)
			o.appendAudit(ctx, run.ID, desc.Name, schema.EventStageRetrying, 0, map[string]any{
				"attempt":     attempt,
				"error":       result.Error.Message,
				"error_code":  result.Error.Code,
				"retry_in_ms": delay.Milliseconds(),
			})
			if werr := WaitForBackoff(ctx, delay); werr != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled during backoff").
					WithCause(werr).WithStage(desc.Name)
			}
			continue
		}

		errRaw, _ := json.Marshal(result.Error)
		completedAt := o.now()
		o.appendAudit(ctx, run.ID, desc.Name, schema.EventStageFailed, duration.Milliseconds(), map[string]any{
			"attempts":   attempt,
			"error":      result.Error.Message,
			"error_code": result.Error.Code,
		})
		o.upsertStageRecord(ctx, &store.StageRecord{
			RunID:       run.ID,
			StageIndex:  index,
			StageName:   desc.Name,
			Mutating:    result.Mutating,
			Error:       errRaw,
			Attempts:    attempt,
			StartedAt:   &startAt,
			CompletedAt: &completedAt,
			DurationMs:  duration.Milliseconds(),
		})
		if attempt > 1 {
			return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"stage %q failed after %d attempts: %s", desc.Name, attempt, result.Error.Message).
				WithCause(result.Error).WithStage(desc.Name)
		}
		return nil, result.Error
	}
}

// suspend persists the run as awaiting approval and returns. No
// goroutine blocks on the decision: resume is a fresh entry point.
func (o *Orchestrator) suspend(ctx context.Context, run *store.Run, started time.Time, index int, state map[string]any, a *store.Approval) (*store.Run, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return o.fail(ctx, run, started, schema.NewError(schema.ErrCodeInternal,
			"unserializable run state").WithCause(err))
	}
	if err := o.fsm.Transition(ctx, run.ID, run.Status, schema.RunStatusAwaitingApproval); err != nil {
		return run, err
	}
	status := schema.RunStatusAwaitingApproval
	active := run.ActiveMs + o.now().Sub(started).Milliseconds()
	if err := o.updateRun(ctx, run, store.RunUpdate{
		Status:       &status,
		CurrentStage: intPtr(index),
		State:        raw,
		ActiveMs:     &active,
	}); err != nil {
		return run, err
	}
	o.publishRunEvent(ctx, run, schema.EventRunSuspended, map[string]any{
		"approval_id": a.ID,
		"stage":       a.StageName,
		"deadline_at": a.DeadlineAt.Format(time.RFC3339),
	})
	logging.LogWith(ctx, o.logger).InfoContext(ctx, "run suspended awaiting approval",
		slog.String("approval_id", a.ID), slog.String("stage", a.StageName))
	return run, nil
}

// terminate runs the remaining cleanup stages and moves the run to a
// terminal status. Cleanup failures are logged but do not change the
// terminal outcome.
func (o *Orchestrator) terminate(ctx context.Context, run *store.Run, status schema.RunStatus, reason string) (*store.Run, error) {
	log := logging.LogWith(ctx, o.logger)
	state := parseState(run.State)

	for i := run.CurrentStage; i < len(run.Pipeline.Stages); i++ {
		desc := run.Pipeline.Stages[i]
		if !desc.Cleanup {
			continue
		}
		if _, cerr := o.executeStage(ctx, run, i, desc, state, nil); cerr != nil {
			log.WarnContext(ctx, "cleanup stage failed",
				slog.String("stage", desc.Name), slog.Any("error", cerr))
		}
	}

	if err := o.transition(ctx, run, status, &reason); err != nil {
		return run, err
	}
	o.releaseAdmission(ctx, run)
	o.publishRunEvent(ctx, run, runEventType(schema.RunStatusAwaitingApproval, status), map[string]any{"reason": reason})
	log.InfoContext(ctx, "run terminated",
		slog.String("status", string(status)), slog.String("reason", reason))
	return run, nil
}

// finish moves the run to a terminal status from the normal execution
// path, folding the elapsed active time into the budget accounting.
func (o *Orchestrator) finish(ctx context.Context, run *store.Run, started time.Time, status schema.RunStatus, reason string) (*store.Run, error) {
	if err := o.fsm.Transition(ctx, run.ID, run.Status, status); err != nil {
		return run, err
	}
	active := run.ActiveMs + o.now().Sub(started).Milliseconds()
	update := store.RunUpdate{Status: &status, ActiveMs: &active}
	if reason != "" {
		update.Reason = &reason
	}
	if err := o.updateRun(ctx, run, update); err != nil {
		return run, err
	}
	o.releaseAdmission(ctx, run)
	o.publishRunEvent(ctx, run, runEventType(schema.RunStatusRunning, status), map[string]any{"reason": reason})
	logging.LogWith(ctx, o.logger).InfoContext(ctx, "run finished",
		slog.String("status", string(status)), slog.Int64("active_ms", active))
	return run, nil
}

func (o *Orchestrator) fail(ctx context.Context, run *store.Run, started time.Time, err error) (*store.Run, error) {
	if _, ferr := o.finish(ctx, run, started, schema.RunStatusFailed, err.Error()); ferr != nil {
		logging.LogWith(ctx, o.logger).ErrorContext(ctx, "failed to persist run failure",
			slog.Any("error", ferr))
	}
	return run, err
}

// transition validates the FSM edge and persists the new status in one
// step.
func (o *Orchestrator) transition(ctx context.Context, run *store.Run, to schema.RunStatus, reason *string) error {
	if err := o.fsm.Transition(ctx, run.ID, run.Status, to); err != nil {
		return err
	}
	return o.updateRun(ctx, run, store.RunUpdate{Status: &to, Reason: reason})
}

// updateRun writes through the version CAS and mirrors the accepted
// update onto the in-memory run.
func (o *Orchestrator) updateRun(ctx context.Context, run *store.Run, update store.RunUpdate) error {
	if err := o.store.UpdateRun(ctx, run.ID, update, run.Version); err != nil {
		return err
	}
	run.Version++
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.CurrentStage != nil {
		run.CurrentStage = *update.CurrentStage
	}
	if update.State != nil {
		run.State = update.State
	}
	if update.Reason != nil {
		run.Reason = *update.Reason
	}
	if update.LastStage != nil {
		run.LastStage = *update.LastStage
	}
	if update.ActiveMs != nil {
		run.ActiveMs = *update.ActiveMs
	}
	return nil
}

func (o *Orchestrator) releaseAdmission(ctx context.Context, run *store.Run) {
	if err := o.store.ReleaseAdmission(ctx, run.TargetID, run.PipelineName); err != nil {
		logging.LogWith(ctx, o.logger).ErrorContext(ctx, "failed to release admission",
			slog.String("target_id", run.TargetID), slog.Any("error", err))
	}
}

func (o *Orchestrator) appendAudit(ctx context.Context, runID, stage, eventType string, latencyMs int64, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	event := &store.AuditEvent{
		RunID:     runID,
		Stage:     stage,
		Type:      eventType,
		LatencyMs: latencyMs,
		Payload:   raw,
	}
	if err := o.store.AppendAudit(ctx, event); err != nil {
		logging.LogWith(ctx, o.logger).ErrorContext(ctx, "failed to append audit record",
			slog.String("event_type", eventType), slog.Any("error", err))
	}
}

func (o *Orchestrator) upsertStageRecord(ctx context.Context, rec *store.StageRecord) {
	if err := o.store.UpsertStageRecord(ctx, rec); err != nil {
		logging.LogWith(ctx, o.logger).ErrorContext(ctx, "failed to persist stage record",
			slog.String("stage", rec.StageName), slog.Any("error", err))
	}
}

func (o *Orchestrator) publishRunEvent(ctx context.Context, run *store.Run, eventType string, payload map[string]any) {
	if o.hub == nil {
		return
	}
	if err := o.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     run.ID,
		EventType: eventType,
		Payload:   payload,
	}); err != nil {
		logging.LogWith(ctx, o.logger).WarnContext(ctx, "failed to publish run event",
			slog.String("event_type", eventType), slog.Any("error", err))
	}
}

func (o *Orchestrator) activeBudget(run *store.Run) time.Duration {
	if run.Pipeline.ActiveBudget != "" {
		if d, err := time.ParseDuration(run.Pipeline.ActiveBudget); err == nil && d > 0 {
			return d
		}
	}
	return o.config.ActiveBudget
}

func timeoutPolicy(run *store.Run) schema.TimeoutPolicy {
	if run.Pipeline.OnTimeout == string(schema.TimeoutPolicyRetain) {
		return schema.TimeoutPolicyRetain
	}
	return schema.TimeoutPolicyReject
}

func parseState(raw json.RawMessage) map[string]any {
	state := make(map[string]any)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &state)
	}
	return state
}

func intPtr(i int) *int { return &i }
