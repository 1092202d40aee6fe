package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/stewardhq/steward/internal/expressions"
	"github.com/stewardhq/steward/internal/logging"
	"github.com/stewardhq/steward/internal/stages"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/pkg/schema"
)

const defaultStageTimeout = 30 * time.Second

// StageRunner executes one stage invocation: it resolves the registered
// stage kind, evaluates the run_if guard, applies the stage timeout, and
// folds any failure into the StageResult so the orchestrator can decide
// retry vs. abort.
type StageRunner struct {
	registry *stages.Registry
	handle   *stages.Handle
	guards   *expressions.ExprEngine
	logger   *slog.Logger
}

// NewStageRunner creates a stage runner.
func NewStageRunner(registry *stages.Registry, handle *stages.Handle, guards *expressions.ExprEngine, logger *slog.Logger) *StageRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &StageRunner{registry: registry, handle: handle, guards: guards, logger: logger}
}

// Run executes the described stage against the run's accumulated state.
// The second return is true when the run_if guard skipped the stage.
// Failures never propagate as errors: they come back in result.Error.
func (r *StageRunner) Run(ctx context.Context, run *store.Run, desc schema.StageDescriptor, state map[string]any, decision *stages.Decision) (*schema.StageResult, bool) {
	ctx = logging.WithStage(logging.WithRunID(ctx, run.ID), desc.Name)
	log := logging.LogWith(ctx, r.logger)

	if desc.RunIf != "" {
		ok, err := r.guards.EvaluateBool(ctx, desc.RunIf, state)
		if err != nil {
			return failedResult(desc.Name, err), false
		}
		if !ok {
			log.DebugContext(ctx, "stage skipped by guard", slog.String("run_if", desc.RunIf))
			return nil, true
		}
	}

	kind := desc.Kind
	if kind == "" {
		kind = desc.Name
	}
	stage, err := r.registry.Get(kind)
	if err != nil {
		return failedResult(desc.Name, err), false
	}

	timeout := defaultStageTimeout
	if desc.Timeout != "" {
		d, perr := time.ParseDuration(desc.Timeout)
		if perr != nil {
			return failedResult(desc.Name, schema.NewErrorf(schema.ErrCodeValidation,
				"stage %q declares invalid timeout %q", desc.Name, desc.Timeout)), false
		}
		timeout = d
	}

	var params map[string]any
	if len(desc.Params) > 0 {
		if uerr := json.Unmarshal(desc.Params, &params); uerr != nil {
			return failedResult(desc.Name, schema.NewErrorf(schema.ErrCodeValidation,
				"stage %q has malformed params", desc.Name).WithCause(uerr)), false
		}
	}

	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := stage.Execute(stageCtx, stages.Input{
		RunID:       run.ID,
		TargetID:    run.TargetID,
		RequesterID: run.RequesterID,
		State:       state,
		Params:      params,
		Decision:    decision,
	}, r.handle)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || stageCtx.Err() == context.DeadlineExceeded {
			err = schema.NewErrorf(schema.ErrCodeTimeout,
				"stage %q exceeded its %s timeout", desc.Name, timeout).WithCause(err)
		}
		return failedResult(desc.Name, err), false
	}
	if result == nil {
		return failedResult(desc.Name, schema.NewErrorf(schema.ErrCodeInternal,
			"stage %q returned no result", desc.Name)), false
	}

	result.StageName = desc.Name
	if desc.Mutating || stage.Mutating() {
		result.Mutating = true
	}
	return result, false
}

// failedResult folds an error into a StageResult per the stage contract.
func failedResult(stageName string, err error) *schema.StageResult {
	var serr *schema.StewardError
	if !errors.As(err, &serr) {
		serr = schema.NewError(schema.ErrCodeStageFailed, err.Error()).WithCause(err)
	}
	if serr.Stage == "" {
		serr = serr.WithStage(stageName)
	}
	return &schema.StageResult{StageName: stageName, Error: serr}
}
