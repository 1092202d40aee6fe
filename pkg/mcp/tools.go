package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/pkg/schema"
)

// handleRun starts a pipeline run.
func (s *StewardServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pipelineName, err := req.RequireString("pipeline_name")
	if err != nil {
		return mcp.NewToolResultError("pipeline_name is required"), nil
	}
	targetID, err := req.RequireString("target_id")
	if err != nil {
		return mcp.NewToolResultError("target_id is required"), nil
	}
	requesterID, err := req.RequireString("requester_id")
	if err != nil {
		return mcp.NewToolResultError("requester_id is required"), nil
	}

	s.captureSession(ctx, requesterID)

	run, runErr := s.orchestrator.Start(ctx, pipelineName, targetID, requesterID)
	if runErr != nil {
		return toolError(runErr), nil
	}
	return marshalResult(runSummary(run))
}

// handleStatus reports the full observable state of a run.
func (s *StewardServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	report, statusErr := s.orchestrator.Status(ctx, runID)
	if statusErr != nil {
		return toolError(statusErr), nil
	}
	return marshalResult(report)
}

// handleDecide resolves a pending approval and resumes the run so the
// reviewer doesn't have to make a second call.
func (s *StewardServer) handleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	approvalID, err := req.RequireString("approval_id")
	if err != nil {
		return mcp.NewToolResultError("approval_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	decidedBy, err := req.RequireString("decided_by")
	if err != nil {
		return mcp.NewToolResultError("decided_by is required"), nil
	}
	reason := req.GetString("reason", "")

	var modified json.RawMessage
	if payload := mcp.ParseStringMap(req, "modified_payload", nil); payload != nil {
		raw, merr := json.Marshal(payload)
		if merr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid modified_payload: %v", merr)), nil
		}
		modified = raw
	}

	s.captureSession(ctx, decidedBy)

	a, decideErr := s.approvals.Decide(ctx, approvalID, schema.Decision(decision), decidedBy, reason, modified)
	if decideErr != nil {
		return toolError(decideErr), nil
	}

	run, resumeErr := s.orchestrator.Resume(ctx, a.RunID)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decision recorded but resume failed: %v", resumeErr)), nil
	}
	return marshalResult(map[string]any{
		"approval_id": a.ID,
		"decision":    string(a.Status),
		"run":         runSummary(run),
	})
}

// handleCancel aborts a run.
func (s *StewardServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	reason := req.GetString("reason", "")

	run, cancelErr := s.orchestrator.Cancel(ctx, runID, reason)
	if cancelErr != nil {
		return toolError(cancelErr), nil
	}
	return marshalResult(runSummary(run))
}

// handleDefine validates and registers a pipeline definition.
func (s *StewardServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.PipelineDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	if s.validator != nil {
		result := s.validator.Validate(&def)
		if !result.Valid() {
			return toolError(result.ToError()), nil
		}
		if len(result.Warnings) > 0 {
			s.logger.Warn("pipeline registered with warnings",
				"pipeline", def.Name, "warnings", len(result.Warnings))
		}
	}

	if storeErr := s.store.RegisterPipeline(ctx, &store.Pipeline{Name: def.Name, Definition: def}); storeErr != nil {
		return toolError(storeErr), nil
	}
	return marshalResult(map[string]any{
		"name":   def.Name,
		"stages": len(def.Stages),
	})
}

// handleQuery lists runs, approvals, pipelines, or audit events.
func (s *StewardServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "approvals":
		return s.queryApprovals(ctx, filter)
	case "pipelines":
		return s.queryPipelines(ctx)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *StewardServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{Limit: extractInt(filter, "limit", 50)}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if targetID, ok := filter["target_id"].(string); ok {
		rf.TargetID = targetID
	}
	if pipeline, ok := filter["pipeline_name"].(string); ok {
		rf.PipelineName = pipeline
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, perr := time.Parse(time.RFC3339, since); perr == nil {
			rf.Since = &t
		}
	}

	runs, qerr := s.store.ListRuns(ctx, rf)
	if qerr != nil {
		return toolError(qerr), nil
	}
	summaries := make([]map[string]any, len(runs))
	for i, run := range runs {
		summaries[i] = runSummary(run)
	}
	return marshalResult(map[string]any{"runs": summaries})
}

func (s *StewardServer) queryApprovals(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if runID, ok := filter["run_id"].(string); ok && runID != "" {
		a, qerr := s.store.PendingApproval(ctx, runID)
		if qerr != nil {
			return toolError(qerr), nil
		}
		if a == nil {
			return marshalResult(map[string]any{"approvals": []any{}})
		}
		return marshalResult(map[string]any{"approvals": []any{a}})
	}

	approvals, qerr := s.store.ListPendingApprovals(ctx, extractInt(filter, "limit", 50))
	if qerr != nil {
		return toolError(qerr), nil
	}
	return marshalResult(map[string]any{"approvals": approvals})
}

func (s *StewardServer) queryPipelines(ctx context.Context) (*mcp.CallToolResult, error) {
	pipelines, qerr := s.store.ListPipelines(ctx)
	if qerr != nil {
		return toolError(qerr), nil
	}
	return marshalResult(map[string]any{"pipelines": pipelines})
}

func (s *StewardServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID, _ := filter["run_id"].(string)
	eventType, _ := filter["event_type"].(string)

	if eventType != "" {
		af := store.AuditFilter{
			RunID: runID,
			Limit: extractInt(filter, "limit", 100),
		}
		if tier, ok := filter["tier"].(string); ok {
			af.Tier = tier
		}
		if since, ok := filter["since"].(string); ok && since != "" {
			if t, perr := time.Parse(time.RFC3339, since); perr == nil {
				af.Since = &t
			}
		}
		events, qerr := s.store.AuditByType(ctx, eventType, af)
		if qerr != nil {
			return toolError(qerr), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if runID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	events, qerr := s.store.AuditTrail(ctx, runID, int64(extractInt(filter, "since_sequence", 0)))
	if qerr != nil {
		return toolError(qerr), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// runSummary trims a run down to what a tool caller needs; the full
// pipeline snapshot stays out of the payload.
func runSummary(run *store.Run) map[string]any {
	summary := map[string]any{
		"run_id":        run.ID,
		"target_id":     run.TargetID,
		"pipeline_name": run.PipelineName,
		"status":        string(run.Status),
		"current_stage": run.CurrentStage,
		"active_ms":     run.ActiveMs,
	}
	if run.LastStage != "" {
		summary["last_completed_stage"] = run.LastStage
	}
	if run.Reason != "" {
		summary["reason"] = run.Reason
	}
	return summary
}

// toolError renders a StewardError with its code; other errors pass
// through as-is.
func toolError(err error) *mcp.CallToolResult {
	var serr *schema.StewardError
	if errors.As(err, &serr) {
		return mcp.NewToolResultError(serr.Error())
	}
	return mcp.NewToolResultError(err.Error())
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	switch val := filter[key].(type) {
	case float64:
		return int(val)
	case int:
		return val
	}
	return defaultVal
}

// captureSession maps the caller to its current MCP session for push
// notifications.
func (s *StewardServer) captureSession(ctx context.Context, callerID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(callerID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
