package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stewardhq/steward/pkg/schema"
)

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

// --- fetch_record ---

// FetchRecordStage loads the target record through the tiered router.
type FetchRecordStage struct{}

func NewFetchRecordStage() *FetchRecordStage { return &FetchRecordStage{} }

func (s *FetchRecordStage) Name() string   { return "fetch_record" }
func (s *FetchRecordStage) Mutating() bool { return false }

func (s *FetchRecordStage) Execute(ctx context.Context, in Input, h *Handle) (*schema.StageResult, error) {
	record, err := h.CRM.FetchRecord(ctx, in.TargetID)
	if err != nil {
		return nil, err
	}
	return &schema.StageResult{
		StageName: s.Name(),
		Output:    record,
	}, nil
}

// --- load_context ---

// LoadContextStage queries the memory service for historical context.
// Memory failures are non-fatal: the stage succeeds with degraded set.
type LoadContextStage struct{}

func NewLoadContextStage() *LoadContextStage { return &LoadContextStage{} }

func (s *LoadContextStage) Name() string   { return "load_context" }
func (s *LoadContextStage) Mutating() bool { return false }

func (s *LoadContextStage) Execute(ctx context.Context, in Input, h *Handle) (*schema.StageResult, error) {
	lookback := 30 * 24 * time.Hour
	if ls := stringParam(in.Params, "lookback", ""); ls != "" {
		d, err := time.ParseDuration(ls)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "load_context: invalid lookback %q", ls)
		}
		lookback = d
	}

	res := h.Memory.QueryContext(ctx, in.TargetID, lookback)
	output, err := json.Marshal(res)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "load_context: failed to marshal context result").WithCause(err)
	}
	return &schema.StageResult{
		StageName: s.Name(),
		Output:    output,
		Degraded:  res.Degraded,
	}, nil
}

// --- analyze ---

// AnalyzeStage shapes the accumulated run state with a jq expression
// from its params. Pipelines use it to filter and aggregate record data
// before proposing an action.
type AnalyzeStage struct{}

func NewAnalyzeStage() *AnalyzeStage { return &AnalyzeStage{} }

func (s *AnalyzeStage) Name() string   { return "analyze" }
func (s *AnalyzeStage) Mutating() bool { return false }

func (s *AnalyzeStage) Execute(ctx context.Context, in Input, h *Handle) (*schema.StageResult, error) {
	query := stringParam(in.Params, "query", "")
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "analyze: missing required param 'query'")
	}

	result, err := h.JQ.Evaluate(ctx, query, in.State)
	if err != nil {
		return nil, err
	}

	output, err := json.Marshal(map[string]any{"analysis": result})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "analyze: unserializable analysis result").WithCause(err)
	}
	return &schema.StageResult{
		StageName: s.Name(),
		Output:    output,
	}, nil
}

// --- write_record ---

// writePayload is the reviewable payload of a proposed field write.
type writePayload struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// WriteRecordStage updates one field on the target record. The first
// invocation builds the proposal and performs no external write; the
// re-run after an Approved or Modified decision executes it, using the
// modified payload when the reviewer supplied one.
type WriteRecordStage struct{}

func NewWriteRecordStage() *WriteRecordStage { return &WriteRecordStage{} }

func (s *WriteRecordStage) Name() string   { return "write_record" }
func (s *WriteRecordStage) Mutating() bool { return true }

func (s *WriteRecordStage) Execute(ctx context.Context, in Input, h *Handle) (*schema.StageResult, error) {
	if in.Decision == nil {
		return s.propose(in)
	}
	return s.write(ctx, in, h)
}

func (s *WriteRecordStage) propose(in Input) (*schema.StageResult, error) {
	field := stringParam(in.Params, "field", "")
	if field == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "write_record: missing required param 'field'")
	}
	value, ok := in.Params["value"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "write_record: missing required param 'value'")
	}

	payload, err := json.Marshal(writePayload{Field: field, Value: value})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "write_record: unserializable value").WithCause(err)
	}
	return &schema.StageResult{
		StageName: s.Name(),
		Mutating:  true,
		Proposed: &schema.ProposedAction{
			Stage:     s.Name(),
			Operation: "write_field",
			TargetID:  in.TargetID,
			Payload:   payload,
			Summary:   fmt.Sprintf("set %q on record %s", field, in.TargetID),
		},
	}, nil
}

func (s *WriteRecordStage) write(ctx context.Context, in Input, h *Handle) (*schema.StageResult, error) {
	switch in.Decision.Status {
	case schema.ApprovalStatusApproved, schema.ApprovalStatusModified:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"write_record: cannot execute under decision %q", in.Decision.Status)
	}

	raw := in.Decision.ModifiedPayload
	if len(raw) == 0 {
		// Unmodified approval: rebuild the payload from the params the
		// proposal was derived from.
		proposed, err := s.propose(in)
		if err != nil {
			return nil, err
		}
		raw = proposed.Proposed.Payload
	}

	var payload writePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "write_record: malformed write payload").WithCause(err)
	}
	if payload.Field == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "write_record: write payload missing 'field'")
	}

	out, err := h.CRM.WriteField(ctx, in.TargetID, payload.Field, payload.Value)
	if err != nil {
		return nil, err
	}
	return &schema.StageResult{
		StageName: s.Name(),
		Mutating:  true,
		Output:    out,
		Events:    []string{"record_updated"},
	}, nil
}

// --- notify ---

// NotifyStage emits a closing notification for the run. Declared as a
// cleanup stage in pipelines so it runs even after Rejected or TimedOut.
type NotifyStage struct{}

func NewNotifyStage() *NotifyStage { return &NotifyStage{} }

func (s *NotifyStage) Name() string   { return "notify" }
func (s *NotifyStage) Mutating() bool { return false }

func (s *NotifyStage) Execute(ctx context.Context, in Input, h *Handle) (*schema.StageResult, error) {
	message := stringParam(in.Params, "message", fmt.Sprintf("pipeline finished for %s", in.TargetID))
	output, _ := json.Marshal(map[string]any{
		"channel": stringParam(in.Params, "channel", "default"),
		"message": message,
	})
	return &schema.StageResult{
		StageName: s.Name(),
		Output:    output,
		Events:    []string{"notification_sent"},
	}, nil
}

// RegisterBuiltins registers every builtin stage kind on the registry.
func RegisterBuiltins(r *Registry) error {
	builtins := []Stage{
		NewFetchRecordStage(),
		NewLoadContextStage(),
		NewAnalyzeStage(),
		NewWriteRecordStage(),
		NewNotifyStage(),
	}
	for _, s := range builtins {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}
