package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stewardhq/steward/internal/logging"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/pkg/schema"
)

// Operation is a single logical backend call, independent of which tier
// ends up serving it.
type Operation struct {
	Name      string          `json:"name"`
	TargetID  string          `json:"target_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	BatchSize int             `json:"batch_size,omitempty"`
	Write     bool            `json:"write,omitempty"`
}

// Result is the outcome of a routed call.
type Result struct {
	Tier      string          `json:"tier"`
	Output    json.RawMessage `json:"output,omitempty"`
	LatencyMs int64           `json:"latency_ms"`
}

// Tier is one backend channel able to serve logical operations.
// Implementations classify their failures with schema error codes so the
// router can tell transient faults from caller mistakes.
type Tier interface {
	Name() string
	Execute(ctx context.Context, op Operation) (json.RawMessage, error)
}

// AuditSink receives one record per call attempt and circuit transition.
type AuditSink interface {
	AppendAudit(ctx context.Context, event *store.AuditEvent) error
}

// Config holds router tuning knobs.
type Config struct {
	// BatchThreshold is the batch size above which the interactive tier
	// is bypassed entirely.
	BatchThreshold int
	Breaker        BreakerConfig
}

// DefaultConfig returns the standard router configuration.
func DefaultConfig() Config {
	return Config{
		BatchThreshold: 50,
		Breaker:        DefaultBreakerConfig(),
	}
}

// Router routes logical operations across an ordered list of backend
// tiers, skipping tiers whose circuit is open and falling back on
// transient failures. Breaker state is shared across all runs.
type Router struct {
	tiers          []Tier
	breakers       *BreakerRegistry
	audit          AuditSink
	logger         *slog.Logger
	batchThreshold int
}

// New creates a Router over the given tiers, tried in order.
func New(tiers []Tier, audit AuditSink, logger *slog.Logger, config Config) *Router {
	if config.BatchThreshold <= 0 {
		config.BatchThreshold = DefaultConfig().BatchThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		tiers:          tiers,
		breakers:       NewBreakerRegistry(config.Breaker),
		audit:          audit,
		logger:         logger,
		batchThreshold: config.BatchThreshold,
	}
}

// Breakers exposes the shared breaker registry for diagnostics.
func (r *Router) Breakers() *BreakerRegistry { return r.breakers }

// Call executes the operation against the first healthy tier. Tiers are
// tried in their configured order; batches above the threshold skip the
// interactive tier. Each attempt is audited with the tier used and its
// latency. When every tier has been skipped or has failed, the returned
// error carries the per-tier failures.
func (r *Router) Call(ctx context.Context, op Operation) (*Result, error) {
	log := logging.LogWith(ctx, r.logger)

	start := 0
	if len(r.tiers) > 1 && op.BatchSize > r.batchThreshold {
		start = 1
		log.DebugContext(ctx, "batch above threshold, bypassing interactive tier",
			slog.String("operation", op.Name), slog.Int("batch_size", op.BatchSize))
	}

	failures := map[string]string{}
	for i := start; i < len(r.tiers); i++ {
		tier := r.tiers[i]
		name := tier.Name()

		if !r.breakers.Allow(name) {
			failures[name] = "circuit open"
			log.DebugContext(ctx, "skipping tier with open circuit",
				slog.String("tier", name), slog.String("operation", op.Name))
			continue
		}
		if r.breakers.State(name) == CircuitHalfOpen {
			// Allow admits exactly one probe per half-open episode, so
			// this records the Open -> HalfOpen transition once.
			r.recordTransition(ctx, name, schema.EventCircuitHalfOpen)
			log.InfoContext(ctx, "circuit half-open, probing tier", slog.String("tier", name))
		}

		began := time.Now()
		output, err := tier.Execute(ctx, op)
		latency := time.Since(began).Milliseconds()
		r.recordAttempt(ctx, op, name, latency, err)

		if err == nil {
			if prev := r.breakers.RecordSuccess(name); prev == CircuitHalfOpen {
				r.recordTransition(ctx, name, schema.EventCircuitClosed)
				log.InfoContext(ctx, "circuit closed after successful probe", slog.String("tier", name))
			}
			return &Result{Tier: name, Output: output, LatencyMs: latency}, nil
		}

		if !failoverEligible(err) {
			// Caller-contract violations surface directly; they say
			// nothing about the tier's health.
			return nil, err
		}

		before := r.breakers.State(name)
		after := r.breakers.RecordFailure(name)
		if after == CircuitOpen && before != CircuitOpen {
			r.recordTransition(ctx, name, schema.EventCircuitOpened)
			log.WarnContext(ctx, "circuit opened",
				slog.String("tier", name), slog.Any("stats", r.breakers.Stats(name)))
		}
		failures[name] = errorCode(err)
		log.WarnContext(ctx, "tier call failed, falling back",
			slog.String("tier", name), slog.String("operation", op.Name), slog.Any("error", err))
	}

	return nil, schema.NewErrorf(schema.ErrCodeAllTiersExhausted,
		"operation %q failed on all tiers", op.Name).
		WithDetails(map[string]any{
			"operation": op.Name,
			"failures":  failures,
		})
}

func (r *Router) recordAttempt(ctx context.Context, op Operation, tier string, latencyMs int64, callErr error) {
	if r.audit == nil {
		return
	}
	payload := map[string]any{
		"operation": op.Name,
		"outcome":   "success",
	}
	if op.TargetID != "" {
		payload["target_id"] = op.TargetID
	}
	if op.BatchSize > 0 {
		payload["batch_size"] = op.BatchSize
	}
	if callErr != nil {
		payload["outcome"] = "failure"
		payload["error_code"] = errorCode(callErr)
		payload["error"] = callErr.Error()
	}
	raw, _ := json.Marshal(payload)
	event := &store.AuditEvent{
		RunID:     logging.RunID(ctx),
		Stage:     logging.Stage(ctx),
		Type:      schema.EventBackendCall,
		Tier:      tier,
		LatencyMs: latencyMs,
		Payload:   raw,
	}
	if err := r.audit.AppendAudit(ctx, event); err != nil {
		logging.LogWith(ctx, r.logger).ErrorContext(ctx, "failed to append backend call audit record",
			slog.String("tier", tier), slog.Any("error", err))
	}
}

func (r *Router) recordTransition(ctx context.Context, tier, eventType string) {
	if r.audit == nil {
		return
	}
	raw, _ := json.Marshal(r.breakers.Stats(tier))
	event := &store.AuditEvent{
		RunID:   logging.RunID(ctx),
		Type:    eventType,
		Tier:    tier,
		Payload: raw,
	}
	if err := r.audit.AppendAudit(ctx, event); err != nil {
		logging.LogWith(ctx, r.logger).ErrorContext(ctx, "failed to append circuit transition audit record",
			slog.String("tier", tier), slog.Any("error", err))
	}
}

// failoverEligible reports whether a tier failure should advance the
// router to the next tier. Timeouts, transient faults and rate limits
// fail over; anything else is the caller's problem.
func failoverEligible(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var serr *schema.StewardError
	if errors.As(err, &serr) {
		switch serr.Code {
		case schema.ErrCodeTransientBackend, schema.ErrCodeTimeout, schema.ErrCodeRateLimited:
			return true
		}
		return false
	}
	// Unclassified errors are treated as transient; the tier client is
	// expected to classify everything it understands.
	return true
}

func errorCode(err error) string {
	var serr *schema.StewardError
	if errors.As(err, &serr) {
		return serr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.ErrCodeTimeout
	}
	return fmt.Sprintf("%T", err)
}
