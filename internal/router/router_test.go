package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/internal/logging"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/pkg/schema"
)

type fakeTier struct {
	name  string
	fn    func(ctx context.Context, op Operation) (json.RawMessage, error)
	calls int
}

func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) Execute(ctx context.Context, op Operation) (json.RawMessage, error) {
	f.calls++
	return f.fn(ctx, op)
}

func okTier(name string) *fakeTier {
	return &fakeTier{name: name, fn: func(context.Context, Operation) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true,"tier":"` + name + `"}`), nil
	}}
}

func failingTier(name, code string) *fakeTier {
	return &fakeTier{name: name, fn: func(context.Context, Operation) (json.RawMessage, error) {
		return nil, schema.NewError(code, name+" unavailable")
	}}
}

type memorySink struct {
	mu     sync.Mutex
	events []*store.AuditEvent
}

func (m *memorySink) AppendAudit(_ context.Context, event *store.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memorySink) byType(eventType string) []*store.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.AuditEvent
	for _, e := range m.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestRouter(tiers []Tier) (*Router, *memorySink) {
	sink := &memorySink{}
	r := New(tiers, sink, slog.Default(), DefaultConfig())
	return r, sink
}

func TestCallFirstTierSuccess(t *testing.T) {
	tier1 := okTier("tier1")
	tier2 := okTier("tier2")
	r, sink := newTestRouter([]Tier{tier1, tier2})

	res, err := r.Call(context.Background(), Operation{Name: "fetch_record", TargetID: "acct-1"})
	require.NoError(t, err)
	assert.Equal(t, "tier1", res.Tier)
	assert.Equal(t, 1, tier1.calls)
	assert.Equal(t, 0, tier2.calls, "no fallback on success")

	attempts := sink.byType(schema.EventBackendCall)
	require.Len(t, attempts, 1)
	assert.Equal(t, "tier1", attempts[0].Tier)
}

func TestCallFallsBackOnTransientFailure(t *testing.T) {
	tier1 := failingTier("tier1", schema.ErrCodeTransientBackend)
	tier2 := okTier("tier2")
	r, sink := newTestRouter([]Tier{tier1, tier2})

	res, err := r.Call(context.Background(), Operation{Name: "fetch_record"})
	require.NoError(t, err)
	assert.Equal(t, "tier2", res.Tier)

	// Both the failed and the successful attempt are audited.
	attempts := sink.byType(schema.EventBackendCall)
	require.Len(t, attempts, 2)
	assert.Equal(t, "tier1", attempts[0].Tier)
	assert.Equal(t, "tier2", attempts[1].Tier)
}

func TestCallRateLimitForcesFallback(t *testing.T) {
	tier1 := failingTier("tier1", schema.ErrCodeRateLimited)
	tier2 := okTier("tier2")
	r, _ := newTestRouter([]Tier{tier1, tier2})

	res, err := r.Call(context.Background(), Operation{Name: "bulk_read"})
	require.NoError(t, err)
	assert.Equal(t, "tier2", res.Tier)
	assert.Equal(t, 1, tier1.calls, "rate-limited tier is not retried")
}

func TestCallNonTransientErrorSurfacesDirectly(t *testing.T) {
	tier1 := failingTier("tier1", schema.ErrCodeValidation)
	tier2 := okTier("tier2")
	r, _ := newTestRouter([]Tier{tier1, tier2})

	_, err := r.Call(context.Background(), Operation{Name: "write_field"})
	require.Error(t, err)
	var serr *schema.StewardError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeValidation, serr.Code)
	assert.Equal(t, 0, tier2.calls, "caller errors do not fail over")
	assert.Equal(t, CircuitClosed, r.Breakers().State("tier1"), "caller errors do not count against the breaker")
}

func TestCallAllTiersExhausted(t *testing.T) {
	tier1 := failingTier("tier1", schema.ErrCodeTransientBackend)
	tier2 := failingTier("tier2", schema.ErrCodeTimeout)
	tier3 := failingTier("tier3", schema.ErrCodeTransientBackend)
	r, sink := newTestRouter([]Tier{tier1, tier2, tier3})

	_, err := r.Call(context.Background(), Operation{Name: "fetch_record"})
	require.Error(t, err)
	var serr *schema.StewardError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeAllTiersExhausted, serr.Code)

	failures, ok := serr.Details["failures"].(map[string]string)
	require.True(t, ok)
	assert.Len(t, failures, 3)
	assert.Len(t, sink.byType(schema.EventBackendCall), 3)
}

func TestCallBatchBypassesInteractiveTier(t *testing.T) {
	tier1 := okTier("tier1")
	tier2 := okTier("tier2")
	r, _ := newTestRouter([]Tier{tier1, tier2})

	res, err := r.Call(context.Background(), Operation{Name: "bulk_read", BatchSize: 51})
	require.NoError(t, err)
	assert.Equal(t, "tier2", res.Tier)
	assert.Equal(t, 0, tier1.calls, "batches above the threshold never touch the interactive tier")

	// At the threshold, tier1 still serves the call.
	res, err = r.Call(context.Background(), Operation{Name: "bulk_read", BatchSize: 50})
	require.NoError(t, err)
	assert.Equal(t, "tier1", res.Tier)
}

func TestCircuitOpensAndSkipsTier(t *testing.T) {
	tier1 := failingTier("tier1", schema.ErrCodeTransientBackend)
	tier2 := okTier("tier2")
	r, sink := newTestRouter([]Tier{tier1, tier2})
	ctx := context.Background()

	// Five consecutive failures on tier1; each call still succeeds via tier2.
	for i := 0; i < 5; i++ {
		res, err := r.Call(ctx, Operation{Name: "fetch_record"})
		require.NoError(t, err)
		assert.Equal(t, "tier2", res.Tier)
	}
	assert.Equal(t, 5, tier1.calls)
	assert.Equal(t, CircuitOpen, r.Breakers().State("tier1"))

	// The sixth call routes directly to tier2 without attempting tier1.
	res, err := r.Call(ctx, Operation{Name: "fetch_record"})
	require.NoError(t, err)
	assert.Equal(t, "tier2", res.Tier)
	assert.Equal(t, 5, tier1.calls, "open circuit must be skipped entirely")

	opened := sink.byType(schema.EventCircuitOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, "tier1", opened[0].Tier)
}

func TestProbeSuccessClosesCircuit(t *testing.T) {
	healthy := false
	tier1 := &fakeTier{name: "tier1", fn: func(context.Context, Operation) (json.RawMessage, error) {
		if !healthy {
			return nil, schema.NewError(schema.ErrCodeTransientBackend, "down")
		}
		return json.RawMessage(`{}`), nil
	}}
	tier2 := okTier("tier2")
	r, sink := newTestRouter([]Tier{tier1, tier2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := r.Call(ctx, Operation{Name: "fetch_record"})
		require.NoError(t, err)
	}
	require.Equal(t, CircuitOpen, r.Breakers().State("tier1"))

	// Force the reset window to elapse, then recover the tier.
	probeTime := time.Now().Add(61 * time.Second)
	r.breakers.now = func() time.Time { return probeTime }
	healthy = true

	res, err := r.Call(ctx, Operation{Name: "fetch_record"})
	require.NoError(t, err)
	assert.Equal(t, "tier1", res.Tier, "half-open probe goes to the recovering tier")
	assert.Equal(t, CircuitClosed, r.Breakers().State("tier1"))

	halfOpen := sink.byType(schema.EventCircuitHalfOpen)
	require.Len(t, halfOpen, 1, "probe admission records the half-open transition")
	assert.Equal(t, "tier1", halfOpen[0].Tier)

	closed := sink.byType(schema.EventCircuitClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "tier1", closed[0].Tier)
}

func TestCallAuditCarriesCorrelation(t *testing.T) {
	tier1 := okTier("tier1")
	r, sink := newTestRouter([]Tier{tier1})

	ctx := logging.WithStage(logging.WithRunID(context.Background(), "run-9"), "fetch_record")
	_, err := r.Call(ctx, Operation{Name: "fetch_record"})
	require.NoError(t, err)

	attempts := sink.byType(schema.EventBackendCall)
	require.Len(t, attempts, 1)
	assert.Equal(t, "run-9", attempts[0].RunID)
	assert.Equal(t, "fetch_record", attempts[0].Stage)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(attempts[0].Payload, &payload))
	assert.Equal(t, "success", payload["outcome"])
}
