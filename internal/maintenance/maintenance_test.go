package maintenance

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/pkg/schema"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "steward.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

type fakeExpirer struct {
	mu      sync.Mutex
	expired []*store.Approval
	calls   int
}

func (f *fakeExpirer) Expire(_ context.Context, _ time.Time) ([]*store.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := f.expired
	f.expired = nil
	return out, nil
}

func (f *fakeExpirer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeHandler struct {
	mu      sync.Mutex
	handled []string
}

func (f *fakeHandler) HandleExpiredApproval(_ context.Context, a *store.Approval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, a.ID)
	return nil
}

func (f *fakeHandler) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.handled...)
}

func TestSweeperTickHandsExpiredApprovalsToHandler(t *testing.T) {
	expirer := &fakeExpirer{expired: []*store.Approval{
		{ID: "a-1", RunID: "run-1"},
		{ID: "a-2", RunID: "run-2"},
	}}
	handler := &fakeHandler{}
	sweeper := NewSweeper(expirer, handler, time.Hour, discard())

	sweeper.Tick(context.Background())
	assert.Equal(t, []string{"a-1", "a-2"}, handler.ids())

	sweeper.Tick(context.Background())
	assert.Len(t, handler.ids(), 2, "nothing left to expire")
}

func TestSweeperStartTicksAndStops(t *testing.T) {
	expirer := &fakeExpirer{}
	sweeper := NewSweeper(expirer, &fakeHandler{}, 10*time.Millisecond, discard())

	require.NoError(t, sweeper.Start(context.Background()))
	require.Error(t, sweeper.Start(context.Background()), "double start")

	require.Eventually(t, func() bool { return expirer.callCount() >= 3 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, sweeper.Stop())
	require.NoError(t, sweeper.Stop(), "idempotent stop")

	calls := expirer.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, expirer.callCount(), "no ticks after stop")
}

func seedTerminalRun(t *testing.T, s *store.LibSQLStore, id string, status schema.RunStatus, age time.Duration, ttlSeconds int) {
	t.Helper()
	created := time.Now().UTC().Add(-age)
	require.NoError(t, s.CreateRun(context.Background(), &store.Run{
		ID:           id,
		TargetID:     "acct-" + id,
		PipelineName: "review",
		Pipeline:     schema.PipelineDefinition{Name: "review", Stages: []schema.StageDescriptor{{Name: "fetch_record"}}},
		Status:       status,
		TTLSeconds:   ttlSeconds,
		CreatedAt:    created,
		UpdatedAt:    created,
	}))
}

func TestArchiverRemovesExpiredTerminalRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedTerminalRun(t, s, "old-done", schema.RunStatusCompleted, 2*time.Hour, 3600)
	seedTerminalRun(t, s, "fresh-done", schema.RunStatusCompleted, time.Minute, 3600)
	seedTerminalRun(t, s, "old-active", schema.RunStatusAwaitingApproval, 2*time.Hour, 3600)

	require.NoError(t, s.UpsertStageRecord(ctx, &store.StageRecord{
		RunID: "old-done", StageIndex: 0, StageName: "fetch_record", Attempts: 1,
	}))
	require.NoError(t, s.CreateApproval(ctx, &store.Approval{
		ID: "a-old", RunID: "old-done", StageName: "fetch_record",
		Status: schema.ApprovalStatusApproved, DeadlineAt: time.Now().UTC(),
	}))

	archiver := NewArchiver(s, "", discard())
	archiver.Tick(ctx)

	_, err := s.GetRun(ctx, "old-done")
	require.Error(t, err, "expired terminal run is deleted")

	_, err = s.GetRun(ctx, "fresh-done")
	require.NoError(t, err, "run within TTL is retained")
	_, err = s.GetRun(ctx, "old-active")
	require.NoError(t, err, "active run is never archived")

	records, err := s.ListStageRecords(ctx, "old-done")
	require.NoError(t, err)
	assert.Empty(t, records)

	latest, err := s.LatestApproval(ctx, "old-done")
	require.NoError(t, err)
	assert.Nil(t, latest)

	// The audit trail survives with a final archival record.
	events, err := s.AuditTrail(ctx, "old-done", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventRunArchived, events[0].Type)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "completed", payload["status"])
}

func TestArchiverRejectsBadSchedule(t *testing.T) {
	archiver := NewArchiver(newTestStore(t), "not a cron spec", discard())
	require.Error(t, archiver.Start(context.Background()))
}

func TestArchiverStartStop(t *testing.T) {
	archiver := NewArchiver(newTestStore(t), "@hourly", discard())
	require.NoError(t, archiver.Start(context.Background()))
	require.Error(t, archiver.Start(context.Background()), "double start")
	require.NoError(t, archiver.Stop())
	require.NoError(t, archiver.Stop(), "idempotent stop")
}
