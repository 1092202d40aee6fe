package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stewardhq/steward/internal/logging"
	"github.com/stewardhq/steward/internal/store"
	"github.com/stewardhq/steward/pkg/schema"
)

const defaultArchiveSchedule = "0 * * * *" // hourly

// Archiver removes terminal runs whose TTL has elapsed, on a cron
// schedule. Each archived run gets a final audit record before its rows
// and approvals are deleted; the audit trail itself is retained.
type Archiver struct {
	store    store.Store
	schedule string
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewArchiver creates an archiver. An empty schedule uses the hourly
// default.
func NewArchiver(s store.Store, schedule string, logger *slog.Logger) *Archiver {
	if schedule == "" {
		schedule = defaultArchiveSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: s, schedule: schedule, logger: logger, now: time.Now}
}

// Start schedules the archival job.
func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cron != nil {
		return fmt.Errorf("archiver already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(a.schedule, func() { a.Tick(ctx) }); err != nil {
		return fmt.Errorf("schedule archival %q: %w", a.schedule, err)
	}
	c.Start()
	a.cron = c
	a.logger.Info("run archiver started", slog.String("schedule", a.schedule))
	return nil
}

// Tick archives every terminal run past its TTL.
func (a *Archiver) Tick(ctx context.Context) {
	expired, err := a.store.ExpiredRuns(ctx, a.now().UTC())
	if err != nil {
		a.logger.Error("failed to list expired runs", slog.Any("error", err))
		return
	}
	archived := 0
	for _, run := range expired {
		rctx := logging.WithRunID(ctx, run.ID)
		if err := a.archiveRun(rctx, run); err != nil {
			logging.LogWith(rctx, a.logger).ErrorContext(rctx, "failed to archive run", slog.Any("error", err))
			continue
		}
		archived++
	}
	if archived > 0 {
		a.logger.Info("archived expired runs", slog.Int("count", archived))
	}
}

func (a *Archiver) archiveRun(ctx context.Context, run *store.Run) error {
	payload, _ := json.Marshal(map[string]any{
		"status":      string(run.Status),
		"pipeline":    run.PipelineName,
		"target_id":   run.TargetID,
		"ttl_seconds": run.TTLSeconds,
	})
	if err := a.store.AppendAudit(ctx, &store.AuditEvent{
		RunID:   run.ID,
		Type:    schema.EventRunArchived,
		Payload: payload,
	}); err != nil {
		return err
	}
	if err := a.store.DeleteApprovalsForRun(ctx, run.ID); err != nil {
		return err
	}
	if err := a.store.DeleteStageRecordsForRun(ctx, run.ID); err != nil {
		return err
	}
	return a.store.DeleteRun(ctx, run.ID)
}

// Stop halts the cron schedule, waiting for a running pass to finish.
func (a *Archiver) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cron == nil {
		return nil
	}
	<-a.cron.Stop().Done()
	a.cron = nil
	a.logger.Info("run archiver stopped")
	return nil
}
